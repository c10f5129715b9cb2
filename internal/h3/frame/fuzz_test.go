package frame

import (
	"bytes"
	"errors"
	"testing"
)

// FuzzTryReadFrame feeds arbitrary bytes to the decoder.
// It verifies that decoding never panics and that every prefix of a decodable
// input reports ErrNeedMoreData rather than a decode error.
func FuzzTryReadFrame(f *testing.F) {
	f.Add(AppendFrame(nil, FrameData, []byte("hello")))
	f.Add(AppendFrame(nil, FrameSettings, AppendSettings(nil, Settings{SettingMaxFieldSectionSize: 100})))
	f.Add([]byte{0xc0})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) > 1<<16 {
			t.Skip("input too long")
		}
		fr, n, err := TryReadFrame(data, 0)
		if err != nil {
			return
		}
		for i := 0; i < n; i++ {
			if _, _, perr := TryReadFrame(data[:i], 0); !errors.Is(perr, ErrNeedMoreData) {
				t.Fatalf("prefix %d of decodable input: got %v", i, perr)
			}
		}
		// Re-encoding is canonical, so it round-trips to the same frame.
		again, _, err := TryReadFrame(AppendFrame(nil, fr.Type, fr.Payload), 0)
		if err != nil || again.Type != fr.Type || !bytes.Equal(again.Payload, fr.Payload) {
			t.Fatalf("re-encoded frame mismatch: %v", err)
		}
	})
}

// FuzzParseSettings checks that arbitrary SETTINGS payloads never panic and
// that accepted payloads re-encode to an equivalent map.
func FuzzParseSettings(f *testing.F) {
	f.Add(AppendSettings(nil, Settings{SettingMaxFieldSectionSize: 100}))
	f.Add([]byte{0x06})

	f.Fuzz(func(t *testing.T, data []byte) {
		s, err := ParseSettings(data)
		if err != nil {
			return
		}
		back, err := ParseSettings(AppendSettings(nil, s))
		if err != nil {
			t.Fatalf("re-encoded settings rejected: %v", err)
		}
		if len(back) != len(s) {
			t.Fatalf("Expected %d settings, got %d", len(s), len(back))
		}
	})
}
