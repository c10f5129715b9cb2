// Package frame provides HTTP/3 frame type definitions and a non-blocking codec.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go/quicvarint"
)

// Type represents HTTP/3 frame types
type Type uint64

// HTTP/3 frame type constants (RFC 9114 Section 7.2)
const (
	FrameData        Type = 0x0
	FrameHeaders     Type = 0x1
	FrameCancelPush  Type = 0x3
	FrameSettings    Type = 0x4
	FramePushPromise Type = 0x5
	FrameGoAway      Type = 0x7
	FrameMaxPushID   Type = 0xd
)

func (t Type) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameHeaders:
		return "HEADERS"
	case FrameCancelPush:
		return "CANCEL_PUSH"
	case FrameSettings:
		return "SETTINGS"
	case FramePushPromise:
		return "PUSH_PROMISE"
	case FrameGoAway:
		return "GOAWAY"
	case FrameMaxPushID:
		return "MAX_PUSH_ID"
	}
	return fmt.Sprintf("UNKNOWN_FRAME(0x%x)", uint64(t))
}

// IsReservedHTTP2 reports whether t is a frame type that only exists in HTTP/2.
// Receiving one is a connection error of type H3_FRAME_UNEXPECTED.
func IsReservedHTTP2(t Type) bool {
	switch t {
	case 0x2, 0x6, 0x8, 0x9:
		return true
	}
	return false
}

// StreamType identifies the role of a unidirectional stream.
type StreamType uint64

// Unidirectional stream types (RFC 9114 Section 6.2, RFC 9204 Section 4.2)
const (
	StreamTypeControl      StreamType = 0x00
	StreamTypePush         StreamType = 0x01
	StreamTypeQPACKEncoder StreamType = 0x02
	StreamTypeQPACKDecoder StreamType = 0x03
)

// Frame represents a generic HTTP/3 frame
type Frame struct {
	Type    Type
	Length  uint64
	Payload []byte
}

var (
	// ErrNeedMoreData signals that the buffer does not yet hold a complete
	// varint or frame. It is not a decode error.
	ErrNeedMoreData = errors.New("frame: need more data")
	// ErrFrameTooLarge is returned when a frame declares a payload larger than allowed.
	ErrFrameTooLarge = errors.New("frame: payload exceeds limit")
	// ErrTruncatedFrame is returned when the stream ends in the middle of a frame.
	ErrTruncatedFrame = errors.New("frame: stream ended inside a frame")
	// ErrMalformedFrame is returned when a frame payload does not match its type's layout.
	ErrMalformedFrame = errors.New("frame: malformed payload")
)

// varintLen returns the encoded length announced by the first byte of a varint.
func varintLen(first byte) int {
	return 1 << (first >> 6)
}

// TryReadVarint decodes one variable-length integer from the front of buf.
// Non-minimal encodings are accepted.
func TryReadVarint(buf []byte) (uint64, int, error) {
	if len(buf) == 0 {
		return 0, 0, ErrNeedMoreData
	}
	n := varintLen(buf[0])
	if len(buf) < n {
		return 0, 0, ErrNeedMoreData
	}
	v, err := quicvarint.Read(bytes.NewReader(buf[:n]))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return v, n, nil
}

// AppendVarint appends the minimal encoding of v.
func AppendVarint(b []byte, v uint64) []byte {
	return quicvarint.Append(b, v)
}

// VarintLen returns the number of bytes of the minimal encoding of v.
func VarintLen(v uint64) int {
	return quicvarint.Len(v)
}

// TryReadFrame decodes one frame from the front of buf. It never blocks and never
// reports partial input as an error: an incomplete frame yields ErrNeedMoreData.
// The returned payload aliases buf. maxPayload of 0 disables the size check.
func TryReadFrame(buf []byte, maxPayload uint64) (Frame, int, error) {
	t, n1, err := TryReadVarint(buf)
	if err != nil {
		return Frame{}, 0, err
	}
	length, n2, err := TryReadVarint(buf[n1:])
	if err != nil {
		return Frame{}, 0, err
	}
	if maxPayload > 0 && length > maxPayload {
		return Frame{}, 0, fmt.Errorf("%w: %s length %d > %d", ErrFrameTooLarge, Type(t), length, maxPayload)
	}
	hdr := n1 + n2
	if uint64(len(buf)-hdr) < length {
		return Frame{}, 0, ErrNeedMoreData
	}
	end := hdr + int(length)
	return Frame{Type: Type(t), Length: length, Payload: buf[hdr:end:end]}, end, nil
}

// AppendFrameHeader appends the type and length prefix of a frame.
func AppendFrameHeader(b []byte, t Type, length uint64) []byte {
	b = quicvarint.Append(b, uint64(t))
	return quicvarint.Append(b, length)
}

// AppendFrame appends a complete frame.
func AppendFrame(b []byte, t Type, payload []byte) []byte {
	b = AppendFrameHeader(b, t, uint64(len(payload)))
	return append(b, payload...)
}

// WriteFrameHeader writes the type and length prefix of a frame to w. The caller
// writes exactly length payload bytes afterwards.
func WriteFrameHeader(w io.Writer, t Type, length uint64) error {
	var hdr [16]byte
	_, err := w.Write(AppendFrameHeader(hdr[:0], t, length))
	return err
}

// Reader pulls frames from a byte stream, buffering partial input.
type Reader struct {
	r          io.Reader
	buf        []byte
	start      int
	maxPayload uint64
	eof        bool
}

// readChunk is the size of each read from the underlying stream.
const readChunk = 4096

// NewReader creates a frame reader over r. maxPayload of 0 disables the size check.
func NewReader(r io.Reader, maxPayload uint64) *Reader {
	return &Reader{r: r, maxPayload: maxPayload}
}

// Reset rebinds the reader to r and drops any buffered bytes.
func (fr *Reader) Reset(r io.Reader, maxPayload uint64) {
	fr.r = r
	fr.buf = fr.buf[:0]
	fr.start = 0
	fr.maxPayload = maxPayload
	fr.eof = false
}

// Buffered returns the number of bytes read from the stream but not yet consumed.
func (fr *Reader) Buffered() int {
	return len(fr.buf) - fr.start
}

// fill reads more bytes from the underlying stream.
func (fr *Reader) fill() error {
	if fr.eof {
		return io.EOF
	}
	if fr.start > 0 && fr.start == len(fr.buf) {
		fr.buf = fr.buf[:0]
		fr.start = 0
	}
	if cap(fr.buf)-len(fr.buf) < readChunk {
		grown := make([]byte, len(fr.buf)-fr.start, len(fr.buf)-fr.start+2*readChunk)
		copy(grown, fr.buf[fr.start:])
		fr.buf = grown
		fr.start = 0
	}
	n, err := fr.r.Read(fr.buf[len(fr.buf):cap(fr.buf)])
	fr.buf = fr.buf[:len(fr.buf)+n]
	if err == io.EOF {
		fr.eof = true
		if n > 0 {
			return nil
		}
	}
	return err
}

// ReadStreamType reads the leading stream-type varint of a unidirectional stream.
// It returns io.EOF if the stream ends before any byte arrives.
func (fr *Reader) ReadStreamType() (StreamType, error) {
	for {
		v, n, err := TryReadVarint(fr.buf[fr.start:])
		if err == nil {
			fr.start += n
			return StreamType(v), nil
		}
		if !errors.Is(err, ErrNeedMoreData) {
			return 0, err
		}
		if ferr := fr.fill(); ferr != nil {
			if ferr == io.EOF && fr.Buffered() > 0 {
				return 0, ErrTruncatedFrame
			}
			return 0, ferr
		}
	}
}

// ReadFrame returns the next frame. It returns io.EOF at a clean frame boundary
// and ErrTruncatedFrame if the stream ends mid-frame. The payload is a copy.
func (fr *Reader) ReadFrame() (Frame, error) {
	for {
		f, n, err := TryReadFrame(fr.buf[fr.start:], fr.maxPayload)
		if err == nil {
			fr.start += n
			payload := make([]byte, len(f.Payload))
			copy(payload, f.Payload)
			f.Payload = payload
			return f, nil
		}
		if !errors.Is(err, ErrNeedMoreData) {
			return Frame{}, err
		}
		if ferr := fr.fill(); ferr != nil {
			if ferr == io.EOF && fr.Buffered() > 0 {
				return Frame{}, ErrTruncatedFrame
			}
			return Frame{}, ferr
		}
	}
}

// ReadFrameHeader reads the type and length of the next frame and leaves the
// payload unread, for callers that stream large payloads through Read.
// It returns io.EOF at a clean frame boundary.
func (fr *Reader) ReadFrameHeader() (Type, uint64, error) {
	for {
		buf := fr.buf[fr.start:]
		t, n1, err := TryReadVarint(buf)
		if err == nil {
			var length uint64
			var n2 int
			length, n2, err = TryReadVarint(buf[n1:])
			if err == nil {
				if fr.maxPayload > 0 && length > fr.maxPayload && Type(t) != FrameData {
					return 0, 0, fmt.Errorf("%w: %s length %d > %d", ErrFrameTooLarge, Type(t), length, fr.maxPayload)
				}
				fr.start += n1 + n2
				return Type(t), length, nil
			}
		}
		if !errors.Is(err, ErrNeedMoreData) {
			return 0, 0, err
		}
		if ferr := fr.fill(); ferr != nil {
			if ferr == io.EOF && fr.Buffered() > 0 {
				return 0, 0, ErrTruncatedFrame
			}
			return 0, 0, ferr
		}
	}
}

// Read reads raw bytes, draining buffered input before touching the stream.
// Callers limit len(p) to the payload bytes they expect.
func (fr *Reader) Read(p []byte) (int, error) {
	if fr.Buffered() > 0 {
		n := copy(p, fr.buf[fr.start:])
		fr.start += n
		return n, nil
	}
	if fr.eof {
		return 0, io.EOF
	}
	n, err := fr.r.Read(p)
	if err == io.EOF {
		fr.eof = true
	}
	return n, err
}

// ReadPayload reads exactly n payload bytes. A stream that ends early yields
// ErrTruncatedFrame.
func (fr *Reader) ReadPayload(n uint64) ([]byte, error) {
	if fr.maxPayload > 0 && n > fr.maxPayload {
		return nil, ErrFrameTooLarge
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(fr, p); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTruncatedFrame
		}
		return nil, err
	}
	return p, nil
}

// Discard skips n payload bytes.
func (fr *Reader) Discard(n uint64) error {
	var scratch [512]byte
	for n > 0 {
		chunk := scratch[:]
		if uint64(len(chunk)) > n {
			chunk = chunk[:n]
		}
		m, err := fr.Read(chunk)
		n -= uint64(m)
		if err != nil {
			if err == io.EOF && n > 0 {
				return ErrTruncatedFrame
			}
			if n > 0 {
				return err
			}
		}
	}
	return nil
}

// Writer handles HTTP/3 frame writing
type Writer struct {
	writer io.Writer
	mu     sync.Mutex
	buf    []byte
}

// NewWriter creates a new frame writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{writer: w}
}

// Reset rebinds the writer to w.
func (w *Writer) Reset(dst io.Writer) {
	w.mu.Lock()
	w.writer = dst
	w.buf = w.buf[:0]
	w.mu.Unlock()
}

// Flush flushes any buffered data
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if flusher, ok := w.writer.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

func (w *Writer) emit(b []byte) error {
	_, err := w.writer.Write(b)
	w.buf = b[:0]
	return err
}

// WriteStreamType writes the stream-type prefix of a unidirectional stream
func (w *Writer) WriteStreamType(t StreamType) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.emit(AppendVarint(w.buf[:0], uint64(t)))
}

// WriteFrame writes a generic frame
func (w *Writer) WriteFrame(t Type, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.emit(AppendFrame(w.buf[:0], t, payload))
}

// WriteSettings writes a SETTINGS frame
func (w *Writer) WriteSettings(s Settings) error {
	return w.WriteFrame(FrameSettings, AppendSettings(nil, s))
}

// WriteHeaders writes a HEADERS frame carrying an encoded field section
func (w *Writer) WriteHeaders(headerBlock []byte) error {
	return w.WriteFrame(FrameHeaders, headerBlock)
}

// WriteData writes a DATA frame. Empty payloads are skipped.
func (w *Writer) WriteData(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := WriteFrameHeader(w.writer, FrameData, uint64(len(data))); err != nil {
		return err
	}
	_, err := w.writer.Write(data)
	return err
}

// WriteGoAway writes a GOAWAY frame
func (w *Writer) WriteGoAway(lastStreamID uint64) error {
	return w.WriteFrame(FrameGoAway, AppendGoAway(nil, lastStreamID))
}
