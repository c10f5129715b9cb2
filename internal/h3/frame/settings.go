package frame

import (
	"errors"
	"fmt"
	"sort"
)

// SettingID identifies an HTTP/3 setting
type SettingID uint64

// HTTP/3 setting identifiers
const (
	SettingQPACKMaxTableCapacity SettingID = 0x1
	SettingMaxFieldSectionSize   SettingID = 0x6
	SettingQPACKBlockedStreams   SettingID = 0x7
	SettingEnableConnectProtocol SettingID = 0x8
	SettingH3Datagram            SettingID = 0x33
)

func (id SettingID) String() string {
	switch id {
	case SettingQPACKMaxTableCapacity:
		return "QPACK_MAX_TABLE_CAPACITY"
	case SettingMaxFieldSectionSize:
		return "MAX_FIELD_SECTION_SIZE"
	case SettingQPACKBlockedStreams:
		return "QPACK_BLOCKED_STREAMS"
	case SettingEnableConnectProtocol:
		return "ENABLE_CONNECT_PROTOCOL"
	case SettingH3Datagram:
		return "H3_DATAGRAM"
	}
	return fmt.Sprintf("SETTING(0x%x)", uint64(id))
}

// Settings maps setting identifiers to values. Values fit in 62 bits.
type Settings map[SettingID]uint64

var (
	// ErrDuplicateSetting is returned when a SETTINGS frame repeats an identifier.
	ErrDuplicateSetting = errors.New("frame: duplicate setting")
	// ErrReservedSetting is returned for identifiers that only exist in HTTP/2.
	ErrReservedSetting = errors.New("frame: HTTP/2 setting in HTTP/3 SETTINGS")
)

// Get returns the value of id, or def if the peer did not send it.
func (s Settings) Get(id SettingID, def uint64) uint64 {
	if v, ok := s[id]; ok {
		return v
	}
	return def
}

// ParseSettings decodes a SETTINGS payload.
func ParseSettings(payload []byte) (Settings, error) {
	s := make(Settings)
	for len(payload) > 0 {
		id, n, err := TryReadVarint(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: setting identifier", ErrMalformedFrame)
		}
		payload = payload[n:]
		val, n, err := TryReadVarint(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: value of %s", ErrMalformedFrame, SettingID(id))
		}
		payload = payload[n:]

		if id >= 0x2 && id <= 0x5 {
			return nil, fmt.Errorf("%w: 0x%x", ErrReservedSetting, id)
		}
		if _, dup := s[SettingID(id)]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSetting, SettingID(id))
		}
		s[SettingID(id)] = val
	}
	return s, nil
}

// AppendSettings appends the payload of a SETTINGS frame, identifiers in ascending order.
func AppendSettings(b []byte, s Settings) []byte {
	ids := make([]SettingID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		b = AppendVarint(b, uint64(id))
		b = AppendVarint(b, s[id])
	}
	return b
}

// ParseGoAway decodes a GOAWAY payload: exactly one varint.
func ParseGoAway(payload []byte) (uint64, error) {
	id, n, err := TryReadVarint(payload)
	if err != nil || n != len(payload) {
		return 0, fmt.Errorf("%w: GOAWAY", ErrMalformedFrame)
	}
	return id, nil
}

// AppendGoAway appends the payload of a GOAWAY frame.
func AppendGoAway(b []byte, id uint64) []byte {
	return AppendVarint(b, id)
}
