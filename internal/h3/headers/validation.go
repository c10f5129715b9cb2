package headers

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// MessageError reports a malformed request or trailer section (H3_MESSAGE_ERROR).
type MessageError struct {
	Reason string
}

func (e *MessageError) Error() string {
	return "headers: malformed message: " + e.Reason
}

func messageErrorf(format string, args ...any) error {
	return &MessageError{Reason: fmt.Sprintf(format, args...)}
}

func validateField(name, value string) error {
	if name == "" {
		return messageErrorf("empty header field name")
	}
	if name != strings.ToLower(name) {
		return messageErrorf("header field name must be lowercase: %s", name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return messageErrorf("invalid value for header %s", name)
	}
	if name[0] == ':' {
		return nil
	}
	if !httpguts.ValidHeaderFieldName(name) {
		return messageErrorf("invalid header field name: %q", name)
	}

	switch name {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return messageErrorf("connection-specific header not allowed: %s", name)
	case "te":
		if value != "trailers" {
			return messageErrorf("TE header must be 'trailers', got: %s", value)
		}
	}
	return nil
}

// ValidateRequest checks a decoded request field section.
func ValidateRequest(fields [][2]string) error {
	var (
		method, scheme, path, authority, protocol string
		seenRegular                               bool
		seenPseudo                                = make(map[string]bool, 5)
	)

	for _, f := range fields {
		name, value := f[0], f[1]
		if err := validateField(name, value); err != nil {
			return err
		}

		if name[0] != ':' {
			seenRegular = true
			continue
		}
		if seenRegular {
			return messageErrorf("pseudo-header %s appears after regular header", name)
		}
		if seenPseudo[name] {
			return messageErrorf("duplicate pseudo-header: %s", name)
		}
		seenPseudo[name] = true

		switch name {
		case ":method":
			method = value
		case ":scheme":
			scheme = value
		case ":path":
			path = value
			if value == "" {
				return messageErrorf("empty :path pseudo-header")
			}
		case ":authority":
			authority = value
		case ":protocol":
			protocol = value
		default:
			return messageErrorf("unknown pseudo-header: %s", name)
		}
	}

	if !seenPseudo[":method"] || method == "" {
		return messageErrorf("missing required :method pseudo-header")
	}
	if method == "CONNECT" && protocol == "" {
		if seenPseudo[":scheme"] || seenPseudo[":path"] {
			return messageErrorf("CONNECT request must not carry :scheme or :path")
		}
		if authority == "" {
			return messageErrorf("CONNECT request requires :authority")
		}
		return nil
	}
	if seenPseudo[":protocol"] && method != "CONNECT" {
		return messageErrorf(":protocol is only valid with CONNECT")
	}
	if scheme == "" {
		return messageErrorf("missing required :scheme pseudo-header")
	}
	if path == "" {
		return messageErrorf("missing required :path pseudo-header")
	}
	return nil
}

// ValidateTrailers checks a trailing field section. Trailers carry no pseudo-headers.
func ValidateTrailers(fields [][2]string) error {
	for _, f := range fields {
		if err := validateField(f[0], f[1]); err != nil {
			return err
		}
		if f[0][0] == ':' {
			return messageErrorf("pseudo-header not allowed in trailers: %s", f[0])
		}
	}
	return nil
}

// ValidateResponse checks a response field section before it is encoded.
func ValidateResponse(fields [][2]string) error {
	seenStatus := false
	for i, f := range fields {
		if err := validateField(f[0], f[1]); err != nil {
			return err
		}
		if f[0][0] != ':' {
			continue
		}
		if f[0] != ":status" || i != 0 {
			return messageErrorf("unexpected pseudo-header in response: %s", f[0])
		}
		seenStatus = true
	}
	if !seenStatus {
		return messageErrorf("missing :status")
	}
	return nil
}

// ContentLength returns the declared content-length. Repeated values must agree.
func ContentLength(fields [][2]string) (int64, bool, error) {
	var (
		n     int64
		found bool
	)
	for _, f := range fields {
		if f[0] != "content-length" {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(f[1]), 10, 63)
		if err != nil {
			return 0, false, messageErrorf("invalid content-length value: %s", f[1])
		}
		if found && int64(v) != n {
			return 0, false, messageErrorf("conflicting content-length values")
		}
		n, found = int64(v), true
	}
	return n, found, nil
}

// Get returns the first value of name.
func Get(fields [][2]string, name string) string {
	for _, f := range fields {
		if f[0] == name {
			return f[1]
		}
	}
	return ""
}
