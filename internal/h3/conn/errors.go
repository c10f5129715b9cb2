package conn

import (
	"errors"
	"fmt"

	"github.com/albertbausili/celeris-h3/internal/h3/transport"
)

// HTTP/3 application error codes (RFC 9114 Section 8.1, RFC 9204 Section 6).
const (
	ErrCodeNoError                  transport.ErrorCode = 0x100
	ErrCodeGeneralProtocolError     transport.ErrorCode = 0x101
	ErrCodeInternalError            transport.ErrorCode = 0x102
	ErrCodeStreamCreationError      transport.ErrorCode = 0x103
	ErrCodeClosedCriticalStream     transport.ErrorCode = 0x104
	ErrCodeFrameUnexpected          transport.ErrorCode = 0x105
	ErrCodeFrameError               transport.ErrorCode = 0x106
	ErrCodeExcessiveLoad            transport.ErrorCode = 0x107
	ErrCodeIDError                  transport.ErrorCode = 0x108
	ErrCodeSettingsError            transport.ErrorCode = 0x109
	ErrCodeMissingSettings          transport.ErrorCode = 0x10a
	ErrCodeRequestRejected          transport.ErrorCode = 0x10b
	ErrCodeRequestCancelled         transport.ErrorCode = 0x10c
	ErrCodeRequestIncomplete        transport.ErrorCode = 0x10d
	ErrCodeMessageError             transport.ErrorCode = 0x10e
	ErrCodeConnectError             transport.ErrorCode = 0x10f
	ErrCodeVersionFallback          transport.ErrorCode = 0x110
	ErrCodeQPACKDecompressionFailed transport.ErrorCode = 0x200
	ErrCodeQPACKEncoderStreamError  transport.ErrorCode = 0x201
	ErrCodeQPACKDecoderStreamError  transport.ErrorCode = 0x202
)

var codeNames = map[transport.ErrorCode]string{
	ErrCodeNoError:                  "H3_NO_ERROR",
	ErrCodeGeneralProtocolError:     "H3_GENERAL_PROTOCOL_ERROR",
	ErrCodeInternalError:            "H3_INTERNAL_ERROR",
	ErrCodeStreamCreationError:      "H3_STREAM_CREATION_ERROR",
	ErrCodeClosedCriticalStream:     "H3_CLOSED_CRITICAL_STREAM",
	ErrCodeFrameUnexpected:          "H3_FRAME_UNEXPECTED",
	ErrCodeFrameError:               "H3_FRAME_ERROR",
	ErrCodeExcessiveLoad:            "H3_EXCESSIVE_LOAD",
	ErrCodeIDError:                  "H3_ID_ERROR",
	ErrCodeSettingsError:            "H3_SETTINGS_ERROR",
	ErrCodeMissingSettings:          "H3_MISSING_SETTINGS",
	ErrCodeRequestRejected:          "H3_REQUEST_REJECTED",
	ErrCodeRequestCancelled:         "H3_REQUEST_CANCELLED",
	ErrCodeRequestIncomplete:        "H3_REQUEST_INCOMPLETE",
	ErrCodeMessageError:             "H3_MESSAGE_ERROR",
	ErrCodeConnectError:             "H3_CONNECT_ERROR",
	ErrCodeVersionFallback:          "H3_VERSION_FALLBACK",
	ErrCodeQPACKDecompressionFailed: "QPACK_DECOMPRESSION_FAILED",
	ErrCodeQPACKEncoderStreamError:  "QPACK_ENCODER_STREAM_ERROR",
	ErrCodeQPACKDecoderStreamError:  "QPACK_DECODER_STREAM_ERROR",
}

// CodeName returns the registered name of an HTTP/3 error code.
func CodeName(code transport.ErrorCode) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("H3_ERROR(0x%x)", uint64(code))
}

// ConnectionError is a failure that terminates the whole connection.
type ConnectionError struct {
	Code   transport.ErrorCode
	Reason string
}

func (e *ConnectionError) Error() string {
	if e.Reason == "" {
		return "h3: connection error " + CodeName(e.Code)
	}
	return fmt.Sprintf("h3: connection error %s: %s", CodeName(e.Code), e.Reason)
}

func connError(code transport.ErrorCode, format string, args ...any) *ConnectionError {
	return &ConnectionError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// StreamError is a failure confined to one stream. The stream is reset
// with Code and the connection carries on.
type StreamError struct {
	StreamID transport.StreamID
	Code     transport.ErrorCode
	Reason   string
	Err      error
}

func (e *StreamError) Error() string {
	msg := fmt.Sprintf("h3: stream %d error %s", e.StreamID, CodeName(e.Code))
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StreamError) Unwrap() error { return e.Err }

// StreamErrorCode is the code the stream is reset with.
func (e *StreamError) StreamErrorCode() transport.ErrorCode { return e.Code }

func streamError(id transport.StreamID, code transport.ErrorCode, err error, format string, args ...any) *StreamError {
	return &StreamError{StreamID: id, Code: code, Reason: fmt.Sprintf(format, args...), Err: err}
}

// ErrFieldSectionTooLarge is returned by ResponseWriter when an encoded
// header section exceeds the peer's MAX_FIELD_SECTION_SIZE.
var ErrFieldSectionTooLarge = errors.New("h3: field section exceeds peer limit")

// ErrBodyNotAllowed is returned by ResponseWriter.Write for responses that
// cannot carry content.
var ErrBodyNotAllowed = errors.New("h3: response status does not allow a body")

// ErrHeaderWritten is returned by WriteHeader after the final header section.
var ErrHeaderWritten = errors.New("h3: response header already written")

// ErrBodyClosed is returned by Body.Read after Close.
var ErrBodyClosed = errors.New("h3: read on closed body")

// ErrConnectionClosed is returned by operations on a connection that has
// been shut down or aborted.
var ErrConnectionClosed = errors.New("h3: connection closed")

// asConnectionError reports whether err carries a connection-level failure.
func asConnectionError(err error) (*ConnectionError, bool) {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// streamCode returns the stream error code err carries, if any.
func streamCode(err error) (transport.ErrorCode, bool) {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Code, true
	}
	var te *transport.StreamError
	if errors.As(err, &te) {
		if te.Remote {
			return ErrCodeRequestCancelled, true
		}
		return te.Code, true
	}
	return 0, false
}
