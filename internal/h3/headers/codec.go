// Package headers holds the field-section codec boundary and request header validation.
package headers

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/quic-go/qpack"
)

// Codec encodes and decodes field sections. Fields are ordered name/value
// pairs; duplicates are preserved.
type Codec interface {
	Encode(fields [][2]string) ([]byte, error)
	Decode(block []byte) ([][2]string, error)
}

// CodecError reports a field section that could not be decoded or encoded.
// It is distinct from framing errors: the frame around the block was intact.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("headers: %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// IsCodecError reports whether err is or wraps a *CodecError.
func IsCodecError(err error) bool {
	var ce *CodecError
	return errors.As(err, &ce)
}

// QPACK is a Codec that uses only the static table and literals, which is
// what QPACK_MAX_TABLE_CAPACITY = 0 permits.
type QPACK struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	encoder *qpack.Encoder
}

// NewQPACK creates a QPACK codec. It is safe for concurrent use.
func NewQPACK() *QPACK {
	q := &QPACK{}
	q.encoder = qpack.NewEncoder(&q.buf)
	return q
}

// Encode encodes fields into a field section. The returned slice is owned by the caller.
func (q *QPACK) Encode(fields [][2]string) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.buf.Reset()
	for _, f := range fields {
		if err := q.encoder.WriteField(qpack.HeaderField{Name: f[0], Value: f[1]}); err != nil {
			_ = q.encoder.Close()
			return nil, &CodecError{Op: "encode", Err: err}
		}
	}
	if err := q.encoder.Close(); err != nil {
		return nil, &CodecError{Op: "encode", Err: err}
	}
	out := make([]byte, q.buf.Len())
	copy(out, q.buf.Bytes())
	return out, nil
}

// Decode decodes a complete field section. A decoder that failed keeps partial
// state, so each call uses a fresh one.
func (q *QPACK) Decode(block []byte) ([][2]string, error) {
	hfs, err := qpack.NewDecoder(nil).DecodeFull(block)
	if err != nil {
		return nil, &CodecError{Op: "decode", Err: err}
	}
	fields := make([][2]string, len(hfs))
	for i, hf := range hfs {
		fields[i] = [2]string{hf.Name, hf.Value}
	}
	return fields, nil
}

// fieldOverhead is the per-field allowance of RFC 9114 Section 4.2.2.
const fieldOverhead = 32

// FieldSectionSize returns the size of fields as counted against MAX_FIELD_SECTION_SIZE.
func FieldSectionSize(fields [][2]string) uint64 {
	var n uint64
	for _, f := range fields {
		n += uint64(len(f[0]) + len(f[1]) + fieldOverhead)
	}
	return n
}
