// Package stream wraps transport streams with directional capability,
// independent read/write completion, and an error-code slot.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/albertbausili/celeris-h3/internal/h3/frame"
	"github.com/albertbausili/celeris-h3/internal/h3/transport"
)

// Direction is the data-flow capability of a stream
type Direction uint8

// Stream directions
const (
	DirectionRead Direction = 1 << iota
	DirectionWrite
	DirectionDuplex = DirectionRead | DirectionWrite
)

// CanRead reports whether the stream has a receive side.
func (d Direction) CanRead() bool { return d&DirectionRead != 0 }

// CanWrite reports whether the stream has a send side.
func (d Direction) CanWrite() bool { return d&DirectionWrite != 0 }

func (d Direction) String() string {
	switch d {
	case DirectionRead:
		return "read"
	case DirectionWrite:
		return "write"
	case DirectionDuplex:
		return "duplex"
	}
	return fmt.Sprintf("Direction(%d)", uint8(d))
}

// Kind is the role of a stream on the connection
type Kind int

// Stream kinds
const (
	KindUnknown Kind = iota
	KindControl
	KindPush
	KindEncoder
	KindDecoder
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindPush:
		return "push"
	case KindEncoder:
		return "encoder"
	case KindDecoder:
		return "decoder"
	case KindRequest:
		return "request"
	}
	return "unknown"
}

var (
	// ErrNotReadable is returned by Read on a write-only stream.
	ErrNotReadable = errors.New("stream: not readable")
	// ErrNotWritable is returned by Write on a read-only stream.
	ErrNotWritable = errors.New("stream: not writable")
	// ErrReadCompleted is returned by Read after CompleteRead.
	ErrReadCompleted = errors.New("stream: read side completed")
	// ErrWriteCompleted is returned by Write after CompleteWrite.
	ErrWriteCompleted = errors.New("stream: write side completed")
	// ErrAborted is returned by Read and Write after Abort.
	ErrAborted = errors.New("stream: aborted")
)

// Codes are the application error codes a stream uses when a side is
// completed without an explicit code.
type Codes struct {
	// NoError accompanies STOP_SENDING when a clean read completes early.
	NoError transport.ErrorCode
	// Internal resets a side completed with an error that carries no code.
	Internal transport.ErrorCode
}

// codeCarrier is implemented by errors that name the code to reset with.
type codeCarrier interface {
	StreamErrorCode() transport.ErrorCode
}

// CodeOf returns the error code err carries, or def.
func CodeOf(err error, def transport.ErrorCode) transport.ErrorCode {
	var cc codeCarrier
	if errors.As(err, &cc) {
		return cc.StreamErrorCode()
	}
	var se *transport.StreamError
	if errors.As(err, &se) {
		return se.Code
	}
	return def
}

// Attach describes the transport stream a Stream wraps.
type Attach struct {
	ID        transport.StreamID
	Direction Direction
	Kind      Kind
	Recv      transport.ReceiveStream
	Send      transport.SendStream
	// MaxFramePayload bounds non-DATA frames read through Frames. 0 disables the check.
	MaxFramePayload uint64
	// OnActivity is called after every read or write that moved bytes.
	OnActivity func(transport.StreamID)
}

// writeBufferSize is the size of the buffered writer under Frames.
const writeBufferSize = 16 << 10

// Stream is one transport stream with independently completing sides.
type Stream struct {
	id         transport.StreamID
	dir        Direction
	kind       Kind
	recv       transport.ReceiveStream
	send       transport.SendStream
	codes      Codes
	onActivity func(transport.StreamID)

	reader *frame.Reader
	bw     *bufio.Writer
	writer *frame.Writer

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu          sync.Mutex
	readDone    chan struct{}
	writeDone   chan struct{}
	done        chan struct{}
	readClosed  bool
	writeClosed bool
	doneClosed  bool
	sawEOF      bool
	aborted     bool
	code        transport.ErrorCode
	hasCode     bool
}

// New creates a Stream that is not pooled.
func New(parent context.Context, a Attach, codes Codes) *Stream {
	s := &Stream{
		reader: frame.NewReader(nil, 0),
		bw:     bufio.NewWriterSize(nil, writeBufferSize),
		writer: frame.NewWriter(nil),
	}
	s.reset(parent, a, codes)
	return s
}

func (s *Stream) reset(parent context.Context, a Attach, codes Codes) {
	if a.Direction == 0 {
		a.Direction = DirectionDuplex
	}
	s.id = a.ID
	s.dir = a.Direction
	s.kind = a.Kind
	s.recv = a.Recv
	s.send = a.Send
	s.codes = codes
	s.onActivity = a.OnActivity

	s.reader.Reset(s, a.MaxFramePayload)
	s.bw.Reset(s)
	s.writer.Reset(s.bw)

	s.ctx, s.cancel = context.WithCancelCause(parent)
	s.readDone = make(chan struct{})
	s.writeDone = make(chan struct{})
	s.done = make(chan struct{})
	s.readClosed, s.writeClosed, s.doneClosed = false, false, false
	s.sawEOF, s.aborted = false, false
	s.code, s.hasCode = 0, false

	if !s.dir.CanRead() {
		s.readClosed = true
		close(s.readDone)
	}
	if !s.dir.CanWrite() {
		s.writeClosed = true
		close(s.writeDone)
	}
}

// release drops references to the transport so a pooled Stream does not pin it.
func (s *Stream) release() {
	s.recv = nil
	s.send = nil
	s.onActivity = nil
	s.reader.Reset(nil, 0)
	s.bw.Reset(nil)
	s.writer.Reset(nil)
}

// ID returns the transport stream id.
func (s *Stream) ID() transport.StreamID { return s.id }

// Classify sets the role of a stream whose type was read from the wire.
// It must be called before the stream is shared.
func (s *Stream) Classify(k Kind) { s.kind = k }

// Direction returns the stream's capability.
func (s *Stream) Direction() Direction { return s.dir }

// Kind returns the stream's role.
func (s *Stream) Kind() Kind { return s.kind }

// Context is canceled when the stream is aborted, when both sides complete,
// or when the parent context passed at creation is canceled.
func (s *Stream) Context() context.Context { return s.ctx }

// Frames returns the frame reader bound to the receive side.
func (s *Stream) Frames() *frame.Reader { return s.reader }

// FrameWriter returns the buffered frame writer bound to the send side.
// Frames reach the transport on Flush or when the buffer fills.
func (s *Stream) FrameWriter() *frame.Writer { return s.writer }

// Flush pushes buffered frames to the transport.
func (s *Stream) Flush() error { return s.writer.Flush() }

// Read reads from the receive side. It returns io.EOF at end of stream.
func (s *Stream) Read(p []byte) (int, error) {
	if !s.dir.CanRead() {
		return 0, ErrNotReadable
	}
	s.mu.Lock()
	if s.readClosed {
		aborted := s.aborted
		s.mu.Unlock()
		if aborted {
			return 0, ErrAborted
		}
		return 0, ErrReadCompleted
	}
	s.mu.Unlock()

	n, err := s.recv.Read(p)
	if n > 0 && s.onActivity != nil {
		s.onActivity(s.id)
	}
	if err == io.EOF {
		s.mu.Lock()
		s.sawEOF = true
		s.mu.Unlock()
	}
	return n, err
}

// Write writes to the send side, bypassing the frame buffer.
func (s *Stream) Write(p []byte) (int, error) {
	if !s.dir.CanWrite() {
		return 0, ErrNotWritable
	}
	s.mu.Lock()
	if s.writeClosed {
		aborted := s.aborted
		s.mu.Unlock()
		if aborted {
			return 0, ErrAborted
		}
		return 0, ErrWriteCompleted
	}
	s.mu.Unlock()

	n, err := s.send.Write(p)
	if n > 0 && s.onActivity != nil {
		s.onActivity(s.id)
	}
	return n, err
}

// CompleteRead finishes the receive side. With a nil error the side ends
// cleanly, sending STOP_SENDING with the no-error code if end of stream was
// not reached. A non-nil error stops the peer with the error's code.
func (s *Stream) CompleteRead(err error) {
	s.mu.Lock()
	if s.readClosed {
		s.mu.Unlock()
		return
	}
	s.readClosed = true
	sawEOF := s.sawEOF
	code := s.codes.NoError
	if err != nil {
		code = CodeOf(err, s.codes.Internal)
		s.recordLocked(code)
	}
	s.mu.Unlock()

	if err != nil || !sawEOF {
		s.recv.CancelRead(code)
	}
	close(s.readDone)
	s.maybeDone()
}

// CompleteWrite finishes the send side. With a nil error buffered frames are
// flushed and the stream is closed with FIN; otherwise it is reset with the
// error's code.
func (s *Stream) CompleteWrite(err error) error {
	s.mu.Lock()
	if s.writeClosed {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.writeClosed = true
		code := CodeOf(err, s.codes.Internal)
		s.recordLocked(code)
		s.mu.Unlock()
		s.send.CancelWrite(code)
		close(s.writeDone)
		s.maybeDone()
		return nil
	}
	s.mu.Unlock()

	ferr := s.writer.Flush()

	s.mu.Lock()
	if s.writeClosed {
		s.mu.Unlock()
		return ferr
	}
	s.writeClosed = true
	s.mu.Unlock()

	if ferr == nil {
		ferr = s.send.Close()
	} else {
		s.send.CancelWrite(CodeOf(ferr, s.codes.Internal))
	}
	close(s.writeDone)
	s.maybeDone()
	return ferr
}

// Abort closes both sides immediately and records code.
func (s *Stream) Abort(code transport.ErrorCode) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	s.recordLocked(code)
	closeRead := !s.readClosed
	closeWrite := !s.writeClosed
	s.readClosed, s.writeClosed = true, true
	s.mu.Unlock()

	if closeRead {
		s.recv.CancelRead(code)
		close(s.readDone)
	}
	if closeWrite {
		s.send.CancelWrite(code)
		close(s.writeDone)
	}
	s.cancel(&transport.StreamError{StreamID: s.id, Code: code})
	s.maybeDone()
}

// recordLocked keeps the first code recorded.
func (s *Stream) recordLocked(code transport.ErrorCode) {
	if !s.hasCode {
		s.code, s.hasCode = code, true
	}
}

func (s *Stream) maybeDone() {
	s.mu.Lock()
	if s.doneClosed || !s.readClosed || !s.writeClosed {
		s.mu.Unlock()
		return
	}
	s.doneClosed = true
	s.mu.Unlock()
	close(s.done)
	s.cancel(context.Canceled)
}

// ErrorCode returns the code recorded by an error completion or abort.
func (s *Stream) ErrorCode() (transport.ErrorCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, s.hasCode
}

// Aborted reports whether Abort was called.
func (s *Stream) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// ReadDone is closed when the receive side completes.
func (s *Stream) ReadDone() <-chan struct{} { return s.readDone }

// WriteDone is closed when the send side completes.
func (s *Stream) WriteDone() <-chan struct{} { return s.writeDone }

// Done is closed when both sides have completed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Reusable reports whether the Stream may go back to a Pool: both sides
// are complete and an abort left no unread bytes behind. The frame reader
// is not guarded by mu, so Reusable must not race a reader; see Pool.Put.
func (s *Stream) Reusable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.readClosed || !s.writeClosed {
		return false
	}
	if s.aborted && s.dir.CanRead() && (!s.sawEOF || s.reader.Buffered() > 0) {
		return false
	}
	return true
}
