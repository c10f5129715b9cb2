package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/albertbausili/celeris-h3/internal/date"
	"github.com/albertbausili/celeris-h3/internal/h3/frame"
	"github.com/albertbausili/celeris-h3/internal/h3/headers"
	"github.com/albertbausili/celeris-h3/internal/h3/stream"
	"github.com/albertbausili/celeris-h3/internal/h3/transport"
)

// Handler processes one request. It is called once per request stream, on
// its own goroutine, after the peer's SETTINGS are known.
type Handler interface {
	HandleRequest(ctx context.Context, req *RequestContext) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, req *RequestContext) error

// HandleRequest calls f(ctx, req).
func (f HandlerFunc) HandleRequest(ctx context.Context, req *RequestContext) error {
	return f(ctx, req)
}

// RequestState is the lifecycle state of a request stream.
type RequestState int32

// Request stream states
const (
	RequestCreated RequestState = iota
	RequestHeadersExpected
	RequestHeadersReceived
	RequestComplete
	RequestResponseWriting
	RequestStreamComplete
	RequestAborted
)

func (s RequestState) String() string {
	switch s {
	case RequestCreated:
		return "created"
	case RequestHeadersExpected:
		return "headers-expected"
	case RequestHeadersReceived:
		return "headers-received"
	case RequestComplete:
		return "request-complete"
	case RequestResponseWriting:
		return "response-writing"
	case RequestStreamComplete:
		return "stream-complete"
	case RequestAborted:
		return "aborted"
	}
	return fmt.Sprintf("RequestState(%d)", int32(s))
}

var errFieldSectionTooLarge = errors.New("h3: request field section too large")

// RequestContext is what a Handler sees of one request stream.
type RequestContext struct {
	StreamID   transport.StreamID
	ConnID     string
	RemoteAddr net.Addr
	// Headers holds the decoded request field section in wire order.
	Headers  [][2]string
	Body     *Body
	Response *ResponseWriter

	ctx context.Context
}

// Context is canceled when the stream is aborted or the connection closes.
func (r *RequestContext) Context() context.Context { return r.ctx }

// Header returns the first value of a request field.
func (r *RequestContext) Header(name string) string { return headers.Get(r.Headers, name) }

// Method returns the :method pseudo-header.
func (r *RequestContext) Method() string { return headers.Get(r.Headers, ":method") }

// Path returns the :path pseudo-header.
func (r *RequestContext) Path() string { return headers.Get(r.Headers, ":path") }

// Trailers returns the request trailers once the body has been read to the end.
func (r *RequestContext) Trailers() [][2]string { return r.Body.Trailers() }

// requestStream drives one request stream from HEADERS to completion.
type requestStream struct {
	c     *Connection
	s     *stream.Stream
	log   *zap.Logger
	state atomic.Int32
}

func (rs *requestStream) setState(st RequestState) { rs.state.Store(int32(st)) }

func (rs *requestStream) State() RequestState { return RequestState(rs.state.Load()) }

// serveRequest runs on a worker and always leaves the stream completed.
func (c *Connection) serveRequest(s *stream.Stream) {
	rs := &requestStream{
		c:   c,
		s:   s,
		log: c.logger.With(zap.Uint64("stream", uint64(s.ID()))),
	}
	code, err := rs.serve()
	c.finishStream(s, code, err)
}

func (rs *requestStream) serve() (transport.ErrorCode, error) {
	if rs.c.ctx.Err() != nil {
		rs.abort(ErrCodeRequestCancelled)
		return ErrCodeRequestCancelled, ErrConnectionClosed
	}

	rs.setState(RequestHeadersExpected)
	fields, err := rs.readHeaders()
	if errors.Is(err, errFieldSectionTooLarge) {
		return rs.rejectTooLarge()
	}
	if err != nil {
		return rs.fail(err)
	}
	rs.setState(RequestHeadersReceived)
	if hook := rs.c.cfg.Hooks.HeaderReceived; hook != nil {
		hook(rs.c.id, rs.s.ID(), fields)
	}

	length, hasLength, err := headers.ContentLength(fields)
	if err != nil {
		return rs.fail(streamError(rs.s.ID(), ErrCodeMessageError, err, "invalid content-length"))
	}

	body := &Body{rs: rs, contentLength: length, hasLength: hasLength}
	rw := &ResponseWriter{rs: rs, headOnly: headers.Get(fields, ":method") == "HEAD"}
	req := &RequestContext{
		StreamID:   rs.s.ID(),
		ConnID:     rs.c.id,
		RemoteAddr: rs.c.tc.RemoteAddr(),
		Headers:    fields,
		Body:       body,
		Response:   rw,
		ctx:        rs.s.Context(),
	}

	herr := rs.invoke(req)
	if rs.s.Aborted() {
		rs.setState(RequestAborted)
		code, _ := rs.s.ErrorCode()
		return code, herr
	}
	// a protocol violation seen by the body wins over whatever the handler made of it
	if perr := body.protocolError(); perr != nil {
		herr = perr
	}
	if herr != nil {
		return rs.handlerFailed(rw, herr)
	}
	return rs.complete(rw, nil)
}

func (rs *requestStream) invoke(req *RequestContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			rs.log.Error("handler panic", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("h3: handler panic: %v", r)
		}
	}()
	return rs.c.handler.HandleRequest(req.Context(), req)
}

// complete finishes the response and both stream sides. cause is the
// handler error being answered, if any.
func (rs *requestStream) complete(rw *ResponseWriter, cause error) (transport.ErrorCode, error) {
	rs.setState(RequestResponseWriting)
	if err := rw.finish(); err != nil {
		return rs.fail(err)
	}
	if err := rs.s.CompleteWrite(nil); err != nil {
		return rs.fail(rs.translate(err))
	}
	rs.s.CompleteRead(nil)
	rs.setState(RequestStreamComplete)
	return ErrCodeNoError, cause
}

func (rs *requestStream) handlerFailed(rw *ResponseWriter, err error) (transport.ErrorCode, error) {
	if _, ok := asConnectionError(err); ok {
		return rs.fail(err)
	}
	if _, ok := streamCode(err); ok {
		return rs.fail(err)
	}
	rs.log.Debug("handler failed", zap.Error(err))
	if !rw.Written() {
		rw.reset()
		if werr := rw.WriteHeader(500); werr == nil {
			return rs.complete(rw, err)
		}
	}
	rs.abort(ErrCodeInternalError)
	return ErrCodeInternalError, err
}

// fail resets the stream for stream errors and aborts the connection for
// connection errors.
func (rs *requestStream) fail(err error) (transport.ErrorCode, error) {
	if ce, ok := asConnectionError(err); ok {
		rs.c.Abort(ce.Code, ce.Reason)
		rs.abort(ce.Code)
		return ce.Code, err
	}
	var tce *transport.ConnectionError
	if errors.As(err, &tce) || rs.c.closing() {
		rs.abort(ErrCodeRequestCancelled)
		return ErrCodeRequestCancelled, err
	}
	code, ok := streamCode(err)
	if !ok {
		code = ErrCodeInternalError
	}
	rs.log.Debug("stream error", zap.String("code", CodeName(code)), zap.Stringer("state", rs.State()), zap.Error(err))
	rs.abort(code)
	return code, err
}

func (rs *requestStream) abort(code transport.ErrorCode) {
	if rs.s.Aborted() {
		rs.setState(RequestAborted)
		return
	}
	rs.setState(RequestAborted)
	rs.s.Abort(code)
	observeReset(code)
}

// rejectTooLarge answers a request whose header section exceeds the local
// limit with 431 without running the handler.
func (rs *requestStream) rejectTooLarge() (transport.ErrorCode, error) {
	rs.log.Debug("request header section too large")
	rw := &ResponseWriter{rs: rs}
	if err := rw.WriteHeader(431); err != nil {
		return rs.fail(err)
	}
	return rs.complete(rw, errFieldSectionTooLarge)
}

// controlOnly reports frame types that are a connection error on a request stream.
func controlOnly(t frame.Type) bool {
	switch t {
	case frame.FrameSettings, frame.FrameGoAway, frame.FrameMaxPushID, frame.FrameCancelPush, frame.FramePushPromise:
		return true
	}
	return frame.IsReservedHTTP2(t)
}

func (rs *requestStream) readHeaders() ([][2]string, error) {
	fr := rs.s.Frames()
	id := rs.s.ID()
	limit := rs.c.cfg.MaxFieldSectionSize
	for {
		t, length, err := fr.ReadFrameHeader()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, streamError(id, ErrCodeRequestIncomplete, nil, "stream ended before HEADERS")
			}
			return nil, rs.translate(err)
		}

		switch {
		case t == frame.FrameHeaders:
			// an encoded section never outgrows its decoded size
			if length > limit {
				if err := fr.Discard(length); err != nil {
					return nil, rs.translate(err)
				}
				return nil, errFieldSectionTooLarge
			}
			block, err := fr.ReadPayload(length)
			if err != nil {
				return nil, rs.translate(err)
			}
			fields, err := rs.c.codec.Decode(block)
			if err != nil {
				return nil, streamError(id, ErrCodeQPACKDecompressionFailed, err, "request headers")
			}
			if headers.FieldSectionSize(fields) > limit {
				return nil, errFieldSectionTooLarge
			}
			if err := headers.ValidateRequest(fields); err != nil {
				return nil, streamError(id, ErrCodeMessageError, err, "")
			}
			return fields, nil

		case t == frame.FrameData:
			return nil, streamError(id, ErrCodeFrameUnexpected, nil, "DATA before HEADERS")

		case controlOnly(t):
			return nil, connError(ErrCodeFrameUnexpected, "%s on request stream %d", t, id)

		default:
			if err := fr.Discard(length); err != nil {
				return nil, rs.translate(err)
			}
		}
	}
}

// translate maps frame and transport failures onto stream errors.
func (rs *requestStream) translate(err error) error {
	if err == nil {
		return nil
	}
	id := rs.s.ID()
	var tse *transport.StreamError
	switch {
	case errors.Is(err, frame.ErrTruncatedFrame),
		errors.Is(err, frame.ErrMalformedFrame),
		errors.Is(err, frame.ErrFrameTooLarge):
		return streamError(id, ErrCodeFrameError, err, "")
	case errors.Is(err, stream.ErrAborted):
		code, _ := rs.s.ErrorCode()
		return streamError(id, code, err, "stream aborted")
	case errors.As(err, &tse):
		if tse.Remote {
			return streamError(id, ErrCodeRequestCancelled, err, "canceled by peer")
		}
		return streamError(id, tse.Code, err, "")
	}
	return err
}

// encodeSection encodes a field section for the peer, honoring its
// MAX_FIELD_SECTION_SIZE.
func (rs *requestStream) encodeSection(fields [][2]string) ([]byte, error) {
	if limit, ok := rs.c.peerMaxFieldSectionSize(); ok {
		if size := headers.FieldSectionSize(fields); size > limit {
			return nil, fmt.Errorf("%w: %d > %d", ErrFieldSectionTooLarge, size, limit)
		}
	}
	return rs.c.codec.Encode(fields)
}

// Body reads the request content from DATA frames. A trailing HEADERS frame
// is decoded as trailers.
type Body struct {
	rs *requestStream

	mu            sync.Mutex
	remaining     uint64
	received      int64
	contentLength int64
	hasLength     bool
	trailers      [][2]string
	sawTrailers   bool
	closed        bool
	err           error
	protoErr      error
}

// Read reads DATA payload bytes. It returns io.EOF after the last frame.
func (b *Body) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrBodyClosed
	}
	if b.err != nil {
		return 0, b.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	for b.remaining == 0 {
		if err := b.nextFrame(); err != nil {
			return 0, b.fail(err)
		}
	}

	if uint64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.rs.s.Frames().Read(p)
	b.remaining -= uint64(n)
	b.received += int64(n)
	if b.hasLength && b.received > b.contentLength {
		return n, b.fail(streamError(b.rs.s.ID(), ErrCodeMessageError, nil,
			"body exceeds content-length %d", b.contentLength))
	}
	if err != nil {
		if errors.Is(err, io.EOF) && b.remaining == 0 {
			return n, nil
		}
		if errors.Is(err, io.EOF) {
			err = frame.ErrTruncatedFrame
		}
		return n, b.fail(b.rs.translate(err))
	}
	return n, nil
}

func (b *Body) fail(err error) error {
	b.err = err
	if !errors.Is(err, io.EOF) {
		var se *StreamError
		var ce *ConnectionError
		if errors.As(err, &se) || errors.As(err, &ce) {
			b.protoErr = err
		}
	}
	return err
}

func (b *Body) nextFrame() error {
	rs := b.rs
	id := rs.s.ID()
	fr := rs.s.Frames()

	t, length, err := fr.ReadFrameHeader()
	if err != nil {
		if errors.Is(err, io.EOF) {
			if b.hasLength && b.received != b.contentLength {
				return streamError(id, ErrCodeMessageError, nil,
					"body has %d bytes, content-length is %d", b.received, b.contentLength)
			}
			rs.setState(RequestComplete)
			return io.EOF
		}
		return rs.translate(err)
	}

	switch {
	case t == frame.FrameData:
		if b.sawTrailers {
			return streamError(id, ErrCodeFrameUnexpected, nil, "DATA after trailers")
		}
		b.remaining = length

	case t == frame.FrameHeaders:
		if b.sawTrailers {
			return streamError(id, ErrCodeFrameUnexpected, nil, "second trailer section")
		}
		if length > rs.c.cfg.MaxFieldSectionSize {
			return streamError(id, ErrCodeMessageError, nil, "trailer section too large")
		}
		block, err := fr.ReadPayload(length)
		if err != nil {
			return rs.translate(err)
		}
		fields, err := rs.c.codec.Decode(block)
		if err != nil {
			return streamError(id, ErrCodeQPACKDecompressionFailed, err, "request trailers")
		}
		if err := headers.ValidateTrailers(fields); err != nil {
			return streamError(id, ErrCodeMessageError, err, "")
		}
		b.trailers, b.sawTrailers = fields, true

	case controlOnly(t):
		return connError(ErrCodeFrameUnexpected, "%s on request stream %d", t, id)

	default:
		if err := fr.Discard(length); err != nil {
			return rs.translate(err)
		}
	}
	return nil
}

// Close stops reading. Unread content is refused with STOP_SENDING.
func (b *Body) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.rs.s.CompleteRead(nil)
	return nil
}

// Trailers returns the trailer fields, or nil if none arrived yet.
func (b *Body) Trailers() [][2]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trailers
}

func (b *Body) protocolError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.protoErr
}

// ResponseWriter writes the response on a request stream. Header and DATA
// frames are buffered until Flush or until the handler returns.
type ResponseWriter struct {
	rs       *requestStream
	headOnly bool

	mu          sync.Mutex
	header      headers.Fields
	trailer     headers.Fields
	status      int
	wroteHeader bool
	written     int64
}

// Header returns the response fields sent by WriteHeader.
func (w *ResponseWriter) Header() *headers.Fields { return &w.header }

// WriteHeader sends the header section. Statuses below 200 are sent as
// interim responses and may be followed by another WriteHeader.
func (w *ResponseWriter) WriteHeader(status int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeHeaderLocked(status)
}

func (w *ResponseWriter) writeHeaderLocked(status int) error {
	if w.wroteHeader {
		return ErrHeaderWritten
	}
	if status < 100 || status > 999 {
		return fmt.Errorf("h3: invalid status code %d", status)
	}

	fields := make([][2]string, 0, w.header.Len()+2)
	fields = append(fields, [2]string{":status", strconv.Itoa(status)})
	fields = append(fields, w.header.All()...)
	if status >= 200 && !w.header.Has("date") {
		d := [2]string{"date", date.Current()}
		// date is optional, so it is dropped rather than overflow the peer's limit
		limit, limited := w.rs.c.peerMaxFieldSectionSize()
		if !limited || headers.FieldSectionSize(fields)+headers.FieldSectionSize([][2]string{d}) <= limit {
			fields = append(fields, d)
		}
	}

	block, err := w.rs.encodeSection(fields)
	if err != nil {
		return err
	}
	if err := w.rs.s.FrameWriter().WriteHeaders(block); err != nil {
		return w.rs.translate(err)
	}
	if status >= 200 {
		w.wroteHeader = true
		w.status = status
		w.rs.setState(RequestResponseWriting)
	}
	return nil
}

func bodyAllowed(status int) bool {
	return status != 204 && status != 304
}

// Write sends p as a DATA frame, writing a 200 header first if needed.
func (w *ResponseWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.wroteHeader {
		if err := w.writeHeaderLocked(200); err != nil {
			return 0, err
		}
	}
	if len(p) == 0 {
		return 0, nil
	}
	if w.headOnly {
		return len(p), nil
	}
	if !bodyAllowed(w.status) {
		return 0, ErrBodyNotAllowed
	}
	if err := w.rs.s.FrameWriter().WriteData(p); err != nil {
		return 0, w.rs.translate(err)
	}
	w.written += int64(len(p))
	return len(p), nil
}

// Flush pushes buffered frames to the transport.
func (w *ResponseWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.wroteHeader {
		if err := w.writeHeaderLocked(200); err != nil {
			return err
		}
	}
	return w.rs.translate(w.rs.s.Flush())
}

// SetTrailer adds a trailer field sent after the body.
func (w *ResponseWriter) SetTrailer(name, value string) {
	w.mu.Lock()
	w.trailer.Add(name, value)
	w.mu.Unlock()
}

// Written reports whether the final header section was written.
func (w *ResponseWriter) Written() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wroteHeader
}

// Status returns the final status code, or 0 before WriteHeader.
func (w *ResponseWriter) Status() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// BytesWritten returns the number of body bytes written.
func (w *ResponseWriter) BytesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// reset drops fields set by a failed handler before an error response.
func (w *ResponseWriter) reset() {
	w.mu.Lock()
	w.header.Reset()
	w.trailer.Reset()
	w.mu.Unlock()
}

// finish writes the default header if none was sent, then the trailers.
func (w *ResponseWriter) finish() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.wroteHeader {
		if err := w.writeHeaderLocked(200); err != nil {
			return err
		}
	}
	if w.trailer.Len() == 0 {
		return nil
	}
	fields := w.trailer.All()
	if err := headers.ValidateTrailers(fields); err != nil {
		return fmt.Errorf("h3: invalid response trailers: %w", err)
	}
	block, err := w.rs.encodeSection(fields)
	if err != nil {
		return err
	}
	return w.rs.translate(w.rs.s.FrameWriter().WriteHeaders(block))
}
