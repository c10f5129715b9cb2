// Package conn implements the HTTP/3 connection coordinator together with
// the control and request stream handlers it runs.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/albertbausili/celeris-h3/internal/h3/frame"
	"github.com/albertbausili/celeris-h3/internal/h3/headers"
	"github.com/albertbausili/celeris-h3/internal/h3/stream"
	"github.com/albertbausili/celeris-h3/internal/h3/transport"
)

// Connection coordinates every stream of one HTTP/3 connection: it owns the
// control streams, accepts request streams, and drives graceful and abortive
// shutdown.
type Connection struct {
	id      string
	tc      transport.Conn
	handler Handler
	cfg     Config
	codec   headers.Codec
	logger  *zap.Logger
	codes   stream.Codes

	registry *stream.Registry
	pool     *stream.Pool
	workers  *ants.Pool

	// ctx is canceled when the connection closes, gracefully or not.
	ctx    context.Context
	cancel context.CancelCauseFunc
	// acceptCtx stops the request accept loop.
	acceptCtx  context.Context
	stopAccept context.CancelFunc

	settingsReady chan struct{}
	settingsOnce  sync.Once
	controlState  atomic.Int32
	control       *controlSender

	mu             sync.Mutex
	peerSettings   frame.Settings
	peerGoAway     bool
	peerGoAwayID   uint64
	maxPushID      uint64
	hasMaxPushID   bool
	draining       bool
	peerControl    bool
	peerEncoder    bool
	peerDecoder    bool
	errCode        transport.ErrorCode
	hasErrCode     bool
	closeErr       *ConnectionError
	acceptedAny    bool
	lastAcceptedID transport.StreamID

	wg        sync.WaitGroup
	closeOnce sync.Once
	serving   atomic.Bool
	done      chan struct{}
}

// NewConnection wraps a transport connection. Serve must be called to run it.
func NewConnection(tc transport.Conn, handler Handler, cfg Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("conn: nil handler")
	}

	c := &Connection{
		id:            uuid.NewString(),
		tc:            tc,
		handler:       handler,
		cfg:           cfg,
		codec:         cfg.Codec,
		codes:         stream.Codes{NoError: ErrCodeNoError, Internal: ErrCodeInternalError},
		registry:      stream.NewRegistry(),
		settingsReady: make(chan struct{}),
		done:          make(chan struct{}),
	}
	c.logger = cfg.Logger.Named("h3").With(zap.String("conn", c.id), zap.Stringer("remote", tc.RemoteAddr()))
	c.pool = stream.NewPool(cfg.StreamPoolSize, c.codes)
	c.ctx, c.cancel = context.WithCancelCause(context.Background())
	c.acceptCtx, c.stopAccept = context.WithCancel(c.ctx)

	workers, err := ants.NewPool(cfg.MaxConcurrentRequests,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			c.logger.Error("request worker panic", zap.Any("panic", p))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("conn: create worker pool: %w", err)
	}
	c.workers = workers
	return c, nil
}

// ID returns the connection identifier used in logs and hooks.
func (c *Connection) ID() string { return c.id }

// Done is closed once Serve has returned.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Context is canceled when the connection closes.
func (c *Connection) Context() context.Context { return c.ctx }

// Serve opens the local critical streams and processes peer streams until
// the connection closes. Canceling ctx aborts the connection with
// H3_NO_ERROR. It returns the connection error that closed the connection,
// or nil for a clean close.
func (c *Connection) Serve(ctx context.Context) error {
	if !c.serving.CompareAndSwap(false, true) {
		return errors.New("conn: Serve called twice")
	}
	defer close(c.done)
	defer c.workers.Release()

	h3ConnectionsTotal.Inc()
	h3ConnectionsActive.Inc()
	defer h3ConnectionsActive.Dec()
	c.logger.Info("connection opened")

	if err := c.openControl(ctx); err != nil {
		return c.openFailed(ctx, "control stream", err)
	}
	if err := c.openQPACKStreams(ctx); err != nil {
		return c.openFailed(ctx, "QPACK streams", err)
	}

	var g errgroup.Group
	g.Go(c.acceptUniStreams)
	g.Go(c.acceptRequestStreams)
	g.Go(func() error {
		select {
		case <-c.tc.Context().Done():
			c.transportClosed()
		case <-ctx.Done():
			c.Abort(ErrCodeNoError, "server stopped")
		case <-c.ctx.Done():
		}
		return nil
	})
	err := g.Wait()
	c.wg.Wait()

	if err != nil {
		return err
	}
	return c.closed()
}

// openFailed tears down after a local critical stream could not be opened.
// A transport the peer already closed is a peer close, not a local fault.
func (c *Connection) openFailed(ctx context.Context, what string, err error) error {
	switch {
	case c.tc.Context().Err() != nil:
		c.transportClosed()
		return c.closed()
	case ctx.Err() != nil:
		c.Abort(ErrCodeNoError, "server stopped")
		return c.closed()
	}
	c.Abort(ErrCodeInternalError, "cannot open "+what)
	return fmt.Errorf("conn: open %s: %w", what, err)
}

// closed logs the final code and returns the close error unless it was clean.
func (c *Connection) closed() error {
	code, _ := c.ErrorCode()
	c.logger.Info("connection closed", zap.String("code", CodeName(code)))
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil && c.closeErr.Code != ErrCodeNoError {
		return c.closeErr
	}
	return nil
}

// closing reports whether the connection is shutting down or gone.
func (c *Connection) closing() bool {
	return c.ctx.Err() != nil || c.tc.Context().Err() != nil
}

func (c *Connection) activity(id transport.StreamID) {
	if c.cfg.OnStreamActivity != nil {
		c.cfg.OnStreamActivity(c.id, id)
	}
}

func (c *Connection) acceptUniStreams() error {
	for {
		rs, err := c.tc.AcceptUniStream(c.ctx)
		if err != nil {
			c.acceptFailed(err)
			return nil
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.serveUniStream(rs)
		}()
	}
}

func (c *Connection) acceptFailed(err error) {
	if c.closing() {
		if c.ctx.Err() == nil {
			c.transportClosed()
		}
		return
	}
	c.logger.Warn("accept failed", zap.Error(err))
	c.Abort(ErrCodeInternalError, "accept failed")
}

// claimPeerStream marks a critical stream of the given kind as seen and
// reports false if the peer already opened one.
func (c *Connection) claimPeerStream(kind stream.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var seen *bool
	switch kind {
	case stream.KindControl:
		seen = &c.peerControl
	case stream.KindEncoder:
		seen = &c.peerEncoder
	case stream.KindDecoder:
		seen = &c.peerDecoder
	default:
		return true
	}
	if *seen {
		return false
	}
	*seen = true
	return true
}

func (c *Connection) serveUniStream(rs transport.ReceiveStream) {
	id := rs.StreamID()
	s := stream.New(c.ctx, stream.Attach{
		ID:              id,
		Direction:       stream.DirectionRead,
		Recv:            rs,
		MaxFramePayload: c.cfg.MaxControlFrameSize,
	}, c.codes)
	log := c.logger.With(zap.Uint64("stream", uint64(id)))

	typ, err := s.Frames().ReadStreamType()
	if err != nil {
		if errors.Is(err, io.EOF) {
			// an empty stream carries nothing to classify
			s.CompleteRead(nil)
			return
		}
		log.Debug("unidirectional stream failed before its type", zap.Error(err))
		s.CompleteRead(nil)
		return
	}

	kind := stream.KindUnknown
	switch typ {
	case frame.StreamTypeControl:
		kind = stream.KindControl
	case frame.StreamTypePush:
		c.Abort(ErrCodeStreamCreationError, "client opened a push stream")
		return
	case frame.StreamTypeQPACKEncoder:
		kind = stream.KindEncoder
	case frame.StreamTypeQPACKDecoder:
		kind = stream.KindDecoder
	default:
		log.Debug("ignoring unidirectional stream of unknown type", zap.Uint64("type", uint64(typ)))
		s.CompleteRead(streamError(id, ErrCodeStreamCreationError, nil, "unknown stream type 0x%x", uint64(typ)))
		return
	}

	if !c.claimPeerStream(kind) {
		c.Abort(ErrCodeStreamCreationError, fmt.Sprintf("second %s stream", kind))
		return
	}
	s.Classify(kind)
	c.registry.Insert(s)
	defer c.registry.Remove(id)
	h3StreamsTotal.WithLabelValues(kind.String()).Inc()
	if c.cfg.Hooks.StreamCreated != nil {
		c.cfg.Hooks.StreamCreated(c.id, id, kind)
	}

	var cerr *ConnectionError
	if kind == stream.KindControl {
		cerr = c.serveControl(s)
	} else {
		cerr = c.drainQPACKStream(s)
	}
	if cerr != nil {
		c.Abort(cerr.Code, cerr.Reason)
	}
}

// drainQPACKStream consumes an encoder or decoder stream. With a zero table
// capacity the peer has no instructions to send, so the content is ignored.
func (c *Connection) drainQPACKStream(s *stream.Stream) *ConnectionError {
	_, err := io.Copy(io.Discard, s.Frames())
	if c.closing() {
		return nil
	}
	var tce *transport.ConnectionError
	if errors.As(err, &tce) {
		return nil
	}
	return connError(ErrCodeClosedCriticalStream, "%s stream closed", s.Kind())
}

func (c *Connection) acceptRequestStreams() error {
	deadline := time.NewTimer(c.cfg.SettingsTimeout)
	defer deadline.Stop()

	for {
		bs, err := c.tc.AcceptStream(c.acceptCtx)
		if err != nil {
			if c.acceptCtx.Err() != nil {
				return nil
			}
			c.acceptFailed(err)
			return nil
		}
		if !c.awaitSettings(deadline.C) {
			bs.CancelRead(ErrCodeRequestRejected)
			bs.CancelWrite(ErrCodeRequestRejected)
			return nil
		}
		c.acceptRequest(bs)
	}
}

// awaitSettings blocks until the peer's SETTINGS are applied. On expiry the
// connection is aborted with H3_MISSING_SETTINGS.
func (c *Connection) awaitSettings(expired <-chan time.Time) bool {
	select {
	case <-c.settingsReady:
		return true
	default:
	}
	select {
	case <-c.settingsReady:
		return true
	case <-expired:
		c.Abort(ErrCodeMissingSettings, "no SETTINGS received")
		return false
	case <-c.acceptCtx.Done():
		return false
	}
}

// acceptRequest registers a request stream and hands it to a worker.
func (c *Connection) acceptRequest(bs transport.Stream) {
	id := bs.StreamID()
	s := c.pool.Get(c.ctx, stream.Attach{
		ID:         id,
		Direction:  stream.DirectionDuplex,
		Kind:       stream.KindRequest,
		Recv:       bs,
		Send:       bs,
		OnActivity: c.activity,
	})

	// The stream is registered in the same critical section that checks for
	// draining, so a GOAWAY covering id also makes Shutdown wait for it.
	c.mu.Lock()
	reason := ""
	switch {
	case c.draining || (c.peerGoAway && uint64(id) > c.peerGoAwayID):
		reason = "draining"
	case !c.registry.Insert(s):
		reason = "duplicate stream id"
	default:
		if !c.acceptedAny || id > c.lastAcceptedID {
			c.lastAcceptedID = id
		}
		c.acceptedAny = true
	}
	c.mu.Unlock()

	if reason != "" {
		c.rejectRequest(s, reason)
		return
	}
	h3StreamsTotal.WithLabelValues(stream.KindRequest.String()).Inc()
	h3RequestsActive.Inc()
	if c.cfg.Hooks.StreamCreated != nil {
		c.cfg.Hooks.StreamCreated(c.id, id, stream.KindRequest)
	}

	c.wg.Add(1)
	err := c.workers.Submit(func() {
		defer c.wg.Done()
		c.serveRequest(s)
	})
	if err != nil {
		c.wg.Done()
		c.logger.Debug("request rejected", zap.Uint64("stream", uint64(id)), zap.Error(err))
		s.Abort(ErrCodeRequestRejected)
		observeReset(ErrCodeRequestRejected)
		c.finishStream(s, ErrCodeRequestRejected, err)
	}
}

func (c *Connection) rejectRequest(s *stream.Stream, reason string) {
	c.logger.Debug("request rejected", zap.Uint64("stream", uint64(s.ID())), zap.String("reason", reason))
	s.Abort(ErrCodeRequestRejected)
	observeReset(ErrCodeRequestRejected)
	c.pool.Put(s)
}

// finishStream removes a request stream from the registry and reports its outcome.
func (c *Connection) finishStream(s *stream.Stream, code transport.ErrorCode, err error) {
	id := s.ID()
	if c.registry.Remove(id) {
		h3RequestsActive.Dec()
	}
	if c.cfg.Hooks.StreamCompleted != nil {
		c.cfg.Hooks.StreamCompleted(c.id, id, code, err)
	}
	c.pool.Put(s)
}

// PeerSettings returns a copy of the peer's SETTINGS, or nil before they arrive.
func (c *Connection) PeerSettings() frame.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerSettings == nil {
		return nil
	}
	out := make(frame.Settings, len(c.peerSettings))
	for k, v := range c.peerSettings {
		out[k] = v
	}
	return out
}

// peerMaxFieldSectionSize returns the peer's header size limit, if it sent one.
func (c *Connection) peerMaxFieldSectionSize() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.peerSettings[frame.SettingMaxFieldSectionSize]
	return v, ok
}

// ErrorCode returns the connection error code, if one was recorded.
func (c *Connection) ErrorCode() (transport.ErrorCode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errCode, c.hasErrCode
}

// SetErrorCode records the connection error code.
func (c *Connection) SetErrorCode(code transport.ErrorCode) {
	c.mu.Lock()
	c.errCode, c.hasErrCode = code, true
	c.mu.Unlock()
}

// StreamTimedOut aborts a stream an external idle-timeout authority found
// inactive. It reports false if the stream is not live.
func (c *Connection) StreamTimedOut(id transport.StreamID) bool {
	if !c.registry.AbortRequest(id, ErrCodeRequestCancelled) {
		return false
	}
	c.logger.Debug("stream idle timeout", zap.Uint64("stream", uint64(id)))
	observeReset(ErrCodeRequestCancelled)
	return true
}

// ActiveRequests returns the number of request streams in flight.
func (c *Connection) ActiveRequests() int { return c.registry.Requests() }

// Shutdown closes the connection gracefully: it sends GOAWAY, stops accepting
// request streams, waits for in-flight requests, and closes with H3_NO_ERROR.
// If ctx expires first the remaining streams are aborted.
func (c *Connection) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.draining || c.closeErr != nil {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.draining = true
	var last uint64
	if c.acceptedAny {
		last = uint64(c.lastAcceptedID)
	}
	c.mu.Unlock()

	if c.control != nil {
		if err := c.control.sendGoAway(last); err != nil {
			c.logger.Debug("sending GOAWAY failed", zap.Error(err))
		} else {
			h3GoAwaySent.Inc()
		}
	}
	c.stopAccept()
	c.logger.Info("draining", zap.Uint64("last_stream", last), zap.Int("in_flight", c.registry.Requests()))

	if err := c.registry.WaitRequests(ctx); err != nil {
		c.teardown(ErrCodeNoError, ErrCodeRequestCancelled, "shutdown deadline exceeded", false)
		return err
	}
	c.teardown(ErrCodeNoError, ErrCodeNoError, "", false)
	return nil
}

// Abort closes the connection immediately, resetting every live request
// stream with code. It is safe to call more than once.
func (c *Connection) Abort(code transport.ErrorCode, reason string) {
	c.teardown(code, code, reason, false)
}

// transportClosed tears down after the transport closed underneath us.
func (c *Connection) transportClosed() {
	code, reason := ErrCodeNoError, ""
	var tce *transport.ConnectionError
	if errors.As(context.Cause(c.tc.Context()), &tce) {
		code, reason = tce.Code, tce.Reason
	}
	c.teardown(code, ErrCodeRequestCancelled, reason, true)
}

func (c *Connection) teardown(code, streamCode transport.ErrorCode, reason string, closedByTransport bool) {
	c.closeOnce.Do(func() {
		cerr := &ConnectionError{Code: code, Reason: reason}
		c.mu.Lock()
		if !c.hasErrCode {
			c.errCode, c.hasErrCode = code, true
		}
		c.closeErr = cerr
		c.draining = true
		c.mu.Unlock()

		if code != ErrCodeNoError {
			observeAbort(code)
			c.logger.Warn("connection error", zap.String("code", CodeName(code)), zap.String("reason", reason))
		}

		c.stopAccept()
		c.registry.AbortRequests(streamCode)
		c.cancel(cerr)
		if !closedByTransport {
			_ = c.tc.CloseWithError(code, reason)
		}
	})
}
