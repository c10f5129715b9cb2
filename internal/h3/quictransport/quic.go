// Package quictransport exposes quic-go connections through the transport
// interfaces used by the HTTP/3 core.
package quictransport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/albertbausili/celeris-h3/internal/h3/transport"
)

// NextProto is the ALPN protocol id of HTTP/3.
const NextProto = "h3"

var (
	_ transport.Listener = (*Listener)(nil)
	_ transport.Conn     = (*Conn)(nil)
)

// Config holds the QUIC settings the server exposes.
type Config struct {
	// MaxIdleTimeout closes a connection without network activity.
	MaxIdleTimeout time.Duration
	// KeepAlivePeriod sends PINGs to keep idle connections open. 0 disables it.
	KeepAlivePeriod time.Duration
	// HandshakeIdleTimeout bounds the handshake.
	HandshakeIdleTimeout time.Duration
	// MaxIncomingStreams limits concurrently open request streams.
	MaxIncomingStreams int64
	// MaxIncomingUniStreams limits concurrently open unidirectional streams.
	MaxIncomingUniStreams int64
}

// DefaultConfig returns the defaults used by the server.
func DefaultConfig() Config {
	return Config{
		MaxIdleTimeout:        30 * time.Second,
		HandshakeIdleTimeout:  5 * time.Second,
		MaxIncomingStreams:    256,
		MaxIncomingUniStreams: 16,
	}
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        c.MaxIdleTimeout,
		KeepAlivePeriod:       c.KeepAlivePeriod,
		HandshakeIdleTimeout:  c.HandshakeIdleTimeout,
		MaxIncomingStreams:    c.MaxIncomingStreams,
		MaxIncomingUniStreams: c.MaxIncomingUniStreams,
	}
}

// tlsConfig clones tlsConf and makes h3 the only ALPN protocol.
func tlsConfig(tlsConf *tls.Config) *tls.Config {
	var cfg *tls.Config
	if tlsConf == nil {
		cfg = &tls.Config{}
	} else {
		cfg = tlsConf.Clone()
	}
	cfg.NextProtos = []string{NextProto}
	if cfg.MinVersion < tls.VersionTLS13 {
		cfg.MinVersion = tls.VersionTLS13
	}
	return cfg
}

// Listener accepts QUIC connections.
type Listener struct {
	ln *quic.Listener
}

// Listen listens for QUIC connections on the UDP address addr.
func Listen(addr string, tlsConf *tls.Config, cfg Config) (*Listener, error) {
	ln, err := quic.ListenAddr(addr, tlsConfig(tlsConf), cfg.quicConfig())
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// Accept waits for the next connection.
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	qc, err := l.ln.Accept(ctx)
	if err != nil {
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, transport.ErrListenerClosed
		}
		return nil, err
	}
	return NewConn(qc), nil
}

// Close stops accepting connections. Established connections stay open.
func (l *Listener) Close() error { return l.ln.Close() }

// Addr returns the local UDP address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Dial opens a client connection, used by tests and tooling.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, cfg Config) (transport.Conn, error) {
	qc, err := quic.DialAddr(ctx, addr, tlsConfig(tlsConf), cfg.quicConfig())
	if err != nil {
		return nil, err
	}
	return NewConn(qc), nil
}

// Conn adapts a *quic.Conn.
type Conn struct {
	qc  *quic.Conn
	ctx context.Context
}

// NewConn wraps qc. The returned context reports the close reason as a
// *transport.ConnectionError.
func NewConn(qc *quic.Conn) *Conn {
	ctx, cancel := context.WithCancelCause(context.Background())
	context.AfterFunc(qc.Context(), func() {
		cancel(translate(context.Cause(qc.Context())))
	})
	return &Conn{qc: qc, ctx: ctx}
}

// AcceptStream accepts the next bidirectional stream.
func (c *Conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	s, err := c.qc.AcceptStream(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return &bidiStream{s: s}, nil
}

// AcceptUniStream accepts the next unidirectional stream.
func (c *Conn) AcceptUniStream(ctx context.Context) (transport.ReceiveStream, error) {
	s, err := c.qc.AcceptUniStream(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return &recvStream{s: s}, nil
}

// OpenStreamSync opens a bidirectional stream, blocking on the peer's stream limit.
func (c *Conn) OpenStreamSync(ctx context.Context) (transport.Stream, error) {
	s, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return &bidiStream{s: s}, nil
}

// OpenUniStreamSync opens a unidirectional stream.
func (c *Conn) OpenUniStreamSync(ctx context.Context) (transport.SendStream, error) {
	s, err := c.qc.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return &sendStream{s: s}, nil
}

// CloseWithError closes the connection with an application error code.
func (c *Conn) CloseWithError(code transport.ErrorCode, reason string) error {
	return c.qc.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func (c *Conn) Context() context.Context { return c.ctx }
func (c *Conn) LocalAddr() net.Addr      { return c.qc.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr     { return c.qc.RemoteAddr() }

type recvStream struct {
	s *quic.ReceiveStream
}

func (r *recvStream) StreamID() transport.StreamID { return transport.StreamID(r.s.StreamID()) }

func (r *recvStream) Read(p []byte) (int, error) {
	n, err := r.s.Read(p)
	return n, translate(err)
}

func (r *recvStream) CancelRead(code transport.ErrorCode) {
	r.s.CancelRead(quic.StreamErrorCode(code))
}

type sendStream struct {
	s *quic.SendStream
}

func (w *sendStream) StreamID() transport.StreamID { return transport.StreamID(w.s.StreamID()) }

func (w *sendStream) Write(p []byte) (int, error) {
	n, err := w.s.Write(p)
	return n, translate(err)
}

func (w *sendStream) Close() error { return translate(w.s.Close()) }

func (w *sendStream) CancelWrite(code transport.ErrorCode) {
	w.s.CancelWrite(quic.StreamErrorCode(code))
}

func (w *sendStream) Context() context.Context { return w.s.Context() }

type bidiStream struct {
	s *quic.Stream
}

func (b *bidiStream) StreamID() transport.StreamID { return transport.StreamID(b.s.StreamID()) }

func (b *bidiStream) Read(p []byte) (int, error) {
	n, err := b.s.Read(p)
	return n, translate(err)
}

func (b *bidiStream) Write(p []byte) (int, error) {
	n, err := b.s.Write(p)
	return n, translate(err)
}

func (b *bidiStream) Close() error { return translate(b.s.Close()) }

func (b *bidiStream) CancelRead(code transport.ErrorCode) {
	b.s.CancelRead(quic.StreamErrorCode(code))
}

func (b *bidiStream) CancelWrite(code transport.ErrorCode) {
	b.s.CancelWrite(quic.StreamErrorCode(code))
}

func (b *bidiStream) Context() context.Context { return b.s.Context() }

// translate maps quic-go errors onto transport errors. io.EOF and unknown
// errors pass through.
func translate(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}
	var se *quic.StreamError
	if errors.As(err, &se) {
		return &transport.StreamError{
			StreamID: transport.StreamID(se.StreamID),
			Code:     transport.ErrorCode(se.ErrorCode),
			Remote:   se.Remote,
		}
	}
	var ae *quic.ApplicationError
	if errors.As(err, &ae) {
		return &transport.ConnectionError{
			Code:   transport.ErrorCode(ae.ErrorCode),
			Reason: ae.ErrorMessage,
			Remote: ae.Remote,
		}
	}
	var te *quic.TransportError
	if errors.As(err, &te) {
		return &transport.ConnectionError{
			Code:   transport.ErrorCode(te.ErrorCode),
			Reason: te.Error(),
			Remote: te.Remote,
		}
	}
	var idle *quic.IdleTimeoutError
	if errors.As(err, &idle) {
		return &transport.ConnectionError{Reason: "idle timeout"}
	}
	return err
}
