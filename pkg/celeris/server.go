package celeris

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/albertbausili/celeris-h3/internal/date"
	"github.com/albertbausili/celeris-h3/internal/h3/conn"
	"github.com/albertbausili/celeris-h3/internal/h3/quictransport"
	"github.com/albertbausili/celeris-h3/internal/h3/transport"
)

// ErrServerClosed is returned by Serve after Stop or Close.
var ErrServerClosed = errors.New("celeris: server closed")

// Server is an HTTP/3 server. Each accepted connection is served on its
// own goroutine.
type Server struct {
	config  Config
	handler Handler
	logger  *zap.Logger

	mu       sync.Mutex
	listener transport.Listener
	conns    map[string]*conn.Connection
	closed   bool
	stopDate func()
	watchdog *watchdog
	wg       sync.WaitGroup
}

// New creates a new Server with the provided configuration.
func New(config Config) *Server {
	if err := config.Validate(); err != nil {
		panic(err)
	}
	s := &Server{
		config: config,
		logger: config.Logger.Named("celeris"),
		conns:  make(map[string]*conn.Connection),
	}
	if config.StreamIdleTimeout > 0 {
		s.watchdog = newWatchdog(config.StreamIdleTimeout, s.lookupConn)
	}
	return s
}

// NewWithDefaults creates a new Server with default configuration.
func NewWithDefaults() *Server {
	return New(DefaultConfig())
}

// Handler sets the request handler and returns the server for method chaining.
func (s *Server) Handler(handler Handler) *Server {
	s.handler = handler
	return s
}

// ListenAndServe listens on the configured UDP address and serves handler.
func (s *Server) ListenAndServe(handler Handler) error {
	s.handler = handler
	if s.config.CertFile == "" {
		return fmt.Errorf("celeris: HTTP/3 requires cert_file and key_file")
	}
	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		return fmt.Errorf("celeris: load key pair: %w", err)
	}
	ln, err := quictransport.Listen(s.config.Addr, &tls.Config{Certificates: []tls.Certificate{cert}}, quictransport.Config{
		MaxIdleTimeout:        s.config.IdleTimeout,
		HandshakeIdleTimeout:  quictransport.DefaultConfig().HandshakeIdleTimeout,
		MaxIncomingStreams:    int64(s.config.MaxConcurrentStreams),
		MaxIncomingUniStreams: s.config.MaxIncomingUniStreams,
	})
	if err != nil {
		return fmt.Errorf("celeris: listen %s: %w", s.config.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln until it is closed. It always returns
// a non-nil error; after Stop or Close that is ErrServerClosed.
func (s *Server) Serve(ln transport.Listener) error {
	if s.handler == nil {
		return fmt.Errorf("handler not set")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listener = ln
	if s.stopDate == nil {
		s.stopDate = date.StartTicker()
	}
	s.mu.Unlock()

	s.logger.Info("serving HTTP/3", zap.Stringer("addr", ln.Addr()))
	for {
		tc, err := ln.Accept(context.Background())
		if err != nil {
			if s.isClosed() || errors.Is(err, transport.ErrListenerClosed) {
				return ErrServerClosed
			}
			return err
		}
		if err := s.serveConn(tc); err != nil {
			s.logger.Warn("connection rejected", zap.Error(err))
			_ = tc.CloseWithError(conn.ErrCodeInternalError, "")
		}
	}
}

func (s *Server) connConfig() conn.Config {
	cfg := conn.DefaultConfig()
	cfg.MaxFieldSectionSize = s.config.MaxFieldSectionSize
	cfg.MaxConcurrentRequests = s.config.MaxConcurrentStreams
	cfg.SettingsTimeout = s.config.SettingsTimeout
	cfg.Logger = s.config.Logger
	cfg.Hooks.StreamCompleted = s.streamCompleted
	if s.watchdog != nil {
		cfg.Hooks.StreamCreated = s.watchdog.created
		cfg.OnStreamActivity = s.watchdog.activity
	}
	return cfg
}

func (s *Server) streamCompleted(connID string, id transport.StreamID, code transport.ErrorCode, err error) {
	observeStreamOutcome(code)
	if s.watchdog != nil {
		s.watchdog.completed(connID, id, code, err)
	}
}

func (s *Server) serveConn(tc transport.Conn) error {
	c, err := conn.NewConnection(tc, streamHandler(s.handler), s.connConfig())
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.conns[c.ID()] = c
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := c.Serve(context.Background()); err != nil {
			s.logger.Debug("connection ended with error", zap.String("conn", c.ID()), zap.Error(err))
		}
		s.mu.Lock()
		delete(s.conns, c.ID())
		s.mu.Unlock()
	}()
	return nil
}

func (s *Server) lookupConn(id string) (*conn.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// closeListener marks the server closed and returns the live connections.
func (s *Server) closeListener() []*conn.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.stopDate != nil {
		s.stopDate()
		s.stopDate = nil
	}
	conns := make([]*conn.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// Stop gracefully shuts down the server: every connection receives GOAWAY
// and in-flight requests may finish until ctx expires. Without a deadline
// on ctx, Config.ShutdownTimeout applies.
func (s *Server) Stop(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	g := new(errgroup.Group)
	for _, c := range s.closeListener() {
		g.Go(func() error {
			if err := c.Shutdown(ctx); err != nil && !errors.Is(err, conn.ErrConnectionClosed) {
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	s.wg.Wait()
	if s.watchdog != nil {
		s.watchdog.stop()
	}
	return err
}

// Close aborts every connection immediately.
func (s *Server) Close() error {
	for _, c := range s.closeListener() {
		c.Abort(conn.ErrCodeNoError, "server closed")
	}
	s.wg.Wait()
	if s.watchdog != nil {
		s.watchdog.stop()
	}
	return nil
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
