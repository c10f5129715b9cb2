package celeris

import (
	"context"
	"errors"
	"io"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/albertbausili/celeris-h3/internal/h3/conn"
	"github.com/albertbausili/celeris-h3/internal/h3/transport"
)

func TestNew(t *testing.T) {
	config := DefaultConfig()
	config.Addr = ":9443"
	server := New(config)

	if server.config.Addr != ":9443" {
		t.Errorf("Expected addr :9443, got %s", server.config.Addr)
	}
	if server.watchdog != nil {
		t.Error("Expected no stream watchdog without StreamIdleTimeout")
	}
}

func TestNew_InvalidConfigPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected New to panic on an invalid config")
		}
	}()
	New(Config{MaxConcurrentStreams: -1})
}

func TestServer_Handler(t *testing.T) {
	server := NewWithDefaults()
	handler := HandlerFunc(func(ctx *Context) error {
		return ctx.String(200, "ok")
	})

	if server.Handler(handler) != server {
		t.Error("Expected Handler to return server for chaining")
	}
	if server.handler == nil {
		t.Error("Expected handler to be set")
	}
}

func TestServer_ServeWithoutHandler(t *testing.T) {
	if err := NewWithDefaults().Serve(transport.NewMemListener()); err == nil {
		t.Error("Expected error without a handler")
	}
}

func TestServer_ListenAndServeRequiresTLS(t *testing.T) {
	err := NewWithDefaults().ListenAndServe(HandlerFunc(func(_ *Context) error { return nil }))
	if err == nil {
		t.Error("Expected error without a certificate")
	}
}

func TestServer_StopBeforeServe(t *testing.T) {
	server := NewWithDefaults().Handler(HandlerFunc(func(_ *Context) error { return nil }))
	if err := server.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := server.Serve(transport.NewMemListener()); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Expected ErrServerClosed from Serve after Stop, got %v", err)
	}
}

func TestServer_RoundTrip(t *testing.T) {
	handler := Chain(RequestID())(HandlerFunc(func(ctx *Context) error {
		body, err := ctx.BodyBytes()
		if err != nil {
			return err
		}
		ctx.SetTrailer("x-served", "yes")
		return ctx.JSON(200, map[string]string{
			"path":   ctx.Path(),
			"body":   string(body),
			"stream": strconv.FormatUint(uint64(ctx.StreamID), 10),
		})
	}))
	s, client := startServer(t, handler, func(c *Config) { c.Logger = zaptest.NewLogger(t) })

	resp := client.do("POST", "/echo", []byte("hello"), [2]string{"content-length", "5"})

	if resp.header(":status") != "200" {
		t.Fatalf("Expected status 200, got %s", resp.header(":status"))
	}
	want := `{"body":"hello","path":"/echo","stream":"0"}`
	if string(resp.body) != want {
		t.Errorf("Expected %s, got %s", want, resp.body)
	}
	if resp.header("content-length") != strconv.Itoa(len(want)) {
		t.Errorf("Expected content-length %d, got %s", len(want), resp.header("content-length"))
	}
	if resp.header("x-request-id") == "" {
		t.Error("Expected x-request-id from middleware")
	}
	if resp.header("date") == "" {
		t.Error("Expected date header")
	}
	if len(resp.trailers) != 1 || resp.trailers[0] != [2]string{"x-served", "yes"} {
		t.Errorf("Expected trailer x-served, got %v", resp.trailers)
	}
	if s.ActiveConnections() != 1 {
		t.Errorf("Expected 1 active connection, got %d", s.ActiveConnections())
	}
	if s.Addr() == nil {
		t.Error("Expected listener address")
	}
}

func TestServer_ConcurrentRequests(t *testing.T) {
	_, client := startServer(t, HandlerFunc(func(ctx *Context) error {
		return ctx.String(200, "%s", ctx.Query("n"))
	}), nil)

	const n = 8
	streams := make([]transport.Stream, n)
	for i := range streams {
		streams[i] = client.open([][2]string{
			{":method", "GET"},
			{":scheme", "https"},
			{":authority", "example.com"},
			{":path", "/?n=" + strconv.Itoa(i)},
		}, nil, false)
	}
	for i, bs := range streams {
		resp, err := client.read(bs)
		if err != nil {
			t.Fatalf("stream %d: %v", i, err)
		}
		if string(resp.body) != strconv.Itoa(i) {
			t.Errorf("stream %d: expected body %d, got %s", i, i, resp.body)
		}
	}
}

func TestServer_HandlerErrorAnswers500(t *testing.T) {
	_, client := startServer(t, HandlerFunc(func(_ *Context) error {
		return errors.New("handler failed")
	}), nil)

	resp := client.do("GET", "/", nil)
	if resp.header(":status") != "500" {
		t.Errorf("Expected status 500, got %s", resp.header(":status"))
	}

	// the connection keeps serving
	again := client.do("GET", "/again", nil)
	if again.header(":status") != "500" {
		t.Errorf("Expected second request answered, got %s", again.header(":status"))
	}
}

func TestServer_StopDrains(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	s, client := startServer(t, HandlerFunc(func(ctx *Context) error {
		close(started)
		<-release
		return ctx.String(200, "done")
	}), nil)

	bs := client.open([][2]string{
		{":method", "GET"},
		{":scheme", "https"},
		{":authority", "example.com"},
		{":path", "/slow"},
	}, nil, false)
	<-started

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- s.Stop(ctx)
	}()

	waitFor(t, "stop to begin", func() bool { return s.isClosed() })
	close(release)

	resp, err := client.read(bs)
	if err != nil {
		t.Fatalf("Expected in-flight request to finish, got %v", err)
	}
	if string(resp.body) != "done" {
		t.Errorf("Expected body done, got %s", resp.body)
	}
	if err := <-stopped; err != nil {
		t.Errorf("Stop() error = %v", err)
	}

	select {
	case <-client.conn.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Expected connection closed after drain")
	}
	var ce *transport.ConnectionError
	if errors.As(context.Cause(client.conn.Context()), &ce) && ce.Code != conn.ErrCodeNoError {
		t.Errorf("Expected H3_NO_ERROR close, got %s", conn.CodeName(ce.Code))
	}
	if s.ActiveConnections() != 0 {
		t.Errorf("Expected no active connections, got %d", s.ActiveConnections())
	}
}

func TestServer_StopDeadlineCancelsRequests(t *testing.T) {
	started := make(chan struct{})
	s, client := startServer(t, HandlerFunc(func(ctx *Context) error {
		close(started)
		<-ctx.Context().Done()
		return ctx.Context().Err()
	}), nil)

	bs := client.open([][2]string{
		{":method", "GET"},
		{":scheme", "https"},
		{":authority", "example.com"},
		{":path", "/stuck"},
	}, nil, false)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}

	_, err := io.ReadAll(bs)
	if err == nil {
		t.Error("Expected the stuck request to be cancelled")
	}
}

func TestServer_StreamIdleTimeout(t *testing.T) {
	s, client := startServer(t, HandlerFunc(func(ctx *Context) error {
		_, err := ctx.BodyBytes()
		if err != nil {
			return err
		}
		return ctx.String(200, "read")
	}), func(c *Config) { c.StreamIdleTimeout = 50 * time.Millisecond })

	// the body never ends, so the stream goes idle
	bs := client.open([][2]string{
		{":method", "POST"},
		{":scheme", "https"},
		{":authority", "example.com"},
		{":path", "/upload"},
	}, []byte("partial"), true)

	_, err := io.ReadAll(bs)
	var se *transport.StreamError
	if !errors.As(err, &se) {
		t.Fatalf("Expected stream reset, got %v", err)
	}
	if se.Code != conn.ErrCodeRequestCancelled {
		t.Errorf("Expected H3_REQUEST_CANCELLED, got %s", conn.CodeName(se.Code))
	}
	waitFor(t, "watchdog timers to clear", func() bool { return s.watchdog.pending() == 0 })

	resp := client.do("GET", "/", nil)
	if resp.header(":status") != "200" {
		t.Errorf("Expected connection to keep serving, got %s", resp.header(":status"))
	}
}

func TestServer_Close(t *testing.T) {
	s, client := startServer(t, HandlerFunc(func(ctx *Context) error {
		return ctx.NoContent(204)
	}), nil)

	resp := client.do("GET", "/", nil)
	if resp.header(":status") != "204" {
		t.Fatalf("Expected 204, got %s", resp.header(":status"))
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	select {
	case <-client.conn.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Expected connection closed")
	}
}
