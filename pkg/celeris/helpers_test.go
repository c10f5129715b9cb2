package celeris

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/albertbausili/celeris-h3/internal/h3/conn"
	"github.com/albertbausili/celeris-h3/internal/h3/frame"
	"github.com/albertbausili/celeris-h3/internal/h3/headers"
	"github.com/albertbausili/celeris-h3/internal/h3/transport"
)

// recorder captures what a Context sends to the stream.
type recorder struct {
	header   headers.Fields
	status   int
	body     bytes.Buffer
	trailers [][2]string
	flushes  int
}

func (r *recorder) Header() *headers.Fields { return &r.header }

func (r *recorder) WriteHeader(status int) error {
	if r.status >= 200 {
		return conn.ErrHeaderWritten
	}
	r.status = status
	return nil
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = 200
	}
	return r.body.Write(p)
}

func (r *recorder) Flush() error {
	r.flushes++
	return nil
}

func (r *recorder) SetTrailer(name, value string) {
	r.trailers = append(r.trailers, [2]string{name, value})
}

// newTestContext builds a Context for method and path with optional extra
// request fields.
func newTestContext(method, path string, extra ...[2]string) (*Context, *recorder) {
	fields := [][2]string{
		{":method", method},
		{":scheme", "https"},
		{":authority", "example.com"},
		{":path", path},
	}
	fields = append(fields, extra...)
	rec := &recorder{}
	c := newContext(context.Background(), 0, fields, io.NopCloser(strings.NewReader("")), rec)
	return c, rec
}

// h3Client is a minimal HTTP/3 client over an in-memory connection.
type h3Client struct {
	t     *testing.T
	conn  transport.Conn
	codec headers.Codec
}

// startServer serves handler on an in-memory listener and returns the server
// and a dialed client that has sent its SETTINGS.
func startServer(t *testing.T, handler Handler, mutate func(*Config)) (*Server, *h3Client) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg).Handler(handler)
	ln := transport.NewMemListener()
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()
	t.Cleanup(func() {
		_ = s.Close()
		if err := <-served; !errors.Is(err, ErrServerClosed) {
			t.Errorf("Expected ErrServerClosed from Serve, got %v", err)
		}
	})
	return s, dialClient(t, ln)
}

func dialClient(t *testing.T, ln *transport.MemListener) *h3Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tc, err := ln.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	ss, err := tc.OpenUniStreamSync(ctx)
	if err != nil {
		t.Fatalf("OpenUniStreamSync() error = %v", err)
	}
	w := frame.NewWriter(ss)
	if err := w.WriteStreamType(frame.StreamTypeControl); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteSettings(frame.Settings{frame.SettingMaxFieldSectionSize: 1 << 16}); err != nil {
		t.Fatal(err)
	}
	return &h3Client{t: t, conn: tc, codec: headers.NewQPACK()}
}

type h3Response struct {
	fields   [][2]string
	body     []byte
	trailers [][2]string
}

func (r h3Response) header(name string) string { return headers.Get(r.fields, name) }

// open sends the request header and optional body, leaving the stream open
// when keepOpen is set.
func (c *h3Client) open(fields [][2]string, body []byte, keepOpen bool) transport.Stream {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bs, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		c.t.Fatalf("OpenStreamSync() error = %v", err)
	}
	block, err := c.codec.Encode(fields)
	if err != nil {
		c.t.Fatalf("Encode() error = %v", err)
	}
	w := frame.NewWriter(bs)
	if err := w.WriteHeaders(block); err != nil {
		c.t.Fatal(err)
	}
	if body != nil {
		if err := w.WriteData(body); err != nil {
			c.t.Fatal(err)
		}
	}
	if !keepOpen {
		if err := bs.Close(); err != nil {
			c.t.Fatal(err)
		}
	}
	return bs
}

func (c *h3Client) do(method, path string, body []byte, extra ...[2]string) h3Response {
	c.t.Helper()
	fields := [][2]string{
		{":method", method},
		{":scheme", "https"},
		{":authority", "example.com"},
		{":path", path},
	}
	resp, err := c.read(c.open(append(fields, extra...), body, false))
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (c *h3Client) read(rs transport.ReceiveStream) (h3Response, error) {
	c.t.Helper()
	fr := frame.NewReader(rs, 0)
	var resp h3Response
	for {
		f, err := fr.ReadFrame()
		if errors.Is(err, io.EOF) {
			return resp, nil
		}
		if err != nil {
			return resp, err
		}
		switch f.Type {
		case frame.FrameHeaders:
			fields, err := c.codec.Decode(f.Payload)
			if err != nil {
				c.t.Fatalf("Decode() error = %v", err)
			}
			switch {
			case resp.fields == nil && strings.HasPrefix(headers.Get(fields, ":status"), "1"):
			case resp.fields == nil:
				resp.fields = fields
			default:
				resp.trailers = fields
			}
		case frame.FrameData:
			resp.body = append(resp.body, f.Payload...)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
