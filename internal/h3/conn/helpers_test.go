package conn

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/albertbausili/celeris-h3/internal/h3/frame"
	"github.com/albertbausili/celeris-h3/internal/h3/headers"
	"github.com/albertbausili/celeris-h3/internal/h3/transport"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// startConnection serves a Connection over an in-memory pipe and returns it
// with the client end and the channel Serve's result arrives on.
func startConnection(t *testing.T, h Handler, mutate func(*Config)) (*Connection, transport.Conn, <-chan error) {
	t.Helper()
	client, server := transport.NewPipe()
	cfg := DefaultConfig()
	cfg.Logger = zaptest.NewLogger(t)
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewConnection(server, h, cfg)
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- c.Serve(context.Background()) }()
	t.Cleanup(func() {
		c.Abort(ErrCodeNoError, "test finished")
		<-c.Done()
	})
	return c, client, serveErr
}

func okHandler() Handler {
	return HandlerFunc(func(_ context.Context, req *RequestContext) error {
		return req.Response.WriteHeader(200)
	})
}

// openControl opens the client control stream and sends settings unless nil.
func openControl(t *testing.T, ctx context.Context, client transport.Conn, settings frame.Settings) (transport.SendStream, *frame.Writer) {
	t.Helper()
	ss, err := client.OpenUniStreamSync(ctx)
	if err != nil {
		t.Fatalf("OpenUniStreamSync() error = %v", err)
	}
	w := frame.NewWriter(ss)
	if err := w.WriteStreamType(frame.StreamTypeControl); err != nil {
		t.Fatal(err)
	}
	if settings != nil {
		if err := w.WriteSettings(settings); err != nil {
			t.Fatal(err)
		}
	}
	return ss, w
}

func getRequest(path string) [][2]string {
	return [][2]string{
		{":method", "GET"},
		{":scheme", "https"},
		{":authority", "example.com"},
		{":path", path},
	}
}

func encode(t *testing.T, fields [][2]string) []byte {
	t.Helper()
	block, err := headers.NewQPACK().Encode(fields)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return block
}

// sendRequest opens a request stream, writes HEADERS and an optional body,
// and closes the send side.
func sendRequest(t *testing.T, ctx context.Context, client transport.Conn, fields [][2]string, body []byte) transport.Stream {
	t.Helper()
	bs, err := client.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("OpenStreamSync() error = %v", err)
	}
	w := frame.NewWriter(bs)
	if err := w.WriteHeaders(encode(t, fields)); err != nil {
		t.Fatal(err)
	}
	if body != nil {
		if err := w.WriteData(body); err != nil {
			t.Fatal(err)
		}
	}
	if err := bs.Close(); err != nil {
		t.Fatal(err)
	}
	return bs
}

type response struct {
	interim  [][][2]string
	fields   [][2]string
	body     []byte
	trailers [][2]string
}

func (r response) status() string { return headers.Get(r.fields, ":status") }

func readResponse(t *testing.T, rs transport.ReceiveStream) (response, error) {
	t.Helper()
	fr := frame.NewReader(rs, 0)
	codec := headers.NewQPACK()
	var resp response
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
			fields, err := codec.Decode(f.Payload)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			switch {
			case resp.fields == nil && strings.HasPrefix(headers.Get(fields, ":status"), "1"):
				resp.interim = append(resp.interim, fields)
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

// serverControl accepts the server's unidirectional streams and returns a
// reader positioned after the control stream type.
func serverControl(t *testing.T, ctx context.Context, client transport.Conn) *frame.Reader {
	t.Helper()
	for i := 0; i < 3; i++ {
		rs, err := client.AcceptUniStream(ctx)
		if err != nil {
			t.Fatalf("AcceptUniStream() error = %v", err)
		}
		fr := frame.NewReader(rs, 0)
		typ, err := fr.ReadStreamType()
		if err != nil {
			t.Fatalf("ReadStreamType() error = %v", err)
		}
		if typ == frame.StreamTypeControl {
			return fr
		}
	}
	t.Fatal("server opened no control stream")
	return nil
}

func expectStreamReset(t *testing.T, rs transport.ReceiveStream, code transport.ErrorCode) {
	t.Helper()
	_, err := io.ReadAll(rs)
	var se *transport.StreamError
	if !errors.As(err, &se) {
		t.Fatalf("Expected stream reset, got %v", err)
	}
	if se.Code != code {
		t.Errorf("Expected reset code %s, got %s", CodeName(code), CodeName(se.Code))
	}
}

func expectConnClosed(t *testing.T, client transport.Conn, code transport.ErrorCode) {
	t.Helper()
	select {
	case <-client.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Expected connection close with %s", CodeName(code))
	}
	var ce *transport.ConnectionError
	if !errors.As(context.Cause(client.Context()), &ce) {
		t.Fatalf("Expected *transport.ConnectionError, got %v", context.Cause(client.Context()))
	}
	if ce.Code != code {
		t.Errorf("Expected close code %s, got %s (%s)", CodeName(code), CodeName(ce.Code), ce.Reason)
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
