package celeris

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestContext_PseudoHeaders(t *testing.T) {
	ctx, _ := newTestContext("POST", "/items?id=7", [2]string{"user-agent", "test"})

	if ctx.Method() != "POST" {
		t.Errorf("Expected method POST, got %s", ctx.Method())
	}
	if ctx.Path() != "/items?id=7" {
		t.Errorf("Expected path /items?id=7, got %s", ctx.Path())
	}
	if ctx.Scheme() != "https" {
		t.Errorf("Expected scheme https, got %s", ctx.Scheme())
	}
	if ctx.Authority() != "example.com" {
		t.Errorf("Expected authority example.com, got %s", ctx.Authority())
	}
	if ctx.Header().Get("User-Agent") != "test" {
		t.Errorf("Expected user-agent test, got %q", ctx.Header().Get("User-Agent"))
	}
}

func TestContext_JSON(t *testing.T) {
	ctx, rec := newTestContext("GET", "/")

	if err := ctx.JSON(201, map[string]string{"key": "value"}); err != nil {
		t.Fatalf("JSON() error = %v", err)
	}
	if err := ctx.finish(); err != nil {
		t.Fatalf("finish() error = %v", err)
	}

	if rec.status != 201 {
		t.Errorf("Expected status 201, got %d", rec.status)
	}
	if got := rec.body.String(); got != `{"key":"value"}` {
		t.Errorf("Expected JSON body, got %s", got)
	}
	if ct := rec.header.Get("content-type"); ct != "application/json" {
		t.Errorf("Expected content-type application/json, got %s", ct)
	}
	if cl := rec.header.Get("content-length"); cl != "15" {
		t.Errorf("Expected content-length 15, got %q", cl)
	}
}

func TestContext_StringAndHTML(t *testing.T) {
	ctx, rec := newTestContext("GET", "/")
	_ = ctx.String(200, "hello %s", "world")
	_ = ctx.finish()
	if rec.body.String() != "hello world" {
		t.Errorf("Expected body 'hello world', got %q", rec.body.String())
	}
	if ct := rec.header.Get("content-type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Expected text/plain, got %s", ct)
	}

	ctx, rec = newTestContext("GET", "/")
	_ = ctx.HTML(200, "<p>hi</p>")
	_ = ctx.finish()
	if ct := rec.header.Get("content-type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Expected text/html, got %s", ct)
	}
}

func TestContext_HeadHasNoContentLength(t *testing.T) {
	ctx, rec := newTestContext("HEAD", "/")
	_ = ctx.String(200, "body")
	if err := ctx.finish(); err != nil {
		t.Fatalf("finish() error = %v", err)
	}
	if rec.header.Has("content-length") {
		t.Errorf("Expected no computed content-length for HEAD, got %s", rec.header.Get("content-length"))
	}
}

func TestContext_NoContentAndRedirect(t *testing.T) {
	ctx, rec := newTestContext("GET", "/")
	_ = ctx.NoContent(204)
	_ = ctx.finish()
	if rec.status != 204 {
		t.Errorf("Expected status 204, got %d", rec.status)
	}
	if rec.header.Has("content-length") || rec.body.Len() != 0 {
		t.Error("Expected 204 without content-length or body")
	}

	ctx, rec = newTestContext("GET", "/old")
	_ = ctx.Redirect(200, "/new")
	_ = ctx.finish()
	if rec.status != 302 {
		t.Errorf("Expected invalid redirect status to become 302, got %d", rec.status)
	}
	if loc := rec.header.Get("location"); loc != "/new" {
		t.Errorf("Expected location /new, got %s", loc)
	}
}

func TestContext_FlushStreams(t *testing.T) {
	ctx, rec := newTestContext("GET", "/stream")
	ctx.SetHeader("content-length", "100")

	_, _ = ctx.WriteString("part1")
	if err := ctx.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if !ctx.Committed() {
		t.Error("Expected response committed after Flush")
	}
	if rec.header.Has("content-length") {
		t.Error("Expected streamed response without content-length")
	}
	_, _ = ctx.WriteString("part2")
	if err := ctx.finish(); err != nil {
		t.Fatalf("finish() error = %v", err)
	}

	if rec.body.String() != "part1part2" {
		t.Errorf("Expected body part1part2, got %q", rec.body.String())
	}
	if rec.flushes != 1 {
		t.Errorf("Expected 1 flush, got %d", rec.flushes)
	}
	if ctx.ResponseSize() != 10 {
		t.Errorf("Expected response size 10, got %d", ctx.ResponseSize())
	}
	if err := ctx.Reset(); !errors.Is(err, ErrResponseCommitted) {
		t.Errorf("Expected ErrResponseCommitted, got %v", err)
	}
}

func TestContext_Reset(t *testing.T) {
	ctx, rec := newTestContext("GET", "/")
	ctx.SetHeader("x-partial", "1")
	_ = ctx.String(200, "partial")

	if err := ctx.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	_ = ctx.String(500, "replaced")
	_ = ctx.finish()

	if rec.status != 500 || rec.body.String() != "replaced" {
		t.Errorf("Expected 500 replaced, got %d %q", rec.status, rec.body.String())
	}
	if rec.header.Has("x-partial") {
		t.Error("Expected reset headers to be dropped")
	}
}

func TestContext_Trailers(t *testing.T) {
	ctx, rec := newTestContext("POST", "/")
	ctx.trailers = func() [][2]string { return [][2]string{{"x-checksum", "abc"}} }

	if got := ctx.Trailers(); len(got) != 1 || got[0][1] != "abc" {
		t.Errorf("Expected request trailer x-checksum, got %v", got)
	}

	ctx.SetTrailer("X-Served", "yes")
	if len(rec.trailers) != 1 || rec.trailers[0] != [2]string{"x-served", "yes"} {
		t.Errorf("Expected lowercased response trailer, got %v", rec.trailers)
	}
}

func TestContext_BodyAndBindJSON(t *testing.T) {
	ctx, _ := newTestContext("POST", "/")
	ctx.body = io.NopCloser(strings.NewReader(`{"name":"celeris"}`))

	var v struct {
		Name string `json:"name"`
	}
	if err := ctx.BindJSON(&v); err != nil {
		t.Fatalf("BindJSON() error = %v", err)
	}
	if v.Name != "celeris" {
		t.Errorf("Expected name celeris, got %s", v.Name)
	}
}

func TestContext_Query(t *testing.T) {
	ctx, _ := newTestContext("GET", "/search?q=hello%20world&page=2&flag")

	if q := ctx.Query("q"); q != "hello world" {
		t.Errorf("Expected q 'hello world', got %q", q)
	}
	if page, err := ctx.QueryInt("page"); err != nil || page != 2 {
		t.Errorf("Expected page 2, got %d (%v)", page, err)
	}
	if _, err := ctx.QueryInt("missing"); err == nil {
		t.Error("Expected error for missing parameter")
	}
	if v := ctx.QueryDefault("sort", "asc"); v != "asc" {
		t.Errorf("Expected default asc, got %s", v)
	}
	if v := ctx.Query("flag"); v != "" {
		t.Errorf("Expected empty value for bare flag, got %q", v)
	}
}

func TestContext_Cookies(t *testing.T) {
	ctx, rec := newTestContext("GET", "/",
		[2]string{"cookie", "a=1; b=2"},
		[2]string{"cookie", "session=xyz"},
	)

	if v := ctx.Cookie("b"); v != "2" {
		t.Errorf("Expected cookie b=2, got %q", v)
	}
	if v := ctx.Cookie("session"); v != "xyz" {
		t.Errorf("Expected cookie from second field, got %q", v)
	}

	ctx.SetCookie(&http.Cookie{Name: "token", Value: "t1"})
	_ = ctx.finish()
	if v := rec.header.Get("set-cookie"); !strings.HasPrefix(v, "token=t1") {
		t.Errorf("Expected set-cookie token=t1, got %q", v)
	}
}

func TestContext_Values(t *testing.T) {
	ctx, _ := newTestContext("GET", "/")

	if _, ok := ctx.Get("missing"); ok {
		t.Error("Expected missing key")
	}
	ctx.Set("user", "alice")
	if v := ctx.MustGet("user"); v != "alice" {
		t.Errorf("Expected alice, got %v", v)
	}

	defer func() {
		if recover() == nil {
			t.Error("Expected MustGet to panic on missing key")
		}
	}()
	ctx.MustGet("nope")
}

func TestContext_SSE(t *testing.T) {
	ctx, rec := newTestContext("GET", "/events")

	if err := ctx.SSE(SSEEvent{ID: "1", Event: "tick", Data: "a\nb"}); err != nil {
		t.Fatalf("SSE() error = %v", err)
	}

	if ct := rec.header.Get("content-type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %s", ct)
	}
	want := "id: 1\nevent: tick\ndata: a\ndata: b\n\n"
	if rec.body.String() != want {
		t.Errorf("Expected %q, got %q", want, rec.body.String())
	}
}

func TestContext_ContextCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	ctx := newContext(parent, 4, [][2]string{{":method", "GET"}, {":path", "/"}}, nil, rec)

	cancel()
	if ctx.Context().Err() == nil {
		t.Error("Expected request context to be canceled with the stream")
	}
	if data, err := ctx.BodyBytes(); err != nil || data != nil {
		t.Errorf("Expected nil body, got %v, %v", data, err)
	}
}

func TestHeaders(t *testing.T) {
	h := NewHeaders()
	h.Set("Content-Type", "text/plain")
	h.Set("x-a", "1")
	h.Set("X-A", "2")

	if h.Get("content-type") != "text/plain" {
		t.Errorf("Expected text/plain, got %s", h.Get("content-type"))
	}
	if h.Get("x-a") != "2" {
		t.Errorf("Expected replaced value 2, got %s", h.Get("x-a"))
	}
	if len(h.All()) != 2 {
		t.Errorf("Expected 2 headers, got %d", len(h.All()))
	}

	h.Del("content-type")
	if h.Has("content-type") {
		t.Error("Expected content-type deleted")
	}
	if h.Get("x-a") != "2" {
		t.Errorf("Expected x-a to survive deletion, got %s", h.Get("x-a"))
	}
}
