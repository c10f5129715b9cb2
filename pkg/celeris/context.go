package celeris

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/albertbausili/celeris-h3/internal/h3/headers"
	"github.com/albertbausili/celeris-h3/internal/h3/transport"
)

// ErrResponseCommitted is returned when the response header was already sent.
var ErrResponseCommitted = errors.New("celeris: response already committed")

// responseWriter is the stream-level response sink a Context writes to.
type responseWriter interface {
	Header() *headers.Fields
	WriteHeader(status int) error
	Write(p []byte) (int, error)
	Flush() error
	SetTrailer(name, value string)
}

// Context represents an HTTP/3 request-response exchange. The response is
// buffered until Flush or until the handler returns.
type Context struct {
	StreamID        transport.StreamID
	ConnID          string
	headers         Headers
	body            io.ReadCloser
	trailers        func() [][2]string
	remoteAddr      net.Addr
	statusCode      int
	responseHeaders Headers
	responseBody    *bytes.Buffer
	w               responseWriter
	ctx             context.Context
	values          map[string]any
	committed       bool
	flushed         int64
	// cached pseudo-headers for fast access
	method    string
	path      string
	scheme    string
	authority string
	writeMu   sync.Mutex
}

var responseBufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Headers represents HTTP headers with efficient access. Names are stored
// lowercase as HTTP/3 requires.
type Headers struct {
	headers [][2]string
	index   map[string]int
}

// NewHeaders creates a new Headers instance.
func NewHeaders() Headers {
	return Headers{headers: make([][2]string, 0)}
}

// Set sets a header value, replacing any existing value.
func (h *Headers) Set(key, value string) {
	lowerKey := strings.ToLower(key)
	// index is built on first Set
	if h.index == nil {
		h.index = make(map[string]int, len(h.headers)+2)
		for i := range h.headers {
			h.index[h.headers[i][0]] = i
		}
	}
	if idx, ok := h.index[lowerKey]; ok {
		h.headers[idx][1] = value
		return
	}
	h.index[lowerKey] = len(h.headers)
	h.headers = append(h.headers, [2]string{lowerKey, value})
}

// Get retrieves a header value by key, case-insensitively.
func (h *Headers) Get(key string) string {
	lowerKey := strings.ToLower(key)
	if h.index != nil {
		if idx, ok := h.index[lowerKey]; ok {
			return h.headers[idx][1]
		}
		return ""
	}
	for i := range h.headers {
		if h.headers[i][0] == lowerKey {
			return h.headers[i][1]
		}
	}
	return ""
}

// Del removes a header by key.
func (h *Headers) Del(key string) {
	lowerKey := strings.ToLower(key)
	for i := range h.headers {
		if h.headers[i][0] == lowerKey {
			h.headers = append(h.headers[:i], h.headers[i+1:]...)
			break
		}
	}
	if h.index != nil {
		h.index = make(map[string]int, len(h.headers))
		for i := range h.headers {
			h.index[h.headers[i][0]] = i
		}
	}
}

// All returns all headers as a slice of key-value pairs.
func (h *Headers) All() [][2]string {
	return h.headers
}

// Has checks if a header exists.
func (h *Headers) Has(key string) bool {
	lowerKey := strings.ToLower(key)
	if h.index != nil {
		_, ok := h.index[lowerKey]
		return ok
	}
	for i := range h.headers {
		if h.headers[i][0] == lowerKey {
			return true
		}
	}
	return false
}

// newContext builds a Context for one request stream. fields are stored as
// received; duplicate names keep their first value in Get.
func newContext(ctx context.Context, id transport.StreamID, fields [][2]string, body io.ReadCloser, w responseWriter) *Context {
	c := &Context{
		StreamID:        id,
		headers:         Headers{headers: make([][2]string, 0, len(fields))},
		body:            body,
		statusCode:      200,
		responseHeaders: NewHeaders(),
		responseBody:    responseBufPool.Get().(*bytes.Buffer),
		w:               w,
		ctx:             ctx,
	}
	for _, f := range fields {
		switch f[0] {
		case ":method":
			c.method = f[1]
		case ":path":
			c.path = f[1]
		case ":scheme":
			c.scheme = f[1]
		case ":authority":
			c.authority = f[1]
		}
		c.headers.headers = append(c.headers.headers, f)
	}
	return c
}

// release returns pooled buffers. The Context must not be used afterwards.
func (c *Context) release() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.responseBody != nil {
		c.responseBody.Reset()
		responseBufPool.Put(c.responseBody)
		c.responseBody = nil
	}
}

// Method returns the HTTP request method.
func (c *Context) Method() string { return c.method }

// Path returns the request path including the query.
func (c *Context) Path() string { return c.path }

// Scheme returns the request scheme.
func (c *Context) Scheme() string { return c.scheme }

// Authority returns the request authority (host).
func (c *Context) Authority() string { return c.authority }

// RemoteAddr returns the peer address of the connection.
func (c *Context) RemoteAddr() net.Addr { return c.remoteAddr }

// Header returns the request headers.
func (c *Context) Header() *Headers {
	return &c.headers
}

// Body returns the request body. Closing it early stops the peer from sending more.
func (c *Context) Body() io.ReadCloser {
	return c.body
}

// BodyBytes reads and returns the entire request body.
func (c *Context) BodyBytes() ([]byte, error) {
	if c.body == nil {
		return nil, nil
	}
	return io.ReadAll(c.body)
}

// BindJSON parses the request body as JSON into v.
func (c *Context) BindJSON(v any) error {
	data, err := c.BodyBytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Trailers returns the request trailers once the body was read to the end.
func (c *Context) Trailers() [][2]string {
	if c.trailers == nil {
		return nil
	}
	return c.trailers()
}

// SetStatus sets the HTTP response status code.
func (c *Context) SetStatus(code int) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.statusCode = code
}

// Status returns the current HTTP response status code.
func (c *Context) Status() int {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.statusCode
}

// SetHeader sets an HTTP response header.
func (c *Context) SetHeader(key, value string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.responseHeaders.Set(key, value)
}

// ResponseHeader returns the response headers that will be sent.
func (c *Context) ResponseHeader() *Headers {
	return &c.responseHeaders
}

// SetTrailer adds a response trailer sent after the body.
func (c *Context) SetTrailer(key, value string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.w != nil {
		c.w.SetTrailer(strings.ToLower(key), value)
	}
}

// Write appends data to the response body.
func (c *Context) Write(data []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.responseBody.Write(data)
}

// WriteString appends s to the response body.
func (c *Context) WriteString(s string) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.responseBody.WriteString(s)
}

// respond replaces the buffered body and sets the content headers.
func (c *Context) respond(status int, contentType string, body []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.statusCode = status
	c.responseHeaders.Set("content-type", contentType)
	c.responseBody.Reset()
	c.responseBody.Write(body)
}

// JSON sends a JSON response with the given status code.
func (c *Context) JSON(status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.respond(status, "application/json", data)
	return nil
}

// String sends a formatted text response with the given status code.
func (c *Context) String(status int, format string, values ...any) error {
	c.respond(status, "text/plain; charset=utf-8", []byte(fmt.Sprintf(format, values...)))
	return nil
}

// HTML sends an HTML response with the given status code.
func (c *Context) HTML(status int, html string) error {
	c.respond(status, "text/html; charset=utf-8", []byte(html))
	return nil
}

// Data sends a response with custom content type and data.
func (c *Context) Data(status int, contentType string, data []byte) error {
	c.respond(status, contentType, data)
	return nil
}

// NoContent sends a response with no body content.
func (c *Context) NoContent(status int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.statusCode = status
	c.responseBody.Reset()
	return nil
}

// Redirect sends an HTTP redirect response.
func (c *Context) Redirect(status int, location string) error {
	if status < 300 || status > 308 {
		status = 302
	}
	c.SetHeader("location", location)
	return c.NoContent(status)
}

// Committed reports whether the response header was sent.
func (c *Context) Committed() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.committed
}

// Reset discards the buffered response so a middleware can answer instead.
// It fails once the header was sent.
func (c *Context) Reset() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.committed {
		return ErrResponseCommitted
	}
	c.statusCode = 200
	c.responseHeaders = NewHeaders()
	c.responseBody.Reset()
	return nil
}

func (c *Context) commitLocked() error {
	if c.committed {
		return nil
	}
	if c.w == nil {
		return fmt.Errorf("celeris: no response writer")
	}
	h := c.w.Header()
	for _, f := range c.responseHeaders.All() {
		h.Add(f[0], f[1])
	}
	if err := c.w.WriteHeader(c.statusCode); err != nil {
		return err
	}
	c.committed = true
	return nil
}

// Flush sends the header if needed and the buffered body, so responses can
// be streamed. A streamed response carries no content-length.
func (c *Context) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.committed {
		c.responseHeaders.Del("content-length")
	}
	if err := c.commitLocked(); err != nil {
		return err
	}
	if c.responseBody.Len() > 0 {
		n, err := c.w.Write(c.responseBody.Bytes())
		c.flushed += int64(n)
		if err != nil {
			return err
		}
		c.responseBody.Reset()
	}
	return c.w.Flush()
}

// finish writes whatever the handler left buffered.
func (c *Context) finish() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.committed && c.method != "HEAD" && !c.responseHeaders.Has("content-length") && bodyAllowed(c.statusCode) {
		c.responseHeaders.Set("content-length", strconv.Itoa(c.responseBody.Len()))
	}
	if err := c.commitLocked(); err != nil {
		return err
	}
	if c.responseBody.Len() == 0 || !bodyAllowed(c.statusCode) {
		return nil
	}
	n, err := c.w.Write(c.responseBody.Bytes())
	c.flushed += int64(n)
	c.responseBody.Reset()
	return err
}

// ResponseSize returns the body bytes sent plus those still buffered.
func (c *Context) ResponseSize() int64 {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.flushed + int64(c.responseBody.Len())
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != 204 && status != 304
}

// Context returns the request's context.Context. It is canceled when the
// stream is aborted.
func (c *Context) Context() context.Context {
	return c.ctx
}

// Set stores a key-value pair in the context.
func (c *Context) Set(key string, value any) {
	if c.values == nil {
		c.values = make(map[string]any, 8)
	}
	c.values[key] = value
}

// Get retrieves a value from the context by key.
func (c *Context) Get(key string) (any, bool) {
	if c.values == nil {
		return nil, false
	}
	val, ok := c.values[key]
	return val, ok
}

// MustGet retrieves a value from the context by key, panicking if not found.
func (c *Context) MustGet(key string) any {
	if val, ok := c.Get(key); ok {
		return val
	}
	panic(fmt.Sprintf("key %q not found in context", key))
}

// SSEEvent represents a Server-Sent Event.
type SSEEvent struct {
	ID    string
	Event string
	Data  string
	Retry int
}

// SSE writes one Server-Sent Event and flushes it.
func (c *Context) SSE(event SSEEvent) error {
	c.writeMu.Lock()
	if !c.committed && c.responseHeaders.Get("content-type") == "" {
		c.responseHeaders.Set("content-type", "text/event-stream")
		c.responseHeaders.Set("cache-control", "no-cache")
	}
	if event.ID != "" {
		fmt.Fprintf(c.responseBody, "id: %s\n", event.ID)
	}
	if event.Event != "" {
		fmt.Fprintf(c.responseBody, "event: %s\n", event.Event)
	}
	if event.Retry > 0 {
		fmt.Fprintf(c.responseBody, "retry: %d\n", event.Retry)
	}
	for _, line := range strings.Split(event.Data, "\n") {
		fmt.Fprintf(c.responseBody, "data: %s\n", line)
	}
	c.responseBody.WriteByte('\n')
	c.writeMu.Unlock()
	return c.Flush()
}

// Query returns the query parameter value for the given key.
func (c *Context) Query(key string) string {
	if idx := strings.IndexByte(c.path, '?'); idx >= 0 {
		return parseQuery(c.path[idx+1:], key)
	}
	return ""
}

// QueryDefault returns the query parameter value or a default if not found.
func (c *Context) QueryDefault(key, defaultValue string) string {
	if value := c.Query(key); value != "" {
		return value
	}
	return defaultValue
}

// QueryInt returns the query parameter value as an integer.
func (c *Context) QueryInt(key string) (int, error) {
	value := c.Query(key)
	if value == "" {
		return 0, fmt.Errorf("query parameter %q not found", key)
	}
	return strconv.Atoi(value)
}

// parseQuery extracts a query parameter value from a query string.
func parseQuery(query, key string) string {
	for len(query) > 0 {
		end := strings.IndexByte(query, '&')
		if end == -1 {
			end = len(query)
		}
		pair := query[:end]
		query = query[end:]
		if len(query) > 0 {
			query = query[1:]
		}

		eq := strings.IndexByte(pair, '=')
		if eq == -1 {
			continue
		}
		if pair[:eq] == key {
			value, _ := url.QueryUnescape(pair[eq+1:])
			return value
		}
	}
	return ""
}

// Cookie returns the value of the cookie with the given name. HTTP/3 peers
// may split cookies across several cookie fields.
func (c *Context) Cookie(name string) string {
	for _, f := range c.headers.All() {
		if f[0] != "cookie" {
			continue
		}
		for _, cookie := range strings.Split(f[1], ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(cookie), "=")
			if ok && k == name {
				value, _ := url.QueryUnescape(v)
				return value
			}
		}
	}
	return ""
}

// SetCookie adds a set-cookie header to the response.
func (c *Context) SetCookie(cookie *http.Cookie) {
	c.SetHeader("set-cookie", cookie.String())
}
