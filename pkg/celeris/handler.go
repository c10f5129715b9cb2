package celeris

import (
	"context"

	"github.com/albertbausili/celeris-h3/internal/h3/conn"
)

// Handler serves one HTTP/3 request. A non-nil error before any response
// was sent becomes a 500; after the header was sent the stream is reset.
type Handler interface {
	ServeHTTP3(ctx *Context) error
}

// HandlerFunc is an adapter to allow ordinary functions to be used as HTTP/3 handlers.
type HandlerFunc func(ctx *Context) error

// ServeHTTP3 calls f(ctx).
func (f HandlerFunc) ServeHTTP3(ctx *Context) error {
	return f(ctx)
}

// Middleware is a function that wraps a Handler with additional functionality.
type Middleware func(Handler) Handler

// MiddlewareFunc is a function-based middleware that receives the context and next handler.
type MiddlewareFunc func(ctx *Context, next Handler) error

// ToMiddleware converts a MiddlewareFunc to a Middleware.
func (m MiddlewareFunc) ToMiddleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			return m(ctx, next)
		})
	}
}

// Chain combines multiple middlewares into a single middleware.
func Chain(middlewares ...Middleware) Middleware {
	return func(final Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// streamHandler adapts h to the request streams of a connection. The
// buffered response is sent once h returns without error.
func streamHandler(h Handler) conn.Handler {
	return conn.HandlerFunc(func(ctx context.Context, req *conn.RequestContext) error {
		c := newContext(ctx, req.StreamID, req.Headers, req.Body, req.Response)
		c.ConnID = req.ConnID
		c.remoteAddr = req.RemoteAddr
		c.trailers = req.Trailers
		defer c.release()

		if err := h.ServeHTTP3(c); err != nil {
			return err
		}
		return c.finish()
	})
}
