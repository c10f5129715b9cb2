package celeris

import (
	"errors"
	"testing"
)

func TestHandlerFunc_ServeHTTP3(t *testing.T) {
	called := false
	handler := HandlerFunc(func(_ *Context) error {
		called = true
		return nil
	})

	ctx, _ := newTestContext("GET", "/")
	if err := handler.ServeHTTP3(ctx); err != nil {
		t.Errorf("ServeHTTP3() error = %v", err)
	}
	if !called {
		t.Error("Expected handler to be called")
	}
}

func TestHandlerFunc_Error(t *testing.T) {
	expectedErr := errors.New("test error")
	handler := HandlerFunc(func(_ *Context) error {
		return expectedErr
	})

	ctx, _ := newTestContext("GET", "/")
	if err := handler.ServeHTTP3(ctx); err != expectedErr {
		t.Errorf("Expected error %v, got %v", expectedErr, err)
	}
}

func TestMiddlewareFunc_ToMiddleware(t *testing.T) {
	middlewareCalled := false
	handlerCalled := false

	middlewareFunc := MiddlewareFunc(func(ctx *Context, next Handler) error {
		middlewareCalled = true
		return next.ServeHTTP3(ctx)
	})
	handler := HandlerFunc(func(_ *Context) error {
		handlerCalled = true
		return nil
	})

	wrapped := middlewareFunc.ToMiddleware()(handler)
	ctx, _ := newTestContext("GET", "/")
	if err := wrapped.ServeHTTP3(ctx); err != nil {
		t.Errorf("ServeHTTP3() error = %v", err)
	}
	if !middlewareCalled {
		t.Error("Expected middleware to be called")
	}
	if !handlerCalled {
		t.Error("Expected handler to be called")
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next Handler) Handler {
			return HandlerFunc(func(ctx *Context) error {
				order = append(order, name+":before")
				err := next.ServeHTTP3(ctx)
				order = append(order, name+":after")
				return err
			})
		}
	}
	handler := HandlerFunc(func(_ *Context) error {
		order = append(order, "handler")
		return nil
	})

	wrapped := Chain(mark("a"), mark("b"))(handler)
	ctx, _ := newTestContext("GET", "/")
	_ = wrapped.ServeHTTP3(ctx)

	expected := []string{"a:before", "b:before", "handler", "b:after", "a:after"}
	if len(order) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, order)
	}
	for i := range expected {
		if order[i] != expected[i] {
			t.Errorf("Expected %s at %d, got %s", expected[i], i, order[i])
		}
	}
}

func TestChain_Empty(t *testing.T) {
	handler := HandlerFunc(func(ctx *Context) error {
		return ctx.String(200, "ok")
	})

	ctx, _ := newTestContext("GET", "/")
	if err := Chain()(handler).ServeHTTP3(ctx); err != nil {
		t.Errorf("ServeHTTP3() error = %v", err)
	}
	if ctx.Status() != 200 {
		t.Errorf("Expected status 200, got %d", ctx.Status())
	}
}
