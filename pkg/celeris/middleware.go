package celeris

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig defines the configuration options for the Logger middleware.
type LoggerConfig struct {
	// Logger receives one entry per request (default: zap.L())
	Logger *zap.Logger
	// Level is the level of successful requests; failures log at Error
	Level zapcore.Level
	// SkipPaths lists paths to skip logging (e.g., health checks)
	SkipPaths []string
	// CustomFields allows adding custom fields to each log entry
	CustomFields func(ctx *Context) []zap.Field
}

// DefaultLoggerConfig returns a LoggerConfig with sensible defaults.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Logger: zap.L(),
		Level:  zapcore.InfoLevel,
	}
}

// Logger returns a middleware that logs requests through zap.
func Logger() Middleware {
	return LoggerWithConfig(DefaultLoggerConfig())
}

// LoggerWithConfig returns a middleware that logs requests with custom configuration.
func LoggerWithConfig(config LoggerConfig) Middleware {
	if config.Logger == nil {
		config.Logger = zap.L()
	}
	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skipMap[ctx.Path()] {
				return next.ServeHTTP3(ctx)
			}

			start := time.Now()
			err := next.ServeHTTP3(ctx)

			fields := []zap.Field{
				zap.String("method", ctx.Method()),
				zap.String("path", ctx.Path()),
				zap.Int("status", ctx.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.Uint64("stream", uint64(ctx.StreamID)),
			}
			if ctx.RemoteAddr() != nil {
				fields = append(fields, zap.Stringer("remote", ctx.RemoteAddr()))
			}
			if reqID, ok := ctx.Get("request-id"); ok {
				fields = append(fields, zap.Any("request_id", reqID))
			}
			if config.CustomFields != nil {
				fields = append(fields, config.CustomFields(ctx)...)
			}

			if err != nil {
				config.Logger.Error("request failed", append(fields, zap.Error(err))...)
				return err
			}
			if ce := config.Logger.Check(config.Level, "request"); ce != nil {
				ce.Write(fields...)
			}
			return nil
		})
	}
}

// Recovery returns a middleware that turns panics into 500 responses.
func Recovery() Middleware {
	return RecoveryWithLogger(zap.L())
}

// RecoveryWithLogger is Recovery logging the panic and its stack to logger.
func RecoveryWithLogger(logger *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic recovered", zap.Any("panic", r), zap.Stack("stack"))
					if rerr := ctx.Reset(); rerr != nil {
						// headers are gone; let the stream be reset
						err = fmt.Errorf("panic after response started: %v", r)
						return
					}
					err = ctx.String(500, "Internal Server Error")
				}
			}()
			return next.ServeHTTP3(ctx)
		})
	}
}

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	AllowOrigin      string
	AllowMethods     string
	AllowHeaders     string
	AllowCredentials bool
	MaxAge           int
}

// DefaultCORSConfig returns sensible CORS defaults.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigin:  "*",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS, PATCH",
		AllowHeaders: "Accept, Content-Type, Content-Length, Authorization",
		MaxAge:       3600,
	}
}

// CORS returns a middleware that handles Cross-Origin Resource Sharing.
// It sets appropriate CORS headers and answers preflight OPTIONS requests.
func CORS(config CORSConfig) Middleware {
	def := DefaultCORSConfig()
	if config.AllowOrigin == "" {
		config.AllowOrigin = def.AllowOrigin
	}
	if config.AllowMethods == "" {
		config.AllowMethods = def.AllowMethods
	}
	if config.AllowHeaders == "" {
		config.AllowHeaders = def.AllowHeaders
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			ctx.SetHeader("access-control-allow-origin", config.AllowOrigin)
			ctx.SetHeader("access-control-allow-methods", config.AllowMethods)
			ctx.SetHeader("access-control-allow-headers", config.AllowHeaders)
			if config.AllowCredentials {
				ctx.SetHeader("access-control-allow-credentials", "true")
			}
			if config.MaxAge > 0 {
				ctx.SetHeader("access-control-max-age", fmt.Sprintf("%d", config.MaxAge))
			}

			if ctx.Method() == "OPTIONS" {
				return ctx.NoContent(204)
			}
			return next.ServeHTTP3(ctx)
		})
	}
}

// RequestID returns a middleware that adds a unique request ID to each request.
// An x-request-id sent by the client is kept; otherwise a UUID is generated.
// The id is stored under "request-id" and echoed in the response.
func RequestID() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			requestID := ctx.Header().Get("x-request-id")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			ctx.Set("request-id", requestID)
			ctx.SetHeader("x-request-id", requestID)
			return next.ServeHTTP3(ctx)
		})
	}
}

// Timeout returns a middleware that bounds request processing time. The
// handler sees a context with the deadline; if it gives up because of it
// before responding, the client gets 504.
func Timeout(duration time.Duration) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			timeoutCtx, cancel := context.WithTimeout(ctx.ctx, duration)
			defer cancel()

			parent := ctx.ctx
			ctx.ctx = timeoutCtx
			err := next.ServeHTTP3(ctx)
			ctx.ctx = parent

			if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
				if rerr := ctx.Reset(); rerr == nil {
					return ctx.String(504, "Gateway Timeout")
				}
			}
			return err
		})
	}
}

// CompressConfig holds configuration for the Compress middleware.
type CompressConfig struct {
	// Level specifies the compression level (1-9 for gzip, 0-11 for brotli)
	Level int
	// MinSize specifies the minimum response size to compress (default: 1024 bytes)
	MinSize int
	// ExcludedTypes lists content types to skip compression
	ExcludedTypes []string
}

// DefaultCompressConfig returns a CompressConfig with sensible defaults.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		Level:   6,
		MinSize: 1024,
		ExcludedTypes: []string{
			"image/",
			"video/",
			"audio/",
			"application/zip",
			"application/gzip",
		},
	}
}

// Compress returns a middleware that compresses buffered response bodies
// with brotli or gzip.
func Compress() Middleware {
	return CompressWithConfig(DefaultCompressConfig())
}

// CompressWithConfig returns a middleware that compresses response bodies with custom configuration.
func CompressWithConfig(config CompressConfig) Middleware {
	if config.MinSize == 0 {
		config.MinSize = 1024
	}
	if config.Level == 0 {
		config.Level = 6
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			acceptEncoding := ctx.Header().Get("accept-encoding")
			supportsBrotli := strings.Contains(acceptEncoding, "br")
			supportsGzip := strings.Contains(acceptEncoding, "gzip")
			if !supportsBrotli && !supportsGzip {
				return next.ServeHTTP3(ctx)
			}

			err := next.ServeHTTP3(ctx)
			if err != nil {
				return err
			}

			ctx.writeMu.Lock()
			defer ctx.writeMu.Unlock()
			// streamed responses went out already
			if ctx.committed || ctx.responseHeaders.Has("content-encoding") {
				return nil
			}
			body := ctx.responseBody.Bytes()
			if len(body) < config.MinSize {
				return nil
			}
			contentType := ctx.responseHeaders.Get("content-type")
			for _, excluded := range config.ExcludedTypes {
				if strings.HasPrefix(contentType, excluded) {
					return nil
				}
			}

			var compressed bytes.Buffer
			var encoding string
			if supportsBrotli {
				w := brotli.NewWriterLevel(&compressed, config.Level)
				if _, werr := w.Write(body); werr != nil {
					return nil
				}
				if werr := w.Close(); werr != nil {
					return nil
				}
				encoding = "br"
			} else {
				w, werr := gzip.NewWriterLevel(&compressed, config.Level)
				if werr != nil {
					return nil
				}
				if _, werr := w.Write(body); werr != nil {
					return nil
				}
				if werr := w.Close(); werr != nil {
					return nil
				}
				encoding = "gzip"
			}

			// keep the original when compression does not pay off
			if compressed.Len() == 0 || compressed.Len() >= len(body) {
				return nil
			}
			ctx.responseHeaders.Set("content-encoding", encoding)
			ctx.responseHeaders.Set("vary", "accept-encoding")
			ctx.responseHeaders.Del("content-length")
			ctx.responseBody.Reset()
			ctx.responseBody.Write(compressed.Bytes())
			return nil
		})
	}
}

// HealthConfig holds configuration for the Health middleware.
type HealthConfig struct {
	// Path is the health check endpoint path (default: "/health")
	Path string
	// Check reports whether the service is healthy. nil means always healthy.
	Check func() error
}

// DefaultHealthConfig returns a HealthConfig with sensible defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{Path: "/health"}
}

// Health returns a middleware that answers a health check endpoint.
func Health() Middleware {
	return HealthWithConfig(DefaultHealthConfig())
}

// HealthWithConfig returns a middleware that answers a health check endpoint with custom configuration.
func HealthWithConfig(config HealthConfig) Middleware {
	if config.Path == "" {
		config.Path = "/health"
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if ctx.Path() != config.Path || (ctx.Method() != "GET" && ctx.Method() != "HEAD") {
				return next.ServeHTTP3(ctx)
			}
			if config.Check != nil {
				if err := config.Check(); err != nil {
					return ctx.JSON(503, map[string]string{"status": "unhealthy", "error": err.Error()})
				}
			}
			return ctx.JSON(200, map[string]string{"status": "healthy"})
		})
	}
}
