// Package main runs a standalone HTTP/3 server built on celeris.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/albertbausili/celeris-h3/pkg/celeris"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	addr := flag.String("addr", "", "UDP listen address (overrides config)")
	certFile := flag.String("cert", "", "TLS certificate file (overrides config)")
	keyFile := flag.String("key", "", "TLS key file (overrides config)")
	metricsAddr := flag.String("metrics", ":9090", "TCP address for /metrics, empty to disable")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := newLogger(*debug)
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	config := celeris.DefaultConfig()
	if *configPath != "" {
		var err error
		if config, err = celeris.LoadConfig(*configPath); err != nil {
			logger.Fatal("loading config", zap.Error(err))
		}
	}
	if *addr != "" {
		config.Addr = *addr
	}
	if *certFile != "" {
		config.CertFile = *certFile
	}
	if *keyFile != "" {
		config.KeyFile = *keyFile
	}
	config.Logger = logger

	handler := celeris.Chain(
		celeris.Recovery(),
		celeris.RequestID(),
		celeris.Logger(),
		celeris.Prometheus(),
		celeris.Tracing(),
		celeris.Health(),
		celeris.Compress(),
	)(celeris.HandlerFunc(serve))

	server := celeris.New(config)

	var metrics *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metrics = &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	served := make(chan error, 1)
	go func() { served <- server.ListenAndServe(handler) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-served:
		if !errors.Is(err, celeris.ErrServerClosed) {
			logger.Fatal("server stopped", zap.Error(err))
		}
		return
	case sig := <-quit:
		logger.Info("shutting down", zap.Stringer("signal", sig))
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Warn("graceful shutdown incomplete", zap.Error(err))
	}
	if metrics != nil {
		_ = metrics.Shutdown(ctx)
	}
	<-served
}

func newLogger(debug bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func serve(ctx *celeris.Context) error {
	switch ctx.Method() {
	case "GET", "HEAD":
		return ctx.JSON(200, map[string]any{
			"path":      ctx.Path(),
			"authority": ctx.Authority(),
			"stream":    ctx.StreamID,
		})
	case "POST", "PUT":
		body, err := ctx.BodyBytes()
		if err != nil {
			return err
		}
		contentType := ctx.Header().Get("content-type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return ctx.Data(200, contentType, body)
	default:
		ctx.SetHeader("allow", "GET, HEAD, POST, PUT")
		return ctx.NoContent(405)
	}
}
