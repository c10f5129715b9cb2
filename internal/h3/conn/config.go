package conn

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/albertbausili/celeris-h3/internal/h3/headers"
	"github.com/albertbausili/celeris-h3/internal/h3/stream"
	"github.com/albertbausili/celeris-h3/internal/h3/transport"
)

// Hooks observe the stream lifecycle. Every hook is optional and may be
// called concurrently from different streams.
type Hooks struct {
	StreamCreated   func(connID string, id transport.StreamID, kind stream.Kind)
	HeaderReceived  func(connID string, id transport.StreamID, fields [][2]string)
	StreamCompleted func(connID string, id transport.StreamID, code transport.ErrorCode, err error)
}

// Config holds the per-connection settings.
type Config struct {
	// MaxFieldSectionSize is advertised to the peer and bounds inbound header sections.
	MaxFieldSectionSize uint64
	// MaxConcurrentRequests sizes the worker pool that runs request handlers.
	MaxConcurrentRequests int
	// SettingsTimeout bounds how long request dispatch waits for the peer's SETTINGS.
	SettingsTimeout time.Duration
	// MaxControlFrameSize bounds frames on the inbound control stream.
	MaxControlFrameSize uint64
	// StreamPoolSize is the number of idle stream objects kept for reuse.
	StreamPoolSize int
	// EnableConnectProtocol advertises extended CONNECT (RFC 9220).
	EnableConnectProtocol bool
	// Codec encodes and decodes header sections. Defaults to QPACK.
	Codec headers.Codec

	Logger *zap.Logger
	Hooks  Hooks
	// OnStreamActivity is called whenever a stream moves bytes.
	OnStreamActivity func(connID string, id transport.StreamID)
}

// DefaultConfig returns the default connection settings.
func DefaultConfig() Config {
	return Config{
		MaxFieldSectionSize:   16 << 10,
		MaxConcurrentRequests: 256,
		SettingsTimeout:       10 * time.Second,
		MaxControlFrameSize:   64 << 10,
		StreamPoolSize:        128,
		Logger:                zap.NewNop(),
	}
}

// Validate fills zero values with defaults and rejects invalid settings.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.MaxFieldSectionSize == 0 {
		c.MaxFieldSectionSize = def.MaxFieldSectionSize
	}
	if c.MaxConcurrentRequests == 0 {
		c.MaxConcurrentRequests = def.MaxConcurrentRequests
	}
	if c.MaxConcurrentRequests < 0 {
		return errors.New("conn: MaxConcurrentRequests must be positive")
	}
	if c.SettingsTimeout == 0 {
		c.SettingsTimeout = def.SettingsTimeout
	}
	if c.SettingsTimeout < 0 {
		return errors.New("conn: SettingsTimeout must be positive")
	}
	if c.MaxControlFrameSize == 0 {
		c.MaxControlFrameSize = def.MaxControlFrameSize
	}
	if c.StreamPoolSize == 0 {
		c.StreamPoolSize = def.StreamPoolSize
	}
	if c.StreamPoolSize < 0 {
		return errors.New("conn: StreamPoolSize must not be negative")
	}
	if c.Codec == nil {
		c.Codec = headers.NewQPACK()
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	return nil
}
