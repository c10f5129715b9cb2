// Package celeris provides an HTTP/3 server built on the celeris h3 core.
package celeris

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config holds the server configuration options.
type Config struct {
	Addr                  string        `yaml:"addr"`                     // UDP address to bind to
	CertFile              string        `yaml:"cert_file"`                // TLS certificate (PEM)
	KeyFile               string        `yaml:"key_file"`                 // TLS private key (PEM)
	MaxFieldSectionSize   uint64        `yaml:"max_field_section_size"`   // Largest accepted request header section
	MaxConcurrentStreams  int           `yaml:"max_concurrent_streams"`   // Request streams per connection
	MaxIncomingUniStreams int64         `yaml:"max_incoming_uni_streams"` // Unidirectional streams per connection
	SettingsTimeout       time.Duration `yaml:"settings_timeout"`         // How long requests wait for the peer's SETTINGS
	IdleTimeout           time.Duration `yaml:"idle_timeout"`             // QUIC connection idle timeout
	StreamIdleTimeout     time.Duration `yaml:"stream_idle_timeout"`      // Cancel request streams idle this long (0 disables)
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout"`         // Default drain deadline for Stop
	Logger                *zap.Logger   `yaml:"-"`                        // Logger for server events
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:                  ":8443",
		MaxFieldSectionSize:   16 << 10,
		MaxConcurrentStreams:  256,
		MaxIncomingUniStreams: 16,
		SettingsTimeout:       10 * time.Second,
		IdleTimeout:           30 * time.Second,
		ShutdownTimeout:       30 * time.Second,
		Logger:                zap.NewNop(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.MaxFieldSectionSize == 0 {
		c.MaxFieldSectionSize = def.MaxFieldSectionSize
	}
	if c.MaxConcurrentStreams < 0 {
		return fmt.Errorf("max concurrent streams must not be negative, got %d", c.MaxConcurrentStreams)
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = def.MaxConcurrentStreams
	}
	// the peer needs room for its control and two QPACK streams
	if c.MaxIncomingUniStreams < 3 {
		c.MaxIncomingUniStreams = def.MaxIncomingUniStreams
	}
	if c.SettingsTimeout <= 0 {
		c.SettingsTimeout = def.SettingsTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.StreamIdleTimeout < 0 {
		return fmt.Errorf("stream idle timeout must not be negative, got %s", c.StreamIdleTimeout)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("cert_file and key_file must be set together")
	}
	return nil
}

// LoadConfig reads a YAML file on top of DefaultConfig. Durations are Go
// duration strings such as "15s".
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path) // #nosec G304 - path comes from the operator
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
