// Package httpapi exposes the publish/query/stats/health surface described
// by the HTTP interface contract, backed by the ingestion queue, the
// consumer loop, and the dedup store.
package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/logaggregator/aggregator/internal/envconfig"
	"github.com/logaggregator/aggregator/internal/httpapi/middleware"
)

const (
	// DefaultPort is the default HTTP server port.
	DefaultPort = 8080
	// MaxPort is the maximum valid port number.
	MaxPort = 65535
	// DefaultHost is the default bind address.
	DefaultHost = "0.0.0.0"
	// DefaultTimeout is the default timeout for HTTP operations.
	DefaultTimeout = 30 * time.Second
	// DefaultShutdownGracePeriod bounds how long the server waits for the
	// consumer to drain the queue during shutdown.
	DefaultShutdownGracePeriod = 30 * time.Second
	// DefaultCORSMaxAge is the default CORS preflight cache duration.
	DefaultCORSMaxAge = 86400
	// DefaultMaxPublishBatch is the default upper bound on events per
	// publish request, mirroring aggregator.MaxBatchSize.
	DefaultMaxPublishBatch = 1000
)

// Static validation errors.
var (
	ErrInvalidPort            = errors.New("httpapi: invalid port")
	ErrEmptyHost              = errors.New("httpapi: host cannot be empty")
	ErrInvalidReadTimeout     = errors.New("httpapi: read timeout must be positive")
	ErrInvalidWriteTimeout    = errors.New("httpapi: write timeout must be positive")
	ErrInvalidShutdownTimeout = errors.New("httpapi: shutdown timeout must be positive")
)

// Config holds pure HTTP server configuration: addresses, timeouts, and
// CORS policy. Dependencies (the queue, the store) are injected into
// NewServer separately.
type Config struct {
	Port                int
	Host                string
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	ShutdownGracePeriod time.Duration
	LogLevel            slog.Level
	CORSAllowedOrigins  []string
	CORSAllowedMethods  []string
	CORSAllowedHeaders  []string
	CORSMaxAge          int
}

// LoadConfig loads server configuration from environment variables with
// sensible defaults. Host and Port are always DefaultHost and DefaultPort;
// no environment variable overrides them.
func LoadConfig() *Config {
	return &Config{
		Port:                DefaultPort,
		Host:                DefaultHost,
		ReadTimeout:         envconfig.GetDuration("HTTP_READ_TIMEOUT", DefaultTimeout),
		WriteTimeout:        envconfig.GetDuration("HTTP_WRITE_TIMEOUT", DefaultTimeout),
		ShutdownGracePeriod: envconfig.GetDuration("SHUTDOWN_GRACE_PERIOD", DefaultShutdownGracePeriod),
		LogLevel:            envconfig.GetLogLevel("LOG_LEVEL", slog.LevelInfo),
		CORSAllowedOrigins:  envconfig.ParseCommaSeparatedList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:  envconfig.ParseCommaSeparatedList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
		CORSAllowedHeaders:  envconfig.ParseCommaSeparatedList("CORS_ALLOWED_HEADERS", []string{"Content-Type", "X-Correlation-ID"}),
		CORSMaxAge:          envconfig.GetInt("CORS_MAX_AGE", DefaultCORSMaxAge),
	}
}

// Address returns the server address in host:port format.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > MaxPort {
		return ErrInvalidPort
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	if c.ReadTimeout <= 0 {
		return ErrInvalidReadTimeout
	}

	if c.WriteTimeout <= 0 {
		return ErrInvalidWriteTimeout
	}

	if c.ShutdownGracePeriod <= 0 {
		return ErrInvalidShutdownTimeout
	}

	return nil
}

// ToCORSConfig converts the server's CORS fields to middleware.CORSConfig.
func (c *Config) ToCORSConfig() middleware.CORSConfig {
	return corsConfig{
		allowedOrigins: c.CORSAllowedOrigins,
		allowedMethods: c.CORSAllowedMethods,
		allowedHeaders: c.CORSAllowedHeaders,
		maxAge:         c.CORSMaxAge,
	}
}

// corsConfig is the Config-backed implementation of middleware.CORSConfig.
type corsConfig struct {
	allowedOrigins []string
	allowedMethods []string
	allowedHeaders []string
	maxAge         int
}

func (c corsConfig) GetAllowedOrigins() []string { return c.allowedOrigins }
func (c corsConfig) GetAllowedMethods() []string { return c.allowedMethods }
func (c corsConfig) GetAllowedHeaders() []string { return c.allowedHeaders }
func (c corsConfig) GetMaxAge() int              { return c.maxAge }
