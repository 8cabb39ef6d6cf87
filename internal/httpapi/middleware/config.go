// Package middleware provides HTTP middleware components for the aggregator's
// publish/query API.
package middleware

import (
	"time"

	"github.com/logaggregator/aggregator/internal/envconfig"
)

// Config holds rate limiter configuration.
//
// Rate limits specify requests per second (RPS) for two tiers:
//   - Global: Applied to every request
//   - Per-source: Applied once a publisher's source identifier is known
//
// Burst capacity allows temporary bursts above sustained rate.
// If burst fields are 0, they are computed automatically as 2 × rate.
type Config struct {
	GlobalRPS int
	SourceRPS int

	GlobalBurst int
	SourceBurst int

	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	MaxSources      int
}

// LoadConfig loads middleware config from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: envconfig.GetInt("RATE_LIMIT_GLOBAL_RPS", defaultGlobalRPS),
		SourceRPS: envconfig.GetInt("RATE_LIMIT_SOURCE_RPS", defaultSourceRPS),

		GlobalBurst: envconfig.GetInt("RATE_LIMIT_GLOBAL_BURST", 0),
		SourceBurst: envconfig.GetInt("RATE_LIMIT_SOURCE_BURST", 0),

		CleanupInterval: envconfig.GetDuration("RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval),
		IdleTimeout:     envconfig.GetDuration("RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxSources:      envconfig.GetInt("RATE_LIMIT_MAX_SOURCES", defaultMaxSources),
	}
}
