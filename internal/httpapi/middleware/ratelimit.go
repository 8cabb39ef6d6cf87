// Package middleware provides HTTP middleware components for the aggregator's
// publish/query API.
package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    int     = 2
	defaultMaxSources          int     = 10000
	defaultGlobalRPS           int     = 1000
	defaultSourceRPS           int     = 50
	thresholdMultiplier        float64 = 0.8
	thresholdPercentage        int     = 80
	rateLimiterCleanupInterval         = 5 * time.Minute
	rateLimiterIdleTimeout             = 1 * time.Hour
)

type (
	// RateLimiter provides rate limiting for incoming publish requests.
	//
	// Implementations may use in-memory token buckets (single-node deployment)
	// or distributed stores (multi-node deployment). The interface enables
	// migration from in-memory to a distributed limiter without touching
	// call sites.
	RateLimiter interface {
		// Allow checks if a request should be allowed based on rate limits.
		// source identifies the publisher (the event's "source" field); an
		// empty source is rate limited against the global tier only.
		Allow(source string) bool
	}

	// InMemoryRateLimiter implements RateLimiter using golang.org/x/time/rate.
	//
	// Provides two-tier rate limiting: a global limit applied to every
	// request, and a per-source limit applied once a source identifier is
	// known. Token buckets for idle sources are cleaned up periodically to
	// bound memory growth.
	InMemoryRateLimiter struct {
		global        *rate.Limiter
		perSource     map[string]*sourceLimiter
		mu            sync.RWMutex
		cleanupTicker *time.Ticker
		done          chan struct{}

		sourceRPS       int
		sourceBurst     int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxSources      int
	}

	// sourceLimiter tracks rate limit state for a single publisher source.
	sourceLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter creates a new in-memory rate limiter with two-tier limits.
//
// Burst capacity is computed automatically as 2 × rate unless overridden in config.
// Cleanup runs periodically to prevent unbounded memory growth.
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	globalBurst := computeBurstCapacity(config.GlobalRPS, config.GlobalBurst)
	sourceBurst := computeBurstCapacity(config.SourceRPS, config.SourceBurst)

	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(config.GlobalRPS), globalBurst),
		perSource:       make(map[string]*sourceLimiter),
		done:            make(chan struct{}),
		sourceRPS:       config.SourceRPS,
		sourceBurst:     sourceBurst,
		cleanupInterval: config.CleanupInterval,
		idleTimeout:     config.IdleTimeout,
		maxSources:      config.MaxSources,
	}

	rl.startCleanup()

	return rl
}

// computeBurstCapacity computes the burst capacity based on the rate and optional override.
func computeBurstCapacity(rate, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rate * burstCapacityMultiplier
}

// Allow checks if a request should be allowed based on rate limits.
// Implements the RateLimiter interface.
func (rl *InMemoryRateLimiter) Allow(source string) bool {
	if !rl.global.Allow() {
		return false
	}

	if source == "" {
		return true
	}

	rl.mu.RLock()
	sl, ok := rl.perSource[source]
	rl.mu.RUnlock()

	if !ok {
		rl.mu.Lock()
		if sl, ok = rl.perSource[source]; !ok {
			sl = &sourceLimiter{
				limiter:    rate.NewLimiter(rate.Limit(rl.sourceRPS), rl.sourceBurst),
				lastAccess: time.Now(),
			}

			rl.perSource[source] = sl

			currentCount := len(rl.perSource)
			threshold := int(float64(rl.maxSources) * thresholdMultiplier)

			if currentCount >= threshold {
				slog.Warn("rate limiter approaching max sources limit",
					"current_sources", currentCount,
					"max_sources", rl.maxSources,
					"threshold_percent", thresholdPercentage,
					"recommendation", "investigate source identifier proliferation or increase max_sources limit")
			}
		}

		rl.mu.Unlock()
	}

	sl.mu.Lock()
	sl.lastAccess = time.Now()
	sl.mu.Unlock()

	return sl.limiter.Allow()
}

// Close stops the cleanup goroutine and releases resources.
// Must be called when the InMemoryRateLimiter is no longer needed.
func (rl *InMemoryRateLimiter) Close() {
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}

	close(rl.done)
}

// startCleanup starts a background goroutine that periodically removes
// stale source limiters to prevent memory leaks.
func (rl *InMemoryRateLimiter) startCleanup() {
	cleanupInterval := rl.cleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = rateLimiterCleanupInterval
	}

	rl.cleanupTicker = time.NewTicker(cleanupInterval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup removes source limiters that haven't been accessed recently.
func (rl *InMemoryRateLimiter) cleanup() {
	idleTimeout := rl.idleTimeout
	if idleTimeout == 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for source, sl := range rl.perSource {
		sl.mu.Lock()
		lastAccess := sl.lastAccess
		sl.mu.Unlock()

		if now.Sub(lastAccess) > idleTimeout {
			delete(rl.perSource, source)
		}
	}
}

// RateLimit returns a middleware that enforces the global rate limit tier on
// every request. Per-source limiting requires the publisher identifier from
// the decoded request body, so it is applied by the publish handler directly
// via RateLimiter.Allow rather than through this generic middleware.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow("") {
				correlationID := GetCorrelationID(r.Context())

				detail := "Rate limit exceeded. Please retry after some time."
				if err := writeRFC7807Error(w, r, http.StatusTooManyRequests, detail, correlationID); err != nil {
					logger.Error("failed to write rate limit error response",
						slog.String("correlation_id", correlationID),
						slog.String("path", r.URL.Path),
						slog.String("error", err.Error()),
					)

					http.Error(w, detail, http.StatusTooManyRequests)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
