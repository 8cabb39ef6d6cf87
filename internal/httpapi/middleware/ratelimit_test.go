package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

const testSource = "test-source"

// TestRateLimiter_GlobalLimitEnforced verifies that the global rate limit
// is enforced across all requests regardless of source.
func TestRateLimiter_GlobalLimitEnforced(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   10,
		GlobalBurst: 10,
		SourceRPS:   50,
	})
	defer rl.Close()

	successCount := 0

	for i := 0; i < 11; i++ {
		if rl.Allow(testSource) {
			successCount++
		}
	}

	if successCount != 10 {
		t.Errorf("expected 10 successful requests, got %d", successCount)
	}
}

// TestRateLimiter_SourceLimitEnforced verifies that per-source rate limits
// are enforced independently from the global limit.
func TestRateLimiter_SourceLimitEnforced(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   100,
		SourceRPS:   5,
		SourceBurst: 5,
	})
	defer rl.Close()

	successCount := 0

	for i := 0; i < 6; i++ {
		if rl.Allow(testSource) {
			successCount++
		}
	}

	if successCount != 5 {
		t.Errorf("expected 5 successful requests, got %d", successCount)
	}
}

// TestRateLimiter_EmptySourceOnlyHitsGlobalTier verifies that requests
// without a source identifier skip the per-source tier entirely.
func TestRateLimiter_EmptySourceOnlyHitsGlobalTier(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   3,
		GlobalBurst: 3,
		SourceRPS:   1,
	})
	defer rl.Close()

	successCount := 0

	for i := 0; i < 4; i++ {
		if rl.Allow("") {
			successCount++
		}
	}

	if successCount != 3 {
		t.Errorf("expected 3 successful requests bound by global tier, got %d", successCount)
	}
}

// TestRateLimiter_BurstCapacityWorks verifies that burst capacity allows
// temporary bursts above the sustained rate, then throttles subsequent requests.
func TestRateLimiter_BurstCapacityWorks(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   10,
		GlobalBurst: 10,
		SourceRPS:   5,
		SourceBurst: 5,
	})
	defer rl.Close()

	successCount := 0

	for i := 0; i < 10; i++ {
		if rl.Allow(testSource) {
			successCount++
		}
	}

	if successCount != 5 {
		t.Errorf("expected 5 successful burst requests, got %d", successCount)
	}

	if rl.Allow(testSource) {
		t.Error("expected request to be rate limited after burst exhausted")
	}
}

// TestRateLimiter_SourceIsolation verifies that rate limits for different
// sources are tracked independently.
func TestRateLimiter_SourceIsolation(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   100,
		SourceRPS:   5,
		SourceBurst: 5,
	})
	defer rl.Close()

	source1 := "source-1"
	source2 := "source-2"

	for i := 0; i < 5; i++ {
		if !rl.Allow(source1) {
			t.Errorf("source1 request %d should succeed", i+1)
		}
	}

	if rl.Allow(source1) {
		t.Error("source1 should be rate limited")
	}

	for i := 0; i < 5; i++ {
		if !rl.Allow(source2) {
			t.Errorf("source2 request %d should succeed", i+1)
		}
	}
}

// TestRateLimiter_ConcurrentAccess verifies that the rate limiter is safe
// for concurrent use by multiple goroutines.
func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS: 1000,
		SourceRPS: 500,
	})
	defer rl.Close()

	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func(source string) {
			defer wg.Done()

			for j := 0; j < 10; j++ {
				_ = rl.Allow(source)
			}
		}(fmt.Sprintf("source-%d", i))
	}

	wg.Wait()
}

// TestRateLimiter_MemoryCleanup verifies that stale source limiters
// are removed after the idle timeout period.
func TestRateLimiter_MemoryCleanup(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   100,
		SourceRPS:   50,
		IdleTimeout: 100 * time.Millisecond,
	})
	defer rl.Close()

	source := "stale-source"
	if !rl.Allow(source) {
		t.Fatal("first request should succeed")
	}

	rl.mu.RLock()
	_, exists := rl.perSource[source]
	rl.mu.RUnlock()

	if !exists {
		t.Fatal("source limiter should exist after first request")
	}

	time.Sleep(150 * time.Millisecond)
	rl.cleanup()

	rl.mu.RLock()
	_, exists = rl.perSource[source]
	rl.mu.RUnlock()

	if exists {
		t.Error("stale source limiter should have been removed after cleanup")
	}
}

// TestRateLimiter_CleanupPreservesActiveSources verifies that cleanup
// only removes idle sources and preserves recently active ones.
func TestRateLimiter_CleanupPreservesActiveSources(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:   100,
		SourceRPS:   50,
		IdleTimeout: 100 * time.Millisecond,
	})
	defer rl.Close()

	staleSource := "stale-source"
	activeSource := "active-source"

	if !rl.Allow(staleSource) {
		t.Fatal("stale source first request should succeed")
	}

	if !rl.Allow(activeSource) {
		t.Fatal("active source first request should succeed")
	}

	time.Sleep(150 * time.Millisecond)

	if !rl.Allow(activeSource) {
		t.Fatal("active source should still be allowed")
	}

	rl.cleanup()

	rl.mu.RLock()
	_, staleExists := rl.perSource[staleSource]
	_, activeExists := rl.perSource[activeSource]
	rl.mu.RUnlock()

	if staleExists {
		t.Error("stale source should have been removed")
	}

	if !activeExists {
		t.Error("active source should have been preserved")
	}
}

// TestRateLimitMiddleware_RequestAllowed verifies that requests under
// the rate limit are allowed to proceed to the next handler.
func TestRateLimitMiddleware_RequestAllowed(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 100, SourceRPS: 50})
	defer rl.Close()

	logger := slog.New(slog.DiscardHandler)

	nextCalled := false
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		nextCalled = true

		w.WriteHeader(http.StatusOK)
	})

	handler := RateLimit(rl, logger)(nextHandler)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !nextCalled {
		t.Error("expected next handler to be called when rate limit not exceeded")
	}

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}

// TestRateLimitMiddleware_RequestBlocked verifies that requests exceeding
// the rate limit are rejected with 429 status.
func TestRateLimitMiddleware_RequestBlocked(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 1, GlobalBurst: 1, SourceRPS: 1})
	defer rl.Close()

	logger := slog.New(slog.DiscardHandler)

	nextCalled := false
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		nextCalled = true

		w.WriteHeader(http.StatusOK)
	})

	handler := RateLimit(rl, logger)(nextHandler)

	req1 := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)

	if rec1.Code != http.StatusOK {
		t.Errorf("first request should succeed, got status %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec2 := httptest.NewRecorder()
	nextCalled = false

	handler.ServeHTTP(rec2, req2)

	if nextCalled {
		t.Error("expected next handler NOT to be called when rate limit exceeded")
	}

	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", rec2.Code)
	}
}

// TestRateLimitMiddleware_RFC7807ErrorFormat verifies that rate limit
// errors return RFC 7807 compliant responses.
func TestRateLimitMiddleware_RFC7807ErrorFormat(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 1, GlobalBurst: 1, SourceRPS: 1})
	defer rl.Close()

	logger := slog.New(slog.DiscardHandler)

	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := RateLimit(rl, logger)(nextHandler)

	req1 := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)

	req2 := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	contentType := rec2.Header().Get("Content-Type")
	if contentType != "application/problem+json" {
		t.Errorf("expected Content-Type application/problem+json, got %s", contentType)
	}

	var problem map[string]interface{}
	if err := json.Unmarshal(rec2.Body.Bytes(), &problem); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}

	if problem["type"] != "https://logaggregator.dev/problems/429" {
		t.Errorf("expected type https://logaggregator.dev/problems/429, got %v", problem["type"])
	}

	if problem["title"] != "Too Many Requests" {
		t.Errorf("expected title 'Too Many Requests', got %v", problem["title"])
	}

	if problem["status"] != float64(429) {
		t.Errorf("expected status 429, got %v", problem["status"])
	}

	if problem["instance"] != "/events" {
		t.Errorf("expected instance /events, got %v", problem["instance"])
	}
}
