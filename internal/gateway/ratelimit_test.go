package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/worldlink/internal/config"
	"github.com/basket/worldlink/internal/gateway"
)

func limited(t *testing.T, burst int) (*gateway.RateLimitMiddleware, http.Handler) {
	t.Helper()
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         burst,
	}, nil)
	return rl, rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(h http.Handler, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_BurstThenLimited(t *testing.T) {
	_, handler := limited(t, 3)
	for i := 0; i < 3; i++ {
		if rec := hit(handler, "/api/sessions", "10.0.0.1:5000"); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := hit(handler, "/api/sessions", "10.0.0.1:5000")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if retryAfter := rec.Header().Get("Retry-After"); retryAfter != "1" {
		t.Fatalf("expected Retry-After: 1, got %q", retryAfter)
	}
}

func TestRateLimit_SourcePortsShareBucket(t *testing.T) {
	_, handler := limited(t, 1)
	hit(handler, "/ws", "10.0.0.1:5000")
	if rec := hit(handler, "/ws", "10.0.0.1:5001"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("reconnect from a new port should be limited, got %d", rec.Code)
	}
	if rec := hit(handler, "/ws", "10.0.0.2:5000"); rec.Code != http.StatusOK {
		t.Fatalf("other host should be allowed, got %d", rec.Code)
	}
}

func TestRateLimit_RefillOverTime(t *testing.T) {
	_, handler := limited(t, 1)
	hit(handler, "/api/tools", "10.0.0.1:1")
	if rec := hit(handler, "/api/tools", "10.0.0.1:1"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 immediately after, got %d", rec.Code)
	}
	time.Sleep(1100 * time.Millisecond)
	if rec := hit(handler, "/api/tools", "10.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after refill, got %d", rec.Code)
	}
}

func TestRateLimit_SkipsHealthz(t *testing.T) {
	_, handler := limited(t, 1)
	hit(handler, "/api/sessions", "10.0.0.1:1")
	if rec := hit(handler, "/healthz", "10.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for /healthz, got %d", rec.Code)
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl, handler := limited(t, 10)
	for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:1", "10.0.0.3:1"} {
		hit(handler, "/api/sessions", addr)
	}
	if rl.BucketCount() != 3 {
		t.Fatalf("expected 3 buckets, got %d", rl.BucketCount())
	}
	rl.EvictStale(0)
	if rl.BucketCount() != 0 {
		t.Fatalf("expected 0 buckets after full eviction, got %d", rl.BucketCount())
	}
	hit(handler, "/api/sessions", "10.0.0.4:1")
	rl.EvictStale(time.Hour)
	if rl.BucketCount() != 1 {
		t.Fatalf("expected 1 bucket after no-op eviction, got %d", rl.BucketCount())
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{}, nil)
	called := false
	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 20; i++ {
		if rec := hit(handler, "/api/sessions", "10.0.0.1:1"); rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}
	if !called {
		t.Fatal("inner handler should have been called when rate limit is disabled")
	}
}
