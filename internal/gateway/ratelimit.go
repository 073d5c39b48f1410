package gateway

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/worldlink/internal/config"
	"golang.org/x/time/rate"
)

// Defaults for RateLimitConfig zero values.
const (
	DefaultRequestsPerMinute = 60
	DefaultBurst             = 10
)

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// RateLimitMiddleware limits requests per client host. A WebSocket upgrade
// counts as one request, so it bounds how fast a peer can reconnect.
type RateLimitMiddleware struct {
	enabled bool
	every   rate.Limit
	burst   int
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// NewRateLimitMiddleware creates a rate limit middleware from config.
func NewRateLimitMiddleware(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimitMiddleware {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = DefaultRequestsPerMinute
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = DefaultBurst
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimitMiddleware{
		enabled: cfg.Enabled,
		every:   rate.Limit(float64(rpm) / 60),
		burst:   burst,
		logger:  logger,
		clients: make(map[string]*clientLimiter),
	}
}

// StartEviction drops limiters idle for longer than maxAge every interval
// until ctx is done.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes limiters not used within maxAge.
func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge).UnixNano()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, c := range rl.clients {
		if c.lastSeen.Load() <= cutoff {
			delete(rl.clients, key)
			evicted++
		}
	}
	if evicted > 0 {
		rl.logger.Debug("ws: rate limiter eviction", "evicted", evicted, "remaining", len(rl.clients))
	}
}

// BucketCount returns the number of tracked clients.
func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Wrap wraps an http.Handler with rate limiting. /healthz is never limited.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := clientKey(r)
		if wait, ok := rl.allow(key); !ok {
			rl.logger.Debug("ws: rate limited", "client", key, "path", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow takes a token for key. When none is left it returns how long until
// one would be, without consuming it.
func (rl *RateLimitMiddleware) allow(key string) (time.Duration, bool) {
	c := rl.client(key)
	now := time.Now()
	c.lastSeen.Store(now.UnixNano())
	res := c.lim.ReserveN(now, 1)
	if !res.OK() {
		return time.Second, false
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return wait, false
	}
	return 0, true
}

// clientKey is the remote host without its port, so reconnects from new
// source ports share a limiter.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimitMiddleware) client(key string) *clientLimiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	c, ok := rl.clients[key]
	if !ok {
		c = &clientLimiter{lim: rate.NewLimiter(rl.every, rl.burst)}
		rl.clients[key] = c
	}
	return c
}
