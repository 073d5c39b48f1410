package gateway

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/basket/worldlink/internal/config"
)

const (
	defaultCORSMaxAge  = 3600
	defaultMaxBodySize = 1 << 20
)

type corsPolicy struct {
	any     bool
	origins []string
	methods string
	headers string
	maxAge  string
}

func newCORSPolicy(cfg config.CORSConfig) corsPolicy {
	p := corsPolicy{
		any:     slices.Contains(cfg.AllowedOrigins, "*"),
		origins: cfg.AllowedOrigins,
		methods: http.MethodGet + ", " + http.MethodOptions,
		headers: "Content-Type, " + sessionHeader,
		maxAge:  strconv.Itoa(defaultCORSMaxAge),
	}
	if len(cfg.AllowedMethods) > 0 {
		p.methods = strings.Join(cfg.AllowedMethods, ", ")
	}
	if len(cfg.AllowedHeaders) > 0 {
		p.headers = strings.Join(cfg.AllowedHeaders, ", ")
	}
	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(cfg.MaxAge)
	}
	return p
}

func (p corsPolicy) allows(origin string) bool {
	return origin != "" && (p.any || slices.Contains(p.origins, origin))
}

// NewCORSMiddleware adds cross-origin headers for the dashboard JSON views.
// When disabled it returns a pass-through wrapper. WebSocket origins are
// checked separately by AllowOrigins at accept time.
func NewCORSMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	p := newCORSPolicy(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); p.allows(origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", p.methods)
				h.Set("Access-Control-Allow-Headers", p.headers)
				h.Set("Access-Control-Max-Age", p.maxAge)
				h.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestSizeLimitMiddleware caps request bodies at maxBytes, 1 MiB when
// unset. WebSocket frames are limited separately by the channel read limit.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodySize
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
