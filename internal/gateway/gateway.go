// Package gateway is the HTTP surface of the server: WebSocket endpoints that
// bind peers to sessions, and read-only JSON views of sessions, tools,
// channels and the audit log.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/basket/worldlink/internal/audit"
	"github.com/basket/worldlink/internal/channel"
	"github.com/basket/worldlink/internal/config"
	wotel "github.com/basket/worldlink/internal/otel"
	"github.com/basket/worldlink/internal/session"
	"github.com/basket/worldlink/internal/shared"
	"github.com/basket/worldlink/internal/tools"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	sessionHeader = "X-Session-ID"
	sessionQuery  = "session_id"
)

// WebSocket endpoint paths. Both speak the same protocol.
const (
	PathWS     = "/ws"
	PathLegacy = "/api/antigravity"
)

type Config struct {
	Sessions *session.Registry
	Channels *channel.Manager
	Tools    *tools.Registry
	// Audit is optional; /api/audit reports an empty list without it.
	Audit *audit.Recorder

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config shown by /healthz.
	ConfigFingerprint string

	CORS         config.CORSConfig
	RateLimit    config.RateLimitConfig
	MaxBodyBytes int64

	Logger *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *RateLimitMiddleware
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		limiter: NewRateLimitMiddleware(cfg.RateLimit, cfg.Logger),
	}
}

// RateLimiter exposes the limiter so the caller can start bucket eviction.
func (s *Server) RateLimiter() *RateLimitMiddleware { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PathWS, s.handleWS)
	mux.HandleFunc(PathLegacy, s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/sessions", s.handleAPISessions)
	mux.HandleFunc("/api/tools", s.handleAPITools)
	mux.HandleFunc("/api/channels", s.handleAPIChannels)
	mux.HandleFunc("/api/audit", s.handleAPIAudit)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = s.limiter.Wrap(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	return h
}

// sessionID picks the session a connection binds to: the session_id query
// parameter, then the X-Session-ID header, else a fresh id.
func sessionID(r *http.Request) string {
	if id := r.URL.Query().Get(sessionQuery); id != "" {
		return id
	}
	if id := r.Header.Get(sessionHeader); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	ctx := shared.WithSessionID(shared.WithTraceID(r.Context(), shared.NewTraceID()), id)
	log := s.logger.With(shared.LogAttrs(ctx)...)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		log.Warn("ws: accept failed", "error", err)
		return
	}

	sess, link, err := s.cfg.Sessions.Attach(id, channel.WebSocket(conn))
	if err != nil {
		log.Warn("ws: attach refused", "error", err)
		status := websocket.StatusInternalError
		if errors.Is(err, session.ErrClosed) {
			status = websocket.StatusGoingAway
		}
		_ = conn.Close(status, err.Error())
		return
	}
	log.Info("ws: client connected", "path", r.URL.Path, "remote", r.RemoteAddr)

	select {
	case <-link.Done():
		log.Info("ws: client disconnected")
	case <-sess.Done():
		log.Info("ws: session released")
	case <-ctx.Done():
		_ = link.Close("server shutting down")
		log.Info("ws: request context done")
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	infos := s.cfg.Sessions.List()
	connected := 0
	for _, info := range infos {
		if info.Connected {
			connected++
		}
	}
	toolCount := 0
	if s.cfg.Tools != nil {
		toolCount = len(s.cfg.Tools.Names())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":            true,
		"version":            wotel.Version,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"sessions":           len(infos),
		"connected":          connected,
		"tools":              toolCount,
	})
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	if id := r.URL.Query().Get(sessionQuery); id != "" {
		sess := s.cfg.Sessions.Get(id)
		if sess == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session": sess.Info(),
			"calls":   sess.Calls().Snapshot(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.cfg.Sessions.List()})
}

func (s *Server) handleAPITools(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	var list []tools.Descriptor
	if s.cfg.Tools != nil {
		list = s.cfg.Tools.List()
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": list})
}

func (s *Server) handleAPIChannels(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	var stats []channel.Stats
	if s.cfg.Channels != nil {
		stats = s.cfg.Channels.Stats()
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": stats})
}

func (s *Server) handleAPIAudit(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries := []audit.Entry{}
	if s.cfg.Audit != nil {
		recent, err := s.cfg.Audit.Recent(r.Context(), limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if recent != nil {
			entries = recent
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func getOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
