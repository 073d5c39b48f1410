package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/worldlink/internal/bus"
	"github.com/basket/worldlink/internal/channel"
	"github.com/basket/worldlink/internal/cron"
	"github.com/basket/worldlink/internal/engine"
	wotel "github.com/basket/worldlink/internal/otel"
	"github.com/basket/worldlink/internal/protocol"
)

// Defaults for Config.
const (
	DefaultGraceWindow  = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultReapSpec     = "@every 1s"
)

// ErrClosed is returned by Attach after Close.
var ErrClosed = errors.New("session registry closed")

// Config configures a Registry. Zero values fall back to defaults.
type Config struct {
	Workspace    string
	GraceWindow  time.Duration
	WriteTimeout time.Duration
	// Defaults applied to new sessions.
	Backend     string
	ToolTimeout time.Duration
	// ReapSpec is the cron schedule of the reaper and pending sweep.
	ReapSpec string
	Logger   *slog.Logger
	Bus      *bus.Bus
	Metrics  *wotel.Metrics
	Now      func() time.Time
}

// Registry is the process-wide table of sessions.
type Registry struct {
	cfg        Config
	manager    *channel.Manager
	controller *engine.Controller
	brains     engine.Factory
	logger     *slog.Logger
	bus        *bus.Bus
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	sched  *cron.Scheduler

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates an empty registry. Call Start to run the reaper.
func NewRegistry(mgr *channel.Manager, ctrl *engine.Controller, brains engine.Factory, cfg Config) *Registry {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ReapSpec == "" {
		cfg.ReapSpec = DefaultReapSpec
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:        cfg,
		manager:    mgr,
		controller: ctrl,
		brains:     brains,
		logger:     cfg.Logger,
		bus:        cfg.Bus,
		now:        cfg.Now,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*Session),
	}
}

// Start schedules the reaper and the pending call sweep.
func (r *Registry) Start(ctx context.Context) error {
	r.sched = cron.NewScheduler(cron.Config{Logger: r.logger})
	err := r.sched.Add("session-reaper", r.cfg.ReapSpec, func(_ context.Context, now time.Time) {
		if n := r.Reap(now); n > 0 {
			r.logger.Info("session: reaped expired sessions", "count", n)
		}
		r.Sweep()
	})
	if err != nil {
		return err
	}
	r.sched.Start(ctx)
	return nil
}

// Create returns the session for id, creating it when absent. A new session
// without a channel is reaped once the grace window passes.
func (r *Registry) Create(id string) (*Session, error) {
	return r.acquire(id, false)
}

// Attach binds conn to the session id, creating the session on first
// connection. The peer is told its session id and options in a config
// envelope.
func (r *Registry) Attach(id string, conn channel.Conn) (*Session, *channel.Link, error) {
	s, err := r.acquire(id, true)
	if err != nil {
		return nil, nil, err
	}
	link := r.manager.Open(id, conn, s.calls, s)

	s.mu.Lock()
	opts := s.opts
	s.mu.Unlock()
	announce := protocol.Envelope{Type: protocol.TypeConfig, Options: map[string]any{
		OptionSessionID: id,
		OptionBackend:   backendName(opts.Backend),
	}}
	if opts.ToolTimeout > 0 {
		announce.Options[OptionToolTimeout] = opts.ToolTimeout.Milliseconds()
	}
	_ = s.Emit(context.Background(), announce)
	return s, link, nil
}

// acquire returns the live session for id, creating it when absent. A session
// that is being released is waited out so its teardown cannot close a newer
// channel. With attach set the session is marked connected before the lock is
// released, which keeps the reaper from taking it.
func (r *Registry) acquire(id string, attach bool) (*Session, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		s, ok := r.sessions[id]
		if ok && s.releasing {
			r.mu.Unlock()
			<-s.Done()
			continue
		}
		if !ok {
			s = newSession(id, r, Options{Backend: r.cfg.Backend, ToolTimeout: r.cfg.ToolTimeout})
			r.sessions[id] = s
		}
		if attach {
			s.attached()
		}
		r.mu.Unlock()

		if !ok {
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.ActiveSessions.Add(context.Background(), 1)
			}
			r.logger.Info("session: created", "session_id", id)
			r.bus.Publish(bus.TopicSessionOpened, bus.SessionEvent{SessionID: id})
		}
		return s, nil
	}
}

// Get returns the session for id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// List returns a snapshot of every session ordered by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reap releases every session whose channel has been lost for at least the
// grace window and returns how many it released.
func (r *Registry) Reap(now time.Time) int {
	grace, candidates := r.expiredAt(now)
	n := 0
	for _, s := range candidates {
		if r.reap(s, now, grace) {
			n++
		}
	}
	return n
}

func (r *Registry) expiredAt(now time.Time) (time.Duration, []*Session) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var expired []*Session
	for _, s := range r.sessions {
		if s.expired(now, r.cfg.GraceWindow) {
			expired = append(expired, s)
		}
	}
	return r.cfg.GraceWindow, expired
}

// reap releases s if it is still expired. The check repeats under the write
// lock because the peer may have reconnected since s was picked.
func (r *Registry) reap(s *Session, now time.Time, grace time.Duration) bool {
	return r.dropIf(s, "grace window expired", func() bool { return s.expired(now, grace) })
}

// Sweep times out overdue pending calls in every session.
func (r *Registry) Sweep() int {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	n := 0
	for _, s := range all {
		n += s.calls.Sweep()
	}
	return n
}

// Reconfigure changes the grace window for every session, including those
// already waiting for a reconnect.
func (r *Registry) Reconfigure(grace time.Duration) {
	if grace <= 0 {
		return
	}
	r.mu.Lock()
	r.cfg.GraceWindow = grace
	r.mu.Unlock()
	r.logger.Info("session: grace window changed", "grace", grace)
}

// Close releases every session and stops the reaper.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	if r.sched != nil {
		r.sched.Stop()
	}
	for _, s := range all {
		r.drop(s, "server shutting down")
	}
	r.cancel()
}

// drop removes s from the table and releases it.
func (r *Registry) drop(s *Session, reason string) {
	r.dropIf(s, reason, nil)
}

// dropIf releases s when it is still registered and cond, if set, holds. The
// session stays in the table, marked releasing, until its teardown is done.
func (r *Registry) dropIf(s *Session, reason string, cond func() bool) bool {
	r.mu.Lock()
	ok := r.sessions[s.id] == s && !s.releasing && (cond == nil || cond())
	if ok {
		s.releasing = true
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.logger.Warn("session: released", "session_id", s.id, "reason", reason)
	s.release(reason)

	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
	}
	r.bus.Publish(bus.TopicSessionClosed, bus.SessionEvent{SessionID: s.id, Reason: reason})
	return true
}

func backendName(b string) string {
	if b == "" {
		return engine.BackendDirect
	}
	return b
}
