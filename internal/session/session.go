// Package session holds the per-connection conversation state: one receive
// loop per session pulls events off the channel queue, starts and aborts
// tasks, and applies session options. The Registry owns every session and
// reaps those whose channel stayed lost past the grace window.
package session

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/basket/worldlink/internal/bus"
	"github.com/basket/worldlink/internal/channel"
	"github.com/basket/worldlink/internal/engine"
	"github.com/basket/worldlink/internal/pending"
	"github.com/basket/worldlink/internal/protocol"
	"github.com/basket/worldlink/internal/tools"
	"github.com/google/uuid"
)

const inboxSize = 64

// maxHistory bounds the exchanges a session hands to its brain.
const maxHistory = 20

// MaxToolTimeout bounds the tool_timeout_ms option.
const MaxToolTimeout = 24 * time.Hour

// Recognised config envelope options.
const (
	OptionBackend     = "backend"
	OptionToolTimeout = "tool_timeout_ms"
	OptionSessionID   = "session_id"
)

// Options are the per-session settings a peer can change with a config
// envelope. They apply to the next task.
type Options struct {
	Backend     string
	ToolTimeout time.Duration
}

// Info is a snapshot of one session.
type Info struct {
	ID         string       `json:"id"`
	State      engine.State `json:"state"`
	Connected  bool         `json:"connected"`
	Pending    int          `json:"pending"`
	Backend    string       `json:"backend"`
	TaskID     string       `json:"task_id,omitempty"`
	Queued     bool         `json:"queued"`
	LastActive time.Time    `json:"last_active"`
}

// Session is one logical conversation bound to at most one live channel.
type Session struct {
	id      string
	r       *Registry
	machine *engine.Machine
	calls   *pending.Table

	inbox    chan channel.Event
	taskDone chan engine.Result
	done     chan struct{}
	once     sync.Once

	mu         sync.Mutex
	opts       Options
	brain      engine.Brain
	lastActive time.Time
	lostAt     time.Time
	cancel     context.CancelFunc
	taskID     string
	taskInput  string
	history    []engine.Exchange
	queued     *protocol.Envelope
	retired    engine.Brain

	// releasing is guarded by the registry lock.
	releasing bool
}

func newSession(id string, r *Registry, opts Options) *Session {
	now := r.now()
	s := &Session{
		id:         id,
		r:          r,
		machine:    engine.NewMachine(nil),
		calls:      pending.New(id, pending.WithLogger(r.logger)),
		inbox:      make(chan channel.Event, inboxSize),
		taskDone:   make(chan engine.Result, 1),
		done:       make(chan struct{}),
		opts:       opts,
		lastActive: now,
		lostAt:     now,
	}
	go s.run()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Calls returns the session's pending call table.
func (s *Session) Calls() *pending.Table { return s.calls }

// State returns the lifecycle state.
func (s *Session) State() engine.State { return s.machine.State() }

// Done is closed once the session has been released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Deliver queues an event from the channel. It blocks while the queue is full
// so a flooding peer only slows its own connection.
func (s *Session) Deliver(ev channel.Event) {
	select {
	case s.inbox <- ev:
	case <-s.done:
	}
}

// Emit sends env on the session's channel. The send is bounded by the write
// timeout, not by ctx cancellation.
func (s *Session) Emit(ctx context.Context, env protocol.Envelope) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.r.cfg.WriteTimeout)
	defer cancel()
	return s.r.manager.Send(ctx, s.id, env)
}

// Connected reports whether the session has a live channel.
func (s *Session) Connected() bool { return s.r.manager.Connected(s.id) }

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:         s.id,
		State:      s.machine.State(),
		Connected:  s.Connected(),
		Pending:    s.calls.Len(),
		Backend:    s.opts.Backend,
		TaskID:     s.taskID,
		Queued:     s.queued != nil,
		LastActive: s.lastActive,
	}
}

func (s *Session) run() {
	for {
		select {
		case ev := <-s.inbox:
			s.handle(ev)
		case res := <-s.taskDone:
			s.finishTask(res)
		case <-s.done:
			return
		}
	}
}

func (s *Session) handle(ev channel.Event) {
	log := s.r.logger.With("session_id", s.id)
	switch ev.Kind {
	case channel.EventDisconnected:
		s.mu.Lock()
		s.lostAt = s.r.now()
		s.mu.Unlock()
		log.Info("session: channel lost", "failed_calls", ev.Failed, "error", ev.Err)
		s.r.bus.Publish(bus.TopicSessionLost, bus.SessionEvent{SessionID: s.id, Reason: errString(ev.Err)})
		return
	case channel.EventViolation:
		s.r.drop(s, "framing violations: "+errString(ev.Err))
		return
	}

	env := ev.Envelope
	s.touch()
	switch env.Type {
	case protocol.TypeInput:
		s.input(env)
	case protocol.TypeInterrupt:
		s.interrupt()
	case protocol.TypeConfig:
		s.configure(env.Options)
	case protocol.TypeError:
		log.Warn("session: peer reported error", "message", env.Message)
	default:
		log.Debug("session: ignoring envelope", "type", string(env.Type))
	}
}

// input starts a task, or queues env when one is running. Only the newest
// queued input survives.
func (s *Session) input(env protocol.Envelope) {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		s.startTask(env)
		return
	}
	superseded := s.queued != nil
	s.queued = &env
	s.mu.Unlock()
	s.r.logger.Info("session: input queued behind active task", "session_id", s.id, "superseded", superseded)
}

func (s *Session) interrupt() {
	s.mu.Lock()
	cancel := s.cancel
	s.queued = nil
	s.mu.Unlock()
	if cancel == nil {
		s.r.logger.Debug("session: interrupt with no active task", "session_id", s.id)
		return
	}
	s.r.logger.Info("session: interrupting task", "session_id", s.id)
	cancel()
}

func (s *Session) startTask(env protocol.Envelope) {
	brain, opts, err := s.currentBrain()
	if err != nil {
		s.r.logger.Warn("session: no brain for task", "session_id", s.id, "error", err)
		_ = s.Emit(context.Background(), protocol.ErrorEnvelope(err.Error()))
		return
	}

	taskID := uuid.NewString()
	ctx, cancel := context.WithCancel(s.r.ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.taskID = taskID
	s.taskInput = env.Text
	history := slices.Clone(s.history)
	s.mu.Unlock()

	scope := &tools.Scope{
		SessionID: s.id,
		TaskID:    taskID,
		Out:       s,
		Calls:     s.calls,
		Workspace: s.r.cfg.Workspace,
		Timeout:   opts.ToolTimeout,
		Logger:    s.r.logger,
	}
	task := engine.Task{ID: taskID, Input: env.Text, Context: env.Context, Backend: opts.Backend, History: history}
	go func() {
		defer cancel()
		s.taskDone <- s.r.controller.Run(ctx, scope, s.machine, brain, task)
	}()
}

func (s *Session) finishTask(res engine.Result) {
	if err := s.machine.Release(); err != nil {
		s.r.logger.Error("session: release after task", "session_id", s.id, "task_id", res.TaskID, "error", err)
	}
	s.mu.Lock()
	s.history = append(s.history, engine.Exchange{Input: s.taskInput, Output: res.Output, Mode: res.Mode})
	if over := len(s.history) - maxHistory; over > 0 {
		s.history = slices.Delete(s.history, 0, over)
	}
	s.cancel = nil
	s.taskID = ""
	s.taskInput = ""
	s.lastActive = s.r.now()
	next := s.queued
	s.queued = nil
	retired := s.retired
	s.retired = nil
	s.mu.Unlock()

	closeBrain(retired)
	if next != nil {
		s.startTask(*next)
	}
}

// currentBrain returns the brain for the configured backend, building it on
// first use.
func (s *Session) currentBrain() (engine.Brain, Options, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.brain == nil {
		b, err := s.r.brains(s.opts.Backend)
		if err != nil {
			return nil, s.opts, err
		}
		s.brain = b
	}
	return s.brain, s.opts, nil
}

// configure applies recognised options. Invalid values are reported to the
// peer and leave the options unchanged; unknown keys are ignored.
func (s *Session) configure(options map[string]any) {
	s.mu.Lock()
	next := s.opts
	s.mu.Unlock()

	var problems []string
	for k, v := range options {
		switch k {
		case OptionBackend:
			name, ok := v.(string)
			if !ok {
				problems = append(problems, "backend must be a string")
				continue
			}
			next.Backend = name
		case OptionToolTimeout:
			ms, ok := v.(float64)
			if !ok || ms <= 0 || ms != math.Trunc(ms) {
				problems = append(problems, "tool_timeout_ms must be a positive integer")
				continue
			}
			if ms > float64(MaxToolTimeout.Milliseconds()) {
				problems = append(problems, fmt.Sprintf("tool_timeout_ms must not exceed %d", MaxToolTimeout.Milliseconds()))
				continue
			}
			next.ToolTimeout = time.Duration(ms) * time.Millisecond
		case OptionSessionID:
		default:
			s.r.logger.Info("session: ignoring unknown option", "session_id", s.id, "option", k)
		}
	}

	var brain engine.Brain
	if len(problems) == 0 && next.Backend != s.backend() {
		b, err := s.r.brains(next.Backend)
		if err != nil {
			problems = append(problems, err.Error())
		}
		brain = b
	}
	if len(problems) > 0 {
		msg := fmt.Sprintf("config rejected: %v", problems)
		s.r.logger.Info("session: "+msg, "session_id", s.id)
		_ = s.Emit(context.Background(), protocol.ErrorEnvelope(msg))
		return
	}

	s.mu.Lock()
	var idle engine.Brain
	if brain != nil {
		// A running task keeps its brain until it finishes.
		if s.cancel != nil {
			closeBrain(s.retired)
			s.retired = s.brain
		} else {
			idle = s.brain
		}
		s.brain = brain
	}
	s.opts = next
	s.mu.Unlock()
	closeBrain(idle)
	s.r.logger.Info("session: options updated", "session_id", s.id, "backend", next.Backend, "tool_timeout", next.ToolTimeout)
}

func (s *Session) backend() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Backend
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = s.r.now()
	s.mu.Unlock()
}

// attached records that a fresh channel is bound.
func (s *Session) attached() {
	s.mu.Lock()
	s.lostAt = time.Time{}
	s.lastActive = s.r.now()
	s.mu.Unlock()
}

// expired reports whether the channel has been lost for at least grace.
func (s *Session) expired(now time.Time, grace time.Duration) bool {
	if s.Connected() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lostAt.IsZero() && now.Sub(s.lostAt) >= grace
}

// release is the session-fatal path: Error state, one error envelope, every
// outstanding call failed, channel closed, loop stopped.
func (s *Session) release(reason string) {
	s.once.Do(func() {
		s.machine.Fail()
		s.mu.Lock()
		cancel := s.cancel
		brain := s.brain
		retired := s.retired
		s.queued = nil
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if s.Connected() {
			_ = s.Emit(context.Background(), protocol.ErrorEnvelope("session released: "+reason))
		}
		s.calls.FailAll(protocol.NewError(protocol.KindChannelLost, "", "session %s released: %s", s.id, reason))
		_ = s.r.manager.Close(s.id, reason)
		close(s.done)
		closeBrain(brain)
		closeBrain(retired)
	})
}

func closeBrain(b engine.Brain) {
	if c, ok := b.(engine.Closer); ok {
		_ = c.Close()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
