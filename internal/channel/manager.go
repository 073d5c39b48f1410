// Package channel owns the persistent duplex connection of each session. It
// frames outbound envelopes, pumps inbound frames through the protocol decoder
// and hands the survivors to the session's receive queue.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/basket/worldlink/internal/protocol"
)

// EventKind classifies what a Link hands to its Sink.
type EventKind int

const (
	// EventEnvelope carries a decoded inbound envelope.
	EventEnvelope EventKind = iota
	// EventDisconnected reports that the transport dropped.
	EventDisconnected
	// EventViolation reports that the peer exhausted the framing violation
	// budget; the link is detached when it is delivered.
	EventViolation
)

func (k EventKind) String() string {
	switch k {
	case EventEnvelope:
		return "envelope"
	case EventDisconnected:
		return "disconnected"
	case EventViolation:
		return "violation"
	default:
		return "unknown"
	}
}

// Event is one item of a session's receive queue.
type Event struct {
	SessionID string
	Kind      EventKind
	Envelope  protocol.Envelope
	Err       error
	Failed    int // pending calls failed by the disconnect
}

// Sink receives the events of one session in arrival order.
type Sink interface {
	Deliver(ev Event)
}

// Router settles remote calls. *pending.Table implements it.
type Router interface {
	Resolve(id string, result json.RawMessage, fault *protocol.Fault) bool
	FailAll(err *protocol.ToolError) int
}

// Link is the live connection of one session.
type Link struct {
	sessionID string
	conn      Conn
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu  sync.Mutex
	lost     atomic.Bool
	sent     atomic.Uint64
	received atomic.Uint64
}

// SessionID returns the session the link belongs to.
func (l *Link) SessionID() string { return l.sessionID }

// Done is closed when the read pump has exited.
func (l *Link) Done() <-chan struct{} { return l.done }

// Connected reports whether the link can still send.
func (l *Link) Connected() bool { return !l.lost.Load() }

// Send encodes env and writes it. Sends on one link reach the peer in call
// order. A write failure marks the link lost and returns ChannelLostError.
func (l *Link) Send(ctx context.Context, env protocol.Envelope) error {
	if l.lost.Load() {
		return protocol.NewError(protocol.KindChannelLost, env.Name, "session %s: channel lost", l.sessionID)
	}
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.Write(ctx, frame); err != nil {
		l.lost.Store(true)
		l.logger.Warn("channel: write failed", "session_id", l.sessionID, "type", string(env.Type), "error", err)
		return &protocol.ToolError{Kind: protocol.KindChannelLost, Tool: env.Name, Message: "send " + string(env.Type) + ": " + err.Error(), Cause: err}
	}
	l.sent.Add(1)
	return nil
}

// Close marks the link lost and closes the transport.
func (l *Link) Close(reason string) error {
	l.lost.Store(true)
	l.cancel()
	return l.conn.Close(reason)
}

func (l *Link) pump(m *Manager, router Router, sink Sink) {
	defer close(l.done)
	violations := 0
	for {
		frame, err := l.conn.Read(l.ctx)
		if err == nil {
			l.received.Add(1)
			var env protocol.Envelope
			env, err = protocol.Decode(frame)
			if err == nil && !env.Type.Inbound() {
				err = protocol.Validationf("%s envelopes are not accepted from the peer", env.Type)
			}
			if err == nil {
				l.route(router, sink, env)
				continue
			}
		} else if !errors.Is(err, ErrFramingViolation) {
			l.lost.Store(true)
			l.logger.Info("channel: read ended", "session_id", l.sessionID, "error", err)
			_ = l.conn.Close("read ended")
			if m.detach(l) {
				failed := router.FailAll(protocol.NewError(protocol.KindChannelLost, "", "session %s disconnected", l.sessionID))
				sink.Deliver(Event{SessionID: l.sessionID, Kind: EventDisconnected, Err: err, Failed: failed})
			}
			return
		}

		violations++
		l.logger.Warn("channel: rejected inbound frame", "session_id", l.sessionID, "violations", violations, "error", err)
		_ = l.Send(l.ctx, protocol.ErrorEnvelope(err.Error()))
		if m.budget <= 0 || violations <= m.budget {
			continue
		}
		l.logger.Error("channel: framing violation budget exhausted, closing", "session_id", l.sessionID, "budget", m.budget)
		l.lost.Store(true)
		if m.detach(l) {
			sink.Deliver(Event{SessionID: l.sessionID, Kind: EventViolation, Err: fmt.Errorf("%w: %d rejected frames: %v", ErrFramingViolation, violations, err)})
		}
		_ = l.conn.Close("framing violation")
		return
	}
}

// route hands tool responses to the pending table and everything else to the
// session queue.
func (l *Link) route(router Router, sink Sink, env protocol.Envelope) {
	if env.Type == protocol.TypeToolResponse {
		router.Resolve(env.ID, env.Result, env.Error)
		return
	}
	sink.Deliver(Event{SessionID: l.sessionID, Kind: EventEnvelope, Envelope: env})
}

// Stats is a snapshot of link counters.
type Stats struct {
	SessionID string `json:"session_id"`
	Connected bool   `json:"connected"`
	Sent      uint64 `json:"sent"`
	Received  uint64 `json:"received"`
}

// DefaultViolationBudget is how many rejected frames a link tolerates before
// the violation becomes session-fatal.
const DefaultViolationBudget = 16

// Manager maps session ids to their current link.
type Manager struct {
	logger *slog.Logger
	budget int

	mu    sync.RWMutex
	links map[string]*Link
}

// NewManager creates an empty manager. A violation budget of zero or less
// never closes a link for rejected frames.
func NewManager(logger *slog.Logger, violationBudget int) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, budget: violationBudget, links: make(map[string]*Link)}
}

// Open binds conn to sessionID and starts its read pump. Tool responses are
// resolved against router; other inbound envelopes go to sink. An existing link
// for the same session is superseded and closed without a disconnect event.
func (m *Manager) Open(sessionID string, conn Conn, router Router, sink Sink) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		sessionID: sessionID,
		conn:      conn,
		logger:    m.logger,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	prev := m.links[sessionID]
	m.links[sessionID] = l
	m.mu.Unlock()

	if prev != nil {
		m.logger.Info("channel: superseding previous link", "session_id", sessionID)
		_ = prev.Close("superseded by a new connection")
		router.FailAll(protocol.NewError(protocol.KindChannelLost, "", "session %s reconnected before responding", sessionID))
	}
	m.logger.Info("channel: opened", "session_id", sessionID)
	go l.pump(m, router, sink)
	return l
}

// Send writes env on the session's current link.
func (m *Manager) Send(ctx context.Context, sessionID string, env protocol.Envelope) error {
	l := m.Link(sessionID)
	if l == nil {
		return protocol.NewError(protocol.KindChannelLost, env.Name, "session %s: no channel", sessionID)
	}
	return l.Send(ctx, env)
}

// Link returns the current link for sessionID, or nil.
func (m *Manager) Link(sessionID string) *Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.links[sessionID]
}

// Connected reports whether sessionID has a live link.
func (m *Manager) Connected(sessionID string) bool {
	l := m.Link(sessionID)
	return l != nil && l.Connected()
}

// Close closes and forgets the session's link. No disconnect event is delivered.
func (m *Manager) Close(sessionID, reason string) error {
	m.mu.Lock()
	l := m.links[sessionID]
	delete(m.links, sessionID)
	m.mu.Unlock()
	if l == nil {
		return nil
	}
	m.logger.Info("channel: closed", "session_id", sessionID, "reason", reason)
	return l.Close(reason)
}

// Stats lists every current link ordered by session id.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	out := make([]Stats, 0, len(m.links))
	for id, l := range m.links {
		out = append(out, Stats{SessionID: id, Connected: l.Connected(), Sent: l.sent.Load(), Received: l.received.Load()})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// detach removes l if it is still the session's current link and reports
// whether it was.
func (m *Manager) detach(l *Link) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links[l.sessionID] != l {
		return false
	}
	delete(m.links, l.sessionID)
	return true
}
