// Package pending tracks outstanding remote tool calls for one session and
// settles each of them exactly once: by a peer response, by its deadline, or by
// session teardown.
package pending

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/worldlink/internal/protocol"
	"github.com/google/uuid"
)

const defaultSettledMemory = 256

// Status is the lifecycle of a Call.
type Status int

const (
	StatusPending Status = iota
	StatusResolved
	StatusTimedOut
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusResolved:
		return "resolved"
	case StatusTimedOut:
		return "timed-out"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Call is one outstanding remote tool invocation.
type Call struct {
	ID       string
	Tool     string
	Args     json.RawMessage
	IssuedAt time.Time
	Deadline time.Time

	done   chan struct{}
	timer  *time.Timer
	stale  bool
	status Status
	result json.RawMessage
	err    *protocol.ToolError
}

// Done is closed once the call reaches a terminal status.
func (c *Call) Done() <-chan struct{} { return c.done }

// Outcome returns the terminal result. It must only be called after Done is closed.
func (c *Call) Outcome() (json.RawMessage, *protocol.ToolError) {
	return c.result, c.err
}

// Status returns the terminal status. It must only be called after Done is closed.
func (c *Call) Status() Status { return c.status }

// CallInfo is a read-only snapshot of a pending call.
type CallInfo struct {
	ID       string    `json:"id"`
	Tool     string    `json:"tool"`
	IssuedAt time.Time `json:"issued_at"`
	Deadline time.Time `json:"deadline"`
	Stale    bool      `json:"stale"`
}

// Option configures a Table.
type Option func(*Table)

// WithIDGenerator overrides correlation id generation. Ids that collide with a
// live or recently settled call are suffixed to stay unique.
func WithIDGenerator(fn func() string) Option {
	return func(t *Table) { t.newID = fn }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Table) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock overrides the clock used for deadlines and sweeps.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// WithSettleHook registers fn to run after every settlement, outside the lock.
func WithSettleHook(fn func(c *Call, abandoned bool)) Option {
	return func(t *Table) { t.onSettle = fn }
}

// Table maps correlation ids to outstanding calls for a single session.
type Table struct {
	sessionID string
	newID     func() string
	now       func() time.Time
	logger    *slog.Logger
	onSettle  func(*Call, bool)

	mu      sync.Mutex
	calls   map[string]*Call
	settled *settledSet
	seq     uint64
}

// New creates an empty table for sessionID.
func New(sessionID string, opts ...Option) *Table {
	t := &Table{
		sessionID: sessionID,
		newID:     uuid.NewString,
		now:       time.Now,
		logger:    slog.Default(),
		calls:     make(map[string]*Call),
		settled:   newSettledSet(defaultSettledMemory),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Issue registers a new pending call whose deadline is now+timeout and returns it.
func (t *Table) Issue(tool string, args json.RawMessage, timeout time.Duration) *Call {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	id := t.newID()
	if _, live := t.calls[id]; live || t.settled.has(id) || id == "" {
		id = fmt.Sprintf("%s-%d", id, t.seq)
	}
	now := t.now()
	c := &Call{
		ID:       id,
		Tool:     tool,
		Args:     args,
		IssuedAt: now,
		Deadline: now.Add(timeout),
		done:     make(chan struct{}),
	}
	t.calls[id] = c
	c.timer = time.AfterFunc(timeout, func() { t.expire(id) })
	t.logger.Debug("pending: call issued", "session_id", t.sessionID, "call_id", id, "tool", tool, "deadline", c.Deadline)
	return c
}

// Resolve settles a call from a peer response. It returns false when the id is
// unknown or already terminal; such responses are dropped and logged.
func (t *Table) Resolve(id string, result json.RawMessage, fault *protocol.Fault) bool {
	t.mu.Lock()
	c, ok := t.calls[id]
	if !ok {
		prior, seen := t.settled.get(id)
		t.mu.Unlock()
		if seen {
			t.logger.Info("pending: late response dropped", "session_id", t.sessionID, "call_id", id, "prior_status", prior.String())
		} else {
			t.logger.Warn("pending: response for unknown call dropped", "session_id", t.sessionID, "call_id", id)
		}
		return false
	}
	if fault != nil {
		t.settleLocked(c, StatusErrored, nil, fault.Err(c.Tool))
	} else {
		t.settleLocked(c, StatusResolved, result, nil)
	}
	t.mu.Unlock()
	t.afterSettle(c)
	return true
}

// Fail settles one call with err.
func (t *Table) Fail(id string, err *protocol.ToolError) bool {
	t.mu.Lock()
	c, ok := t.calls[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	t.settleLocked(c, StatusErrored, nil, err)
	t.mu.Unlock()
	t.afterSettle(c)
	return true
}

// FailAll settles every outstanding call with err and returns how many were failed.
func (t *Table) FailAll(err *protocol.ToolError) int {
	t.mu.Lock()
	failed := make([]*Call, 0, len(t.calls))
	for _, c := range t.calls {
		te := *err
		te.Tool = c.Tool
		t.settleLocked(c, StatusErrored, nil, &te)
		failed = append(failed, c)
	}
	t.mu.Unlock()
	for _, c := range failed {
		t.afterSettle(c)
	}
	if len(failed) > 0 {
		t.logger.Info("pending: failed all outstanding calls", "session_id", t.sessionID, "count", len(failed), "kind", string(err.Kind))
	}
	return len(failed)
}

// Abandon marks a call stale: it stays in the table until its response or
// deadline arrives, but nobody waits for the outcome any more.
func (t *Table) Abandon(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[id]
	if !ok {
		return false
	}
	c.stale = true
	return true
}

// Sweep expires every call whose deadline has passed and returns the count.
func (t *Table) Sweep() int {
	now := t.now()
	t.mu.Lock()
	var expired []*Call
	for _, c := range t.calls {
		if !now.Before(c.Deadline) {
			t.settleLocked(c, StatusTimedOut, nil, timeoutError(c))
			expired = append(expired, c)
		}
	}
	t.mu.Unlock()
	for _, c := range expired {
		t.afterSettle(c)
	}
	return len(expired)
}

// Len returns the number of outstanding calls, stale ones included.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// Snapshot lists outstanding calls ordered by issue time.
func (t *Table) Snapshot() []CallInfo {
	t.mu.Lock()
	out := make([]CallInfo, 0, len(t.calls))
	for _, c := range t.calls {
		out = append(out, CallInfo{ID: c.ID, Tool: c.Tool, IssuedAt: c.IssuedAt, Deadline: c.Deadline, Stale: c.stale})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

func (t *Table) expire(id string) {
	t.mu.Lock()
	c, ok := t.calls[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	t.settleLocked(c, StatusTimedOut, nil, timeoutError(c))
	t.mu.Unlock()
	t.afterSettle(c)
}

// settleLocked moves c to a terminal status and removes it from the table.
func (t *Table) settleLocked(c *Call, status Status, result json.RawMessage, err *protocol.ToolError) {
	if c.status != StatusPending {
		return
	}
	c.status = status
	c.result = result
	c.err = err
	if c.timer != nil {
		c.timer.Stop()
	}
	delete(t.calls, c.ID)
	t.settled.add(c.ID, status)
	close(c.done)
}

func (t *Table) afterSettle(c *Call) {
	if c.stale {
		t.logger.Info("pending: discarded outcome of abandoned call", "session_id", t.sessionID, "call_id", c.ID, "tool", c.Tool, "status", c.status.String())
	}
	if t.onSettle != nil {
		t.onSettle(c, c.stale)
	}
}

func timeoutError(c *Call) *protocol.ToolError {
	return protocol.NewError(protocol.KindTimeout, c.Tool, "no response to call %s within %s", c.ID, c.Deadline.Sub(c.IssuedAt))
}
