package engine

import (
	"errors"
	"fmt"
	"sync"
)

// State is a session's task lifecycle state.
type State int

const (
	Idle State = iota
	Active
	AwaitingTool
	Streaming
	Completed
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case AwaitingTool:
		return "awaiting_tool"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText lets State appear by name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for st := Idle; st <= Error; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Busy reports whether a task occupies the session in this state.
func (s State) Busy() bool {
	return s == Active || s == AwaitingTool || s == Streaming
}

// ErrInvalidTransition is returned for moves the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// Error is reachable from every state and handled by Fail.
var transitions = map[State][]State{
	Idle:         {Active},
	Active:       {AwaitingTool, Streaming, Completed},
	AwaitingTool: {Active, Completed},
	Streaming:    {Active, Completed},
	Completed:    {Idle},
	Error:        {Idle},
}

// Machine guards one session's lifecycle state. Safe for concurrent use.
type Machine struct {
	mu       sync.Mutex
	state    State
	onChange func(from, to State)
}

// NewMachine returns a machine in Idle. onChange, if non-nil, is called
// outside the lock after every successful transition.
func NewMachine(onChange func(from, to State)) *Machine {
	return &Machine{onChange: onChange}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// To moves to next. Moving to the current state is a no-op.
func (m *Machine) To(next State) error {
	m.mu.Lock()
	from := m.state
	if from == next {
		m.mu.Unlock()
		return nil
	}
	if next != Error && !allowed(from, next) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}
	m.state = next
	m.mu.Unlock()
	m.changed(from, next)
	return nil
}

// Begin claims the session for a new task: Idle -> Active.
func (m *Machine) Begin() error {
	m.mu.Lock()
	from := m.state
	if from != Idle {
		m.mu.Unlock()
		return fmt.Errorf("%w: task already %s", ErrInvalidTransition, from)
	}
	m.state = Active
	m.mu.Unlock()
	m.changed(from, Active)
	return nil
}

// Fail moves to Error from any state.
func (m *Machine) Fail() {
	_ = m.To(Error)
}

// Release returns a finished session to Idle. It is a no-op when already Idle.
func (m *Machine) Release() error {
	m.mu.Lock()
	from := m.state
	switch from {
	case Idle:
		m.mu.Unlock()
		return nil
	case Completed, Error:
		m.state = Idle
		m.mu.Unlock()
		m.changed(from, Idle)
		return nil
	}
	m.mu.Unlock()
	return fmt.Errorf("%w: cannot release while %s", ErrInvalidTransition, from)
}

func (m *Machine) changed(from, to State) {
	if m.onChange != nil {
		m.onChange(from, to)
	}
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
