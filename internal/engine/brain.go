// Package engine drives one session's tasks: a Brain decides what to do next,
// the Controller carries it out through the tool dispatcher and keeps the
// session's lifecycle Machine and task boundaries in step.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/worldlink/internal/protocol"
	"github.com/basket/worldlink/internal/tools"
)

// IntentKind selects what the controller does with an Intent.
type IntentKind string

const (
	IntentToken     IntentKind = "token"
	IntentThought   IntentKind = "thought"
	IntentToolCalls IntentKind = "tool_calls"
	IntentEnd       IntentKind = "end"
)

// ToolCall is one call requested by a brain.
type ToolCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Intent is a brain's decision for one step.
type Intent struct {
	Kind  IntentKind `json:"kind"`
	Text  string     `json:"text,omitempty"`
	Calls []ToolCall `json:"calls,omitempty"`
	// State is handed back to the brain in the next Turn of the same task.
	State json.RawMessage `json:"state,omitempty"`
}

// Observation reports how one requested call went.
type Observation struct {
	Tool   string          `json:"tool"`
	CallID string          `json:"call_id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *protocol.Fault `json:"error,omitempty"`
}

// Exchange is one earlier task of the session: its input and the text the
// brain streamed back.
type Exchange struct {
	Input  string `json:"input"`
	Output string `json:"output,omitempty"`
	Mode   string `json:"mode"`
}

// Turn is everything a brain sees when asked for its next step.
type Turn struct {
	SessionID string          `json:"session_id"`
	TaskID    string          `json:"task_id"`
	Step      int             `json:"step"`
	Input     string          `json:"input"`
	Context   json.RawMessage `json:"context,omitempty"`
	// History holds the session's earlier tasks, oldest first.
	History []Exchange `json:"history,omitempty"`
	// Tools is only filled on the first step.
	Tools []tools.Descriptor `json:"tools,omitempty"`
	// Observations holds the outcomes of the previous tool_calls intent.
	Observations []Observation   `json:"observations,omitempty"`
	State        json.RawMessage `json:"state,omitempty"`
}

// Brain decides the next step of a task.
type Brain interface {
	Next(ctx context.Context, turn *Turn) (Intent, error)
}

// Closer is implemented by brains that hold external resources.
type Closer interface {
	Close() error
}

// ErrUnknownBackend is returned by a Factory for names it does not serve.
var ErrUnknownBackend = errors.New("unknown brain backend")

// Backend names accepted in session options.
const (
	BackendDirect = "direct"
	BackendCLI    = "cli"
)

// Factory builds a brain for a backend name.
type Factory func(backend string) (Brain, error)

// NewFactory returns a factory serving "direct" and, when cliCommand is set,
// "cli". Each call to the factory with "cli" starts its own process.
func NewFactory(cliCommand string, cliArgs []string) Factory {
	return func(backend string) (Brain, error) {
		switch backend {
		case "", BackendDirect:
			return DirectiveBrain{}, nil
		case BackendCLI:
			if cliCommand == "" {
				return nil, fmt.Errorf("%w: %q has no command configured", ErrUnknownBackend, backend)
			}
			return NewCLIBrain(cliCommand, cliArgs, nil), nil
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
		}
	}
}

func (i Intent) validate() error {
	switch i.Kind {
	case IntentToken, IntentThought:
		if i.Text == "" {
			return fmt.Errorf("%s intent without text", i.Kind)
		}
	case IntentToolCalls:
		if len(i.Calls) == 0 {
			return errors.New("tool_calls intent without calls")
		}
	case IntentEnd:
	default:
		return fmt.Errorf("unknown intent kind %q", i.Kind)
	}
	return nil
}
