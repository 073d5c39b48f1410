// Package protocol defines the envelopes exchanged between the agent server and a
// connected world client, and the error taxonomy attached to tool outcomes.
//
// Every envelope is a flat JSON object whose "type" field selects which of the
// remaining fields are meaningful. Decode is the only entry point for inbound
// bytes; anything it rejects never reaches the dispatcher.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Type discriminates envelopes on the wire.
type Type string

const (
	TypeInput        Type = "input"
	TypeToken        Type = "token"
	TypeThought      Type = "thought"
	TypeToolStart    Type = "tool_start"
	TypeToolRequest  Type = "tool_request"
	TypeToolResponse Type = "tool_response"
	TypeToolEnd      Type = "tool_end"
	TypeTaskBoundary Type = "task_boundary"
	TypeError        Type = "error"
	TypeConfig       Type = "config"
	TypeInterrupt    Type = "interrupt"
)

// Task boundary status and mode values.
const (
	StatusStarted  = "started"
	StatusFinished = "finished"
	StatusFailed   = "failed"

	ModeNormal  = "normal"
	ModeAborted = "aborted"
	ModeError   = "error"
)

// Envelope is the wire unit. Fields not used by a given type are left empty and
// omitted from the encoded form.
type Envelope struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Text    string          `json:"text,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Fault          `json:"error,omitempty"`
	Status  string          `json:"status,omitempty"`
	Mode    string          `json:"mode,omitempty"`
	Message string          `json:"message,omitempty"`
	Options map[string]any  `json:"options,omitempty"`
	TaskID  string          `json:"task_id,omitempty"`
}

// Fault is the structured error carried by tool_response and tool_end.
// Peers may send a bare JSON string instead of an object; it decodes as a
// RemoteExecutionError with that message.
type Fault struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (f *Fault) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var msg string
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		f.Kind = KindRemoteExecution
		f.Message = msg
		return nil
	}
	type plain Fault
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*f = Fault(p)
	if f.Kind == "" {
		f.Kind = KindRemoteExecution
	}
	return nil
}

// Err converts the fault to a *ToolError.
func (f *Fault) Err(tool string) *ToolError {
	if f == nil {
		return nil
	}
	return &ToolError{Kind: f.Kind, Tool: tool, Message: f.Message}
}

// Decode parses and validates one inbound frame. Unknown types and envelopes
// missing a required field fail with a ValidationError.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, Validationf("malformed envelope: %v", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Encode marshals a validated envelope.
func Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return b, nil
}

// Validate checks the required fields for the envelope's type.
func (e Envelope) Validate() error {
	switch e.Type {
	case TypeInput:
		if strings.TrimSpace(e.Text) == "" {
			return Validationf("input: text is required")
		}
	case TypeToken, TypeThought:
		if e.Text == "" {
			return Validationf("%s: text is required", e.Type)
		}
	case TypeToolStart:
		if e.Name == "" {
			return Validationf("tool_start: name is required")
		}
	case TypeToolRequest:
		if e.ID == "" || e.Name == "" {
			return Validationf("tool_request: id and name are required")
		}
	case TypeToolResponse:
		if e.ID == "" {
			return Validationf("tool_response: id is required")
		}
		hasResult := len(e.Result) > 0 && !bytes.Equal(bytes.TrimSpace(e.Result), []byte("null"))
		if hasResult == (e.Error != nil) {
			return Validationf("tool_response %s: exactly one of result or error is required", e.ID)
		}
	case TypeToolEnd:
		if e.Name == "" {
			return Validationf("tool_end: name is required")
		}
	case TypeTaskBoundary:
		if e.Status == "" || e.Mode == "" {
			return Validationf("task_boundary: status and mode are required")
		}
	case TypeError:
		if e.Message == "" {
			return Validationf("error: message is required")
		}
	case TypeConfig:
		if e.Options == nil {
			return Validationf("config: options are required")
		}
	case TypeInterrupt:
	case "":
		return Validationf("envelope type is required")
	default:
		return Validationf("unknown envelope type %q", e.Type)
	}
	return nil
}

// Inbound reports whether a peer is allowed to send this type to the server.
func (t Type) Inbound() bool {
	switch t {
	case TypeInput, TypeToolResponse, TypeConfig, TypeInterrupt, TypeError:
		return true
	default:
		return false
	}
}

// Token builds a token envelope.
func Token(text string) Envelope { return Envelope{Type: TypeToken, Text: text} }

// Thought builds a thought envelope.
func Thought(text string) Envelope { return Envelope{Type: TypeThought, Text: text} }

// ToolStart builds a tool_start envelope.
func ToolStart(name string, args json.RawMessage) Envelope {
	return Envelope{Type: TypeToolStart, Name: name, Args: args}
}

// ToolRequest builds a tool_request envelope.
func ToolRequest(id, name string, args json.RawMessage) Envelope {
	return Envelope{Type: TypeToolRequest, ID: id, Name: name, Args: args}
}

// ToolEnd builds a tool_end envelope from either a result or a tool error.
func ToolEnd(name string, result json.RawMessage, err *ToolError) Envelope {
	env := Envelope{Type: TypeToolEnd, Name: name}
	if err != nil {
		env.Error = err.Fault()
		return env
	}
	env.Result = result
	return env
}

// Boundary builds a task_boundary envelope.
func Boundary(taskID, status, mode string) Envelope {
	return Envelope{Type: TypeTaskBoundary, TaskID: taskID, Status: status, Mode: mode}
}

// ErrorEnvelope builds an error envelope.
func ErrorEnvelope(msg string) Envelope { return Envelope{Type: TypeError, Message: msg} }
