package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind names one class of the tool error taxonomy. The string value is what
// appears on the wire in tool_end.error.kind.
type ErrorKind string

const (
	KindValidation      ErrorKind = "ValidationError"
	KindUnknownTool     ErrorKind = "UnknownToolError"
	KindChannelLost     ErrorKind = "ChannelLostError"
	KindTimeout         ErrorKind = "TimeoutError"
	KindRemoteExecution ErrorKind = "RemoteExecutionError"
	KindLocalExecution  ErrorKind = "LocalExecutionError"
)

// ToolError is the single error type produced by the framer, the dispatcher and
// the pending call table. Match kinds with errors.Is against the sentinels below.
type ToolError struct {
	Kind    ErrorKind
	Tool    string
	Message string
	Cause   error
}

// Sentinels for errors.Is matching.
var (
	ErrValidation      = &ToolError{Kind: KindValidation}
	ErrUnknownTool     = &ToolError{Kind: KindUnknownTool}
	ErrChannelLost     = &ToolError{Kind: KindChannelLost}
	ErrTimeout         = &ToolError{Kind: KindTimeout}
	ErrRemoteExecution = &ToolError{Kind: KindRemoteExecution}
	ErrLocalExecution  = &ToolError{Kind: KindLocalExecution}
)

func (e *ToolError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Tool != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Tool, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *ToolError) Unwrap() error { return e.Cause }

// Is matches any *ToolError of the same kind, so callers can write
// errors.Is(err, protocol.ErrTimeout).
func (e *ToolError) Is(target error) bool {
	t, ok := target.(*ToolError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Fault converts the error to its wire form.
func (e *ToolError) Fault() *Fault {
	if e == nil {
		return nil
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return &Fault{Kind: e.Kind, Message: msg}
}

// NewError builds a ToolError of the given kind.
func NewError(kind ErrorKind, tool, format string, args ...any) *ToolError {
	return &ToolError{Kind: kind, Tool: tool, Message: fmt.Sprintf(format, args...)}
}

// Validationf builds a ValidationError without a tool name.
func Validationf(format string, args ...any) *ToolError {
	return &ToolError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// AsToolError extracts a *ToolError from err, wrapping foreign errors as
// LocalExecutionError so every outcome carries a kind.
func AsToolError(err error, tool string) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		if te.Tool == "" && tool != "" {
			cp := *te
			cp.Tool = tool
			return &cp
		}
		return te
	}
	return &ToolError{Kind: KindLocalExecution, Tool: tool, Message: err.Error(), Cause: err}
}
