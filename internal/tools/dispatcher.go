package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/basket/worldlink/internal/bus"
	wotel "github.com/basket/worldlink/internal/otel"
	"github.com/basket/worldlink/internal/pending"
	"github.com/basket/worldlink/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout applies to local and remote tools alike unless overridden.
const DefaultTimeout = 30 * time.Second

// Emitter is a session's ordered outbound path.
type Emitter interface {
	Emit(ctx context.Context, env protocol.Envelope) error
	Connected() bool
}

// Scope is the explicit per-session context threaded through every dispatch.
// Tools never reach for process-wide state.
type Scope struct {
	SessionID string
	TaskID    string
	Out       Emitter
	Calls     *pending.Table
	Workspace string
	// Timeout, when positive, overrides both the tool and dispatcher defaults.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (s *Scope) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Outcome is the terminal result of a dispatch that reached tool_start.
type Outcome struct {
	Tool     string
	CallID   string
	Result   json.RawMessage
	Err      *protocol.ToolError
	Duration time.Duration
}

// Failed reports whether the tool ended with an error.
func (o Outcome) Failed() bool { return o.Err != nil }

// Options configures a Dispatcher. Zero values fall back to defaults and no-op
// telemetry.
type Options struct {
	Timeout time.Duration
	Logger  *slog.Logger
	Bus     *bus.Bus
	Tracer  trace.Tracer
	Metrics *wotel.Metrics
}

// Dispatcher validates and routes tool calls. It holds no per-session state.
type Dispatcher struct {
	registry *Registry
	timeout  atomic.Int64
	logger   *slog.Logger
	bus      *bus.Bus
	tracer   trace.Tracer
	metrics  *wotel.Metrics
}

// NewDispatcher creates a dispatcher over reg.
func NewDispatcher(reg *Registry, opts Options) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		logger:   opts.Logger,
		bus:      opts.Bus,
		tracer:   opts.Tracer,
		metrics:  opts.Metrics,
	}
	d.SetTimeout(opts.Timeout)
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.tracer == nil {
		d.tracer = wotel.Noop().Tracer
	}
	return d
}

// SetTimeout replaces the fallback timeout used when neither the session nor
// the tool sets one. Non-positive values restore DefaultTimeout.
func (d *Dispatcher) SetTimeout(t time.Duration) {
	if t <= 0 {
		t = DefaultTimeout
	}
	d.timeout.Store(int64(t))
}

// Registry returns the dispatcher's registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch runs one tool call for scope.
//
// Unknown tools, invalid arguments and remote calls on a lost channel fail with
// a *protocol.ToolError before anything is sent. Every other call emits
// tool_start, runs, emits tool_end and returns the Outcome with a nil error.
// If ctx is cancelled while the tool runs, Dispatch returns ctx.Err() without
// tool_end; an outstanding remote call is abandoned.
func (d *Dispatcher) Dispatch(ctx context.Context, scope *Scope, name string, args json.RawMessage) (Outcome, error) {
	desc, err := d.registry.Lookup(name)
	if err != nil {
		d.logger.Warn("dispatch: unknown tool", "session_id", scope.SessionID, "tool", name)
		return Outcome{}, err
	}
	if err := d.registry.Validate(name, args); err != nil {
		d.logger.Info("dispatch: invalid arguments", "session_id", scope.SessionID, "tool", name, "error", err)
		return Outcome{}, err
	}
	if desc.Locality == Remote && (scope.Out == nil || !scope.Out.Connected()) {
		return Outcome{}, protocol.NewError(protocol.KindChannelLost, name, "session %s has no live channel", scope.SessionID)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	timeout := d.timeoutFor(desc, scope)

	ctx, span := wotel.StartSpan(ctx, d.tracer, "tool."+name,
		wotel.AttrSessionID.String(scope.SessionID),
		wotel.AttrTaskID.String(scope.TaskID),
		wotel.AttrToolName.String(name),
		wotel.AttrLocality.String(desc.Locality.String()),
	)
	start := time.Now()
	d.emit(ctx, scope, protocol.ToolStart(name, args))
	d.bus.Publish(bus.TopicToolStarted, bus.ToolEvent{
		SessionID: scope.SessionID, TaskID: scope.TaskID, Tool: name, Locality: desc.Locality.String(), Args: args,
	})

	var out Outcome
	if desc.Locality == Local {
		out, err = d.runLocal(ctx, scope, desc, args, timeout)
	} else {
		out, err = d.runRemote(ctx, scope, desc, args, timeout)
	}
	if err != nil {
		scope.logger().Info("dispatch: abandoned by task", "session_id", scope.SessionID, "tool", name, "call_id", out.CallID)
		wotel.EndSpan(span, err)
		return Outcome{}, err
	}
	out.Tool = name
	out.Duration = time.Since(start)
	if out.CallID != "" {
		span.SetAttributes(wotel.AttrCallID.String(out.CallID))
	}

	d.emit(ctx, scope, protocol.ToolEnd(name, out.Result, out.Err))
	d.record(ctx, scope, desc, args, out)

	var spanErr error
	if out.Err != nil {
		spanErr = out.Err
	}
	wotel.EndSpan(span, spanErr)
	return out, nil
}

func (d *Dispatcher) timeoutFor(desc Descriptor, scope *Scope) time.Duration {
	switch {
	case scope.Timeout > 0:
		return scope.Timeout
	case desc.Timeout > 0:
		return desc.Timeout
	default:
		return time.Duration(d.timeout.Load())
	}
}

// emit sends an observability envelope. A lost channel is not the tool's
// fault, so failures are only logged.
func (d *Dispatcher) emit(ctx context.Context, scope *Scope, env protocol.Envelope) {
	if scope.Out == nil {
		return
	}
	if err := scope.Out.Emit(ctx, env); err != nil {
		scope.logger().Debug("dispatch: emit failed", "session_id", scope.SessionID, "type", string(env.Type), "error", err)
	}
}

type localResult struct {
	value any
	err   error
}

func (d *Dispatcher) runLocal(ctx context.Context, scope *Scope, desc Descriptor, args json.RawMessage, timeout time.Duration) (Outcome, error) {
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan localResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				scope.logger().Error("dispatch: local tool panicked", "tool", desc.Name, "panic", r, "stack", string(debug.Stack()))
				done <- localResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := desc.Handler(lctx, scope, args)
		done <- localResult{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return Outcome{Err: timeoutError(desc.Name, timeout)}, nil
			}
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			te := protocol.AsToolError(r.err, desc.Name)
			if te.Kind != protocol.KindTimeout && te.Kind != protocol.KindLocalExecution {
				te = &protocol.ToolError{Kind: protocol.KindLocalExecution, Tool: desc.Name, Message: te.Message, Cause: te}
			}
			return Outcome{Err: te}, nil
		}
		result, err := json.Marshal(r.value)
		if err != nil {
			return Outcome{Err: &protocol.ToolError{Kind: protocol.KindLocalExecution, Tool: desc.Name, Message: "encode result: " + err.Error(), Cause: err}}, nil
		}
		return Outcome{Result: result}, nil
	case <-lctx.Done():
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return Outcome{Err: timeoutError(desc.Name, timeout)}, nil
	}
}

func (d *Dispatcher) runRemote(ctx context.Context, scope *Scope, desc Descriptor, args json.RawMessage, timeout time.Duration) (Outcome, error) {
	call := scope.Calls.Issue(desc.Name, args, timeout)
	if d.metrics != nil {
		d.metrics.PendingCalls.Add(ctx, 1)
		defer d.metrics.PendingCalls.Add(context.WithoutCancel(ctx), -1)
	}
	if err := scope.Out.Emit(ctx, protocol.ToolRequest(call.ID, desc.Name, args)); err != nil {
		te := protocol.AsToolError(err, desc.Name)
		if te.Kind != protocol.KindChannelLost {
			te = &protocol.ToolError{Kind: protocol.KindChannelLost, Tool: desc.Name, Message: te.Message, Cause: err}
		}
		scope.Calls.Fail(call.ID, te)
	}

	select {
	case <-call.Done():
		result, te := call.Outcome()
		return Outcome{CallID: call.ID, Result: result, Err: te}, nil
	case <-ctx.Done():
		scope.Calls.Abandon(call.ID)
		if d.metrics != nil {
			d.metrics.StaleResults.Add(context.WithoutCancel(ctx), 1)
		}
		return Outcome{CallID: call.ID}, ctx.Err()
	}
}

func (d *Dispatcher) record(ctx context.Context, scope *Scope, desc Descriptor, args json.RawMessage, out Outcome) {
	ev := bus.ToolEvent{
		SessionID: scope.SessionID,
		TaskID:    scope.TaskID,
		CallID:    out.CallID,
		Tool:      desc.Name,
		Locality:  desc.Locality.String(),
		Args:      args,
		Result:    out.Result,
		Duration:  out.Duration,
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", desc.Name),
		attribute.String("locality", desc.Locality.String()),
	)
	if out.Err != nil {
		ev.ErrKind = string(out.Err.Kind)
		ev.Err = out.Err.Error()
		scope.logger().Info("dispatch: tool failed", "session_id", scope.SessionID, "tool", desc.Name, "call_id", out.CallID, "kind", ev.ErrKind, "error", out.Err.Message, "duration_ms", out.Duration.Milliseconds())
		if d.metrics != nil {
			d.metrics.ToolCallErrors.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", desc.Name),
				attribute.String("kind", ev.ErrKind),
			))
		}
	} else {
		scope.logger().Info("dispatch: tool finished", "session_id", scope.SessionID, "tool", desc.Name, "call_id", out.CallID, "duration_ms", out.Duration.Milliseconds())
	}
	if d.metrics != nil {
		d.metrics.ToolCallDuration.Record(ctx, out.Duration.Seconds(), attrs)
	}
	d.bus.Publish(bus.TopicToolFinished, ev)
}

func timeoutError(tool string, after time.Duration) *protocol.ToolError {
	return protocol.NewError(protocol.KindTimeout, tool, "no result within %s", after)
}
