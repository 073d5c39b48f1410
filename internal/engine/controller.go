package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/worldlink/internal/bus"
	wotel "github.com/basket/worldlink/internal/otel"
	"github.com/basket/worldlink/internal/protocol"
	"github.com/basket/worldlink/internal/tools"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxSteps bounds the brain steps of one task.
const DefaultMaxSteps = 25

// ErrStepBudget is the failure recorded when a task runs out of steps.
var ErrStepBudget = errors.New("step budget exhausted")

// Task is one unit of work started by an input envelope.
type Task struct {
	ID      string
	Input   string
	Context json.RawMessage
	Backend string
	History []Exchange
}

// Result summarises how a task ended.
type Result struct {
	TaskID   string
	Mode     string // normal, aborted or error
	Steps    int
	Output   string // token text streamed during the task
	Err      error
	Duration time.Duration
}

// ControllerConfig configures a Controller. Zero values fall back to defaults.
type ControllerConfig struct {
	MaxSteps int
	Logger   *slog.Logger
	Bus      *bus.Bus
	Tracer   trace.Tracer
	Metrics  *wotel.Metrics
}

// Controller runs tasks. It holds no per-session state, so one controller
// serves every session.
type Controller struct {
	dispatcher *tools.Dispatcher
	maxSteps   int
	logger     *slog.Logger
	bus        *bus.Bus
	tracer     trace.Tracer
	metrics    *wotel.Metrics
}

// NewController creates a controller that dispatches through d.
func NewController(d *tools.Dispatcher, cfg ControllerConfig) *Controller {
	c := &Controller{
		dispatcher: d,
		maxSteps:   cfg.MaxSteps,
		logger:     cfg.Logger,
		bus:        cfg.Bus,
		tracer:     cfg.Tracer,
		metrics:    cfg.Metrics,
	}
	if c.maxSteps <= 0 {
		c.maxSteps = DefaultMaxSteps
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracer == nil {
		c.tracer = wotel.Noop().Tracer
	}
	return c
}

// Run drives task to a terminal state. The machine must be Idle; on return it
// is Completed or Error and the caller releases it.
//
// Cancelling ctx aborts the task: outstanding remote calls are abandoned and
// the task finishes with mode "aborted".
func (c *Controller) Run(ctx context.Context, scope *tools.Scope, m *Machine, brain Brain, task Task) Result {
	if err := m.Begin(); err != nil {
		return Result{TaskID: task.ID, Mode: protocol.ModeError, Err: err}
	}
	start := time.Now()
	log := c.logger.With("session_id", scope.SessionID, "task_id", task.ID)

	ctx, span := wotel.StartSpan(ctx, c.tracer, "task",
		wotel.AttrSessionID.String(scope.SessionID),
		wotel.AttrTaskID.String(task.ID),
		wotel.AttrBackend.String(task.Backend),
	)
	if c.metrics != nil {
		c.metrics.ActiveTasks.Add(ctx, 1)
		defer c.metrics.ActiveTasks.Add(context.WithoutCancel(ctx), -1)
	}

	c.send(ctx, scope, protocol.Boundary(task.ID, protocol.StatusStarted, protocol.ModeNormal))
	c.bus.Publish(bus.TopicTaskStarted, bus.TaskEvent{SessionID: scope.SessionID, TaskID: task.ID, Mode: protocol.ModeNormal})
	log.Info("task: started", "backend", task.Backend)

	steps, output, err := c.loop(ctx, scope, m, brain, task)

	res := Result{TaskID: task.ID, Steps: steps, Output: output, Err: err, Duration: time.Since(start)}
	ev := bus.TaskEvent{SessionID: scope.SessionID, TaskID: task.ID, Steps: steps, Duration: res.Duration}
	topic := bus.TopicTaskFinished
	var boundary protocol.Envelope

	switch {
	case err == nil:
		res.Mode = protocol.ModeNormal
		_ = m.To(Completed)
		boundary = protocol.Boundary(task.ID, protocol.StatusFinished, protocol.ModeNormal)
		log.Info("task: finished", "steps", steps, "duration_ms", res.Duration.Milliseconds())
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		res.Mode = protocol.ModeAborted
		res.Err = nil
		if m.To(Completed) != nil {
			m.Fail()
		}
		boundary = protocol.Boundary(task.ID, protocol.StatusFinished, protocol.ModeAborted)
		log.Info("task: aborted", "steps", steps)
	default:
		res.Mode = protocol.ModeError
		m.Fail()
		boundary = protocol.Boundary(task.ID, protocol.StatusFailed, protocol.ModeError)
		boundary.Message = err.Error()
		topic = bus.TopicTaskFailed
		ev.Err = err.Error()
		log.Warn("task: failed", "steps", steps, "error", err)
	}
	ev.Mode = res.Mode

	c.send(context.WithoutCancel(ctx), scope, boundary)
	c.bus.Publish(topic, ev)
	if c.metrics != nil {
		c.metrics.TaskDuration.Record(context.WithoutCancel(ctx), res.Duration.Seconds(),
			metric.WithAttributes(attribute.String("mode", res.Mode)))
	}
	wotel.EndSpan(span, res.Err)
	return res
}

func (c *Controller) loop(ctx context.Context, scope *tools.Scope, m *Machine, brain Brain, task Task) (int, string, error) {
	turn := &Turn{
		SessionID: scope.SessionID,
		TaskID:    task.ID,
		Input:     task.Input,
		Context:   task.Context,
		History:   task.History,
		Tools:     c.dispatcher.Registry().List(),
	}
	var out strings.Builder
	for step := 1; step <= c.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return step - 1, out.String(), err
		}
		turn.Step = step
		if c.metrics != nil {
			c.metrics.TaskSteps.Add(ctx, 1)
		}

		intent, err := c.next(ctx, brain, turn)
		if err != nil {
			if ctx.Err() != nil {
				return step - 1, out.String(), ctx.Err()
			}
			return step, out.String(), fmt.Errorf("brain: %w", err)
		}
		turn.Tools = nil
		turn.Observations = nil
		turn.State = intent.State

		switch intent.Kind {
		case IntentEnd:
			return step, out.String(), nil
		case IntentToken:
			if err := m.To(Streaming); err != nil {
				return step, out.String(), err
			}
			c.send(ctx, scope, protocol.Token(intent.Text))
			out.WriteString(intent.Text)
			if c.metrics != nil {
				c.metrics.StreamTokens.Add(ctx, 1)
			}
		case IntentThought:
			if err := m.To(Active); err != nil {
				return step, out.String(), err
			}
			c.send(ctx, scope, protocol.Thought(intent.Text))
		case IntentToolCalls:
			if err := m.To(Active); err != nil {
				return step, out.String(), err
			}
			obs, err := c.runCalls(ctx, scope, m, intent.Calls)
			if err != nil {
				return step, out.String(), err
			}
			turn.Observations = obs
		}
	}
	return c.maxSteps, out.String(), fmt.Errorf("%w after %d steps", ErrStepBudget, c.maxSteps)
}

func (c *Controller) next(ctx context.Context, brain Brain, turn *Turn) (Intent, error) {
	ctx, span := wotel.StartClientSpan(ctx, c.tracer, "brain.next", wotel.AttrStep.Int(turn.Step))
	intent, err := brain.Next(ctx, turn)
	if err == nil {
		err = intent.validate()
	}
	wotel.EndSpan(span, err)
	return intent, err
}

// runCalls executes calls in order. Consecutive remote calls run
// concurrently while the machine waits in AwaitingTool; local calls run one
// at a time. Observations come back in call order.
func (c *Controller) runCalls(ctx context.Context, scope *tools.Scope, m *Machine, calls []ToolCall) ([]Observation, error) {
	obs := make([]Observation, len(calls))
	for i := 0; i < len(calls); {
		j := i
		for j < len(calls) && c.isRemote(calls[j].Name) {
			j++
		}
		if j == i {
			o, err := c.dispatch(ctx, scope, calls[i])
			if err != nil {
				return nil, err
			}
			obs[i] = o
			i++
			continue
		}
		if err := c.runRemoteBatch(ctx, scope, m, calls[i:j], obs[i:j]); err != nil {
			return nil, err
		}
		i = j
	}
	return obs, nil
}

func (c *Controller) runRemoteBatch(ctx context.Context, scope *tools.Scope, m *Machine, calls []ToolCall, out []Observation) error {
	if err := m.To(AwaitingTool); err != nil {
		return err
	}
	// Every call runs to its own end; only task cancellation is an error.
	var g errgroup.Group
	for k := range calls {
		g.Go(func() error {
			var err error
			out[k], err = c.dispatch(ctx, scope, calls[k])
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return m.To(Active)
}

// dispatch runs one call. Tool faults, including those raised before
// dispatch, become observations; only task cancellation is returned.
func (c *Controller) dispatch(ctx context.Context, scope *tools.Scope, call ToolCall) (Observation, error) {
	out, err := c.dispatcher.Dispatch(ctx, scope, call.Name, call.Args)
	if err != nil {
		if ctx.Err() != nil {
			return Observation{}, ctx.Err()
		}
		te := protocol.AsToolError(err, call.Name)
		return Observation{Tool: call.Name, Error: te.Fault()}, nil
	}
	o := Observation{Tool: call.Name, CallID: out.CallID, Result: out.Result}
	if out.Err != nil {
		o.Error = out.Err.Fault()
	}
	return o, nil
}

func (c *Controller) isRemote(name string) bool {
	d, err := c.dispatcher.Registry().Lookup(name)
	return err == nil && d.Locality == tools.Remote
}

func (c *Controller) send(ctx context.Context, scope *tools.Scope, env protocol.Envelope) {
	if scope.Out == nil {
		return
	}
	if err := scope.Out.Emit(ctx, env); err != nil {
		c.logger.Debug("task: emit failed", "session_id", scope.SessionID, "type", string(env.Type), "error", err)
	}
}
