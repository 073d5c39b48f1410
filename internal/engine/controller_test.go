package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/worldlink/internal/bus"
	"github.com/basket/worldlink/internal/pending"
	"github.com/basket/worldlink/internal/protocol"
	"github.com/basket/worldlink/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type peer struct {
	mu        sync.Mutex
	envs      []protocol.Envelope
	onRequest func(env protocol.Envelope)
}

func (p *peer) Emit(_ context.Context, env protocol.Envelope) error {
	p.mu.Lock()
	p.envs = append(p.envs, env)
	hook := p.onRequest
	p.mu.Unlock()
	if env.Type == protocol.TypeToolRequest && hook != nil {
		go hook(env)
	}
	return nil
}

func (p *peer) Connected() bool { return true }

func (p *peer) types() []protocol.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.Type, len(p.envs))
	for i, e := range p.envs {
		out[i] = e.Type
	}
	return out
}

func (p *peer) ofType(typ protocol.Type) []protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.Envelope
	for _, e := range p.envs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type brainFunc func(ctx context.Context, turn *Turn) (Intent, error)

func (f brainFunc) Next(ctx context.Context, turn *Turn) (Intent, error) { return f(ctx, turn) }

func setup(t *testing.T, cfg ControllerConfig) (*Controller, *tools.Scope, *peer) {
	t.Helper()
	reg, err := tools.DefaultRegistry()
	require.NoError(t, err)
	p := &peer{}
	scope := &tools.Scope{
		SessionID: "s1",
		TaskID:    "t1",
		Out:       p,
		Calls:     pending.New("s1"),
		Workspace: t.TempDir(),
	}
	return NewController(tools.NewDispatcher(reg, tools.Options{}), cfg), scope, p
}

func TestRun_DirectiveTask(t *testing.T) {
	c, scope, p := setup(t, ControllerConfig{})
	p.onRequest = func(env protocol.Envelope) {
		scope.Calls.Resolve(env.ID, json.RawMessage(`{"biome":"plains"}`), nil)
	}
	m := NewMachine(nil)

	res := c.Run(context.Background(), scope, m, DirectiveBrain{}, Task{ID: "t1", Input: "looking around\n/get_scene_info\ndone"})
	require.NoError(t, res.Err)
	assert.Equal(t, protocol.ModeNormal, res.Mode)
	assert.Equal(t, 5, res.Steps)

	assert.Equal(t, []protocol.Type{
		protocol.TypeTaskBoundary,
		protocol.TypeToken,
		protocol.TypeToolStart, protocol.TypeToolRequest, protocol.TypeToolEnd,
		protocol.TypeToken,
		protocol.TypeToken,
		protocol.TypeTaskBoundary,
	}, p.types())

	bounds := p.ofType(protocol.TypeTaskBoundary)
	assert.Equal(t, protocol.StatusStarted, bounds[0].Status)
	assert.Equal(t, protocol.StatusFinished, bounds[1].Status)
	assert.Equal(t, protocol.ModeNormal, bounds[1].Mode)
	assert.Equal(t, "t1", bounds[1].TaskID)

	tokens := p.ofType(protocol.TypeToken)
	assert.Equal(t, `get_scene_info -> {"biome":"plains"}`, tokens[1].Text)

	assert.Equal(t, Completed, m.State())
	require.NoError(t, m.Release())
	assert.Equal(t, 0, scope.Calls.Len())
}

func TestRun_HandsHistoryAndCollectsOutput(t *testing.T) {
	c, scope, _ := setup(t, ControllerConfig{})
	history := []Exchange{{Input: "hello", Output: "hi there", Mode: protocol.ModeNormal}}

	var got []Exchange
	brain := brainFunc(func(_ context.Context, turn *Turn) (Intent, error) {
		switch turn.Step {
		case 1:
			got = turn.History
			return Intent{Kind: IntentToken, Text: "spawning "}, nil
		case 2:
			return Intent{Kind: IntentToken, Text: "a pig"}, nil
		}
		return Intent{Kind: IntentEnd}, nil
	})

	res := c.Run(context.Background(), scope, NewMachine(nil), brain, Task{ID: "t1", Input: "spawn", History: history})
	require.NoError(t, res.Err)
	assert.Equal(t, history, got)
	assert.Equal(t, "spawning a pig", res.Output)
}

func TestRun_PreDispatchErrorIsObserved(t *testing.T) {
	c, scope, p := setup(t, ControllerConfig{})

	res := c.Run(context.Background(), scope, NewMachine(nil), DirectiveBrain{}, Task{ID: "t1", Input: "/summon_dragon {}"})
	require.NoError(t, res.Err)

	assert.Empty(t, p.ofType(protocol.TypeToolStart))
	tokens := p.ofType(protocol.TypeToken)
	require.Len(t, tokens, 1)
	assert.Contains(t, tokens[0].Text, string(protocol.KindUnknownTool))
}

func TestRun_RemoteTimeoutReturnsToActive(t *testing.T) {
	c, scope, p := setup(t, ControllerConfig{})
	scope.Timeout = 40 * time.Millisecond

	var mu sync.Mutex
	var states []State
	m := NewMachine(func(_, to State) {
		mu.Lock()
		states = append(states, to)
		mu.Unlock()
	})

	res := c.Run(context.Background(), scope, m, DirectiveBrain{}, Task{ID: "t1", Input: `/spawn_creature {"creature":"Pig","count":1}`})
	require.NoError(t, res.Err)

	ends := p.ofType(protocol.TypeToolEnd)
	require.Len(t, ends, 1)
	require.NotNil(t, ends[0].Error)
	assert.Equal(t, protocol.KindTimeout, ends[0].Error.Kind)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Active, AwaitingTool, Active, Streaming, Completed}, states)
	assert.Equal(t, 0, scope.Calls.Len())
}

func TestRun_AbortAbandonsOutstandingCalls(t *testing.T) {
	c, scope, p := setup(t, ControllerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	p.onRequest = func(protocol.Envelope) { cancel() }
	m := NewMachine(nil)

	res := c.Run(ctx, scope, m, DirectiveBrain{}, Task{ID: "t1", Input: `/spawn_creature {"creature":"Wolf","count":3}`})
	require.NoError(t, res.Err)
	assert.Equal(t, protocol.ModeAborted, res.Mode)

	bounds := p.ofType(protocol.TypeTaskBoundary)
	require.Len(t, bounds, 2)
	assert.Equal(t, protocol.StatusFinished, bounds[1].Status)
	assert.Equal(t, protocol.ModeAborted, bounds[1].Mode)
	assert.Empty(t, p.ofType(protocol.TypeToolEnd))

	calls := scope.Calls.Snapshot()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Stale)
	assert.Equal(t, Completed, m.State())
}

func TestRun_StepBudget(t *testing.T) {
	c, scope, p := setup(t, ControllerConfig{MaxSteps: 3})
	brain := brainFunc(func(context.Context, *Turn) (Intent, error) {
		return Intent{Kind: IntentThought, Text: "hmm"}, nil
	})
	m := NewMachine(nil)

	res := c.Run(context.Background(), scope, m, brain, Task{ID: "t1", Input: "loop forever"})
	assert.ErrorIs(t, res.Err, ErrStepBudget)
	assert.Equal(t, protocol.ModeError, res.Mode)
	assert.Len(t, p.ofType(protocol.TypeThought), 3)

	bounds := p.ofType(protocol.TypeTaskBoundary)
	assert.Equal(t, protocol.StatusFailed, bounds[1].Status)
	assert.Equal(t, protocol.ModeError, bounds[1].Mode)
	assert.Contains(t, bounds[1].Message, "step budget")
	assert.Equal(t, Error, m.State())
}

func TestRun_BrainFailure(t *testing.T) {
	c, scope, _ := setup(t, ControllerConfig{})
	brain := brainFunc(func(context.Context, *Turn) (Intent, error) {
		return Intent{}, errors.New("model unavailable")
	})
	res := c.Run(context.Background(), scope, NewMachine(nil), brain, Task{ID: "t1", Input: "hi"})
	assert.ErrorContains(t, res.Err, "model unavailable")
	assert.Equal(t, protocol.ModeError, res.Mode)

	bad := brainFunc(func(context.Context, *Turn) (Intent, error) {
		return Intent{Kind: "dance"}, nil
	})
	res = c.Run(context.Background(), scope, NewMachine(nil), bad, Task{ID: "t2", Input: "hi"})
	assert.ErrorContains(t, res.Err, "unknown intent kind")
}

func TestRun_ConcurrentRemoteCallsKeepCallOrder(t *testing.T) {
	c, scope, p := setup(t, ControllerConfig{})
	p.onRequest = func(env protocol.Envelope) {
		// The first request answers last.
		if env.Name == tools.TeleportPlayer {
			time.Sleep(50 * time.Millisecond)
		}
		scope.Calls.Resolve(env.ID, json.RawMessage(`{"tool":"`+env.Name+`"}`), nil)
	}

	var observed []Observation
	brain := brainFunc(func(_ context.Context, turn *Turn) (Intent, error) {
		switch turn.Step {
		case 1:
			require.NotEmpty(t, turn.Tools)
			return Intent{Kind: IntentToolCalls, Calls: []ToolCall{
				{Name: tools.TeleportPlayer, Args: json.RawMessage(`{"location":"desert"}`)},
				{Name: tools.GetSceneInfo},
			}}, nil
		default:
			assert.Empty(t, turn.Tools)
			observed = turn.Observations
			return Intent{Kind: IntentEnd}, nil
		}
	})

	res := c.Run(context.Background(), scope, NewMachine(nil), brain, Task{ID: "t1", Input: "go"})
	require.NoError(t, res.Err)
	require.Len(t, observed, 2)
	assert.Equal(t, tools.TeleportPlayer, observed[0].Tool)
	assert.JSONEq(t, `{"tool":"teleport_player"}`, string(observed[0].Result))
	assert.Equal(t, tools.GetSceneInfo, observed[1].Tool)
	assert.NotEqual(t, observed[0].CallID, observed[1].CallID)
}

func TestRun_RefusesBusyMachine(t *testing.T) {
	c, scope, p := setup(t, ControllerConfig{})
	m := NewMachine(nil)
	require.NoError(t, m.Begin())

	res := c.Run(context.Background(), scope, m, DirectiveBrain{}, Task{ID: "t2", Input: "hi"})
	assert.ErrorIs(t, res.Err, ErrInvalidTransition)
	assert.Empty(t, p.types())
}

func TestRun_PublishesTaskEvents(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)
	c, scope, _ := setup(t, ControllerConfig{Bus: b})

	c.Run(context.Background(), scope, NewMachine(nil), DirectiveBrain{}, Task{ID: "t1", Input: "hi"})

	var topics []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Ch():
			topics = append(topics, ev.Topic)
		case <-time.After(time.Second):
			t.Fatal("missing task event")
		}
	}
	assert.Equal(t, []string{bus.TopicTaskStarted, bus.TopicTaskFinished}, topics)
}
