package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/basket/worldlink/internal/bus"
	"github.com/basket/worldlink/internal/pending"
	"github.com/basket/worldlink/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is an Emitter that keeps every envelope and can play the peer.
type recorder struct {
	mu        sync.Mutex
	envs      []protocol.Envelope
	connected bool
	sendErr   error
	onRequest func(env protocol.Envelope)
}

func newRecorder() *recorder { return &recorder{connected: true} }

func (r *recorder) Emit(_ context.Context, env protocol.Envelope) error {
	r.mu.Lock()
	if r.sendErr != nil {
		err := r.sendErr
		r.mu.Unlock()
		return err
	}
	r.envs = append(r.envs, env)
	hook := r.onRequest
	r.mu.Unlock()
	if env.Type == protocol.TypeToolRequest && hook != nil {
		go hook(env)
	}
	return nil
}

func (r *recorder) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *recorder) types() []protocol.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Type, len(r.envs))
	for i, e := range r.envs {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) last() protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.envs[len(r.envs)-1]
}

func newScope(t *testing.T, out *recorder) *Scope {
	t.Helper()
	return &Scope{
		SessionID: "s1",
		TaskID:    "t1",
		Out:       out,
		Calls:     pending.New("s1"),
		Workspace: t.TempDir(),
	}
}

func newDispatcher(t *testing.T, extra ...Descriptor) *Dispatcher {
	t.Helper()
	reg, err := NewRegistry(append(Builtin(), extra...)...)
	require.NoError(t, err)
	return NewDispatcher(reg, Options{})
}

func TestDispatch_UnknownToolSendsNothing(t *testing.T) {
	d := newDispatcher(t)
	out := newRecorder()

	_, err := d.Dispatch(context.Background(), newScope(t, out), "summon_dragon", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrUnknownTool))
	assert.Empty(t, out.types())
}

func TestDispatch_ValidationPrecedesToolStart(t *testing.T) {
	d := newDispatcher(t)
	out := newRecorder()

	_, err := d.Dispatch(context.Background(), newScope(t, out), ViewFile, json.RawMessage(`{"StartLine":3}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrValidation))
	assert.Contains(t, err.Error(), "AbsolutePath")
	assert.Empty(t, out.types())
}

func TestDispatch_RemoteBoundsAreValidated(t *testing.T) {
	d := newDispatcher(t)
	out := newRecorder()
	scope := newScope(t, out)

	_, err := d.Dispatch(context.Background(), scope, SpawnCreature, json.RawMessage(`{"creature":"Pig","count":0}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrValidation))

	_, err = d.Dispatch(context.Background(), scope, SpawnCreature, json.RawMessage(`{"creature":"Pig","count":"two"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrValidation))
	assert.Empty(t, out.types())
	assert.Equal(t, 0, scope.Calls.Len())
}

func TestDispatch_RemoteSpawnCreature(t *testing.T) {
	d := newDispatcher(t)
	out := newRecorder()
	scope := newScope(t, out)
	out.onRequest = func(env protocol.Envelope) {
		time.Sleep(20 * time.Millisecond)
		scope.Calls.Resolve(env.ID, json.RawMessage(`{"success":true}`), nil)
	}

	res, err := d.Dispatch(context.Background(), scope, SpawnCreature, json.RawMessage(`{"creature":"Pig","count":1}`))
	require.NoError(t, err)
	require.Nil(t, res.Err)
	assert.JSONEq(t, `{"success":true}`, string(res.Result))
	assert.NotEmpty(t, res.CallID)

	assert.Equal(t, []protocol.Type{protocol.TypeToolStart, protocol.TypeToolRequest, protocol.TypeToolEnd}, out.types())
	end := out.last()
	assert.Equal(t, SpawnCreature, end.Name)
	assert.JSONEq(t, `{"success":true}`, string(end.Result))
	assert.Equal(t, 0, scope.Calls.Len())
}

func TestDispatch_RemoteTimeout(t *testing.T) {
	d := newDispatcher(t)
	out := newRecorder()
	scope := newScope(t, out)
	scope.Timeout = 40 * time.Millisecond

	res, err := d.Dispatch(context.Background(), scope, GetSceneInfo, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.True(t, errors.Is(res.Err, protocol.ErrTimeout))

	end := out.last()
	assert.Equal(t, protocol.TypeToolEnd, end.Type)
	require.NotNil(t, end.Error)
	assert.Equal(t, protocol.KindTimeout, end.Error.Kind)
	assert.Equal(t, 0, scope.Calls.Len())
}

func TestDispatch_RemoteErrorResponse(t *testing.T) {
	d := newDispatcher(t)
	out := newRecorder()
	scope := newScope(t, out)
	out.onRequest = func(env protocol.Envelope) {
		scope.Calls.Resolve(env.ID, nil, &protocol.Fault{Kind: protocol.KindRemoteExecution, Message: "unknown location"})
	}

	res, err := d.Dispatch(context.Background(), scope, TeleportPlayer, json.RawMessage(`{"location":"atlantis"}`))
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.True(t, errors.Is(res.Err, protocol.ErrRemoteExecution))
	assert.Equal(t, "unknown location", out.last().Error.Message)
}

func TestDispatch_RemoteOnLostChannelFailsFast(t *testing.T) {
	d := newDispatcher(t)
	out := newRecorder()
	out.connected = false
	scope := newScope(t, out)

	_, err := d.Dispatch(context.Background(), scope, SpawnCreature, json.RawMessage(`{"creature":"Pig"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrChannelLost))
	assert.Empty(t, out.types())
	assert.Equal(t, 0, scope.Calls.Len())
}

func TestDispatch_SendFailureBecomesChannelLost(t *testing.T) {
	d := newDispatcher(t)
	out := newRecorder()
	out.sendErr = io.ErrClosedPipe
	scope := newScope(t, out)

	res, err := d.Dispatch(context.Background(), scope, SpawnCreature, json.RawMessage(`{"creature":"Pig"}`))
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.True(t, errors.Is(res.Err, protocol.ErrChannelLost))
	assert.Equal(t, 0, scope.Calls.Len())
}

func TestDispatch_AbortAbandonsRemoteCall(t *testing.T) {
	d := newDispatcher(t)
	out := newRecorder()
	scope := newScope(t, out)
	scope.Timeout = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	out.onRequest = func(protocol.Envelope) { cancel() }

	_, err := d.Dispatch(ctx, scope, SpawnCreature, json.RawMessage(`{"creature":"Wolf","count":3}`))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []protocol.Type{protocol.TypeToolStart, protocol.TypeToolRequest}, out.types())

	calls := scope.Calls.Snapshot()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Stale)

	// The late response still frees the slot.
	assert.True(t, scope.Calls.Resolve(calls[0].ID, json.RawMessage(`{"success":true}`), nil))
	assert.Equal(t, 0, scope.Calls.Len())
}

func TestDispatch_LocalPanicIsContained(t *testing.T) {
	d := newDispatcher(t, Descriptor{
		Name:     "explode",
		Locality: Local,
		Handler: func(context.Context, *Scope, json.RawMessage) (any, error) {
			panic("boom")
		},
	})
	out := newRecorder()

	res, err := d.Dispatch(context.Background(), newScope(t, out), "explode", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.True(t, errors.Is(res.Err, protocol.ErrLocalExecution))
	assert.Contains(t, res.Err.Message, "boom")
	assert.Equal(t, []protocol.Type{protocol.TypeToolStart, protocol.TypeToolEnd}, out.types())
}

func TestDispatch_LocalTimeout(t *testing.T) {
	d := newDispatcher(t, Descriptor{
		Name:     "stall",
		Locality: Local,
		Timeout:  30 * time.Millisecond,
		Handler: func(ctx context.Context, _ *Scope, _ json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	out := newRecorder()

	res, err := d.Dispatch(context.Background(), newScope(t, out), "stall", nil)
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.True(t, errors.Is(res.Err, protocol.ErrTimeout))
	assert.Equal(t, protocol.KindTimeout, out.last().Error.Kind)
}

func TestDispatch_PublishesToolEvents(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("tool.")
	defer b.Unsubscribe(sub)

	reg, err := DefaultRegistry()
	require.NoError(t, err)
	d := NewDispatcher(reg, Options{Bus: b})
	out := newRecorder()
	scope := newScope(t, out)

	_, err = d.Dispatch(context.Background(), scope, ListDir, json.RawMessage(`{"DirectoryPath":"."}`))
	require.NoError(t, err)

	var topics []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Ch():
			topics = append(topics, ev.Topic)
		case <-time.After(time.Second):
			t.Fatal("missing tool event")
		}
	}
	assert.Equal(t, []string{bus.TopicToolStarted, bus.TopicToolFinished}, topics)
}

func TestDispatch_NoLeaksAcrossBatch(t *testing.T) {
	d := newDispatcher(t)
	out := newRecorder()
	scope := newScope(t, out)
	scope.Timeout = 200 * time.Millisecond
	before := scope.Calls.Len()

	var n int
	var mu sync.Mutex
	out.onRequest = func(env protocol.Envelope) {
		mu.Lock()
		n++
		drop := n%4 == 0
		mu.Unlock()
		if !drop {
			scope.Calls.Resolve(env.ID, json.RawMessage(`{"ok":true}`), nil)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.Dispatch(context.Background(), scope, GetSceneInfo, nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, before, scope.Calls.Len())
}

func TestDispatch_TimeoutPrecedence(t *testing.T) {
	d := newDispatcher(t)
	scope := newScope(t, newRecorder())
	desc := Descriptor{Name: "slow"}

	assert.Equal(t, DefaultTimeout, d.timeoutFor(desc, scope))

	d.SetTimeout(5 * time.Second)
	assert.Equal(t, 5*time.Second, d.timeoutFor(desc, scope))

	desc.Timeout = 2 * time.Second
	assert.Equal(t, 2*time.Second, d.timeoutFor(desc, scope))

	scope.Timeout = time.Second
	assert.Equal(t, time.Second, d.timeoutFor(desc, scope))

	d.SetTimeout(0)
	scope.Timeout = 0
	desc.Timeout = 0
	assert.Equal(t, DefaultTimeout, d.timeoutFor(desc, scope))
}
