package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_Lifecycle(t *testing.T) {
	var seen []string
	m := NewMachine(func(from, to State) { seen = append(seen, from.String()+">"+to.String()) })

	require.NoError(t, m.Begin())
	require.NoError(t, m.To(AwaitingTool))
	require.NoError(t, m.To(Active))
	require.NoError(t, m.To(Streaming))
	require.NoError(t, m.To(Streaming))
	require.NoError(t, m.To(Completed))
	require.NoError(t, m.Release())

	assert.Equal(t, Idle, m.State())
	assert.Equal(t, []string{
		"idle>active", "active>awaiting_tool", "awaiting_tool>active",
		"active>streaming", "streaming>completed", "completed>idle",
	}, seen)
}

func TestMachine_RejectsInvalidTransitions(t *testing.T) {
	cases := []struct {
		from, to State
	}{
		{Idle, Streaming},
		{Idle, Completed},
		{Streaming, AwaitingTool},
		{Completed, Active},
		{Error, Completed},
	}
	for _, tc := range cases {
		m := &Machine{state: tc.from}
		err := m.To(tc.to)
		assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", tc.from, tc.to)
		assert.Equal(t, tc.from, m.State())
	}
}

func TestMachine_ErrorFromAnywhere(t *testing.T) {
	for _, s := range []State{Idle, Active, AwaitingTool, Streaming, Completed} {
		m := &Machine{state: s}
		m.Fail()
		assert.Equal(t, Error, m.State())
		require.NoError(t, m.Release())
		assert.Equal(t, Idle, m.State())
	}
}

func TestMachine_SingleActiveTask(t *testing.T) {
	m := NewMachine(nil)
	require.NoError(t, m.Begin())
	assert.ErrorIs(t, m.Begin(), ErrInvalidTransition)
	assert.ErrorIs(t, m.Release(), ErrInvalidTransition)
	assert.True(t, m.State().Busy())
}

func TestState_MarshalText(t *testing.T) {
	b, err := AwaitingTool.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "awaiting_tool", string(b))

	var back State
	require.NoError(t, back.UnmarshalText(b))
	assert.Equal(t, AwaitingTool, back)
	assert.Error(t, back.UnmarshalText([]byte("sleeping")))
}
