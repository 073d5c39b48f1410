package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/basket/worldlink/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirectives(t *testing.T) {
	steps, err := parseDirectives("make it rain\n/spawn_creature {\"creature\":\"Pig\"}\n/get_scene_info\n\nthanks")
	require.NoError(t, err)
	require.Len(t, steps, 3)

	assert.Equal(t, "make it rain", steps[0].text)
	require.Len(t, steps[1].calls, 2)
	assert.Equal(t, "spawn_creature", steps[1].calls[0].Name)
	assert.JSONEq(t, `{"creature":"Pig"}`, string(steps[1].calls[0].Args))
	assert.JSONEq(t, `{}`, string(steps[1].calls[1].Args))
	assert.Equal(t, "thanks", steps[2].text)

	_, err = parseDirectives("/spawn_creature {creature: Pig}")
	assert.ErrorContains(t, err, "line 1")
}

func TestDirectiveBrain_WalksInput(t *testing.T) {
	var b DirectiveBrain
	turn := &Turn{Input: "hi\n/get_scene_info"}

	in, err := b.Next(context.Background(), turn)
	require.NoError(t, err)
	assert.Equal(t, IntentToken, in.Kind)
	assert.Equal(t, "hi", in.Text)

	turn.State = in.State
	in, err = b.Next(context.Background(), turn)
	require.NoError(t, err)
	assert.Equal(t, IntentToolCalls, in.Kind)

	turn.State = in.State
	turn.Observations = []Observation{
		{Tool: "get_scene_info", Result: json.RawMessage(`{"biome": "forest"}`)},
		{Tool: "teleport_player", Error: &protocol.Fault{Kind: protocol.KindTimeout, Message: "no response"}},
	}
	in, err = b.Next(context.Background(), turn)
	require.NoError(t, err)
	assert.Equal(t, IntentToken, in.Kind)
	assert.Equal(t, "get_scene_info -> {\"biome\": \"forest\"}\nteleport_player failed (TimeoutError): no response", in.Text)

	turn.State = in.State
	turn.Observations = nil
	in, err = b.Next(context.Background(), turn)
	require.NoError(t, err)
	assert.Equal(t, IntentEnd, in.Kind)
}
