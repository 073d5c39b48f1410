package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine_JSON(t *testing.T) {
	cmd, err := ParseLine(`{"tool":"send_input","session_id":"s1","args":{"text":"hi"}}`)
	require.NoError(t, err)
	assert.Equal(t, "send_input", cmd.Tool)
	assert.Equal(t, "s1", cmd.SessionID)
	assert.Equal(t, "hi", cmd.str("text"))
}

func TestParseLine_Shorthand(t *testing.T) {
	cmd, err := ParseLine("  wait_for type=tool_request timeout_ms=500 session=s2 strict=true ")
	require.NoError(t, err)
	assert.Equal(t, "wait_for", cmd.Tool)
	assert.Equal(t, "s2", cmd.SessionID)
	assert.Equal(t, "tool_request", cmd.Args["type"])
	assert.Equal(t, float64(500), cmd.Args["timeout_ms"])
	assert.Equal(t, true, cmd.Args["strict"])

	cmd, err = ParseLine("list_sessions")
	require.NoError(t, err)
	assert.Equal(t, "list_sessions", cmd.Tool)
	assert.Empty(t, cmd.Args)

	cmd, err = ParseLine("connect session_id=abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", cmd.SessionID)
}

func TestParseLine_Errors(t *testing.T) {
	_, err := ParseLine("   ")
	assert.ErrorIs(t, err, ErrEmptyLine)

	_, err = ParseLine(`{"tool":`)
	assert.Error(t, err)

	_, err = ParseLine(`{"args":{}}`)
	assert.ErrorContains(t, err, "missing tool")

	_, err = ParseLine("respond oops")
	assert.ErrorContains(t, err, "not key=value")
}

func TestCommand_Accessors(t *testing.T) {
	cmd := Command{Args: map[string]any{"n": "250", "f": 1.5, "obj": map[string]any{"a": 1}}}
	assert.Equal(t, float64(250), cmd.num("n", 0))
	assert.Equal(t, 1.5, cmd.num("f", 0))
	assert.Equal(t, float64(7), cmd.num("missing", 7))

	raw, err := cmd.raw("obj")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))
	raw, err = cmd.raw("missing")
	require.NoError(t, err)
	assert.Nil(t, raw)
}
