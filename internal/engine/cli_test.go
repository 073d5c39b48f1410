package engine

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/basket/worldlink/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scriptedBrain = `while read line; do
  case "$line" in
    *'"step":1,'*) echo '{"kind":"token","text":"from cli"}' ;;
    *) echo '{"kind":"end"}' ;;
  esac
done`

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCLIBrain_Exchange(t *testing.T) {
	requireShell(t)
	b := NewCLIBrain("sh", []string{"-c", scriptedBrain}, nil)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in, err := b.Next(ctx, &Turn{SessionID: "s1", TaskID: "t1", Step: 1, Input: "hi"})
	require.NoError(t, err)
	assert.Equal(t, IntentToken, in.Kind)
	assert.Equal(t, "from cli", in.Text)

	in, err = b.Next(ctx, &Turn{SessionID: "s1", TaskID: "t1", Step: 2, Input: "hi"})
	require.NoError(t, err)
	assert.Equal(t, IntentEnd, in.Kind)
}

func TestCLIBrain_DrivesController(t *testing.T) {
	requireShell(t)
	c, scope, p := setup(t, ControllerConfig{})
	b := NewCLIBrain("sh", []string{"-c", scriptedBrain}, nil)
	defer b.Close()

	res := c.Run(context.Background(), scope, NewMachine(nil), b, Task{ID: "t1", Input: "hi", Backend: BackendCLI})
	require.NoError(t, res.Err)
	tokens := p.ofType(protocol.TypeToken)
	require.Len(t, tokens, 1)
	assert.Equal(t, "from cli", tokens[0].Text)
}

func TestCLIBrain_ProcessExits(t *testing.T) {
	requireShell(t)
	b := NewCLIBrain("sh", []string{"-c", "exit 0"}, nil)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := b.Next(ctx, &Turn{Step: 1, Input: "hi"})
	assert.Error(t, err)
}

func TestCLIBrain_CancelledTurn(t *testing.T) {
	requireShell(t)
	b := NewCLIBrain("sh", []string{"-c", "sleep 10"}, nil)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.Next(ctx, &Turn{Step: 1, Input: "hi"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCLIBrain_MissingCommand(t *testing.T) {
	b := NewCLIBrain("nonexistent-brain-xyz", nil, nil)
	_, err := b.Next(context.Background(), &Turn{Step: 1, Input: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonexistent-brain-xyz")
}

func TestFactory(t *testing.T) {
	f := NewFactory("", nil)
	b, err := f("")
	require.NoError(t, err)
	assert.IsType(t, DirectiveBrain{}, b)

	_, err = f(BackendCLI)
	assert.ErrorIs(t, err, ErrUnknownBackend)
	_, err = f("gpt")
	assert.ErrorIs(t, err, ErrUnknownBackend)

	b, err = NewFactory("sh", nil)(BackendCLI)
	require.NoError(t, err)
	assert.IsType(t, &CLIBrain{}, b)
}
