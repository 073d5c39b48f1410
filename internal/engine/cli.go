package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// CLIBrain delegates each turn to an external command speaking
// newline-delimited JSON: one Turn per line in, one Intent per line out.
// The process is started on first use and restarted after it dies or a turn
// is cancelled mid-exchange.
type CLIBrain struct {
	command string
	args    []string
	env     map[string]string

	mu   sync.Mutex
	proc *stdioProcess
}

// NewCLIBrain returns a brain backed by command. Nothing is started yet.
func NewCLIBrain(command string, args []string, env map[string]string) *CLIBrain {
	return &CLIBrain{command: command, args: args, env: env}
}

func (b *CLIBrain) Next(ctx context.Context, turn *Turn) (Intent, error) {
	msg, err := json.Marshal(turn)
	if err != nil {
		return Intent{}, fmt.Errorf("encode turn: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	proc, err := b.process()
	if err != nil {
		return Intent{}, err
	}
	if err := proc.send(msg); err != nil {
		// One restart covers a process that exited between turns.
		b.reset()
		slog.Info("brain: restarting process", "command", b.command, "error", err)
		if proc, err = b.process(); err != nil {
			return Intent{}, err
		}
		if err := proc.send(msg); err != nil {
			b.reset()
			return Intent{}, fmt.Errorf("brain %s: %w", b.command, err)
		}
	}

	line, err := proc.receive(ctx)
	if err != nil {
		// The reply to this turn may still arrive; never let it answer the next one.
		b.reset()
		if ctx.Err() != nil {
			return Intent{}, ctx.Err()
		}
		return Intent{}, fmt.Errorf("brain %s: %w", b.command, err)
	}

	var intent Intent
	if err := json.Unmarshal(line, &intent); err != nil {
		return Intent{}, fmt.Errorf("brain %s: decode intent: %w", b.command, err)
	}
	return intent, nil
}

// Close kills the process if one is running.
func (b *CLIBrain) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proc == nil {
		return nil
	}
	err := b.proc.close()
	b.proc = nil
	return err
}

func (b *CLIBrain) process() (*stdioProcess, error) {
	if b.proc != nil {
		return b.proc, nil
	}
	p, err := startProcess(b.command, b.args, b.env)
	if err != nil {
		return nil, err
	}
	b.proc = p
	return p, nil
}

func (b *CLIBrain) reset() {
	if b.proc != nil {
		_ = b.proc.close()
		b.proc = nil
	}
}
