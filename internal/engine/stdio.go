package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// maxLineBytes bounds one line read from a brain process.
const maxLineBytes = 4 << 20

var errProcessClosed = errors.New("brain process closed")

// stdioProcess exchanges newline-delimited JSON with a subprocess.
type stdioProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	lines   chan lineResult
	done    chan struct{}
	mu      sync.Mutex
	running bool
}

type lineResult struct {
	line []byte
	err  error
}

// startProcess starts command and connects to its stdio. Values in env are
// expanded against the server's environment.
func startProcess(command string, args []string, env map[string]string) (*stdioProcess, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command %q: %w", command, err)
	}

	p := &stdioProcess{cmd: cmd, stdin: stdin, lines: make(chan lineResult, 1), done: make(chan struct{}), running: true}

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			slog.Debug("brain: stderr", "command", command, "msg", sc.Text())
		}
	}()

	// A single reader owns stdout so a cancelled receive never leaves a
	// second reader racing for the next line.
	go func() {
		defer close(p.lines)
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			if !p.deliver(lineResult{line: line}) {
				return
			}
		}
		err := sc.Err()
		if err == nil {
			err = io.EOF
		}
		p.deliver(lineResult{err: err})
	}()

	return p, nil
}

func (p *stdioProcess) deliver(res lineResult) bool {
	select {
	case p.lines <- res:
		return true
	case <-p.done:
		return false
	}
}

func (p *stdioProcess) send(msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return errProcessClosed
	}
	if _, err := p.stdin.Write(append(msg, '\n')); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

func (p *stdioProcess) receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-p.lines:
		if !ok {
			return nil, errProcessClosed
		}
		return res.line, res.err
	}
}

func (p *stdioProcess) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.running = false
	close(p.done)
	_ = p.stdin.Close()
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	go func() { _ = p.cmd.Wait() }()
	return err
}
