package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/coder/websocket"
)

// MaxFrameBytes bounds a single inbound frame.
const MaxFrameBytes = 1 << 20

// ErrFramingViolation marks a frame the transport delivered but the protocol
// cannot accept at all, such as a binary WebSocket message.
var ErrFramingViolation = errors.New("framing violation")

// Conn is one duplex, message-oriented connection. Write must not be called
// concurrently; Link serializes it.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close(reason string) error
}

type wsConn struct {
	c *websocket.Conn
}

// WebSocket adapts an accepted or dialed WebSocket to Conn. Envelopes travel as
// text messages, one envelope per message.
func WebSocket(c *websocket.Conn) Conn {
	c.SetReadLimit(MaxFrameBytes)
	return &wsConn{c: c}
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("%w: %v message", ErrFramingViolation, typ)
	}
	return data, nil
}

func (w *wsConn) Write(ctx context.Context, frame []byte) error {
	return w.c.Write(ctx, websocket.MessageText, frame)
}

func (w *wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}

type pipeConn struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected in-memory Conns. Closing either end closes both.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeConn{in: ba, out: ab, done: done, once: once},
		&pipeConn{in: ab, out: ba, done: done, once: once}
}

func (p *pipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-p.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Write(ctx context.Context, frame []byte) error {
	select {
	case <-p.done:
		return io.ErrClosedPipe
	default:
	}
	cp := append([]byte(nil), frame...)
	select {
	case p.out <- cp:
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Close(string) error {
	p.once.Do(func() { close(p.done) })
	return nil
}
