package driver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/basket/worldlink/internal/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// maxBuffered bounds the unread event queue of one session.
const maxBuffered = 1000

var errPeerClosed = errors.New("session connection closed")

// peer is one WebSocket connection to the server. A reader goroutine queues
// every inbound envelope and answers tool requests that have an automatic
// response registered.
type peer struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	events  []protocol.Envelope
	dropped int
	notify  chan struct{}
	auto    map[string]json.RawMessage
	closed  bool
	err     error
	done    chan struct{}
}

func newPeer(id string, conn *websocket.Conn, logger *slog.Logger) *peer {
	return &peer{
		id:     id,
		conn:   conn,
		logger: logger,
		notify: make(chan struct{}),
		auto:   make(map[string]json.RawMessage),
		done:   make(chan struct{}),
	}
}

func (p *peer) send(ctx context.Context, env protocol.Envelope) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return wsjson.Write(ctx, p.conn, env)
}

func (p *peer) readLoop(ctx context.Context) {
	defer close(p.done)
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, p.conn, &env); err != nil {
			p.mu.Lock()
			p.closed = true
			p.err = err
			p.signal()
			p.mu.Unlock()
			p.logger.Info("driver: session connection ended", "session_id", p.id, "error", err)
			return
		}
		if env.Type == protocol.TypeToolRequest {
			p.answer(ctx, env)
		}
		p.mu.Lock()
		if len(p.events) >= maxBuffered {
			p.events = p.events[1:]
			p.dropped++
		}
		p.events = append(p.events, env)
		p.signal()
		p.mu.Unlock()
	}
}

// signal wakes every waiter. Callers hold p.mu.
func (p *peer) signal() {
	close(p.notify)
	p.notify = make(chan struct{})
}

func (p *peer) answer(ctx context.Context, req protocol.Envelope) {
	p.mu.Lock()
	result, ok := p.auto[req.Name]
	p.mu.Unlock()
	if !ok {
		return
	}
	resp := protocol.Envelope{Type: protocol.TypeToolResponse, ID: req.ID, Result: result}
	if err := p.send(ctx, resp); err != nil {
		p.logger.Warn("driver: auto response failed", "session_id", p.id, "tool", req.Name, "error", err)
	}
}

func (p *peer) setAuto(tool string, result json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if result == nil {
		delete(p.auto, tool)
		return
	}
	p.auto[tool] = result
}

// drain returns and clears the unread events.
func (p *peer) drain() ([]protocol.Envelope, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.events
	dropped := p.dropped
	p.events = nil
	p.dropped = 0
	return out, dropped
}

// waitFor consumes unread events up to and including the first one match
// accepts, blocking until it arrives, ctx ends or the connection closes.
func (p *peer) waitFor(ctx context.Context, match func(protocol.Envelope) bool) (protocol.Envelope, int, error) {
	for {
		p.mu.Lock()
		for i, env := range p.events {
			if match(env) {
				p.events = p.events[i+1:]
				p.mu.Unlock()
				return env, i, nil
			}
		}
		if p.closed {
			err := p.err
			p.mu.Unlock()
			return protocol.Envelope{}, 0, errors.Join(errPeerClosed, err)
		}
		wake := p.notify
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return protocol.Envelope{}, 0, ctx.Err()
		}
	}
}

func (p *peer) close(reason string) {
	_ = p.conn.Close(websocket.StatusNormalClosure, reason)
	<-p.done
}
