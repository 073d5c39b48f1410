package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/basket/worldlink/internal/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// DefaultWait bounds wait_for when no timeout_ms is given.
const DefaultWait = 10 * time.Second

var (
	ErrNoSession      = errors.New("no such session")
	ErrAmbiguous      = errors.New("session_id required when more than one session is connected")
	ErrUnknownCommand = errors.New("unknown command")
)

// Commands lists every command the driver accepts, for help output.
var Commands = map[string]string{
	"connect":       "open a session: args url, session_id",
	"send_input":    "send user input: args text, context",
	"respond":       "answer a tool request: args id, result | error",
	"auto_respond":  "answer every request for args tool with args result; no result clears it",
	"interrupt":     "abort the session's active task",
	"config":        "send session options: args options",
	"events":        "return and clear unread events",
	"wait_for":      "wait for an event: args type, name, timeout_ms",
	"disconnect":    "close a session, or every session with session_id=all",
	"list_sessions": "list connected sessions",
	"help":          "list commands",
	"exit":          "close every session and stop",
}

type Config struct {
	// URL is the default WebSocket endpoint, e.g. ws://127.0.0.1:18789/ws.
	URL    string
	Logger *slog.Logger
	// Prompt, when set, receives a prompt before each line is read.
	Prompt io.Writer
}

// Driver multiplexes sessions keyed by session id.
type Driver struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	peers map[string]*peer
}

func New(cfg Config) *Driver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{cfg: cfg, logger: cfg.Logger, ctx: ctx, cancel: cancel, peers: make(map[string]*peer)}
}

// Run executes commands from in until exit or end of input, writing one JSON
// line per command to out.
func (d *Driver) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	defer d.Close()
	enc := json.NewEncoder(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for {
		if d.cfg.Prompt != nil {
			fmt.Fprint(d.cfg.Prompt, "driver> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		cmd, err := ParseLine(scanner.Text())
		if errors.Is(err, ErrEmptyLine) {
			continue
		}
		if err != nil {
			if encErr := enc.Encode(Response{Status: StatusError, Error: err.Error()}); encErr != nil {
				return encErr
			}
			continue
		}
		if cmd.Tool == "exit" {
			return nil
		}
		if err := enc.Encode(d.Execute(ctx, cmd)); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Execute runs one command.
func (d *Driver) Execute(ctx context.Context, cmd Command) Response {
	d.logger.Debug("driver: executing", "tool", cmd.Tool, "session_id", cmd.SessionID)
	resp := Response{Command: cmd.Tool, SessionID: cmd.SessionID}
	result, err := d.execute(ctx, &cmd)
	resp.SessionID = cmd.SessionID
	if err != nil {
		resp.Status = StatusError
		resp.Error = err.Error()
		return resp
	}
	resp.Status = StatusSuccess
	resp.Result = result
	return resp
}

func (d *Driver) execute(ctx context.Context, cmd *Command) (any, error) {
	switch cmd.Tool {
	case "help", "list_tools":
		return Commands, nil
	case "list_sessions":
		return d.Sessions(), nil
	case "connect":
		return d.connect(ctx, cmd)
	case "exit":
		return map[string]int{"closed": d.closeAll("exit")}, nil
	case "disconnect":
		if cmd.SessionID == "all" {
			n := d.closeAll("disconnect")
			return map[string]int{"closed": n}, nil
		}
	}

	if _, ok := Commands[cmd.Tool]; !ok {
		return nil, fmt.Errorf("%w: %s (try help)", ErrUnknownCommand, cmd.Tool)
	}
	p, err := d.target(cmd)
	if err != nil {
		return nil, err
	}

	switch cmd.Tool {
	case "send_input":
		env := protocol.Envelope{Type: protocol.TypeInput, Text: cmd.str("text")}
		if env.Context, err = cmd.raw("context"); err != nil {
			return nil, err
		}
		return sent(env), p.send(ctx, env)
	case "respond":
		return d.respond(ctx, p, cmd)
	case "auto_respond":
		tool := cmd.str("tool")
		if tool == "" {
			return nil, errors.New("auto_respond: args.tool required")
		}
		result, err := cmd.raw("result")
		if err != nil {
			return nil, err
		}
		p.setAuto(tool, result)
		return map[string]any{"tool": tool, "enabled": result != nil}, nil
	case "interrupt":
		env := protocol.Envelope{Type: protocol.TypeInterrupt}
		return sent(env), p.send(ctx, env)
	case "config":
		options, _ := cmd.Args["options"].(map[string]any)
		if options == nil {
			return nil, errors.New("config: args.options must be an object")
		}
		env := protocol.Envelope{Type: protocol.TypeConfig, Options: options}
		return sent(env), p.send(ctx, env)
	case "events":
		events, dropped := p.drain()
		if events == nil {
			events = []protocol.Envelope{}
		}
		return map[string]any{"events": events, "dropped": dropped}, nil
	case "wait_for":
		return d.waitFor(ctx, p, cmd)
	case "disconnect":
		d.remove(p.id)
		p.close("disconnect")
		return map[string]string{"closed": p.id}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Tool)
}

func sent(env protocol.Envelope) map[string]string {
	return map[string]string{"sent": string(env.Type)}
}

// target resolves the command's session, auto-targeting a lone session.
func (d *Driver) target(cmd *Command) (*peer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cmd.SessionID == "" {
		switch len(d.peers) {
		case 0:
			return nil, fmt.Errorf("%w: connect first", ErrNoSession)
		case 1:
			for id, p := range d.peers {
				cmd.SessionID = id
				return p, nil
			}
		default:
			return nil, ErrAmbiguous
		}
	}
	p, ok := d.peers[cmd.SessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, cmd.SessionID)
	}
	return p, nil
}

func (d *Driver) connect(ctx context.Context, cmd *Command) (any, error) {
	endpoint := cmd.str("url")
	if endpoint == "" {
		endpoint = d.cfg.URL
	}
	if endpoint == "" {
		return nil, errors.New("connect: no url configured")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if cmd.SessionID != "" {
		d.mu.Lock()
		_, exists := d.peers[cmd.SessionID]
		d.mu.Unlock()
		if exists {
			return nil, fmt.Errorf("connect: session %s already connected", cmd.SessionID)
		}
		q := u.Query()
		q.Set("session_id", cmd.SessionID)
		u.RawQuery = q.Encode()
	}

	dialCtx, cancel := context.WithTimeout(ctx, DefaultWait)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	// The server announces the bound session id first.
	var hello protocol.Envelope
	if err := wsjson.Read(dialCtx, conn, &hello); err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("connect: waiting for session announce: %w", err)
	}
	id, _ := hello.Options["session_id"].(string)
	if hello.Type != protocol.TypeConfig || id == "" {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("connect: unexpected first envelope %q", hello.Type)
	}
	cmd.SessionID = id

	p := newPeer(id, conn, d.logger)
	d.mu.Lock()
	d.peers[id] = p
	d.mu.Unlock()
	go p.readLoop(d.ctx)
	d.logger.Info("driver: session connected", "session_id", id, "url", u.Redacted())
	return map[string]any{"session_id": id, "options": hello.Options}, nil
}

func (d *Driver) respond(ctx context.Context, p *peer, cmd *Command) (any, error) {
	id := cmd.str("id")
	if id == "" {
		return nil, errors.New("respond: args.id required")
	}
	env := protocol.Envelope{Type: protocol.TypeToolResponse, ID: id}
	if msg, ok := cmd.Args["error"]; ok {
		fault := &protocol.Fault{Kind: protocol.KindRemoteExecution}
		switch v := msg.(type) {
		case string:
			fault.Message = v
		case map[string]any:
			fault.Message, _ = v["message"].(string)
			if k, _ := v["kind"].(string); k != "" {
				fault.Kind = protocol.ErrorKind(k)
			}
		default:
			return nil, errors.New("respond: args.error must be a string or object")
		}
		env.Error = fault
	} else {
		result, err := cmd.raw("result")
		if err != nil {
			return nil, err
		}
		if result == nil {
			result = json.RawMessage(`{}`)
		}
		env.Result = result
	}
	return sent(env), p.send(ctx, env)
}

func (d *Driver) waitFor(ctx context.Context, p *peer, cmd *Command) (any, error) {
	typ := protocol.Type(cmd.str("type"))
	name := cmd.str("name")
	status := cmd.str("status")
	if typ == "" {
		return nil, errors.New("wait_for: args.type required")
	}
	timeout := time.Duration(cmd.num("timeout_ms", float64(DefaultWait.Milliseconds()))) * time.Millisecond
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env, skipped, err := p.waitFor(wctx, func(e protocol.Envelope) bool {
		if e.Type != typ {
			return false
		}
		if name != "" && e.Name != name {
			return false
		}
		return status == "" || string(e.Status) == status
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("wait_for %s: no match within %s", typ, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("wait_for %s: %w", typ, err)
	}
	return map[string]any{"event": env, "skipped": skipped}, nil
}

// Sessions returns the connected session ids in order.
func (d *Driver) Sessions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.peers))
	for id := range d.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Driver) remove(id string) {
	d.mu.Lock()
	delete(d.peers, id)
	d.mu.Unlock()
}

func (d *Driver) closeAll(reason string) int {
	d.mu.Lock()
	all := make([]*peer, 0, len(d.peers))
	for _, p := range d.peers {
		all = append(all, p)
	}
	d.peers = make(map[string]*peer)
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range all {
		wg.Add(1)
		go func(p *peer) {
			defer wg.Done()
			p.close(reason)
		}(p)
	}
	wg.Wait()
	return len(all)
}

// Close disconnects every session.
func (d *Driver) Close() {
	d.closeAll("driver exiting")
	d.cancel()
}
