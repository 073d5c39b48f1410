// Package driver is an automation client for the server. It reads one command
// per line from an input stream, runs it against one of several WebSocket
// sessions, and writes one JSON response line per command.
package driver

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Command is one driver request. SessionID may be empty when exactly one
// session is connected.
type Command struct {
	Tool      string         `json:"tool"`
	SessionID string         `json:"session_id,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
}

// Response is written for every command except exit.
type Response struct {
	Command   string `json:"command"`
	SessionID string `json:"session_id,omitempty"`
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrEmptyLine is returned by ParseLine for blank input.
var ErrEmptyLine = errors.New("empty line")

// ParseLine accepts a JSON command object or the shorthand
// `tool key=value session=id`. Shorthand values that parse as numbers or
// booleans are typed; everything else stays a string.
func ParseLine(line string) (Command, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Command{}, ErrEmptyLine
	}
	if strings.HasPrefix(trimmed, "{") {
		var cmd Command
		if err := json.Unmarshal([]byte(trimmed), &cmd); err != nil {
			return Command{}, fmt.Errorf("parse command: %w", err)
		}
		if cmd.Tool == "" {
			return Command{}, errors.New("parse command: missing tool")
		}
		return cmd, nil
	}

	fields := strings.Fields(trimmed)
	cmd := Command{Tool: fields[0], Args: map[string]any{}}
	for _, part := range fields[1:] {
		k, v, ok := strings.Cut(part, "=")
		if !ok || k == "" {
			return Command{}, fmt.Errorf("parse command: %q is not key=value", part)
		}
		if k == "session" || k == "session_id" {
			cmd.SessionID = v
			continue
		}
		cmd.Args[k] = shorthandValue(v)
	}
	return cmd, nil
}

func shorthandValue(v string) any {
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}

func (c Command) str(key string) string {
	s, _ := c.Args[key].(string)
	return s
}

func (c Command) num(key string, def float64) float64 {
	switch v := c.Args[key].(type) {
	case float64:
		return v
	case string:
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

// raw returns Args[key] re-encoded as JSON, or nil when absent.
func (c Command) raw(key string) (json.RawMessage, error) {
	v, ok := c.Args[key]
	if !ok || v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
