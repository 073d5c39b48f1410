package telemetry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readEntries(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unmarshal log json: %v", err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	level := new(slog.LevelVar)
	level.Set(slog.LevelDebug)
	logger, closer, err := NewLogger(home, level, true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("session: created", "session_id", "s1", "trace_id", "tr-1", "task_id", "task-1")

	entries := readEntries(t, home)
	if len(entries) == 0 {
		t.Fatalf("expected at least one log line")
	}
	entry := entries[0]
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "worldlink" {
		t.Fatalf("expected component=worldlink, got %#v", entry["component"])
	}
	if entry["trace_id"] != "tr-1" || entry["task_id"] != "task-1" {
		t.Fatalf("ids should pass through unredacted: %#v", entry)
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, nil, true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("security check",
		"api_key", "abc123",
		"auth_header", "Authorization: Bearer super-secret-token",
	)

	entries := readEntries(t, home)
	entry := entries[len(entries)-1]
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key redaction, got %#v", entry["api_key"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
}

func TestNewLogger_LevelChangesAtRuntime(t *testing.T) {
	home := t.TempDir()
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	logger, closer, err := NewLogger(home, level, true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("dropped")
	level.Set(ParseLevel("debug"))
	logger.Debug("kept")

	entries := readEntries(t, home)
	if len(entries) != 1 || entries[0]["msg"] != "kept" {
		t.Fatalf("unexpected entries: %#v", entries)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, " WARN ": slog.LevelWarn, "warning": slog.LevelWarn,
		"error": slog.LevelError, "info": slog.LevelInfo, "loud": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
