// Package audit records every finished tool call to logs/audit.jsonl under the
// home directory and, when configured, to an audit_log table in SQLite.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/worldlink/internal/bus"
	"github.com/basket/worldlink/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

// Entry is one audited tool call.
type Entry struct {
	Timestamp  string          `json:"timestamp"`
	SessionID  string          `json:"session_id"`
	TaskID     string          `json:"task_id,omitempty"`
	CallID     string          `json:"call_id,omitempty"`
	Tool       string          `json:"tool"`
	Locality   string          `json:"locality"`
	Args       json.RawMessage `json:"args,omitempty"`
	Outcome    string          `json:"outcome"`
	ErrKind    string          `json:"error_kind,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

const schema = `CREATE TABLE IF NOT EXISTS audit_log (
	audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	task_id TEXT,
	call_id TEXT,
	tool TEXT NOT NULL,
	locality TEXT NOT NULL,
	args TEXT,
	outcome TEXT NOT NULL,
	error_kind TEXT,
	error TEXT,
	duration_ms INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

// Recorder appends audit entries. Its methods are safe for concurrent use.
type Recorder struct {
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
	db   *sql.DB

	failures atomic.Int64
}

// Open creates logs/audit.jsonl under homeDir. A non-empty sqlitePath also
// opens (and migrates) the database; relative paths are under homeDir.
func Open(homeDir, sqlitePath string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	r := &Recorder{logger: logger, file: f}
	if sqlitePath == "" {
		return r, nil
	}
	if !filepath.IsAbs(sqlitePath) {
		sqlitePath = filepath.Join(homeDir, sqlitePath)
	}
	db, err := openDB(sqlitePath)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.db = db
	return r, nil
}

func openDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return db, nil
}

// Close flushes and closes the log file and the database.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.file != nil {
		err = r.file.Close()
		r.file = nil
	}
	if r.db != nil {
		if dbErr := r.db.Close(); err == nil {
			err = dbErr
		}
		r.db = nil
	}
	return err
}

// Failures returns how many recorded calls ended in an error.
func (r *Recorder) Failures() int64 { return r.failures.Load() }

// Record appends one entry built from a finished tool event.
func (r *Recorder) Record(ctx context.Context, ev bus.ToolEvent) {
	e := Entry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		SessionID:  ev.SessionID,
		TaskID:     ev.TaskID,
		CallID:     ev.CallID,
		Tool:       ev.Tool,
		Locality:   ev.Locality,
		Args:       redactArgs(ev.Args),
		Outcome:    "ok",
		ErrKind:    ev.ErrKind,
		Error:      shared.Redact(ev.Err),
		DurationMS: ev.Duration.Milliseconds(),
	}
	if ev.ErrKind != "" || ev.Err != "" {
		e.Outcome = "error"
		r.failures.Add(1)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = r.file.Write(append(b, '\n'))
		}
	}
	if r.db != nil {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO audit_log (session_id, task_id, call_id, tool, locality, args, outcome, error_kind, error, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, e.SessionID, e.TaskID, e.CallID, e.Tool, e.Locality, string(e.Args), e.Outcome, e.ErrKind, e.Error, e.DurationMS)
		if err != nil {
			r.logger.Warn("audit: insert failed", "tool", e.Tool, "error", err)
		}
	}
}

// Recent returns up to limit entries from the database, newest first. It
// returns nil without a database.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	r.mu.Lock()
	db := r.db
	r.mu.Unlock()
	if db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT created_at, session_id, COALESCE(task_id, ''), COALESCE(call_id, ''), tool, locality,
			COALESCE(args, ''), outcome, COALESCE(error_kind, ''), COALESCE(error, ''), duration_ms
		FROM audit_log ORDER BY audit_id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var args string
		if err := rows.Scan(&e.Timestamp, &e.SessionID, &e.TaskID, &e.CallID, &e.Tool, &e.Locality,
			&args, &e.Outcome, &e.ErrKind, &e.Error, &e.DurationMS); err != nil {
			return nil, fmt.Errorf("scan audit_log: %w", err)
		}
		if args != "" {
			e.Args = json.RawMessage(args)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Run records tool.finished events from b until ctx is done.
func (r *Recorder) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe(bus.TopicToolFinished)
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if te, ok := ev.Payload.(bus.ToolEvent); ok {
				r.Record(ctx, te)
			}
		}
	}
}

// redactArgs masks secret-looking values in tool arguments. Arguments that
// are not a JSON object are kept as they are.
func redactArgs(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	changed := false
	for k, v := range obj {
		if s, ok := v.(string); ok {
			if red := shared.RedactEnvValue(k, shared.Redact(s)); red != s {
				obj[k] = red
				changed = true
			}
		}
	}
	if !changed {
		return raw
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return b
}
