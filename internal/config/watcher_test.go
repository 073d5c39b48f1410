package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/worldlink/internal/config"
)

func TestWatcher_ReloadsConfigOnChange(t *testing.T) {
	homeDir := t.TempDir()
	path := config.ConfigPath(homeDir)
	if err := os.WriteFile(path, []byte("tool_timeout_ms: 1000\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	applied := make(chan config.Config, 16)
	w := config.NewWatcher(homeDir, nil, func(c config.Config) { applied <- c })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write until the watcher reports it; notification readiness
	// varies by platform.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	write := func() { _ = os.WriteFile(path, []byte("tool_timeout_ms: 2500\ngrace_seconds: 5\n"), 0o644) }
	write()

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("expected config.yaml event, got %s", ev.Path)
			}
			if ev.Config.ToolTimeoutMS != 2500 {
				continue
			}
			got := <-applied
			for got.ToolTimeoutMS != 2500 {
				got = <-applied
			}
			if got.GraceWindow() != 5*time.Second {
				t.Fatalf("grace window = %v, want 5s", got.GraceWindow())
			}
			return
		case <-writeTick.C:
			write()
		case <-deadline:
			t.Fatalf("timed out waiting for config reload")
		}
	}
}

func TestWatcher_IgnoresOtherFilesAndBadConfig(t *testing.T) {
	homeDir := t.TempDir()
	applied := make(chan config.Config, 16)
	w := config.NewWatcher(homeDir, nil, func(c config.Config) { applied <- c })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(filepath.Join(homeDir, "notes.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(homeDir), []byte("log_level: [\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	select {
	case c := <-applied:
		t.Fatalf("unexpected reload: %+v", c)
	case <-time.After(300 * time.Millisecond):
	}
}
