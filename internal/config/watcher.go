package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports one accepted reload of config.yaml.
type ReloadEvent struct {
	Path   string
	Op     fsnotify.Op
	Config Config
}

// Watcher reloads config.yaml when it changes and hands the new Config to
// apply. A file that fails to load is logged and the previous settings stay.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	apply   func(Config)
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger, apply func(Config)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if apply == nil {
		apply = func(Config) {}
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		apply:   apply,
		events:  make(chan ReloadEvent, 16),
	}
}

// Events delivers accepted reloads. Slow readers miss events; apply is
// always called.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory until ctx is done. Editors that replace
// the file by rename are covered because the directory is watched.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	target := filepath.Base(ConfigPath(w.homeDir))

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.reload(ev)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload(ev fsnotify.Event) {
	cfg, err := LoadFrom(w.homeDir)
	if err != nil {
		w.logger.Warn("config reload rejected", "path", ev.Name, "error", err)
		return
	}
	w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String(), "fingerprint", cfg.Fingerprint())
	w.apply(cfg)
	select {
	case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op, Config: cfg}:
	default:
	}
}
