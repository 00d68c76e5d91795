package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent signals that a watched config file changed on disk.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// watchedFiles are the base names the watcher reacts to: config.yaml in
// the hemiunu home, CONVENTIONS.md in the project root.
var watchedFiles = map[string]struct{}{
	"config.yaml":    {},
	"CONVENTIONS.md": {},
}

// Watcher surfaces edits to config.yaml and the project conventions
// file. Consumers re-Load and apply the safe subset (log level,
// iteration budget, deploy schedule) without a restart.
//
// The parent directories are watched, not the files, so a file created
// after startup is still picked up.
type Watcher struct {
	homeDir     string
	projectRoot string
	logger      *slog.Logger
	events      chan ReloadEvent
}

func NewWatcher(homeDir, projectRoot string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:     homeDir,
		projectRoot: projectRoot,
		logger:      logger,
		events:      make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, dir := range []string{w.homeDir, w.projectRoot} {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("cannot watch directory", "dir", dir, "error", err)
		}
	}

	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
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
			if !w.relevant(ev) {
				continue
			}
			select {
			case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
			default:
				// Consumer is behind; it re-Loads on the next event anyway.
			}
			w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	_, ok := watchedFiles[filepath.Base(ev.Name)]
	return ok
}
