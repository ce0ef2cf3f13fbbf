package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher emits a ReloadEvent whenever config.yaml changes on disk.
// Consumers decide what is hot-reloadable; anything covered by
// Config.Fingerprint needs a restart.
type Watcher struct {
	dataDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(dataDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dataDir: dataDir,
		logger:  logger.With("component", "config"),
		events:  make(chan ReloadEvent, 16),
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

	// Editors often replace the file, so watch for create and rename too.
	_ = fsw.Add(ConfigPath(w.dataDir))

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
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
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
