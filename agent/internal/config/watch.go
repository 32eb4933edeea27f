package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 100 * time.Millisecond

// Holder publishes the most recent valid Config to the run loop. A run reads
// it once at start, so reloads take effect at the next run.
type Holder struct {
	cur atomic.Pointer[Config]
	gen atomic.Uint64
}

// NewHolder returns a Holder seeded with cfg.
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.cur.Store(cfg)
	return h
}

// Load returns the current config.
func (h *Holder) Load() *Config { return h.cur.Load() }

// Store replaces the current config and bumps the generation.
func (h *Holder) Store(cfg *Config) {
	h.cur.Store(cfg)
	h.gen.Add(1)
}

// Generation counts Store calls since NewHolder.
func (h *Holder) Generation() uint64 { return h.gen.Load() }

// Watch monitors path for changes and calls onChange with the newly loaded
// Config after each settled write. It runs until ctx is cancelled.
//
// The parent directory is watched rather than the file itself so atomic
// saves (write to temp, rename over) are seen. If a reload fails the error
// is logged and onChange is not called; the previous config stays active.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	name := filepath.Clean(path)

	slog.Info("config: watching for changes", "path", path)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			cfg, err := Load(path)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config",
					"path", path, "err", err)
				continue
			}
			slog.Info("config: reloaded", "path", path, "device_id", cfg.Agent.DeviceID)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}
