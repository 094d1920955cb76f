package config

import (
	"context"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 250 * time.Millisecond

// Changes describes what a config edit touched in the running catalog.
type Changes struct {
	SweepsAdded   []string
	SweepsRemoved []string
	SweepsChanged []string
	// Schedule covers the maintenance cron, retention and link timeout.
	Schedule bool
	// Restart names settings the server only reads at startup.
	Restart []string
}

// Empty reports whether the edit changed nothing the server acts on.
func (c Changes) Empty() bool {
	return len(c.SweepsAdded) == 0 && len(c.SweepsRemoved) == 0 && len(c.SweepsChanged) == 0 &&
		!c.Schedule && len(c.Restart) == 0
}

// Reschedule reports whether cron jobs need rebuilding.
func (c Changes) Reschedule() bool {
	return c.Schedule || len(c.SweepsAdded) > 0 || len(c.SweepsRemoved) > 0 || len(c.SweepsChanged) > 0
}

// Diff compares two loaded configs.
func Diff(prev, next Config) Changes {
	var ch Changes
	for _, s := range next.Sweeps {
		old, ok := prev.Sweep(s.Name)
		switch {
		case !ok:
			ch.SweepsAdded = append(ch.SweepsAdded, s.Name)
		case old != s:
			ch.SweepsChanged = append(ch.SweepsChanged, s.Name)
		}
	}
	for _, s := range prev.Sweeps {
		if _, ok := next.Sweep(s.Name); !ok {
			ch.SweepsRemoved = append(ch.SweepsRemoved, s.Name)
		}
	}
	ch.Schedule = prev.MaintenanceCron != next.MaintenanceCron ||
		prev.SoftDeleteRetentionDays != next.SoftDeleteRetentionDays ||
		prev.PendingLinkTimeoutMinutes != next.PendingLinkTimeoutMinutes

	restart := func(name string, changed bool) {
		if changed {
			ch.Restart = append(ch.Restart, name)
		}
	}
	restart("db_path", prev.DBPath != next.DBPath)
	restart("bind_addr", prev.BindAddr != next.BindAddr)
	restart("log_level", prev.LogLevel != next.LogLevel)
	restart("api_token", prev.APIToken != next.APIToken)
	restart("rate_limit", prev.RateLimit != next.RateLimit)
	restart("allow_origins", !slices.Equal(prev.AllowOrigins, next.AllowOrigins))
	restart("deletion_mode", prev.DeletionMode != next.DeletionMode)
	restart("purge_files_on_hard_delete", prev.PurgeFilesOnHardDelete != next.PurgeFilesOnHardDelete)
	restart("pricing", !maps.Equal(prev.Pricing, next.Pricing))
	restart("telemetry", prev.Telemetry != next.Telemetry)
	return ch
}

// ReloadEvent carries a config that loaded and validated after an edit to
// config.yaml or .env, with what changed since the previous one.
type ReloadEvent struct {
	Path    string
	Config  Config
	Changes Changes
}

// Watcher reloads the catalog config when its files change. Invalid edits
// and edits that change nothing are logged and dropped.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	events   chan ReloadEvent
	current  Config
	debounce time.Duration
}

// NewWatcher watches homeDir, diffing each reload against current.
func NewWatcher(homeDir string, current Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		events:   make(chan ReloadEvent, 16),
		current:  current,
		debounce: defaultReloadDebounce,
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

	// Editors replace files on save, so watch the directory and filter by name.
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	watched := map[string]struct{}{
		filepath.Clean(ConfigPath(w.homeDir)):            {},
		filepath.Clean(filepath.Join(w.homeDir, ".env")): {},
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		// Saves arrive as bursts of write/rename events; reload once per burst.
		timer := time.NewTimer(w.debounce)
		timer.Stop()
		var pending string
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if _, ok := watched[filepath.Clean(ev.Name)]; !ok {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = ev.Name
				timer.Reset(w.debounce)
			case <-timer.C:
				w.reload(pending)
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

func (w *Watcher) reload(path string) {
	cfg, err := LoadFrom(w.homeDir)
	if err != nil {
		w.logger.Error("config reload rejected", "path", path, "error", err)
		return
	}
	changes := Diff(w.current, cfg)
	if changes.Empty() {
		w.logger.Debug("config unchanged", "path", path)
		return
	}
	w.current = cfg
	if len(changes.Restart) > 0 {
		w.logger.Warn("config settings apply on restart", "path", path, "settings", changes.Restart)
	}
	select {
	case w.events <- ReloadEvent{Path: path, Config: cfg, Changes: changes}:
	default:
		w.logger.Warn("config reload dropped, consumer busy", "path", path)
	}
	w.logger.Info("config file changed", "path", path,
		"sweeps_added", changes.SweepsAdded, "sweeps_removed", changes.SweepsRemoved, "sweeps_changed", changes.SweepsChanged)
}
