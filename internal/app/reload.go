package app

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/echoforge/internal/config"
)

// startWatcher begins polling the config file when hot reload is enabled.
func (a *App) startWatcher() error {
	if a.configPath == "" || a.watcher != nil {
		return nil
	}
	w, err := config.NewWatcher(a.configPath, a.Reload)
	if err != nil {
		return fmt.Errorf("app: watch config: %w", err)
	}
	a.mu.Lock()
	a.watcher = w
	a.mu.Unlock()
	slog.Info("watching config for changes", "path", a.configPath)
	return nil
}

// ReloadConfig re-reads the watched config file immediately. It reports
// whether a new revision was applied; without hot reload it does nothing.
func (a *App) ReloadConfig() (bool, error) {
	a.mu.Lock()
	w := a.watcher
	a.mu.Unlock()
	if w == nil {
		return false, nil
	}
	return w.Check()
}

// Reload applies the hot-reloadable differences between old and new.
// Characters and the default player are swapped in the registry and every
// cached pipeline is dropped. Pipeline tuning rebuilds the collaborators.
// Persistence toggles checkpointing, summaries and session tracking
// together. Settings read once at startup are only logged.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "settings", d.RestartRequired)
	}
	if !d.Any() {
		return
	}

	a.mu.Lock()
	a.cfg = new
	a.mu.Unlock()

	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(SlogLevel(d.NewLogLevel))
		}
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.CharactersChanged || d.PlayerChanged {
		a.chars.Reload(new)
		a.orch.Invalidate()
		for _, c := range d.CharacterChanges {
			slog.Info("character reloaded",
				"name", c.Name,
				"added", c.Added,
				"removed", c.Removed,
				"personality", c.PersonalityChanged,
				"templates", c.TemplatesChanged,
				"triggers", c.TriggersChanged,
			)
		}
	}

	if d.PipelineChanged {
		a.orch.SetPipelineConfig(pipelineConfig(new), a.collaborators(new))
		slog.Info("pipeline settings reloaded")
	}

	if d.PersistenceChanged {
		a.orch.SetPersistence(d.NewPersistence)
	}
}
