package config

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Reloader re-reads the .env file and config.jsonc on demand and swaps
// the active configuration atomically. Values components copied at
// construction time (store path, listen address, model panel) keep their
// old values until restart; registered listeners decide what they can
// apply live.
type Reloader struct {
	configPath string
	dotenvPath string
	log        *slog.Logger

	current atomic.Pointer[Config]

	mu        sync.Mutex // serializes Reload and listener registration
	listeners []func(*Config)
}

// NewReloader wraps an already-loaded config.
func NewReloader(configPath, dotenvPath string, initial *Config, log *slog.Logger) *Reloader {
	if log == nil {
		log = slog.Default()
	}
	r := &Reloader{
		configPath: configPath,
		dotenvPath: dotenvPath,
		log:        log,
	}
	r.current.Store(initial)
	return r
}

// Current returns the active config without locking.
func (r *Reloader) Current() *Config {
	return r.current.Load()
}

// OnReload registers a callback invoked with the new config after every
// successful Reload.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Reload re-reads .env in override mode, re-parses the config (which
// re-expands the env templates), and swaps it in. On any error the
// previous config stays active.
func (r *Reloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ReloadDotenv(r.dotenvPath); err != nil {
		return fmt.Errorf("reload dotenv: %w", err)
	}
	cfg, err := Load(r.configPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	r.current.Store(cfg)
	r.log.Info("config reloaded", slog.String("path", r.configPath))

	for _, fn := range r.listeners {
		fn(cfg)
	}
	return nil
}
