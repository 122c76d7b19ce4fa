package config

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Holder owns the configuration in effect. Readers call Current on every
// use so that a Reload takes effect at the next task.
type Holder struct {
	path string
	cur  atomic.Pointer[Config]
	mu   sync.Mutex // serializes Reload
}

// NewHolder loads path and holds the result.
func NewHolder(path string) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	h := &Holder{path: path}
	h.cur.Store(cfg)
	return h, nil
}

// Fixed holds cfg without a backing file; Reload re-validates it.
func Fixed(cfg *Config) *Holder {
	h := &Holder{}
	h.cur.Store(cfg)
	return h
}

// Current returns the configuration in effect. It must not be modified.
func (h *Holder) Current() *Config {
	return h.cur.Load()
}

// Path returns the backing file, or "" for a fixed configuration.
func (h *Holder) Path() string {
	return h.path
}

// Reload re-reads the backing file. On failure the previous configuration
// stays in effect and the error is returned.
func (h *Holder) Reload() (*Config, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.path == "" {
		cfg := h.cur.Load()
		return cfg, Validate(cfg)
	}
	cfg, err := Load(h.path)
	if err != nil {
		slog.Warn("config reload failed, keeping previous", "path", h.path, "error", err)
		return h.cur.Load(), err
	}
	h.cur.Store(cfg)
	slog.Info("config reloaded", "path", h.path)
	return cfg, nil
}
