package config

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Holder owns the live configuration. Readers call Current and get an
// immutable snapshot; Apply and Reload swap the snapshot and notify
// subscribers in registration order.
type Holder struct {
	path string
	cur  atomic.Pointer[Config]

	mu   sync.Mutex
	subs []func(old, next *Config)
}

func NewHolder(cfg *Config, path string) *Holder {
	h := &Holder{path: path}
	h.cur.Store(cfg)
	return h
}

// Current returns the active snapshot. Callers must not mutate it.
func (h *Holder) Current() *Config { return h.cur.Load() }

// Path returns the file Reload reads from.
func (h *Holder) Path() string { return h.path }

// Subscribe registers fn to run after every successful swap.
func (h *Holder) Subscribe(fn func(old, next *Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, fn)
}

// Apply validates next and makes it current.
func (h *Holder) Apply(next *Config) error {
	if next == nil {
		return fmt.Errorf("apply config: nil config")
	}
	next.normalize()
	if err := next.Validate(); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.cur.Swap(next)
	for _, fn := range h.subs {
		fn(old, next)
	}
	return nil
}

// Reload re-reads the config file and applies it.
func (h *Holder) Reload() (*Config, error) {
	cfg, _, _, err := Load(h.path)
	if err != nil {
		return nil, err
	}
	if err := h.Apply(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
