// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/g1dev/g1d/internal/log"
)

// ErrUnknownSection is returned for section names outside the schema.
var ErrUnknownSection = fmt.Errorf("unknown config section")

const reloadDebounce = 500 * time.Millisecond

// Holder provides thread-safe access to the live configuration with atomic
// hot reload. A reload either applies a fully validated document or leaves
// the running configuration untouched.
type Holder struct {
	mu      sync.RWMutex
	current Config
	path    string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	listenerMu sync.RWMutex
	listeners  []chan<- Config
}

// NewHolder wraps an already validated configuration. path may be empty when
// the configuration is not file-backed; StartWatcher is then a no-op.
func NewHolder(initial Config, path string) *Holder {
	return &Holder{
		current: initial,
		path:    path,
		logger:  log.WithComponent("config"),
	}
}

// Get returns the current configuration.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload re-reads the file, validates it and swaps atomically. On any error
// the previous configuration stays active.
func (h *Holder) Reload(_ context.Context) error {
	h.logger.Info().Str("event", "config.reload_start").Msg("reloading configuration")

	newCfg, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Str("event", "config.reload_failed").Msg("reload rejected, keeping previous configuration")
		return err
	}

	h.swap(newCfg)
	h.logger.Info().Str("event", "config.reload_success").Msg("configuration reloaded")
	return nil
}

func (h *Holder) swap(newCfg Config) {
	h.mu.Lock()
	h.current = newCfg
	h.mu.Unlock()
	h.notifyListeners(newCfg)
}

// StartWatcher begins watching the config file and reloads on change with a
// debounce window. No-op when the holder is not file-backed.
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.path == "" {
		h.logger.Info().Str("event", "config.watcher_disabled").Msg("no config file, watcher disabled")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(h.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}
	h.watcher = watcher

	h.logger.Info().Str("event", "config.watcher_started").Str("path", h.path).Msg("watching config file")
	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str("event", "config.watcher_stopped").Msg("config watcher stopped")
			_ = h.watcher.Close()
			return

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			// Write and Create cover the editor save strategies in the wild.
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					if err := h.Reload(ctx); err != nil {
						h.logger.Error().Err(err).Str("event", "config.auto_reload_failed").Msg("automatic reload failed")
					}
				})
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Str("event", "config.watcher_error").Msg("config watcher error")
		}
	}
}

// Stop closes the file watcher if one is running.
func (h *Holder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}

// RegisterListener registers a channel that receives the new configuration
// after every successful reload or section update. Delivery is non-blocking.
func (h *Holder) RegisterListener(ch chan<- Config) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notifyListeners(newCfg Config) {
	h.listenerMu.RLock()
	defer h.listenerMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- newCfg:
		default:
			h.logger.Warn().Str("event", "config.listener_skip").Msg("listener channel full, notification dropped")
		}
	}
}

// Section returns one named top-level section of the current configuration.
func (h *Holder) Section(name string) (any, error) {
	cfg := h.Get()
	switch name {
	case "general":
		return cfg.General, nil
	case "network":
		return cfg.Network, nil
	case "audio":
		return cfg.Audio, nil
	case "video":
		return cfg.Video, nil
	case "motion":
		return cfg.Motion, nil
	case "leds":
		return cfg.LEDs, nil
	case "ai":
		return cfg.AI, nil
	case "logging":
		return cfg.Logging, nil
	case "performance":
		return cfg.Performance, nil
	case "fusion":
		return cfg.Fusion, nil
	case "security":
		return cfg.Security, nil
	case "ratelimit":
		return cfg.RateLimit, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSection, name)
}

// UpdateSection overlays raw JSON onto one section of a copy of the current
// configuration, validates the whole document and swaps it in. Fields absent
// from raw keep their current values, so a get-modify-put round trip with no
// modification is a no-op.
func (h *Holder) UpdateSection(name string, raw json.RawMessage) (Config, error) {
	h.mu.Lock()
	next, err := deepCopy(h.current)
	if err != nil {
		h.mu.Unlock()
		return Config{}, err
	}
	switch name {
	case "general":
		err = json.Unmarshal(raw, &next.General)
	case "network":
		err = json.Unmarshal(raw, &next.Network)
	case "audio":
		err = json.Unmarshal(raw, &next.Audio)
	case "video":
		err = json.Unmarshal(raw, &next.Video)
	case "motion":
		err = json.Unmarshal(raw, &next.Motion)
	case "leds":
		err = json.Unmarshal(raw, &next.LEDs)
	case "ai":
		err = json.Unmarshal(raw, &next.AI)
	case "logging":
		err = json.Unmarshal(raw, &next.Logging)
	case "performance":
		err = json.Unmarshal(raw, &next.Performance)
	case "fusion":
		err = json.Unmarshal(raw, &next.Fusion)
	case "security":
		err = json.Unmarshal(raw, &next.Security)
	case "ratelimit":
		err = json.Unmarshal(raw, &next.RateLimit)
	default:
		h.mu.Unlock()
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownSection, name)
	}
	if err != nil {
		h.mu.Unlock()
		return Config{}, fmt.Errorf("decode section %s: %w", name, err)
	}

	if err := Validate(next); err != nil {
		h.mu.Unlock()
		return Config{}, fmt.Errorf("validate section %s: %w", name, err)
	}

	h.current = next
	h.mu.Unlock()

	h.notifyListeners(next)
	h.logger.Info().Str("event", "config.section_updated").Str("section", name).Msg("configuration section updated")
	return next, nil
}

// deepCopy clones a Config including its map and slice fields so a pending
// update never aliases the live document.
func deepCopy(c Config) (Config, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return Config{}, fmt.Errorf("clone config: %w", err)
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return Config{}, fmt.Errorf("clone config: %w", err)
	}
	return out, nil
}

// SectionNames lists the valid section names in schema order.
func SectionNames() []string {
	return []string{
		"general", "network", "audio", "video", "motion", "leds",
		"ai", "logging", "performance", "fusion", "security", "ratelimit",
	}
}
