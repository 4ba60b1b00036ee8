package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Reload describes a configuration change picked up by a [Watcher].
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// stamp identifies one version of the config file.
type stamp struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher polls a config file and reports valid changes. Edits that fail to
// parse or validate are logged and skipped; the last good config stays
// current.
type Watcher struct {
	path     string
	interval time.Duration
	onReload func(Reload)

	mu      sync.Mutex
	current *Config
	last    stamp
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path. Polling starts with [Watcher.Run].
// onReload may be nil.
func NewWatcher(path string, onReload func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: 5 * time.Second, onReload: onReload}
	for _, opt := range opts {
		opt(w)
	}
	cfg, st, err := readConfig(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.last = cfg, st
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Check(); err != nil {
				slog.Warn("config watcher: reload skipped", "path", w.path, "err", err)
			}
		}
	}
}

// Check polls the file once. It reports whether a new config was applied. A
// changed mtime with identical content, or an edit that only touches
// comments, applies nothing.
func (w *Watcher) Check() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.last.mtime)
	w.mu.Unlock()
	if unchanged {
		return false, nil
	}

	cfg, st, err := readConfig(w.path)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	if st.sum == w.last.sum {
		w.last = st
		w.mu.Unlock()
		return false, nil
	}
	r := Reload{Old: w.current, New: cfg, Diff: Diff(w.current, cfg)}
	w.last = st
	if !r.Diff.HasChanges() {
		w.mu.Unlock()
		return false, nil
	}
	w.current = cfg
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onReload != nil {
		w.onReload(r)
	}
	return true, nil
}

func readConfig(path string) (*Config, stamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, stamp{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, stamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, stamp{}, err
	}
	return cfg, stamp{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
