package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/qualivox/internal/clock"
)

// DefaultPollInterval is how often a [Watcher] re-reads its file.
const DefaultPollInterval = 5 * time.Second

// Watcher polls a config file and reports validated changes to a callback.
// Only content changes count; touching the file is ignored. A file that stops
// validating is logged once and the last good config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	clk      clock.Clock
	onChange func(old, new *Config)
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	sum     [sha256.Size]byte
	badSum  [sha256.Size]byte
	timer   clock.Timer
	stopped bool
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultPollInterval]. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger for reload messages.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// WithWatcherClock schedules polls on c instead of the wall clock.
func WithWatcherClock(c clock.Clock) WatcherOption {
	return func(w *Watcher) {
		if c != nil {
			w.clk = c
		}
	}
}

// NewWatcher loads path and starts polling it. The initial load must succeed.
// onChange runs on the polling goroutine and may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultPollInterval,
		clk:      clock.Real{},
		onChange: onChange,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("component", "config", "path", path)

	cfg, sum, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.sum = cfg, sum

	w.mu.Lock()
	w.timer = w.clk.AfterFunc(w.interval, w.tick)
	w.mu.Unlock()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop cancels polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) tick() {
	w.check()

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.timer = w.clk.AfterFunc(w.interval, w.tick)
	}
}

func (w *Watcher) check() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn("config file unreadable", "err", err)
		return
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	if sum == w.sum || sum == w.badSum {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		w.mu.Lock()
		w.badSum = sum
		w.mu.Unlock()
		w.log.Warn("config change rejected, keeping previous", "err", err)
		return
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.sum = cfg, sum
	w.mu.Unlock()

	w.log.Info("config reloaded")
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

func (w *Watcher) read() (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(data), nil
}
