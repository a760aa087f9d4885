package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// Watcher polls a config file and hands every new valid revision to a
// callback. An edit is detected by modification time or size and confirmed
// by a SHA-256 of the content, so saving an unchanged file is a no-op.
//
// A revision that fails to parse or validate is rejected once: the previous
// config stays current and the file is not re-parsed until it changes again.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(old, new *Config)

	// checkMu serialises Check so two revisions never race into apply.
	checkMu sync.Mutex

	mu      sync.Mutex
	current *Config
	seen    fileState
	lastErr error

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// fileState identifies one revision of the file on disk.
type fileState struct {
	mtime time.Time
	size  int64
	hash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. apply may be nil; it is
// called outside the watcher's locks, so it may call [Watcher.Current].
func NewWatcher(path string, apply func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		apply:    apply,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, st

	go w.poll()
	return w, nil
}

// Current returns the most recently applied config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Err returns why the newest revision on disk was rejected, or nil when the
// current config is the newest revision.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Stop ends polling and waits for an in-flight reload to finish. After Stop
// returns the callback is never invoked again by the poller.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) poll() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if _, err := w.Check(); err != nil {
				slog.Warn("config reload rejected, keeping the previous configuration", "path", w.path, "err", err)
			}
		}
	}
}

// Check looks at the file once. It reports whether a new revision was
// applied, and returns the validation error of a newly rejected revision.
// A revision already rejected earlier is skipped without error.
func (w *Watcher) Check() (bool, error) {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		return false, fmt.Errorf("config: stat %s: %w", w.path, err)
	}

	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if info.ModTime().Equal(seen.mtime) && info.Size() == seen.size {
		return false, nil
	}

	cfg, st, err := w.read()

	w.mu.Lock()
	if st.hash == seen.hash {
		w.seen = st
		w.mu.Unlock()
		return false, nil
	}
	w.seen = st
	if err != nil {
		w.lastErr = err
		w.mu.Unlock()
		return false, err
	}
	old := w.current
	w.current = cfg
	w.lastErr = nil
	w.mu.Unlock()

	slog.Info("configuration file changed", "path", w.path)
	if w.apply != nil {
		w.apply(old, cfg)
	}
	return true, nil
}

// read loads the file. The returned state is filled even when the content
// is rejected, as long as the file itself could be read.
func (w *Watcher) read() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	st := fileState{mtime: info.ModTime(), size: int64(len(data)), hash: sha256.Sum256(data)}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, st, err
	}
	return cfg, st, nil
}
