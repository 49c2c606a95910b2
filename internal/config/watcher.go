package config

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roelfdiedericks/duoprompt/internal/logging"
)

// Live holds the current config and is swapped whole on reload. Components
// that read timing on every use take a *Live instead of a copy.
type Live struct {
	cur atomic.Pointer[Config]
}

// NewLive wraps cfg.
func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.cur.Store(cfg)
	return l
}

// Get returns the current config. Callers must not modify it.
func (l *Live) Get() *Config { return l.cur.Load() }

// Timing returns the current timing block.
func (l *Live) Timing() TimingConfig { return l.cur.Load().Timing }

// Relay returns the current relay block.
func (l *Live) Relay() RelayConfig { return l.cur.Load().Relay }

// Store replaces the current config.
func (l *Live) Store(cfg *Config) { l.cur.Store(cfg) }

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	path     string
	live     *Live
	apply    func(*Config) *Config
	onChange func(old, cur *Config)
	debounce time.Duration

	fs      *fsnotify.Watcher
	stopCh  chan struct{}
	mu      sync.Mutex
	pending *time.Timer
}

// NewWatcher watches path. apply re-applies CLI overrides to each freshly
// loaded config (nil for none). onChange runs after a successful swap.
func NewWatcher(path string, live *Live, apply func(*Config) *Config, onChange func(old, cur *Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// watch the directory: editors replace the file rather than write it
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		path:     path,
		live:     live,
		apply:    apply,
		onChange: onChange,
		debounce: 300 * time.Millisecond,
		fs:       fsw,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins watching in a goroutine.
func (w *Watcher) Start() {
	go w.run()
	logging.L_debug("config: watching for changes", "path", w.path)
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.L_warn("config: watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := LoadFile(w.path)
	if err != nil {
		// keep running on the previous config
		logging.L_warn("config: reload failed, keeping current config", "path", w.path, "error", err)
		return
	}
	if w.apply != nil {
		cfg = w.apply(cfg)
	}
	old := w.live.Get()
	w.live.Store(cfg)
	logging.L_info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// Stop stops watching.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	return w.fs.Close()
}
