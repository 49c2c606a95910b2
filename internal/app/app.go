// Package app assembles duoprompt: config, browser host, coordinator,
// narration overlay, transcript and the control API.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roelfdiedericks/duoprompt/internal/browser"
	"github.com/roelfdiedericks/duoprompt/internal/bus"
	"github.com/roelfdiedericks/duoprompt/internal/config"
	"github.com/roelfdiedericks/duoprompt/internal/control"
	"github.com/roelfdiedericks/duoprompt/internal/coordinator"
	. "github.com/roelfdiedericks/duoprompt/internal/logging"
	"github.com/roelfdiedericks/duoprompt/internal/metrics"
	"github.com/roelfdiedericks/duoprompt/internal/narration"
	"github.com/roelfdiedericks/duoprompt/internal/paths"
	"github.com/roelfdiedericks/duoprompt/internal/protocol"
	"github.com/roelfdiedericks/duoprompt/internal/recording"
	"github.com/roelfdiedericks/duoprompt/internal/sites"
	"github.com/roelfdiedericks/duoprompt/internal/transcript"
)

// Options control how the app loads its config.
type Options struct {
	ConfigPath string        // "" = discover via paths.ConfigPath
	Overrides  config.Config // CLI flags, applied over the file and every reload
	Watch      bool          // reload the config file when it changes
}

// App is one running duoprompt instance.
type App struct {
	opts       Options
	configPath string
	live       *config.Live

	registry *sites.Registry
	hub      *bus.Hub
	events   *bus.Events
	metrics  *metrics.MetricsManager
	store    *transcript.Store
	overlay  *narration.Overlay
	recorder *recording.Controller
	browser  *browser.Manager
	host     *browser.Host
	coord    *coordinator.Coordinator

	cleanups []func()
}

// New loads the config and builds every component. Nothing is started.
func New(opts Options) (*App, error) {
	cfg, path, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	a := &App{
		opts:       opts,
		configPath: path,
		live:       config.NewLive(cfg),
		hub:        bus.NewHub(cfg.Timing.MessageTimeout.D()),
		events:     bus.NewEvents(),
		metrics:    metrics.GetInstance(),
		overlay:    narration.NewOverlay(),
	}

	a.registry = sites.Default()
	if cfg.SitesFile != "" {
		sitesPath, err := paths.ExpandTilde(cfg.SitesFile)
		if err != nil {
			return nil, err
		}
		n, err := a.registry.LoadFile(sitesPath)
		if err != nil {
			return nil, fmt.Errorf("sites file: %w", err)
		}
		L_info("app: sites loaded", "path", sitesPath, "count", n)
	}

	if cfg.Transcript.Enabled {
		dbPath, err := paths.ResolveDataPath(cfg.Transcript.Path, "transcript.db")
		if err != nil {
			return nil, err
		}
		store, err := transcript.Open(dbPath)
		if err != nil {
			return nil, err
		}
		a.store = store
		// cleanups run in reverse: unsubscribe, then close
		a.cleanups = append(a.cleanups, func() { store.Close() }, store.Record(a.events))
	}
	a.cleanups = append(a.cleanups, metrics.Collect(a.metrics, a.events))

	a.recorder = recording.New(a.overlay)

	settings, err := browser.NewSettings(cfg.Browser)
	if err != nil {
		return nil, err
	}
	a.browser = browser.NewManager(settings)
	a.host = browser.NewHost(a.browser, a.hub, a.events, a.live)

	a.coord = coordinator.New(coordinator.Options{
		Hub:       a.hub,
		Events:    a.events,
		Registry:  a.registry,
		Tabs:      a.host,
		Scripts:   a.host,
		Narrator:  a.overlay,
		Recording: a.recorder,
		Live:      a.live,
	})
	a.coord.OnUnresponsive(a.recover)
	return a, nil
}

func loadConfig(opts Options) (*config.Config, string, error) {
	var (
		cfg  *config.Config
		path = opts.ConfigPath
		err  error
	)
	if path != "" {
		if path, err = paths.ExpandTilde(path); err != nil {
			return nil, "", err
		}
		cfg, err = config.LoadFile(path)
	} else {
		cfg, path, err = config.Load()
	}
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Apply(opts.Overrides); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// Config returns the live configuration.
func (a *App) Config() *config.Config { return a.live.Get() }

// ConfigPath returns the config file in use ("" for defaults only).
func (a *App) ConfigPath() string { return a.configPath }

// Registry returns the site registry.
func (a *App) Registry() *sites.Registry { return a.registry }

// reapply puts the CLI overrides back on a reloaded config.
func (a *App) reapply(cfg *config.Config) *config.Config {
	if err := cfg.Apply(a.opts.Overrides); err != nil {
		L_warn("app: overrides rejected on reload", "error", err)
	}
	return cfg
}

func (a *App) configChanged(old, cur *config.Config) {
	a.coord.ConfigChanged(cur)
	if old.Browser != cur.Browser || old.Windows != cur.Windows || old.Control != cur.Control {
		L_warn("app: browser, window and control changes apply on restart")
	}
	if cur.LogLevel != old.LogLevel {
		SetLevel(ParseLevel(cur.LogLevel))
	}
}

// recover reloads a tab the heartbeat flagged. It runs on the coordinator
// loop, so the reload goes to its own goroutine.
func (a *App) recover(tab protocol.TabID, silentFor time.Duration) {
	if !a.live.Relay().RecoverUnresponsive {
		return
	}
	L_warn("app: reloading unresponsive tab", "tab", tab, "silentFor", silentFor.Round(time.Second))
	go func() {
		if err := a.host.Reload(tab); err != nil {
			L_warn("app: reload failed", "tab", tab, "error", err)
			return
		}
		a.metrics.IncrementCounter("heartbeat", "reloaded")
	}()
}

// Run starts everything, opens the two conversation windows and serves the
// control API until ctx ends or a shutdown is requested.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer a.close()
	defer cancel()

	cfg := a.live.Get()

	if err := a.browser.EnsureReady(); err != nil {
		return err
	}
	if err := a.coord.Start(ctx); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	if err := a.host.Start(ctx, a.coord); err != nil {
		return fmt.Errorf("browser: %w", err)
	}

	if a.opts.Watch && a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.live, a.reapply, a.configChanged)
		if err != nil {
			L_warn("app: config watcher unavailable", "error", err)
		} else {
			w.Start()
			a.cleanups = append(a.cleanups, func() { w.Stop() })
		}
	}

	if err := a.openConversation(cfg.Windows); err != nil {
		return err
	}

	srv := control.NewServer(a.controlOptions(cancel))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx, cfg.Control.Listen) }()

	select {
	case <-ctx.Done():
		<-errCh
		return nil
	case err := <-errCh:
		return fmt.Errorf("control api: %w", err)
	case <-a.coord.Done():
		return coordinator.ErrStopped
	}
}

// Windows is what openConversation needs from the browser host.
type Windows interface {
	OpenWindows(n int) ([]protocol.TabID, error)
	Navigate(id protocol.TabID, url string) error
}

// openConversation opens both windows and hands them to the coordinator
// before either starts loading, so no page complete goes unclaimed.
func (a *App) openConversation(w config.WindowsConfig) error {
	return openConversation(a.host, a.coord, w)
}

// TabSetter receives the conversation tabs.
type TabSetter interface {
	SetTabs(primary, secondary protocol.TabID) error
}

func openConversation(win Windows, coord TabSetter, w config.WindowsConfig) error {
	ids, err := win.OpenWindows(2)
	if err != nil {
		return fmt.Errorf("open windows: %w", err)
	}
	if len(ids) != 2 {
		return errors.New("open windows: expected two tabs")
	}
	if err := coord.SetTabs(ids[0], ids[1]); err != nil {
		return err
	}
	for i, url := range []string{w.PrimaryURL, w.SecondaryURL} {
		if err := win.Navigate(ids[i], url); err != nil {
			return err
		}
	}
	L_info("app: windows open", "primary", ids[0], "secondary", ids[1])
	return nil
}

func (a *App) controlOptions(shutdown func()) control.Options {
	opts := control.Options{
		Relay:   a.coord,
		Sites:   a.registry,
		Metrics: a.metrics,
		Overlay: a.overlay,
		Browser: a.browser.Status,
		Shutdown: func() {
			L_info("app: shutdown requested")
			shutdown()
		},
	}
	// a nil *Store must not become a non-nil interface
	if a.store != nil {
		opts.Transcript = a.store
	}
	return opts
}

func (a *App) close() {
	SetShuttingDown()
	a.host.Close()
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}
