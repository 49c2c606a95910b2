package coordinator

import (
	"context"
	"time"

	"github.com/roelfdiedericks/duoprompt/internal/bus"
	"github.com/roelfdiedericks/duoprompt/internal/eventloop"
	. "github.com/roelfdiedericks/duoprompt/internal/logging"
	"github.com/roelfdiedericks/duoprompt/internal/protocol"
	"github.com/roelfdiedericks/duoprompt/internal/sites"
)

// TabQuerier reads live tab information from the browser.
type TabQuerier interface {
	// TabURL returns the tab's current URL. exists is false once the tab
	// has been closed.
	TabURL(ctx context.Context, tab protocol.TabID) (url string, exists bool, err error)
}

// ScriptRunner performs the browser-side injection: install the page
// probe and start an agent for site on tab.
type ScriptRunner interface {
	InjectAgent(ctx context.Context, tab protocol.TabID, url string, site sites.Site) error
}

// injectTimeout bounds the tab query and the injection call.
const injectTimeout = 20 * time.Second

// Injector injects the page agent at most once per (tab, URL).
type Injector struct {
	st       *State
	tracker  *Tracker
	loop     *eventloop.Loop
	registry *sites.Registry
	tabs     TabQuerier
	scripts  ScriptRunner
	events   *bus.Events
}

// NewInjector creates an injector.
func NewInjector(st *State, tracker *Tracker, loop *eventloop.Loop, registry *sites.Registry, tabs TabQuerier, scripts ScriptRunner, events *bus.Events) *Injector {
	return &Injector{
		st:       st,
		tracker:  tracker,
		loop:     loop,
		registry: registry,
		tabs:     tabs,
		scripts:  scripts,
		events:   events,
	}
}

// Inject runs on the loop. It never marks the tab ready: readiness comes
// only from the agent's own announcement. Problems are logged, not returned.
func (i *Injector) Inject(tab protocol.TabID, url string) {
	site, ok := i.registry.Lookup(url)
	if !ok {
		if i.st.IsManaged(tab) {
			i.tracker.MarkNotReady(tab)
		}
		L_debug("injector: no site for origin, skipping", "tab", tab, "url", url)
		return
	}

	var (
		liveURL string
		exists  bool
		err     error
	)
	i.loop.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), injectTimeout)
		defer cancel()
		liveURL, exists, err = i.tabs.TabURL(ctx, tab)
	}, func() {
		switch {
		case err != nil:
			L_warn("injector: tab query failed", "tab", tab, "error", err)
			return
		case !exists:
			L_debug("injector: tab gone before injection", "tab", tab)
			return
		case liveURL != url:
			L_debug("injector: tab navigated away before injection", "tab", tab, "want", url, "live", liveURL)
			return
		case i.tracker.HasMarker(tab, url):
			L_trace("injector: already injected for this navigation", "tab", tab, "url", url)
			return
		}

		// set before the call so a second page-complete cannot race in
		i.tracker.SetMarker(tab, url)
		i.run(tab, url, site)
	})
}

func (i *Injector) run(tab protocol.TabID, url string, site sites.Site) {
	L_debug("injector: injecting agent", "tab", tab, "site", site.ID, "url", url)
	var err error
	i.loop.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), injectTimeout)
		defer cancel()
		err = i.scripts.InjectAgent(ctx, tab, url, site)
	}, func() {
		if err != nil {
			L_warn("injector: injection failed", "tab", tab, "site", site.ID, "error", err)
			i.tracker.MarkNotReady(tab)
			i.tracker.ClearPing(tab)
			i.tracker.ClearMarkers(tab)
			return
		}
		L_info("injector: agent injected", "tab", tab, "site", site.ID)
		i.events.PublishWithSource(bus.TopicTabInjected, tab, "injector")
	})
}
