package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/roelfdiedericks/duoprompt/internal/agent"
	"github.com/roelfdiedericks/duoprompt/internal/bus"
	"github.com/roelfdiedericks/duoprompt/internal/config"
	. "github.com/roelfdiedericks/duoprompt/internal/logging"
	"github.com/roelfdiedericks/duoprompt/internal/protocol"
	"github.com/roelfdiedericks/duoprompt/internal/sites"
)

// ErrUnknownTab is returned for tabs the host did not open.
var ErrUnknownTab = errors.New("unknown tab")

// NavigationSink receives the host's tab lifecycle events.
type NavigationSink interface {
	NavigationStarted(tab protocol.TabID, url string)
	NavigationCompleted(tab protocol.TabID, url string)
	TabClosed(tab protocol.TabID)
}

// hostTab is one window the host opened.
type hostTab struct {
	id     protocol.TabID
	page   *rod.Page
	url    string // last main-frame URL
	cancel context.CancelFunc
	agent  *agent.Agent
}

// Host owns the two conversation windows. It turns CDP page events into
// navigation events and starts a page agent when asked to inject one.
type Host struct {
	mgr    *Manager
	hub    *bus.Hub
	events *bus.Events
	live   *config.Live

	mu   sync.Mutex
	ctx  context.Context
	sink NavigationSink
	tabs map[protocol.TabID]*hostTab
}

// NewHost creates a host over mgr's browser.
func NewHost(mgr *Manager, hub *bus.Hub, events *bus.Events, live *config.Live) *Host {
	return &Host{
		mgr:    mgr,
		hub:    hub,
		events: events,
		live:   live,
		ctx:    context.Background(),
		tabs:   make(map[protocol.TabID]*hostTab),
	}
}

// Start connects the browser and begins forwarding events to sink. Agents
// and event watchers stop when ctx ends.
func (h *Host) Start(ctx context.Context, sink NavigationSink) error {
	b, err := h.mgr.Browser()
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.ctx = ctx
	h.sink = sink
	h.mu.Unlock()

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		L_warn("browser: target discovery not enabled, tab close detection degraded", "error", err)
	}
	wait := b.Context(ctx).EachEvent(func(e *proto.TargetTargetDestroyed) {
		h.closed(protocol.TabID(e.TargetID))
	})
	go wait()
	return nil
}

// OpenWindows opens n blank windows and starts watching them. Register
// the returned tabs with the sink, then call Navigate.
func (h *Host) OpenWindows(n int) ([]protocol.TabID, error) {
	b, err := h.mgr.Browser()
	if err != nil {
		return nil, err
	}

	ids := make([]protocol.TabID, 0, n)
	for i := 0; i < n; i++ {
		page, err := h.mgr.NewPage(b)
		if err != nil {
			return ids, err
		}
		id := protocol.TabID(page.TargetID)
		h.mu.Lock()
		h.tabs[id] = &hostTab{id: id, page: page}
		ctx := h.ctx
		h.mu.Unlock()

		h.watch(ctx, id, page)
		ids = append(ids, id)
		L_debug("browser: window opened", "tab", id)
	}
	return ids, nil
}

// Navigate loads url in a window opened by OpenWindows.
func (h *Host) Navigate(id protocol.TabID, url string) error {
	page, ok := h.page(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTab, id)
	}
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// watch forwards main-frame navigation events of one page.
func (h *Host) watch(ctx context.Context, id protocol.TabID, page *rod.Page) {
	wait := page.Context(ctx).EachEvent(
		func(e *proto.PageFrameStartedLoading) {
			if e.FrameID != page.FrameID {
				return
			}
			url := h.stopAgent(id)
			if sink := h.currentSink(); sink != nil {
				sink.NavigationStarted(id, url)
			}
		},
		func(e *proto.PageFrameNavigated) {
			if e.Frame == nil || e.Frame.ParentID != "" {
				return
			}
			h.mu.Lock()
			if t, ok := h.tabs[id]; ok {
				t.url = e.Frame.URL
			}
			h.mu.Unlock()
		},
		func(e *proto.PageLoadEventFired) {
			h.mu.Lock()
			t, ok := h.tabs[id]
			url := ""
			if ok {
				url = t.url
			}
			h.mu.Unlock()
			if !ok || url == "" {
				return
			}
			if sink := h.currentSink(); sink != nil {
				sink.NavigationCompleted(id, url)
			}
		},
	)
	go wait()
}

func (h *Host) currentSink() NavigationSink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sink
}

// stopAgent cancels the tab's agent, if any, and returns the tab's last URL.
func (h *Host) stopAgent(id protocol.TabID) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tabs[id]
	if !ok {
		return ""
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
		t.agent = nil
	}
	return t.url
}

func (h *Host) closed(id protocol.TabID) {
	h.mu.Lock()
	t, ok := h.tabs[id]
	if ok {
		if t.cancel != nil {
			t.cancel()
		}
		delete(h.tabs, id)
	}
	sink := h.sink
	h.mu.Unlock()

	if !ok {
		return
	}
	L_info("browser: window closed", "tab", id)
	if sink != nil {
		sink.TabClosed(id)
	}
}

func (h *Host) page(id protocol.TabID) (*rod.Page, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tabs[id]
	if !ok {
		return nil, false
	}
	return t.page, true
}

// TabURL returns the tab's current URL from the browser.
func (h *Host) TabURL(ctx context.Context, id protocol.TabID) (string, bool, error) {
	page, ok := h.page(id)
	if !ok {
		return "", false, nil
	}
	info, err := page.Context(ctx).Info()
	if err != nil {
		// A vanished target reads as closed, not as a failure.
		if _, still := h.page(id); !still {
			return "", false, nil
		}
		return "", true, err
	}
	return info.URL, true, nil
}

// InjectAgent installs the mutation probe and starts a page agent for site.
// The agent announces its own readiness once its listener is registered.
func (h *Host) InjectAgent(ctx context.Context, id protocol.TabID, url string, site sites.Site) error {
	h.stopAgent(id)

	h.mu.Lock()
	t, ok := h.tabs[id]
	parent := h.ctx
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTab, id)
	}

	agentCtx, cancel := context.WithCancel(parent)
	probe, err := installProbe(agentCtx, ctx, t.page)
	if err != nil {
		// The agent still works off its poll tick.
		L_warn("browser: mutation probe unavailable, polling only", "tab", id, "error", err)
		probe = nil
	}

	a := agent.New(agent.Options{
		Tab:    id,
		Site:   site,
		Doc:    newPageDocument(t.page, probe),
		Hub:    h.hub,
		Events: h.events,
		Timing: h.live.Timing,
		ExtractMode: func() string {
			return h.live.Relay().ExtractMode
		},
	})

	h.mu.Lock()
	if cur, ok := h.tabs[id]; !ok || cur != t {
		h.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s closed during injection", ErrUnknownTab, id)
	}
	t.cancel = cancel
	t.agent = a
	h.mu.Unlock()

	go func() {
		if err := a.Run(agentCtx); err != nil {
			L_warn("browser: agent exited", "tab", id, "error", err)
		}
	}()
	L_info("browser: agent injected", "tab", id, "site", site.ID, "url", url)
	return nil
}

// Agent returns the tab's running agent, if any.
func (h *Host) Agent(id protocol.TabID) (*agent.Agent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tabs[id]
	if !ok || t.agent == nil {
		return nil, false
	}
	return t.agent, true
}

// Reload reloads a tab. Used to recover a tab the heartbeat flagged; the
// navigation events then reinject the agent.
func (h *Host) Reload(id protocol.TabID) error {
	page, ok := h.page(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTab, id)
	}
	L_info("browser: reloading tab", "tab", id)
	return page.Reload()
}

// Close stops every agent and closes the browser if we launched it.
func (h *Host) Close() {
	h.mu.Lock()
	for _, t := range h.tabs {
		if t.cancel != nil {
			t.cancel()
		}
	}
	h.tabs = make(map[protocol.TabID]*hostTab)
	h.mu.Unlock()
	h.mgr.Close()
}
