package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/roelfdiedericks/duoprompt/internal/bus"
	"github.com/roelfdiedericks/duoprompt/internal/config"
	"github.com/roelfdiedericks/duoprompt/internal/eventloop"
	. "github.com/roelfdiedericks/duoprompt/internal/logging"
	"github.com/roelfdiedericks/duoprompt/internal/protocol"
	"github.com/roelfdiedericks/duoprompt/internal/sites"
)

// ErrStopped is returned once the coordinator's loop has stopped.
var ErrStopped = errors.New("coordinator stopped")

// Options are the collaborators the coordinator is built from.
type Options struct {
	Hub       *bus.Hub
	Events    *bus.Events
	Registry  *sites.Registry
	Tabs      TabQuerier
	Scripts   ScriptRunner
	Narrator  Narrator  // optional
	Recording Recording // optional
	Live      *config.Live
}

// Coordinator owns the coordinator state and its event loop, and exposes
// goroutine-safe entry points that post onto that loop.
type Coordinator struct {
	loop *eventloop.Loop
	st   *State
	hub  *bus.Hub
	live *config.Live

	tracker   *Tracker
	injector  *Injector
	nav       *Navigation
	router    *Router
	heartbeat *Heartbeat
	relay     *Relay
}

// New wires the components around one State.
func New(opts Options) *Coordinator {
	loop := eventloop.New("coordinator")
	st := NewState()
	live := opts.Live

	tracker := NewTracker(st)
	injector := NewInjector(st, tracker, loop, opts.Registry, opts.Tabs, opts.Scripts, opts.Events)
	nav := NewNavigation(st, tracker, injector, opts.Registry, loop, func() time.Duration {
		return live.Timing().NavigationSettle.D()
	})
	router := NewRouter(st, tracker, loop, opts.Hub)
	heartbeat := NewHeartbeat(st, tracker, loop, opts.Events, func() time.Duration {
		return live.Timing().UnresponsiveAfter.D()
	})
	relay := NewRelay(st, tracker, router, loop, opts.Events, live.Relay, opts.Narrator, opts.Recording)

	return &Coordinator{
		loop:      loop,
		st:        st,
		hub:       opts.Hub,
		live:      live,
		tracker:   tracker,
		injector:  injector,
		nav:       nav,
		router:    router,
		heartbeat: heartbeat,
		relay:     relay,
	}
}

// OnUnresponsive sets the recovery hook for tabs the heartbeat flags.
// Call before Start. fn runs on the loop and must not block.
func (c *Coordinator) OnUnresponsive(fn func(tab protocol.TabID, silentFor time.Duration)) {
	c.heartbeat.OnUnresponsive = fn
}

// Start runs the loop, takes over the hub's coordinator side and starts
// the heartbeat sweep. Everything stops when ctx ends.
func (c *Coordinator) Start(ctx context.Context) error {
	c.loop.Start(ctx)
	c.hub.HandleCoordinator(c.handle)
	if err := c.heartbeat.Start(c.live.Timing().SweepInterval.D()); err != nil {
		c.loop.Stop()
		return err
	}
	go func() {
		<-c.loop.Done()
		c.heartbeat.Stop()
	}()
	L_info("coordinator: started")
	return nil
}

// Done is closed once the loop has stopped.
func (c *Coordinator) Done() <-chan struct{} { return c.loop.Done() }

// ConfigChanged applies a reloaded config. Timing is read live by every
// component; only the sweep schedule needs a nudge.
func (c *Coordinator) ConfigChanged(cfg *config.Config) {
	if err := c.heartbeat.Reschedule(cfg.Timing.SweepInterval.D()); err != nil {
		L_warn("coordinator: failed to reschedule heartbeat", "error", err)
	}
}

// handle is the hub's coordinator handler.
func (c *Coordinator) handle(from protocol.TabID, cmd protocol.Command, reply func(protocol.Response)) {
	if !c.loop.Post(func() { c.dispatch(from, cmd, reply) }) {
		reply(protocol.Errorf(ErrStopped))
	}
}

func (c *Coordinator) dispatch(from protocol.TabID, cmd protocol.Command, reply func(protocol.Response)) {
	switch cmd.Action {
	case protocol.ActionReady:
		c.router.AnnounceReady(from)
		reply(protocol.OK())
	case protocol.ActionPing:
		c.tracker.RecordPing(from)
		reply(protocol.Response{Status: protocol.StatusPong})
	case protocol.ActionResponseDone:
		c.relay.ResponseFinished(from, cmd.ResponseText, reply)
	default:
		L_warn("coordinator: unexpected action from tab", "tab", from, "action", cmd.Action)
		reply(protocol.Errorf(fmt.Errorf("unexpected action %q", cmd.Action)))
	}
}

// --- Browser events ---

// NavigationStarted reports a main-frame navigation start.
func (c *Coordinator) NavigationStarted(tab protocol.TabID, url string) {
	c.loop.Post(func() { c.nav.Started(tab, url) })
}

// NavigationCompleted reports a main-frame load.
func (c *Coordinator) NavigationCompleted(tab protocol.TabID, url string) {
	c.loop.Post(func() { c.nav.Completed(tab, url) })
}

// TabClosed reports a closed tab.
func (c *Coordinator) TabClosed(tab protocol.TabID) {
	c.loop.Post(func() { c.nav.Closed(tab) })
}

// --- Relay control ---

// SetTabs records the two conversation tabs. A tab that already finished
// loading gets its injection now.
func (c *Coordinator) SetTabs(primary, secondary protocol.TabID) error {
	if !c.loop.Do(func() {
		c.relay.SetTabs(primary, secondary)
		c.nav.Claim(primary)
		c.nav.Claim(secondary)
	}) {
		return ErrStopped
	}
	return nil
}

// StartRelay starts a dual-prompt session.
func (c *Coordinator) StartRelay(primaryPrompt, secondaryPrompt string) protocol.Response {
	var resp protocol.Response
	if !c.loop.Do(func() { resp = c.relay.Start(primaryPrompt, secondaryPrompt) }) {
		return protocol.Errorf(ErrStopped)
	}
	return resp
}

// SetActive turns relay forwarding on or off.
func (c *Coordinator) SetActive(active bool) error {
	if !c.loop.Do(func() { c.relay.SetActive(active) }) {
		return ErrStopped
	}
	return nil
}

// --- Status ---

// TabStatus is one tracked tab in a Status snapshot.
type TabStatus struct {
	ID                 protocol.TabID `json:"id"`
	Side               protocol.Side  `json:"side,omitempty"`
	Ready              bool           `json:"ready"`
	LastPingAt         *time.Time     `json:"lastPingAt,omitempty"`
	LastPageCompleteAt *time.Time     `json:"lastPageCompleteAt,omitempty"`
	Queued             int            `json:"queued"`
	Markers            int            `json:"markers"`
}

// Status is a point-in-time view of the coordinator state.
type Status struct {
	Active        bool                 `json:"active"`
	SessionID     string               `json:"sessionId,omitempty"`
	PrimaryTab    protocol.TabID       `json:"primaryTab,omitempty"`
	SecondaryTab  protocol.TabID       `json:"secondaryTab,omitempty"`
	PendingPrompt bool                 `json:"pendingPrompt"`
	InFlight      []protocol.Direction `json:"inFlight,omitempty"`
	Tabs          []TabStatus          `json:"tabs"`
}

// Snapshot returns the current status.
func (c *Coordinator) Snapshot() (Status, error) {
	var s Status
	if !c.loop.Do(func() { s = c.snapshot() }) {
		return Status{}, ErrStopped
	}
	return s, nil
}

func (c *Coordinator) snapshot() Status {
	r := c.st.Relay
	s := Status{
		Active:        r.Active,
		SessionID:     r.SessionID,
		PrimaryTab:    r.PrimaryTab,
		SecondaryTab:  r.SecondaryTab,
		PendingPrompt: r.PendingInitialPrompt != nil,
		Tabs:          []TabStatus{},
	}
	for dir, busy := range r.inFlight {
		if busy {
			s.InFlight = append(s.InFlight, dir)
		}
	}
	sort.Slice(s.InFlight, func(i, j int) bool { return s.InFlight[i] < s.InFlight[j] })

	for _, id := range c.tracker.Tabs() {
		rec := c.st.Tabs[id]
		ts := TabStatus{
			ID:      id,
			Ready:   rec.Ready,
			Queued:  c.st.QueueLen(id),
			Markers: c.tracker.MarkerCount(id),
		}
		if side, ok := c.st.SideOf(id); ok {
			ts.Side = side
		}
		if !rec.LastPingAt.IsZero() {
			t := rec.LastPingAt
			ts.LastPingAt = &t
		}
		if !rec.LastPageCompleteAt.IsZero() {
			t := rec.LastPageCompleteAt
			ts.LastPageCompleteAt = &t
		}
		s.Tabs = append(s.Tabs, ts)
	}
	return s
}
