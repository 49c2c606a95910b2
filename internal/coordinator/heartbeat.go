package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roelfdiedericks/duoprompt/internal/bus"
	"github.com/roelfdiedericks/duoprompt/internal/eventloop"
	. "github.com/roelfdiedericks/duoprompt/internal/logging"
	"github.com/roelfdiedericks/duoprompt/internal/protocol"
)

// Heartbeat flags tracked tabs whose agent has stopped pinging. It only
// detects; what to do about a silent tab is up to OnUnresponsive.
type Heartbeat struct {
	st        *State
	tracker   *Tracker
	loop      *eventloop.Loop
	events    *bus.Events
	threshold func() time.Duration
	now       func() time.Time

	// OnUnresponsive is called on the loop for each flagged tab.
	OnUnresponsive func(tab protocol.TabID, silentFor time.Duration)

	mu       sync.Mutex
	cron     *cron.Cron
	entry    cron.EntryID
	interval time.Duration
}

// NewHeartbeat creates the monitor. threshold is read on every sweep.
func NewHeartbeat(st *State, tracker *Tracker, loop *eventloop.Loop, events *bus.Events, threshold func() time.Duration) *Heartbeat {
	return &Heartbeat{
		st:        st,
		tracker:   tracker,
		loop:      loop,
		events:    events,
		threshold: threshold,
		now:       time.Now,
		cron:      cron.New(),
	}
}

// Start schedules a sweep every interval.
func (h *Heartbeat) Start(interval time.Duration) error {
	if err := h.schedule(interval); err != nil {
		return err
	}
	h.cron.Start()
	return nil
}

// Reschedule changes the sweep interval of a running monitor.
func (h *Heartbeat) Reschedule(interval time.Duration) error {
	h.mu.Lock()
	same := interval == h.interval
	h.mu.Unlock()
	if same {
		return nil
	}
	return h.schedule(interval)
}

func (h *Heartbeat) schedule(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("heartbeat: sweep interval must be positive, got %s", interval)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	id, err := h.cron.AddFunc("@every "+interval.String(), func() {
		h.loop.Post(func() { h.Sweep() })
	})
	if err != nil {
		return fmt.Errorf("heartbeat: failed to schedule sweep: %w", err)
	}
	if h.entry != 0 {
		h.cron.Remove(h.entry)
	}
	h.entry = id
	h.interval = interval
	L_debug("heartbeat: sweep scheduled", "interval", interval)
	return nil
}

// Stop stops scheduling sweeps.
func (h *Heartbeat) Stop() {
	<-h.cron.Stop().Done()
}

// Sweep runs on the loop and returns the tabs it flagged. A flagged tab's
// ping time is cleared so it is reported once per silence.
func (h *Heartbeat) Sweep() []protocol.TabID {
	now := h.now()
	threshold := h.threshold()

	var flagged []protocol.TabID
	for _, tab := range h.tracker.Tabs() {
		rec := h.st.Tabs[tab]
		if rec.LastPingAt.IsZero() {
			continue
		}
		silent := now.Sub(rec.LastPingAt)
		if silent <= threshold {
			continue
		}
		flagged = append(flagged, tab)
		L_warn("heartbeat: tab unresponsive", "tab", tab, "silentFor", silent.Round(time.Second), "threshold", threshold)
		h.tracker.ClearPing(tab)
		h.events.PublishWithSource(bus.TopicTabUnresponsive, tab, "heartbeat")
		if h.OnUnresponsive != nil {
			h.OnUnresponsive(tab, silent)
		}
	}
	return flagged
}
