package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/roelfdiedericks/duoprompt/internal/bus"
	"github.com/roelfdiedericks/duoprompt/internal/eventloop"
	. "github.com/roelfdiedericks/duoprompt/internal/logging"
	"github.com/roelfdiedericks/duoprompt/internal/metrics"
	"github.com/roelfdiedericks/duoprompt/internal/protocol"
)

// SendStatus says what Send did with a command.
type SendStatus int

const (
	Dispatched SendStatus = iota // delivery started; the callback gets the reply
	Queued                       // held until the tab announces readiness
)

func (s SendStatus) String() string {
	if s == Queued {
		return "queued"
	}
	return "dispatched"
}

// Deliverer is the transport to tab agents (the hub).
type Deliverer interface {
	SendToTab(ctx context.Context, tab protocol.TabID, cmd protocol.Command) (protocol.Response, error)
}

type delivery struct {
	cmd protocol.Command
	cb  Callback
}

// lane serializes deliveries to one tab so they arrive in send order.
type lane struct {
	busy bool
	q    []delivery
}

// Router delivers commands to tab agents, holding them back until the
// agent has announced readiness.
type Router struct {
	st      *State
	tracker *Tracker
	loop    *eventloop.Loop
	hub     Deliverer
	lanes   map[protocol.TabID]*lane
}

// NewRouter creates a router.
func NewRouter(st *State, tracker *Tracker, loop *eventloop.Loop, hub Deliverer) *Router {
	return &Router{
		st:      st,
		tracker: tracker,
		loop:    loop,
		hub:     hub,
		lanes:   make(map[protocol.TabID]*lane),
	}
}

// Send runs on the loop. Commands to a ready tab, pings and readiness
// announcements are delivered now; anything else is queued. cb may be nil
// and is always called on the loop.
func (r *Router) Send(tab protocol.TabID, cmd protocol.Command, cb Callback) SendStatus {
	if r.tracker.IsReady(tab) || cmd.Action.BypassesReadiness() {
		r.dispatch(tab, cmd, cb)
		return Dispatched
	}
	r.st.Pending[tab] = append(r.st.Pending[tab], queuedCommand{cmd: cmd, cb: cb})
	L_debug("router: tab not ready, queued", "tab", tab, "action", cmd.Action, "queued", len(r.st.Pending[tab]))
	return Queued
}

// AnnounceReady runs on the loop when tab's agent says it is ready: mark
// ready, count it as a ping, then redeliver the queue through Send in
// arrival order.
func (r *Router) AnnounceReady(tab protocol.TabID) {
	r.tracker.MarkReady(tab)
	r.tracker.RecordPing(tab)

	queued := r.st.Pending[tab]
	delete(r.st.Pending, tab)

	if len(queued) > 0 {
		L_info("router: tab ready, flushing queue", "tab", tab, "count", len(queued))
	} else {
		L_debug("router: tab ready", "tab", tab)
	}
	for _, q := range queued {
		r.Send(tab, q.cmd, q.cb)
	}
}

func (r *Router) dispatch(tab protocol.TabID, cmd protocol.Command, cb Callback) {
	l, ok := r.lanes[tab]
	if !ok {
		l = &lane{}
		r.lanes[tab] = l
	}
	l.q = append(l.q, delivery{cmd: cmd, cb: cb})
	if !l.busy {
		r.pump(tab, l)
	}
}

func (r *Router) pump(tab protocol.TabID, l *lane) {
	if len(l.q) == 0 {
		l.busy = false
		delete(r.lanes, tab)
		return
	}
	d := l.q[0]
	l.q = l.q[1:]
	l.busy = true

	var (
		resp protocol.Response
		err  error
	)
	r.loop.Go(func() {
		start := time.Now()
		resp, err = r.hub.SendToTab(context.Background(), tab, d.cmd)
		metrics.MetricSince("router", string(d.cmd.Action), start)
	}, func() {
		if err != nil {
			r.failed(tab, d.cmd, err)
			resp = protocol.Errorf(err)
		}
		if d.cb != nil {
			d.cb(resp, err)
		}
		r.pump(tab, l)
	})
}

// failed treats an undeliverable tab as one whose agent has gone away.
// A slow reply is not proof of that, so timeouts only get logged.
func (r *Router) failed(tab protocol.TabID, cmd protocol.Command, err error) {
	if errors.Is(err, bus.ErrTimeout) {
		L_warn("router: no reply in time", "tab", tab, "action", cmd.Action, "error", err)
		return
	}
	L_warn("router: delivery failed, demoting tab", "tab", tab, "action", cmd.Action, "error", err)
	r.tracker.MarkNotReady(tab)
	r.tracker.ClearPing(tab)
	r.tracker.ClearMarkers(tab)
}
