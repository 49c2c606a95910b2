package coordinator

import (
	"errors"
	"fmt"
	"testing"

	"github.com/roelfdiedericks/duoprompt/internal/bus"
	"github.com/roelfdiedericks/duoprompt/internal/protocol"
)

func TestRouterQueuesUntilReadyThenFlushesInOrder(t *testing.T) {
	h := newHarness(t)
	agent := &fakeTab{}
	h.hub.Listen(tabS, agent.handle)

	var replies []string
	for i := 0; i < 5; i++ {
		i := i
		var status SendStatus
		h.on(func() {
			status = h.router.Send(tabS, protocol.Command{Action: protocol.ActionSavePending, PromptText: fmt.Sprint(i)},
				func(resp protocol.Response, err error) {
					replies = append(replies, fmt.Sprintf("%d:%s", i, resp.Status))
				})
		})
		if status != Queued {
			t.Fatalf("send %d status = %s, want queued", i, status)
		}
	}
	h.on(func() {
		if got := h.st.QueueLen(tabS); got != 5 {
			t.Errorf("queue length = %d", got)
		}
	})
	if n := len(agent.all()); n != 0 {
		t.Fatalf("agent got %d commands before readiness", n)
	}

	h.on(func() { h.router.AnnounceReady(tabS) })
	h.eventually("flush", func() bool { return len(replies) == 5 })

	got := agent.all()
	for i, cmd := range got {
		if cmd.PromptText != fmt.Sprint(i) {
			t.Errorf("delivery %d = %q, want %d", i, cmd.PromptText, i)
		}
	}
	for i, r := range replies {
		if r != fmt.Sprintf("%d:ok", i) {
			t.Errorf("reply %d = %s", i, r)
		}
	}
	h.on(func() {
		if _, ok := h.st.Pending[tabS]; ok {
			t.Error("queue not deleted on readiness")
		}
		rec, _ := h.tracker.Record(tabS)
		if !rec.Ready || rec.LastPingAt.IsZero() {
			t.Errorf("announcement did not mark ready and ping: %+v", rec)
		}
	})
}

func TestRouterPingAndAnnouncementBypassReadiness(t *testing.T) {
	h := newHarness(t)
	agent := &fakeTab{}
	h.hub.Listen(tabP, agent.handle)

	for _, action := range []protocol.Action{protocol.ActionPing, protocol.ActionReady} {
		var status SendStatus
		h.on(func() { status = h.router.Send(tabP, protocol.Command{Action: action}, nil) })
		if status != Dispatched {
			t.Errorf("%s status = %s, want dispatched", action, status)
		}
	}
	h.eventually("delivery", func() bool { return len(agent.all()) == 2 })
}

func TestRouterDeliveryFailureDemotesTab(t *testing.T) {
	h := newHarness(t)

	h.on(func() {
		h.tracker.MarkReady(tabP)
		h.tracker.RecordPing(tabP)
		h.tracker.SetMarker(tabP, chatURL)
	})

	var gotErr error
	var gotStatus protocol.Status
	done := false
	h.on(func() {
		h.router.Send(tabP, protocol.Command{Action: protocol.ActionRelayActive, Active: true}, func(resp protocol.Response, err error) {
			gotErr, gotStatus, done = err, resp.Status, true
		})
	})
	h.eventually("callback", func() bool { return done })

	if !errors.Is(gotErr, bus.ErrNoListener) {
		t.Errorf("err = %v, want ErrNoListener", gotErr)
	}
	if gotStatus != protocol.StatusError {
		t.Errorf("status = %s", gotStatus)
	}
	h.on(func() {
		rec, _ := h.tracker.Record(tabP)
		if rec.Ready || !rec.LastPingAt.IsZero() {
			t.Errorf("tab not demoted: %+v", rec)
		}
		if h.tracker.HasMarker(tabP, chatURL) {
			t.Error("marker survived delivery failure")
		}
	})

	// the demoted tab now queues
	var status SendStatus
	h.on(func() { status = h.router.Send(tabP, protocol.Command{Action: protocol.ActionRelayActive}, nil) })
	if status != Queued {
		t.Errorf("status after demotion = %s, want queued", status)
	}
}
