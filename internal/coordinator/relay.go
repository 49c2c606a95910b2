package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/duoprompt/internal/bus"
	"github.com/roelfdiedericks/duoprompt/internal/config"
	"github.com/roelfdiedericks/duoprompt/internal/eventloop"
	. "github.com/roelfdiedericks/duoprompt/internal/logging"
	"github.com/roelfdiedericks/duoprompt/internal/protocol"
)

// ResponseDelimiter separates the secondary's saved prompt from the quoted
// primary response.
const ResponseDelimiter = "\n\n--- Response from other AI ---\n"

var (
	ErrEmptyPrompt = errors.New("primary prompt is empty")
	ErrNoTabs      = errors.New("conversation tabs are not open")
)

// Narrator speaks a response before it is relayed. Narrate returns when
// playback has finished (or at once when nothing can play it). onReady is
// called when playback is about to start.
type Narrator interface {
	Narrate(ctx context.Context, text, speakerID string, onReady func()) error
}

// Recording receives pause/resume intents around narration. It may ignore
// them; nothing here depends on them being honored.
type Recording interface {
	Pause()
	Resume()
}

// ComposeSecondaryPrompt builds the text for the secondary AI from its
// saved prompt and the primary's response. A blank response yields the
// saved prompt alone; no saved prompt yields the response alone.
func ComposeSecondaryPrompt(saved, response string) string {
	response = strings.TrimSpace(response)
	switch {
	case protocol.IsBlank(saved):
		return response
	case response == "":
		return saved
	default:
		return saved + ResponseDelimiter + response
	}
}

// Relay is the dual-prompt state machine. One relay may be in flight per
// direction; a response that finds its direction busy is dropped.
type Relay struct {
	st        *State
	tracker   *Tracker
	router    *Router
	loop      *eventloop.Loop
	events    *bus.Events
	settings  func() config.RelayConfig
	narrator  Narrator
	recording Recording
}

// NewRelay creates the relay. narrator and recording may be nil.
func NewRelay(st *State, tracker *Tracker, router *Router, loop *eventloop.Loop, events *bus.Events, settings func() config.RelayConfig, narrator Narrator, recording Recording) *Relay {
	return &Relay{
		st:        st,
		tracker:   tracker,
		router:    router,
		loop:      loop,
		events:    events,
		settings:  settings,
		narrator:  narrator,
		recording: recording,
	}
}

// SetTabs records the two conversation tabs (after the windows are
// (re)created) and starts tracking them.
func (r *Relay) SetTabs(primary, secondary protocol.TabID) {
	r.st.Relay.PrimaryTab = primary
	r.st.Relay.SecondaryTab = secondary
	r.tracker.Track(primary)
	r.tracker.Track(secondary)
	L_info("relay: conversation tabs set", "primary", primary, "secondary", secondary)
}

// SetActive turns forwarding on or off and tells both agents. Turning it
// off leaves anything already dispatched alone.
func (r *Relay) SetActive(active bool) {
	r.st.Relay.Active = active
	for _, tab := range []protocol.TabID{r.st.Relay.PrimaryTab, r.st.Relay.SecondaryTab} {
		if tab == "" {
			continue
		}
		r.router.Send(tab, protocol.Command{Action: protocol.ActionRelayActive, Active: active}, nil)
	}
	L_info("relay: active changed", "active", active)
	r.events.PublishWithSource(bus.TopicRelayActive, active, "relay")
}

// Start begins a dual-prompt session: the secondary's prompt is saved
// until the primary's first response, the primary's is submitted now.
func (r *Relay) Start(primaryPrompt, secondaryPrompt string) protocol.Response {
	if protocol.IsBlank(primaryPrompt) {
		return protocol.Errorf(ErrEmptyPrompt)
	}
	primary, secondary := r.st.Relay.PrimaryTab, r.st.Relay.SecondaryTab
	if primary == "" || secondary == "" {
		return protocol.Errorf(ErrNoTabs)
	}

	r.st.Relay.SessionID = uuid.NewString()
	r.SetActive(true)

	if protocol.IsBlank(secondaryPrompt) {
		r.st.Relay.PendingInitialPrompt = nil
	} else {
		saved := secondaryPrompt
		r.st.Relay.PendingInitialPrompt = &saved
		r.router.Send(secondary, protocol.Command{Action: protocol.ActionSavePending, PromptText: saved}, nil)
	}

	status := r.router.Send(primary, protocol.Command{Action: protocol.ActionSubmitInitial, PromptText: primaryPrompt},
		func(resp protocol.Response, err error) {
			if err != nil || resp.Status != protocol.StatusOK {
				L_warn("relay: initial prompt not submitted", "tab", primary, "status", resp.Status, "error", resp.Error)
				return
			}
			L_debug("relay: initial prompt submitted", "tab", primary)
		})

	L_info("relay: session started", "session", r.st.Relay.SessionID, "savedForSecondary", r.st.Relay.PendingInitialPrompt != nil)
	if status == Queued {
		return protocol.Response{Status: protocol.StatusQueued}
	}
	return protocol.OK()
}

// ResponseFinished runs on the loop when an agent reports a finished
// response. reply is called exactly once with the outcome.
func (r *Relay) ResponseFinished(from protocol.TabID, text string, reply func(protocol.Response)) {
	if !r.st.Relay.Active {
		L_debug("relay: inactive, not forwarding", "from", from)
		reply(protocol.Response{Status: protocol.StatusInactive})
		return
	}
	side, ok := r.st.SideOf(from)
	if !ok {
		reply(protocol.Errorf(fmt.Errorf("tab %s is not a conversation tab", from)))
		return
	}
	dir := protocol.DirectionFrom(side)
	to := r.st.TabFor(side.Other())

	turn := bus.TurnEvent{
		SessionID: r.st.Relay.SessionID,
		TurnID:    uuid.NewString(),
		Direction: dir,
		From:      from,
		To:        to,
		At:        time.Now(),
	}

	if r.st.Relay.inFlight[dir] {
		L_warn("relay: previous relay still in flight, dropping response", "direction", dir)
		r.finish(turn, protocol.Response{Status: protocol.StatusBusy}, reply)
		return
	}

	var saved *string
	if side == protocol.SidePrimary {
		saved = r.st.Relay.PendingInitialPrompt
		s := ""
		if saved != nil {
			s = *saved
		}
		turn.Text = ComposeSecondaryPrompt(s, text)
	} else {
		turn.Text = strings.TrimSpace(text)
	}
	if turn.Text == "" {
		L_debug("relay: nothing to forward", "direction", dir)
		r.finish(turn, protocol.Response{Status: protocol.StatusEmpty}, reply)
		return
	}

	r.st.Relay.inFlight[dir] = true
	r.narrateThen(side, text, func() {
		r.deliver(turn, saved, reply)
	})
}

func (r *Relay) deliver(turn bus.TurnEvent, saved *string, reply func(protocol.Response)) {
	cmd := protocol.Command{Action: protocol.ActionOtherAIReplied, ResponseText: turn.Text}
	queued := false
	status := r.router.Send(turn.To, cmd, func(resp protocol.Response, err error) {
		if queued {
			// already answered and released when it was queued
			L_debug("relay: queued relay delivered", "direction", turn.Direction, "status", resp.Status, "error", err)
			return
		}
		r.st.Relay.inFlight[turn.Direction] = false
		switch {
		case err != nil:
			L_warn("relay: delivery failed", "direction", turn.Direction, "to", turn.To, "error", err)
		case resp.Status == protocol.StatusBusy:
			L_warn("relay: destination mid-turn, response dropped", "direction", turn.Direction, "to", turn.To)
		case resp.Status == protocol.StatusOK:
			r.consumeSaved(saved)
			L_info("relay: forwarded", "direction", turn.Direction, "to", turn.To, "chars", len(turn.Text))
		default:
			L_warn("relay: destination refused", "direction", turn.Direction, "status", resp.Status, "error", resp.Error)
		}
		r.finish(turn, resp, reply)
	})

	if status == Queued {
		// the destination gets it on readiness; don't hold the direction
		queued = true
		r.st.Relay.inFlight[turn.Direction] = false
		r.consumeSaved(saved)
		L_info("relay: destination not ready, queued", "direction", turn.Direction, "to", turn.To)
		r.finish(turn, protocol.Response{Status: protocol.StatusQueued}, reply)
	}
}

// consumeSaved clears the pending prompt if it is still the one that was
// composed into the forwarded text.
func (r *Relay) consumeSaved(saved *string) {
	if saved != nil && r.st.Relay.PendingInitialPrompt == saved {
		r.st.Relay.PendingInitialPrompt = nil
		L_debug("relay: saved prompt consumed")
	}
}

// finish replies and publishes the turn.
func (r *Relay) finish(turn bus.TurnEvent, resp protocol.Response, reply func(protocol.Response)) {
	turn.Status = resp.Status
	reply(resp)
	r.events.PublishWithSource(bus.TopicRelayTurn, turn, "relay")
}

func (r *Relay) narrateThen(side protocol.Side, text string, next func()) {
	settings := r.settings()
	if !settings.Narrate || r.narrator == nil || protocol.IsBlank(text) {
		next()
		return
	}
	speaker := settings.PrimarySpeaker
	if side == protocol.SideSecondary {
		speaker = settings.SecondarySpeaker
	}

	var resumeOnce sync.Once
	resume := func() {
		resumeOnce.Do(func() {
			if r.recording != nil {
				r.recording.Resume()
			}
		})
	}
	if r.recording != nil {
		r.recording.Pause()
	}

	r.loop.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), settings.NarrationTimeout.D())
		defer cancel()
		if err := r.narrator.Narrate(ctx, text, speaker, resume); err != nil {
			L_warn("relay: narration did not finish, relaying anyway", "speaker", speaker, "error", err)
		}
		resume()
	}, next)
}

// InFlight reports whether a relay is in flight in dir.
func (r *Relay) InFlight(dir protocol.Direction) bool {
	return r.st.Relay.inFlight[dir]
}
