// Package coordinator is the background side of duoprompt: it tracks the
// managed tabs, injects the page agents once per navigation, queues
// commands for agents that are not ready yet, watches agent heartbeats,
// and relays each finished response to the other conversation.
//
// All coordinator state lives in one State value. Every component holds
// a pointer to it and only touches it from closures running on the
// coordinator's event loop, so nothing here takes a lock.
package coordinator

import (
	"time"

	"github.com/roelfdiedericks/duoprompt/internal/protocol"
)

// TabRecord is the per-tab bookkeeping. A zero time means "never".
type TabRecord struct {
	Ready              bool
	LastPingAt         time.Time
	LastPageCompleteAt time.Time
}

// markerKey is one injection marker: an injection attempt has been made
// for this exact tab and URL since the last navigation start.
type markerKey struct {
	tab protocol.TabID
	url string
}

// Callback receives the reply to a routed command. err is non-nil when the
// command could not be delivered; the Response then carries StatusError.
type Callback func(protocol.Response, error)

type queuedCommand struct {
	cmd protocol.Command
	cb  Callback
}

// RelayState is the dual-prompt relay state.
type RelayState struct {
	Active bool
	// PendingInitialPrompt is the user's prompt for the secondary AI,
	// consumed once when combined with the primary's first response.
	PendingInitialPrompt *string
	PrimaryTab           protocol.TabID
	SecondaryTab         protocol.TabID
	SessionID            string

	inFlight map[protocol.Direction]bool
}

// State is the single owned coordinator state.
type State struct {
	Tabs    map[protocol.TabID]*TabRecord
	Markers map[markerKey]struct{}
	Pending map[protocol.TabID][]queuedCommand
	Relay   RelayState

	// Unclaimed holds the last loaded URL of tabs that reported a page
	// complete before they were set as conversation tabs.
	Unclaimed map[protocol.TabID]string
}

// NewState returns empty state with relay inactive.
func NewState() *State {
	return &State{
		Tabs:      make(map[protocol.TabID]*TabRecord),
		Markers:   make(map[markerKey]struct{}),
		Pending:   make(map[protocol.TabID][]queuedCommand),
		Unclaimed: make(map[protocol.TabID]string),
		Relay: RelayState{
			inFlight: make(map[protocol.Direction]bool),
		},
	}
}

// SideOf reports which conversation tab is.
func (s *State) SideOf(tab protocol.TabID) (protocol.Side, bool) {
	switch {
	case tab == "":
		return "", false
	case tab == s.Relay.PrimaryTab:
		return protocol.SidePrimary, true
	case tab == s.Relay.SecondaryTab:
		return protocol.SideSecondary, true
	}
	return "", false
}

// TabFor returns the tab for a side ("" if unset).
func (s *State) TabFor(side protocol.Side) protocol.TabID {
	if side == protocol.SidePrimary {
		return s.Relay.PrimaryTab
	}
	return s.Relay.SecondaryTab
}

// IsManaged reports whether tab is one of the two conversation tabs.
func (s *State) IsManaged(tab protocol.TabID) bool {
	_, ok := s.SideOf(tab)
	return ok
}

// QueueLen returns the number of commands waiting for tab's readiness.
func (s *State) QueueLen(tab protocol.TabID) int {
	return len(s.Pending[tab])
}
