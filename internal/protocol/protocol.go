// Package protocol defines the commands exchanged between the coordinator
// and the per-tab agents, and the status values they answer with.
package protocol

import "strings"

// TabID identifies a browser tab (the CDP target ID).
type TabID string

// Action names a command.
type Action string

const (
	ActionReady          Action = "readiness-announcement" // tab -> coordinator
	ActionPing           Action = "ping"                   // tab -> coordinator
	ActionSubmitInitial  Action = "submit-initial-prompt"  // coordinator -> primary
	ActionSavePending    Action = "save-pending-prompt"    // coordinator -> secondary
	ActionResponseDone   Action = "response-finished"      // tab -> coordinator
	ActionRelayActive    Action = "relay-active-changed"   // coordinator -> tab
	ActionOtherAIReplied Action = "other-ai-response"      // coordinator -> tab
)

// BypassesReadiness reports whether the action is delivered even when the
// destination has not announced readiness. Pings and announcements are how
// readiness is discovered, so gating them on readiness would deadlock.
func (a Action) BypassesReadiness() bool {
	return a == ActionPing || a == ActionReady
}

// Command is one message. Payload fields are set per action.
type Command struct {
	Action       Action `json:"action"`
	PromptText   string `json:"promptText,omitempty"`
	ResponseText string `json:"responseText,omitempty"`
	Active       bool   `json:"active,omitempty"`
}

// Status is the outcome reported back to the sender of a command.
type Status string

const (
	StatusOK       Status = "ok"
	StatusPong     Status = "pong"
	StatusBusy     Status = "busy"
	StatusInactive Status = "inactive"
	StatusEmpty    Status = "empty"
	StatusQueued   Status = "queued"
	StatusError    Status = "error"
)

// Response is the reply to a command.
type Response struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// OK returns a plain success response.
func OK() Response { return Response{Status: StatusOK} }

// Errorf returns an error response carrying err's message.
func Errorf(err error) Response {
	if err == nil {
		return Response{Status: StatusError}
	}
	return Response{Status: StatusError, Error: err.Error()}
}

// Side names which of the two conversation tabs a tab is.
type Side string

const (
	SidePrimary   Side = "primary"
	SideSecondary Side = "secondary"
)

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SidePrimary {
		return SideSecondary
	}
	return SidePrimary
}

// Direction is a relay direction, named "<from>-><to>".
type Direction string

const (
	PrimaryToSecondary Direction = "primary->secondary"
	SecondaryToPrimary Direction = "secondary->primary"
)

// DirectionFrom returns the relay direction for a response finished on side.
func DirectionFrom(side Side) Direction {
	if side == SidePrimary {
		return PrimaryToSecondary
	}
	return SecondaryToPrimary
}

// IsBlank reports whether s has no non-whitespace content.
func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
