package agent

import (
	"context"

	"github.com/roelfdiedericks/duoprompt/internal/sites"
)

// Phase is derived from which compose/send/stop control is visible.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSendReady  Phase = "send-ready"
	PhaseResponding Phase = "responding"
)

// endsResponse reports whether moving from prev to next means a response
// has just finished.
func endsResponse(prev, next Phase) bool {
	return prev == PhaseResponding && (next == PhaseIdle || next == PhaseSendReady)
}

// PhaseDetector reads the current phase from a document. matched is false
// when no control matched, in which case the caller keeps its phase.
type PhaseDetector interface {
	DetectPhase(ctx context.Context, doc Document) (phase Phase, matched bool, err error)
}

// DetectorFunc adapts a function to PhaseDetector.
type DetectorFunc func(ctx context.Context, doc Document) (Phase, bool, error)

func (f DetectorFunc) DetectPhase(ctx context.Context, doc Document) (Phase, bool, error) {
	return f(ctx, doc)
}

// SelectorDetector checks a site's stop, enabled-send and idle-send
// selectors, in that order, and returns the phase of the first visible one.
type SelectorDetector struct {
	Selectors sites.Selectors
}

func (d SelectorDetector) DetectPhase(ctx context.Context, doc Document) (Phase, bool, error) {
	checks := []struct {
		selector string
		phase    Phase
	}{
		{d.Selectors.Stop, PhaseResponding},
		{d.Selectors.SendEnabled, PhaseSendReady},
		{d.Selectors.SendIdle, PhaseIdle},
	}
	for _, c := range checks {
		if c.selector == "" {
			continue
		}
		visible, err := doc.Visible(ctx, c.selector)
		if err != nil {
			return "", false, err
		}
		if visible {
			return c.phase, true, nil
		}
	}
	return "", false, nil
}
