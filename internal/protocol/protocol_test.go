package protocol

import (
	"errors"
	"testing"
)

func TestBypassesReadiness(t *testing.T) {
	tests := []struct {
		action Action
		want   bool
	}{
		{ActionPing, true},
		{ActionReady, true},
		{ActionSubmitInitial, false},
		{ActionSavePending, false},
		{ActionResponseDone, false},
		{ActionRelayActive, false},
		{ActionOtherAIReplied, false},
	}
	for _, tt := range tests {
		if got := tt.action.BypassesReadiness(); got != tt.want {
			t.Errorf("%s.BypassesReadiness() = %v, want %v", tt.action, got, tt.want)
		}
	}
}

func TestSideAndDirection(t *testing.T) {
	if SidePrimary.Other() != SideSecondary || SideSecondary.Other() != SidePrimary {
		t.Error("Other() should swap sides")
	}
	if DirectionFrom(SidePrimary) != PrimaryToSecondary {
		t.Error("primary responses flow primary->secondary")
	}
	if DirectionFrom(SideSecondary) != SecondaryToPrimary {
		t.Error("secondary responses flow secondary->primary")
	}
}

func TestErrorf(t *testing.T) {
	r := Errorf(errors.New("boom"))
	if r.Status != StatusError || r.Error != "boom" {
		t.Errorf("unexpected response: %+v", r)
	}
	if Errorf(nil).Status != StatusError {
		t.Error("nil error should still yield error status")
	}
}

func TestIsBlank(t *testing.T) {
	for _, s := range []string{"", " ", "\n\t  "} {
		if !IsBlank(s) {
			t.Errorf("IsBlank(%q) = false", s)
		}
	}
	if IsBlank(" x ") {
		t.Error("IsBlank(\" x \") = true")
	}
}
