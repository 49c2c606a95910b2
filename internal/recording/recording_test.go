package recording

import (
	"errors"
	"testing"

	"github.com/roelfdiedericks/duoprompt/internal/narration"
)

type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) Send(msg narration.Message) error {
	f.sent = append(f.sent, msg.Action)
	return f.err
}

func TestPauseResume(t *testing.T) {
	s := &fakeSender{}
	c := New(s)

	c.Pause()
	if !c.Paused() {
		t.Error("Paused() = false after Pause")
	}
	c.Resume()
	if c.Paused() {
		t.Error("Paused() = true after Resume")
	}
	if len(s.sent) != 2 || s.sent[0] != narration.ActionPause || s.sent[1] != narration.ActionResume {
		t.Errorf("sent = %v", s.sent)
	}
}

func TestIntentsWithoutOverlayAreDropped(t *testing.T) {
	tests := []error{narration.ErrNotConnected, errors.New("broken pipe")}
	for _, sendErr := range tests {
		c := New(&fakeSender{err: sendErr})
		c.Pause()
		c.Resume()
		if c.Paused() {
			t.Errorf("%v: intent state not tracked", sendErr)
		}
	}
}
