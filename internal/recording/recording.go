// Package recording forwards pause/resume intents to the overlay page,
// which hosts the screen recorder. Intents are fire-and-forget: nothing
// waits for the recorder to act on them.
package recording

import (
	"errors"
	"sync"

	. "github.com/roelfdiedericks/duoprompt/internal/logging"
	"github.com/roelfdiedericks/duoprompt/internal/narration"
)

// Sender delivers a message to the overlay.
type Sender interface {
	Send(msg narration.Message) error
}

// Controller tracks the last intent sent.
type Controller struct {
	overlay Sender

	mu     sync.Mutex
	paused bool
}

// New creates a controller that sends through overlay.
func New(overlay Sender) *Controller {
	return &Controller{overlay: overlay}
}

// Pause asks the recorder to pause.
func (c *Controller) Pause() { c.intent(true) }

// Resume asks the recorder to resume.
func (c *Controller) Resume() { c.intent(false) }

// Paused reports the last intent sent; the recorder may not have honored it.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Controller) intent(pause bool) {
	c.mu.Lock()
	c.paused = pause
	c.mu.Unlock()

	action := narration.ActionResume
	if pause {
		action = narration.ActionPause
	}
	err := c.overlay.Send(narration.Message{Action: action})
	switch {
	case err == nil:
		L_debug("recording: intent sent", "action", action)
	case errors.Is(err, narration.ErrNotConnected):
		L_trace("recording: no overlay, intent dropped", "action", action)
	default:
		L_warn("recording: intent not delivered", "action", action, "error", err)
	}
}
