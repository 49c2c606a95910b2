// Package narration drives the overlay page that speaks each relayed
// response and hosts the screen recorder. The page connects over a
// WebSocket; with no page connected every narration finishes at once.
package narration

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	. "github.com/roelfdiedericks/duoprompt/internal/logging"
)

//go:embed overlay.html
var overlayPage []byte

// ErrNotConnected is returned by Send when no overlay page is connected.
var ErrNotConnected = errors.New("overlay not connected")

const writeTimeout = 5 * time.Second

// Message is core -> overlay.
type Message struct {
	Action    string `json:"action"`
	ID        string `json:"id,omitempty"`
	Text      string `json:"text,omitempty"`
	SpeakerID string `json:"speakerId,omitempty"`
}

// Event is overlay -> core.
type Event struct {
	Event string `json:"event"`
	ID    string `json:"id"`
}

const (
	ActionNarrate = "narrate"
	ActionPause   = "pause-recording"
	ActionResume  = "resume-recording"

	EventReady    = "ready"
	EventFinished = "finished"
)

// pending is one narration waiting for the overlay.
type pending struct {
	onReady func()
	ready   sync.Once
	done    chan struct{}
	closed  sync.Once
}

func (p *pending) finish() { p.closed.Do(func() { close(p.done) }) }

// Overlay is the server side of the overlay connection. One page is
// connected at a time; a new connection replaces the old one.
type Overlay struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]*pending

	writeMu sync.Mutex
}

// NewOverlay creates an overlay with no page connected.
func NewOverlay() *Overlay {
	return &Overlay{
		upgrader: websocket.Upgrader{
			// The page is served from the same loopback listener.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pending: make(map[string]*pending),
	}
}

// Connected reports whether an overlay page is connected.
func (o *Overlay) Connected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conn != nil
}

// ServePage serves the embedded overlay page.
func (o *Overlay) ServePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(overlayPage)
}

// ServeWS upgrades the request and reads overlay events until the page
// disconnects.
func (o *Overlay) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_warn("narration: overlay upgrade failed", "error", err)
		return
	}

	o.mu.Lock()
	old := o.conn
	o.conn = conn
	o.mu.Unlock()
	if old != nil {
		L_info("narration: overlay replaced by a new connection")
		_ = old.Close()
	}
	L_info("narration: overlay connected", "remote", r.RemoteAddr)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			L_debug("narration: bad overlay event", "error", err)
			continue
		}
		o.handleEvent(ev)
	}

	o.mu.Lock()
	current := o.conn == conn
	var orphans []*pending
	if current {
		o.conn = nil
		for id, p := range o.pending {
			orphans = append(orphans, p)
			delete(o.pending, id)
		}
	}
	o.mu.Unlock()
	_ = conn.Close()

	// Narrations in flight on a dead page count as finished.
	for _, p := range orphans {
		p.finish()
	}
	if current {
		L_info("narration: overlay disconnected", "abandoned", len(orphans))
	}
}

func (o *Overlay) handleEvent(ev Event) {
	o.mu.Lock()
	p, ok := o.pending[ev.ID]
	if ok && ev.Event == EventFinished {
		delete(o.pending, ev.ID)
	}
	o.mu.Unlock()
	if !ok {
		L_trace("narration: event for unknown narration", "event", ev.Event, "id", ev.ID)
		return
	}

	switch ev.Event {
	case EventReady:
		p.ready.Do(func() {
			if p.onReady != nil {
				p.onReady()
			}
		})
	case EventFinished:
		p.finish()
	default:
		L_debug("narration: unknown overlay event", "event", ev.Event)
	}
}

// Send writes one message to the connected page.
func (o *Overlay) Send(msg Message) error {
	o.mu.Lock()
	conn := o.conn
	o.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

// Narrate asks the overlay to speak text and waits for it to finish.
// onReady runs when playback starts. With no overlay connected it returns
// nil at once without calling onReady.
func (o *Overlay) Narrate(ctx context.Context, text, speakerID string, onReady func()) error {
	id := uuid.NewString()
	p := &pending{onReady: onReady, done: make(chan struct{})}

	o.mu.Lock()
	if o.conn == nil {
		o.mu.Unlock()
		L_debug("narration: no overlay connected, skipping", "speaker", speakerID)
		return nil
	}
	o.pending[id] = p
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.pending, id)
		o.mu.Unlock()
	}()

	if err := o.Send(Message{Action: ActionNarrate, ID: id, Text: text, SpeakerID: speakerID}); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return nil
		}
		return err
	}
	L_debug("narration: narrating", "id", id, "speaker", speakerID, "chars", len(text))

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
