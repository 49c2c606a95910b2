// Package bus carries messages between the coordinator and the per-tab
// agents (Hub), and broadcasts coordinator notifications (Events).
//
// The Hub plays the part a browser's runtime messaging API plays for an
// extension: each tab context registers one listener, the coordinator
// registers one handler, and every request gets exactly one reply.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/roelfdiedericks/duoprompt/internal/logging"
	"github.com/roelfdiedericks/duoprompt/internal/protocol"
)

// Error types
type busError string

func (e busError) Error() string { return string(e) }

const (
	ErrTimeout       busError = "message timed out"
	ErrNoListener    busError = "receiving end does not exist"
	ErrNoCoordinator busError = "no coordinator registered"
)

// DefaultTimeout bounds every request/reply exchange.
const DefaultTimeout = 30 * time.Second

// TabHandler handles a command delivered to a tab. It runs on its own
// goroutine; returning is the reply.
type TabHandler func(ctx context.Context, cmd protocol.Command) protocol.Response

// CoordinatorHandler handles a command sent by a tab. It must call reply
// exactly once, possibly later and from another goroutine.
type CoordinatorHandler func(from protocol.TabID, cmd protocol.Command, reply func(protocol.Response))

type listener struct {
	id      uint64
	handler TabHandler
}

// Hub routes commands between tab contexts and the coordinator.
type Hub struct {
	mu          sync.RWMutex
	listeners   map[protocol.TabID]listener
	coordinator CoordinatorHandler
	nextID      uint64
	timeout     time.Duration
}

// NewHub creates a hub. timeout <= 0 uses DefaultTimeout.
func NewHub(timeout time.Duration) *Hub {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Hub{
		listeners: make(map[protocol.TabID]listener),
		timeout:   timeout,
	}
}

// --- Registration ---

// Listen registers the command listener for a tab, replacing any previous
// one. The returned function removes this registration only; it is a no-op
// once a newer listener has replaced it.
func (h *Hub) Listen(tab protocol.TabID, handler TabHandler) (unlisten func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.listeners[tab] = listener{id: id, handler: handler}
	h.mu.Unlock()

	L_debug("bus: tab listener registered", "tab", tab, "listenerID", id)
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if cur, ok := h.listeners[tab]; ok && cur.id == id {
			delete(h.listeners, tab)
			L_debug("bus: tab listener removed", "tab", tab, "listenerID", id)
		}
	}
}

// Unlisten drops whatever listener the tab has (tab closed).
func (h *Hub) Unlisten(tab protocol.TabID) {
	h.mu.Lock()
	delete(h.listeners, tab)
	h.mu.Unlock()
}

// HasListener reports whether a tab currently has a listener.
func (h *Hub) HasListener(tab protocol.TabID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.listeners[tab]
	return ok
}

// HandleCoordinator registers the coordinator-side handler.
func (h *Hub) HandleCoordinator(handler CoordinatorHandler) {
	h.mu.Lock()
	h.coordinator = handler
	h.mu.Unlock()
	L_debug("bus: coordinator handler registered")
}

// --- Send ---

// SendToTab delivers cmd to the tab's listener and waits for its reply.
// Returns ErrNoListener when no listener is registered.
func (h *Hub) SendToTab(ctx context.Context, tab protocol.TabID, cmd protocol.Command) (protocol.Response, error) {
	h.mu.RLock()
	l, ok := h.listeners[tab]
	h.mu.RUnlock()
	if !ok {
		return protocol.Response{}, fmt.Errorf("%w: tab %s", ErrNoListener, tab)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	result := make(chan protocol.Response, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				L_error("bus: tab handler panic", "tab", tab, "action", cmd.Action, "panic", r)
				result <- protocol.Response{Status: protocol.StatusError, Error: fmt.Sprint(r)}
			}
		}()
		result <- l.handler(ctx, cmd)
	}()

	select {
	case r := <-result:
		return r, nil
	case <-ctx.Done():
		return protocol.Response{}, fmt.Errorf("%w: %s to tab %s", ErrTimeout, cmd.Action, tab)
	}
}

// SendToCoordinator delivers cmd from a tab and waits for the reply.
func (h *Hub) SendToCoordinator(ctx context.Context, from protocol.TabID, cmd protocol.Command) (protocol.Response, error) {
	h.mu.RLock()
	handler := h.coordinator
	h.mu.RUnlock()
	if handler == nil {
		return protocol.Response{}, ErrNoCoordinator
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	result := make(chan protocol.Response, 1)
	var once sync.Once
	reply := func(r protocol.Response) {
		once.Do(func() { result <- r })
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				L_error("bus: coordinator handler panic", "from", from, "action", cmd.Action, "panic", r)
				reply(protocol.Response{Status: protocol.StatusError, Error: fmt.Sprint(r)})
			}
		}()
		handler(from, cmd, reply)
	}()

	select {
	case r := <-result:
		return r, nil
	case <-ctx.Done():
		return protocol.Response{}, fmt.Errorf("%w: %s from tab %s", ErrTimeout, cmd.Action, from)
	}
}
