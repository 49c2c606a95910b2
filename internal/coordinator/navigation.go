package coordinator

import (
	"time"

	"github.com/roelfdiedericks/duoprompt/internal/eventloop"
	. "github.com/roelfdiedericks/duoprompt/internal/logging"
	"github.com/roelfdiedericks/duoprompt/internal/protocol"
	"github.com/roelfdiedericks/duoprompt/internal/sites"
)

// Navigation reacts to main-frame navigation events of the tracked tabs.
type Navigation struct {
	st       *State
	tracker  *Tracker
	injector *Injector
	registry *sites.Registry
	loop     *eventloop.Loop
	settle   func() time.Duration
}

// NewNavigation creates the watcher. settle returns the delay between
// page complete and injection; it is read on every event.
func NewNavigation(st *State, tracker *Tracker, injector *Injector, registry *sites.Registry, loop *eventloop.Loop, settle func() time.Duration) *Navigation {
	return &Navigation{
		st:       st,
		tracker:  tracker,
		injector: injector,
		registry: registry,
		loop:     loop,
		settle:   settle,
	}
}

func (n *Navigation) relevant(tab protocol.TabID) bool {
	_, tracked := n.st.Tabs[tab]
	return tracked || n.st.IsManaged(tab)
}

// Started handles a main-frame navigation start. The destination page has
// not run any agent code yet, so everything the old page earned is reset.
func (n *Navigation) Started(tab protocol.TabID, url string) {
	if !n.relevant(tab) {
		delete(n.st.Unclaimed, tab)
		return
	}
	n.tracker.ClearMarkers(tab)
	n.tracker.MarkNotReady(tab)
	n.tracker.ClearPing(tab)
	n.tracker.ClearPageComplete(tab)
	L_debug("navigation: started", "tab", tab, "url", url)
}

// Completed handles a main-frame load. Registered origins get an
// injection after the settle delay; anything else is forgotten.
func (n *Navigation) Completed(tab protocol.TabID, url string) {
	if !n.relevant(tab) {
		// kept until the tab is claimed or navigates again
		n.st.Unclaimed[tab] = url
		return
	}
	if _, ok := n.registry.Lookup(url); !ok {
		L_info("navigation: tab left the supported sites, forgetting it", "tab", tab, "url", url)
		n.tracker.Forget(tab)
		return
	}

	n.tracker.Track(tab)
	n.tracker.RecordPageComplete(tab)

	delay := n.settle()
	L_debug("navigation: completed, scheduling injection", "tab", tab, "url", url, "settle", delay)
	n.loop.After(delay, func() {
		n.injector.Inject(tab, url)
	})
}

// Closed handles a tab close.
func (n *Navigation) Closed(tab protocol.TabID) {
	delete(n.st.Unclaimed, tab)
	n.tracker.Forget(tab)
}

// Claim replays a page complete that arrived before tab became a
// conversation tab. Call after the relay tabs are set.
func (n *Navigation) Claim(tab protocol.TabID) {
	url, ok := n.st.Unclaimed[tab]
	if !ok {
		return
	}
	delete(n.st.Unclaimed, tab)
	L_debug("navigation: replaying early page complete", "tab", tab, "url", url)
	n.Completed(tab, url)
}
