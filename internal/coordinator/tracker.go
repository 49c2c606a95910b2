package coordinator

import (
	"sort"
	"time"

	. "github.com/roelfdiedericks/duoprompt/internal/logging"
	"github.com/roelfdiedericks/duoprompt/internal/protocol"
)

// Tracker is the per-tab lifecycle bookkeeping. Every method is
// idempotent. Methods on unknown tabs do nothing, except MarkReady and
// RecordPing which create the record, and Track which exists for that.
type Tracker struct {
	st  *State
	now func() time.Time
}

// NewTracker creates a tracker over st.
func NewTracker(st *State) *Tracker {
	return &Tracker{st: st, now: time.Now}
}

// Track creates an empty record for tab if none exists.
func (t *Tracker) Track(tab protocol.TabID) *TabRecord {
	rec, ok := t.st.Tabs[tab]
	if !ok {
		rec = &TabRecord{}
		t.st.Tabs[tab] = rec
		L_trace("tracker: tracking tab", "tab", tab)
	}
	return rec
}

// Record returns a copy of tab's record.
func (t *Tracker) Record(tab protocol.TabID) (TabRecord, bool) {
	rec, ok := t.st.Tabs[tab]
	if !ok {
		return TabRecord{}, false
	}
	return *rec, true
}

// IsReady reports whether tab's agent has announced readiness.
func (t *Tracker) IsReady(tab protocol.TabID) bool {
	rec, ok := t.st.Tabs[tab]
	return ok && rec.Ready
}

// Tabs returns the tracked tab IDs, sorted.
func (t *Tracker) Tabs() []protocol.TabID {
	out := make([]protocol.TabID, 0, len(t.st.Tabs))
	for id := range t.st.Tabs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarkReady flags tab's agent as able to receive commands.
func (t *Tracker) MarkReady(tab protocol.TabID) {
	t.Track(tab).Ready = true
}

// MarkNotReady clears the ready flag.
func (t *Tracker) MarkNotReady(tab protocol.TabID) {
	if rec, ok := t.st.Tabs[tab]; ok {
		rec.Ready = false
	}
}

// RecordPing stamps a proof of life. An unknown tab gets a record holding
// only the ping time.
func (t *Tracker) RecordPing(tab protocol.TabID) {
	t.Track(tab).LastPingAt = t.now()
}

// ClearPing forgets the last ping time.
func (t *Tracker) ClearPing(tab protocol.TabID) {
	if rec, ok := t.st.Tabs[tab]; ok {
		rec.LastPingAt = time.Time{}
	}
}

// RecordPageComplete stamps the page-complete time.
func (t *Tracker) RecordPageComplete(tab protocol.TabID) {
	if rec, ok := t.st.Tabs[tab]; ok {
		rec.LastPageCompleteAt = t.now()
	}
}

// ClearPageComplete forgets the page-complete time.
func (t *Tracker) ClearPageComplete(tab protocol.TabID) {
	if rec, ok := t.st.Tabs[tab]; ok {
		rec.LastPageCompleteAt = time.Time{}
	}
}

// SetMarker records an injection attempt for (tab, url).
func (t *Tracker) SetMarker(tab protocol.TabID, url string) {
	t.st.Markers[markerKey{tab, url}] = struct{}{}
}

// HasMarker reports whether an injection was already attempted for (tab, url).
func (t *Tracker) HasMarker(tab protocol.TabID, url string) bool {
	_, ok := t.st.Markers[markerKey{tab, url}]
	return ok
}

// ClearMarkers removes every marker for tab.
func (t *Tracker) ClearMarkers(tab protocol.TabID) {
	for k := range t.st.Markers {
		if k.tab == tab {
			delete(t.st.Markers, k)
		}
	}
}

// MarkerCount returns the number of markers held for tab.
func (t *Tracker) MarkerCount(tab protocol.TabID) int {
	n := 0
	for k := range t.st.Markers {
		if k.tab == tab {
			n++
		}
	}
	return n
}

// Forget drops the record, the markers and the pending queue for tab.
func (t *Tracker) Forget(tab protocol.TabID) {
	_, had := t.st.Tabs[tab]
	delete(t.st.Tabs, tab)
	t.ClearMarkers(tab)
	if q := t.st.Pending[tab]; len(q) > 0 {
		L_debug("tracker: dropping queued commands", "tab", tab, "count", len(q))
	}
	delete(t.st.Pending, tab)
	if had {
		L_debug("tracker: forgot tab", "tab", tab)
	}
}
