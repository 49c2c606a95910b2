// Package agent is the per-tab page automation: one generic state machine
// that watches a chat site's compose/send/stop controls, reports each
// finished response to the coordinator, and types relayed prompts into
// the page. Site differences live entirely in the selector table.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roelfdiedericks/duoprompt/internal/bus"
	"github.com/roelfdiedericks/duoprompt/internal/config"
	. "github.com/roelfdiedericks/duoprompt/internal/logging"
	"github.com/roelfdiedericks/duoprompt/internal/metrics"
	"github.com/roelfdiedericks/duoprompt/internal/protocol"
	"github.com/roelfdiedericks/duoprompt/internal/sites"
)

var (
	ErrEmptyPrompt = errors.New("prompt is empty")
	ErrBusy        = errors.New("a turn is already in progress")
)

// Options configure an agent.
type Options struct {
	Tab      protocol.TabID
	Site     sites.Site
	Doc      Document
	Detector PhaseDetector // nil uses SelectorDetector over Site.Selectors
	Hub      *bus.Hub
	Events   *bus.Events // optional

	// Timing is read on every use so reloaded settle delays apply at once.
	Timing func() config.TimingConfig
	// ExtractMode returns "text" or "markdown"; nil means text.
	ExtractMode func() string
}

// Agent automates one tab. Its state is guarded by mu; the observer, the
// ping loop and hub handlers run on their own goroutines.
type Agent struct {
	tab         protocol.TabID
	site        sites.Site
	doc         Document
	detector    PhaseDetector
	hub         *bus.Hub
	events      *bus.Events
	timing      func() config.TimingConfig
	extractMode func() string

	mu          sync.Mutex
	phase       Phase
	processing  bool
	relayActive bool
	savedPrompt string
	sentAt      time.Time
	turn        uint64 // bumped on every accepted submit
	started     bool   // the current turn reached responding
	observing   bool
	runCtx      context.Context
	onPhase     func(next, prev Phase)
}

// New creates an agent. It does nothing until Run.
func New(opts Options) *Agent {
	detector := opts.Detector
	if detector == nil {
		detector = SelectorDetector{Selectors: opts.Site.Selectors}
	}
	extractMode := opts.ExtractMode
	if extractMode == nil {
		extractMode = func() string { return "text" }
	}
	return &Agent{
		tab:         opts.Tab,
		site:        opts.Site,
		doc:         opts.Doc,
		detector:    detector,
		hub:         opts.Hub,
		events:      opts.Events,
		timing:      opts.Timing,
		extractMode: extractMode,
		phase:       PhaseIdle,
	}
}

// OnPhaseChange registers an extra callback fired after each phase change.
func (a *Agent) OnPhaseChange(fn func(next, prev Phase)) {
	a.mu.Lock()
	a.onPhase = fn
	a.mu.Unlock()
}

// Run registers the agent's listener, starts the observer and the ping
// loop, announces readiness and then blocks until ctx ends (the page
// navigated or closed).
func (a *Agent) Run(ctx context.Context) error {
	unlisten := a.hub.Listen(a.tab, a.handle)
	defer unlisten()

	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()

	a.ensureObserver()
	go a.pingLoop(ctx)

	if _, err := a.hub.SendToCoordinator(ctx, a.tab, protocol.Command{Action: protocol.ActionReady}); err != nil {
		L_warn("agent: readiness announcement failed", "tab", a.tab, "site", a.site.ID, "error", err)
	} else {
		L_info("agent: ready", "tab", a.tab, "site", a.site.ID)
	}

	<-ctx.Done()
	L_debug("agent: stopped", "tab", a.tab, "site", a.site.ID)
	return nil
}

// --- State ---

// Phase returns the current phase.
func (a *Agent) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// ProcessingTurn reports whether a submitted turn has not been extracted yet.
func (a *Agent) ProcessingTurn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.processing
}

// RelayActive returns the last relay state the coordinator announced.
func (a *Agent) RelayActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.relayActive
}

// SavedPrompt returns the prompt the coordinator saved for this side.
func (a *Agent) SavedPrompt() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.savedPrompt
}

// --- Observer ---

func (a *Agent) ensureObserver() {
	a.mu.Lock()
	if a.observing || a.runCtx == nil {
		a.mu.Unlock()
		return
	}
	a.observing = true
	ctx := a.runCtx
	a.mu.Unlock()

	go a.observe(ctx)
}

func (a *Agent) observe(ctx context.Context) {
	defer func() {
		a.mu.Lock()
		a.observing = false
		a.mu.Unlock()
	}()

	ticker := time.NewTicker(a.timing().PollInterval.D())
	defer ticker.Stop()
	changes := a.doc.Mutations()

	a.evaluate(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			a.evaluate(ctx)
		case <-ticker.C:
			a.evaluate(ctx)
		}
	}
}

// evaluate re-reads the phase. No match keeps the previous phase.
func (a *Agent) evaluate(ctx context.Context) {
	next, matched, err := a.detector.DetectPhase(ctx, a.doc)
	if err != nil {
		if ctx.Err() == nil {
			L_trace("agent: phase detection failed", "tab", a.tab, "error", err)
		}
		return
	}
	if !matched {
		return
	}

	a.mu.Lock()
	prev := a.phase
	if next == prev {
		a.mu.Unlock()
		return
	}
	a.phase = next
	if next == PhaseResponding {
		a.started = true
	}
	hook := a.onPhase
	a.mu.Unlock()

	if next == PhaseResponding {
		L_info("agent: response started", "tab", a.tab, "site", a.site.ID)
	} else {
		L_debug("agent: phase changed", "tab", a.tab, "site", a.site.ID, "phase", next, "previous", prev)
	}
	a.events.PublishWithSource(bus.TopicAgentPhase, bus.PhaseEvent{
		Tab:      a.tab,
		Site:     a.site.ID,
		Phase:    string(next),
		Previous: string(prev),
	}, "agent")
	if hook != nil {
		hook(next, prev)
	}

	if endsResponse(prev, next) {
		go a.finishTurn(ctx)
	}
}

// finishTurn extracts the response after the settle delay, releases the
// busy gate and reports the text to the coordinator.
func (a *Agent) finishTurn(ctx context.Context) {
	if err := sleep(ctx, a.timing().ResponseSettle.D()); err != nil {
		return
	}
	text := a.ExtractResponse(ctx)

	a.mu.Lock()
	a.processing = false
	sentAt := a.sentAt
	a.sentAt = time.Time{}
	a.mu.Unlock()
	if !sentAt.IsZero() {
		metrics.MetricSince("agent", a.site.ID+"/turn", sentAt)
	}

	resp, err := a.hub.SendToCoordinator(ctx, a.tab, protocol.Command{
		Action:       protocol.ActionResponseDone,
		ResponseText: text,
	})
	if err != nil {
		if ctx.Err() == nil {
			L_warn("agent: failed to report finished response", "tab", a.tab, "error", err)
		}
		return
	}
	L_debug("agent: finished response reported", "tab", a.tab, "chars", len(text), "status", resp.Status)
}

// --- Ping ---

func (a *Agent) pingLoop(ctx context.Context) {
	for {
		t := time.NewTimer(a.timing().PingInterval.D())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if _, err := a.hub.SendToCoordinator(ctx, a.tab, protocol.Command{Action: protocol.ActionPing}); err != nil && ctx.Err() == nil {
			L_debug("agent: ping failed", "tab", a.tab, "error", err)
		}
	}
}

// --- Prompt submission ---

// InputPromptAndSend types text into the site's input and submits it.
// Blank text is rejected before touching the page. Any failed wait
// abandons the turn and releases the busy gate.
func (a *Agent) InputPromptAndSend(ctx context.Context, text string) error {
	if protocol.IsBlank(text) {
		return ErrEmptyPrompt
	}

	a.mu.Lock()
	if a.processing {
		a.mu.Unlock()
		return ErrBusy
	}
	a.processing = true
	a.turn++
	turn := a.turn
	a.started = false
	a.mu.Unlock()

	abandon := func(err error) error {
		a.mu.Lock()
		a.processing = false
		a.mu.Unlock()
		L_warn("agent: turn abandoned", "tab", a.tab, "site", a.site.ID, "error", err)
		return err
	}

	t := a.timing()
	sel := a.site.Selectors

	_, err := AwaitCondition(ctx, func(ctx context.Context) (struct{}, bool, error) {
		ok, err := a.doc.Exists(ctx, sel.Input)
		return struct{}{}, ok, err
	}, t.InputWait.D(), t.PollInterval.D())
	if err != nil {
		return abandon(fmt.Errorf("input control: %w", err))
	}

	if err := a.doc.SetInput(ctx, sel.Input, text, a.site.InputKind); err != nil {
		return abandon(fmt.Errorf("set input: %w", err))
	}
	if err := sleep(ctx, t.InputSettle.D()); err != nil {
		return abandon(err)
	}

	_, err = AwaitCondition(ctx, func(ctx context.Context) (struct{}, bool, error) {
		ok, err := a.doc.Visible(ctx, sel.SendEnabled)
		return struct{}{}, ok, err
	}, t.SendWait.D(), t.PollInterval.D())
	if err != nil {
		return abandon(fmt.Errorf("send control: %w", err))
	}

	if a.site.Submit == sites.SubmitEnter {
		err = a.doc.PressEnter(ctx, sel.Input)
	} else {
		err = a.doc.Click(ctx, sel.SendEnabled)
	}
	if err != nil {
		return abandon(fmt.Errorf("submit: %w", err))
	}

	a.mu.Lock()
	a.sentAt = time.Now()
	a.mu.Unlock()
	L_info("agent: prompt sent", "tab", a.tab, "site", a.site.ID, "chars", len(text))
	a.ensureObserver()
	go a.awaitResponseStart(turn)
	return nil
}

// awaitResponseStart releases the busy gate when a submitted turn shows no
// stop control within SendWait. Without it a response that ends between
// two observations, or a site error, would leave the tab busy for good.
func (a *Agent) awaitResponseStart(turn uint64) {
	a.mu.Lock()
	ctx := a.runCtx
	a.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	settled := func() bool {
		return a.turn != turn || a.started || !a.processing
	}
	t := a.timing()
	_, err := AwaitCondition(ctx, func(context.Context) (struct{}, bool, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		return struct{}{}, settled(), nil
	}, t.SendWait.D(), t.PollInterval.D())
	if !errors.Is(err, ErrTimeout) {
		return
	}

	a.mu.Lock()
	if settled() {
		a.mu.Unlock()
		return
	}
	a.processing = false
	a.sentAt = time.Time{}
	a.mu.Unlock()

	L_warn("agent: no response started after submit, releasing turn", "tab", a.tab, "site", a.site.ID, "waited", t.SendWait.D())
	metrics.MetricInc("agent", a.site.ID+"/no-response")
}
