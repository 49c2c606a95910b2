package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roelfdiedericks/duoprompt/internal/bus"
	"github.com/roelfdiedericks/duoprompt/internal/config"
	"github.com/roelfdiedericks/duoprompt/internal/protocol"
	"github.com/roelfdiedericks/duoprompt/internal/sites"
)

var testSite = sites.Site{
	ID:      "testchat",
	Origins: []string{"https://chat.test"},
	Selectors: sites.Selectors{
		Stop:        "#stop",
		SendEnabled: "#send:enabled",
		SendIdle:    "#send:disabled",
		Input:       "#prompt",
		Response:    ".answer",
	},
	InputKind: sites.InputTextarea,
	Submit:    sites.SubmitClick,
}

func testTiming() config.TimingConfig {
	t := config.Default().Timing
	t.PollInterval = config.Duration(5 * time.Millisecond)
	t.InputWait = config.Duration(80 * time.Millisecond)
	t.SendWait = config.Duration(80 * time.Millisecond)
	t.InputSettle = 0
	t.ResponseSettle = config.Duration(5 * time.Millisecond)
	t.PingInterval = config.Duration(20 * time.Millisecond)
	return t
}

// fakeDoc is an in-memory page. Visible and existing selectors are sets;
// typing into #prompt enables #send when enableOnInput is set.
type fakeDoc struct {
	mu            sync.Mutex
	visible       map[string]bool
	exists        map[string]bool
	text          map[string]string
	html          map[string]string
	input         string
	domCalls      int
	clicks        []string
	enters        []string
	enableOnInput bool
	changes       chan struct{}
}

func newFakeDoc() *fakeDoc {
	return &fakeDoc{
		visible: map[string]bool{},
		exists:  map[string]bool{},
		text:    map[string]string{},
		html:    map[string]string{},
		changes: make(chan struct{}, 16),
	}
}

func (d *fakeDoc) show(selectors ...string) {
	d.mu.Lock()
	d.visible = map[string]bool{}
	for _, s := range selectors {
		d.visible[s] = true
	}
	d.mu.Unlock()
	select {
	case d.changes <- struct{}{}:
	default:
	}
}

func (d *fakeDoc) Visible(_ context.Context, sel string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visible[sel], nil
}

func (d *fakeDoc) Exists(_ context.Context, sel string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.domCalls++
	return d.exists[sel] || d.visible[sel], nil
}

func (d *fakeDoc) LastText(_ context.Context, sel string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.text[sel]
	return t, ok, nil
}

func (d *fakeDoc) LastHTML(_ context.Context, sel string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.html[sel]
	return h, ok, nil
}

func (d *fakeDoc) SetInput(_ context.Context, sel, text string, _ sites.InputKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.domCalls++
	d.input = text
	if d.enableOnInput {
		d.visible[testSite.Selectors.SendEnabled] = true
	}
	return nil
}

func (d *fakeDoc) Click(_ context.Context, sel string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clicks = append(d.clicks, sel)
	return nil
}

func (d *fakeDoc) PressEnter(_ context.Context, sel string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enters = append(d.enters, sel)
	return nil
}

func (d *fakeDoc) Mutations() <-chan struct{} { return d.changes }

func (d *fakeDoc) snapshot() (input string, domCalls int, clicks, enters []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.input, d.domCalls, append([]string(nil), d.clicks...), append([]string(nil), d.enters...)
}

// coordinatorStub records what agents send to the coordinator.
type coordinatorStub struct {
	mu   sync.Mutex
	cmds []protocol.Command
}

func (c *coordinatorStub) handle(_ protocol.TabID, cmd protocol.Command, reply func(protocol.Response)) {
	c.mu.Lock()
	c.cmds = append(c.cmds, cmd)
	c.mu.Unlock()
	reply(protocol.OK())
}

func (c *coordinatorStub) received(action protocol.Action) []protocol.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Command
	for _, cmd := range c.cmds {
		if cmd.Action == action {
			out = append(out, cmd)
		}
	}
	return out
}

func newTestAgent(t *testing.T, doc *fakeDoc, site sites.Site) (*Agent, *bus.Hub, *coordinatorStub) {
	t.Helper()
	hub := bus.NewHub(time.Second)
	stub := &coordinatorStub{}
	hub.HandleCoordinator(stub.handle)
	a := New(Options{
		Tab:    "tab-1",
		Site:   site,
		Doc:    doc,
		Hub:    hub,
		Timing: testTiming,
	})
	return a, hub, stub
}

func runAgent(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSelectorDetectorPriority(t *testing.T) {
	sel := testSite.Selectors
	det := SelectorDetector{Selectors: sel}
	tests := []struct {
		name    string
		visible []string
		want    Phase
		matched bool
	}{
		{"stop beats send", []string{sel.Stop, sel.SendEnabled, sel.SendIdle}, PhaseResponding, true},
		{"send beats idle", []string{sel.SendEnabled, sel.SendIdle}, PhaseSendReady, true},
		{"idle only", []string{sel.SendIdle}, PhaseIdle, true},
		{"nothing", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := newFakeDoc()
			doc.show(tt.visible...)
			got, matched, err := det.DetectPhase(context.Background(), doc)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want || matched != tt.matched {
				t.Errorf("DetectPhase = %q,%v want %q,%v", got, matched, tt.want, tt.matched)
			}
		})
	}
}

func TestRunAnnouncesReadinessAndPings(t *testing.T) {
	doc := newFakeDoc()
	a, hub, stub := newTestAgent(t, doc, testSite)
	runAgent(t, a)

	waitFor(t, "readiness", func() bool { return len(stub.received(protocol.ActionReady)) == 1 })
	if !hub.HasListener("tab-1") {
		t.Error("listener not registered before readiness")
	}
	waitFor(t, "pings", func() bool { return len(stub.received(protocol.ActionPing)) >= 2 })
}

func TestObserverKeepsPhaseWhenNothingMatches(t *testing.T) {
	doc := newFakeDoc()
	a, _, _ := newTestAgent(t, doc, testSite)
	runAgent(t, a)

	doc.show(testSite.Selectors.SendEnabled)
	waitFor(t, "send-ready", func() bool { return a.Phase() == PhaseSendReady })

	doc.show() // transient DOM with no controls
	time.Sleep(30 * time.Millisecond)
	if a.Phase() != PhaseSendReady {
		t.Errorf("phase = %s, want send-ready kept", a.Phase())
	}
}

func TestResponseEndTriggersExtraction(t *testing.T) {
	for _, end := range []string{testSite.Selectors.SendIdle, testSite.Selectors.SendEnabled} {
		t.Run(end, func(t *testing.T) {
			doc := newFakeDoc()
			doc.text[".answer"] = "  X is Y \n"
			a, _, stub := newTestAgent(t, doc, testSite)

			var mu sync.Mutex
			var transitions []string
			a.OnPhaseChange(func(next, prev Phase) {
				mu.Lock()
				transitions = append(transitions, string(prev)+">"+string(next))
				mu.Unlock()
			})
			runAgent(t, a)

			a.mu.Lock()
			a.processing = true
			a.mu.Unlock()

			doc.show(testSite.Selectors.Stop)
			waitFor(t, "responding", func() bool { return a.Phase() == PhaseResponding })
			doc.show(end)

			waitFor(t, "response-finished", func() bool { return len(stub.received(protocol.ActionResponseDone)) == 1 })
			if got := stub.received(protocol.ActionResponseDone)[0].ResponseText; got != "X is Y" {
				t.Errorf("response text = %q", got)
			}
			if a.ProcessingTurn() {
				t.Error("busy gate not released after extraction")
			}
			mu.Lock()
			defer mu.Unlock()
			if len(transitions) != 2 || transitions[0] != "idle>responding" {
				t.Errorf("transitions = %v", transitions)
			}
		})
	}
}

func TestIdleToSendReadyDoesNotExtract(t *testing.T) {
	doc := newFakeDoc()
	a, _, stub := newTestAgent(t, doc, testSite)
	runAgent(t, a)

	doc.show(testSite.Selectors.SendIdle)
	doc.show(testSite.Selectors.SendEnabled)
	waitFor(t, "send-ready", func() bool { return a.Phase() == PhaseSendReady })
	time.Sleep(30 * time.Millisecond)
	if n := len(stub.received(protocol.ActionResponseDone)); n != 0 {
		t.Errorf("extracted %d times without a response", n)
	}
}

func TestExtractionWithNoResponseElementIsEmpty(t *testing.T) {
	doc := newFakeDoc()
	a, _, stub := newTestAgent(t, doc, testSite)
	runAgent(t, a)

	doc.show(testSite.Selectors.Stop)
	waitFor(t, "responding", func() bool { return a.Phase() == PhaseResponding })
	doc.show(testSite.Selectors.SendIdle)

	waitFor(t, "response-finished", func() bool { return len(stub.received(protocol.ActionResponseDone)) == 1 })
	if got := stub.received(protocol.ActionResponseDone)[0].ResponseText; got != "" {
		t.Errorf("response text = %q, want empty", got)
	}
}

func TestExtractMarkdown(t *testing.T) {
	doc := newFakeDoc()
	doc.html[".answer"] = "<p>Use <strong>bold</strong> text</p>"
	doc.text[".answer"] = "Use bold text"
	a := New(Options{
		Tab:         "tab-1",
		Site:        testSite,
		Doc:         doc,
		Hub:         bus.NewHub(time.Second),
		Timing:      testTiming,
		ExtractMode: func() string { return "markdown" },
	})
	got := a.ExtractResponse(context.Background())
	if !strings.Contains(got, "**bold**") {
		t.Errorf("markdown = %q", got)
	}
}

func TestInputPromptAndSendRejectsBlank(t *testing.T) {
	doc := newFakeDoc()
	a, _, _ := newTestAgent(t, doc, testSite)

	err := a.InputPromptAndSend(context.Background(), " \n\t")
	if !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("err = %v, want ErrEmptyPrompt", err)
	}
	if _, calls, _, _ := doc.snapshot(); calls != 0 {
		t.Errorf("blank prompt touched the page %d times", calls)
	}
	if a.ProcessingTurn() {
		t.Error("blank prompt set the busy gate")
	}
}

func TestInputPromptAndSendClicksSend(t *testing.T) {
	doc := newFakeDoc()
	doc.exists["#prompt"] = true
	doc.enableOnInput = true
	a, _, _ := newTestAgent(t, doc, testSite)

	if err := a.InputPromptAndSend(context.Background(), "Explain X"); err != nil {
		t.Fatal(err)
	}
	input, _, clicks, enters := doc.snapshot()
	if input != "Explain X" {
		t.Errorf("input = %q", input)
	}
	if len(clicks) != 1 || clicks[0] != testSite.Selectors.SendEnabled || len(enters) != 0 {
		t.Errorf("clicks = %v enters = %v", clicks, enters)
	}
	if !a.ProcessingTurn() {
		t.Error("busy gate not set after submit")
	}
	if err := a.InputPromptAndSend(context.Background(), "again"); !errors.Is(err, ErrBusy) {
		t.Errorf("second submit err = %v, want ErrBusy", err)
	}
}

func TestInputPromptAndSendEnterMode(t *testing.T) {
	site := testSite
	site.Submit = sites.SubmitEnter
	doc := newFakeDoc()
	doc.exists["#prompt"] = true
	doc.enableOnInput = true
	a, _, _ := newTestAgent(t, doc, site)

	if err := a.InputPromptAndSend(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	_, _, clicks, enters := doc.snapshot()
	if len(enters) != 1 || enters[0] != "#prompt" || len(clicks) != 0 {
		t.Errorf("clicks = %v enters = %v", clicks, enters)
	}
}

func TestInputPromptAndSendTimeouts(t *testing.T) {
	tests := []struct {
		name      string
		hasInput  bool
		wantInErr string
	}{
		{"no input control", false, "input control"},
		{"send never enabled", true, "send control"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := newFakeDoc()
			doc.exists["#prompt"] = tt.hasInput
			a, _, _ := newTestAgent(t, doc, testSite)

			err := a.InputPromptAndSend(context.Background(), "hello")
			if !errors.Is(err, ErrTimeout) {
				t.Fatalf("err = %v, want ErrTimeout", err)
			}
			if !strings.Contains(err.Error(), tt.wantInErr) {
				t.Errorf("err = %v, want mention of %s", err, tt.wantInErr)
			}
			if a.ProcessingTurn() {
				t.Error("busy gate not reset after failed wait")
			}
		})
	}
}

func TestHandlerOtherAIResponseBusyGate(t *testing.T) {
	doc := newFakeDoc()
	doc.exists["#prompt"] = true
	doc.enableOnInput = true
	a, hub, _ := newTestAgent(t, doc, testSite)
	runAgent(t, a)
	waitFor(t, "listener", func() bool { return hub.HasListener("tab-1") })

	a.mu.Lock()
	a.processing = true
	a.mu.Unlock()

	ctx := context.Background()
	resp, err := hub.SendToTab(ctx, "tab-1", protocol.Command{Action: protocol.ActionOtherAIReplied, ResponseText: "late reply"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != protocol.StatusBusy {
		t.Errorf("status = %s, want busy", resp.Status)
	}
	if input, _, _, _ := doc.snapshot(); input != "" {
		t.Errorf("busy agent's input changed to %q", input)
	}

	a.mu.Lock()
	a.processing = false
	a.mu.Unlock()

	resp, _ = hub.SendToTab(ctx, "tab-1", protocol.Command{Action: protocol.ActionOtherAIReplied, ResponseText: "next reply"})
	if resp.Status != protocol.StatusOK {
		t.Errorf("status after gate released = %s (%s)", resp.Status, resp.Error)
	}
	if input, _, _, _ := doc.snapshot(); input != "next reply" {
		t.Errorf("input = %q", input)
	}
}

func TestHandlerStateCommands(t *testing.T) {
	doc := newFakeDoc()
	a, hub, _ := newTestAgent(t, doc, testSite)
	runAgent(t, a)
	waitFor(t, "listener", func() bool { return hub.HasListener("tab-1") })
	ctx := context.Background()

	tests := []struct {
		cmd  protocol.Command
		want protocol.Status
	}{
		{protocol.Command{Action: protocol.ActionSavePending, PromptText: "Critique this"}, protocol.StatusOK},
		{protocol.Command{Action: protocol.ActionRelayActive, Active: true}, protocol.StatusOK},
		{protocol.Command{Action: protocol.ActionOtherAIReplied, ResponseText: "  "}, protocol.StatusEmpty},
		{protocol.Command{Action: protocol.ActionSubmitInitial, PromptText: ""}, protocol.StatusEmpty},
		{protocol.Command{Action: "nope"}, protocol.StatusError},
	}
	for _, tt := range tests {
		resp, err := hub.SendToTab(ctx, "tab-1", tt.cmd)
		if err != nil {
			t.Fatalf("%s: %v", tt.cmd.Action, err)
		}
		if resp.Status != tt.want {
			t.Errorf("%s status = %s, want %s", tt.cmd.Action, resp.Status, tt.want)
		}
	}
	if a.SavedPrompt() != "Critique this" || !a.RelayActive() {
		t.Errorf("state not updated: saved=%q active=%v", a.SavedPrompt(), a.RelayActive())
	}
}

func TestAwaitCondition(t *testing.T) {
	ctx := context.Background()

	polls := 0
	v, err := AwaitCondition(ctx, func(context.Context) (int, bool, error) {
		polls++
		return polls, polls == 3, nil
	}, time.Second, time.Millisecond)
	if err != nil || v != 3 {
		t.Errorf("got %d, %v", v, err)
	}

	_, err = AwaitCondition(ctx, func(context.Context) (int, bool, error) {
		return 0, false, errors.New("detached node")
	}, 20*time.Millisecond, time.Millisecond)
	if !errors.Is(err, ErrTimeout) || !strings.Contains(err.Error(), "detached node") {
		t.Errorf("timeout err = %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = AwaitCondition(cctx, func(context.Context) (int, bool, error) {
		return 0, false, nil
	}, time.Second, time.Millisecond)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled err = %v", err)
	}
}

func TestTurnWithoutResponseReleasesBusyGate(t *testing.T) {
	doc := newFakeDoc()
	doc.exists["#prompt"] = true
	doc.enableOnInput = true
	a, hub, stub := newTestAgent(t, doc, testSite)
	runAgent(t, a)
	waitFor(t, "listener", func() bool { return hub.HasListener("tab-1") })

	ctx := context.Background()
	resp, err := hub.SendToTab(ctx, "tab-1", protocol.Command{Action: protocol.ActionSubmitInitial, PromptText: "Explain X"})
	if err != nil || resp.Status != protocol.StatusOK {
		t.Fatalf("submit: %v %v", resp, err)
	}
	// the page goes straight back to idle; no stop control is ever seen
	doc.show(testSite.Selectors.SendIdle)

	waitFor(t, "busy gate released", func() bool { return !a.ProcessingTurn() })
	if n := len(stub.received(protocol.ActionResponseDone)); n != 0 {
		t.Errorf("reported %d responses for a turn that never started", n)
	}

	resp, err = hub.SendToTab(ctx, "tab-1", protocol.Command{Action: protocol.ActionOtherAIReplied, ResponseText: "relayed"})
	if err != nil || resp.Status != protocol.StatusOK {
		t.Fatalf("relayed response after release: %v %v", resp, err)
	}
	if input, _, _, _ := doc.snapshot(); input != "relayed" {
		t.Errorf("input = %q", input)
	}
}

func TestStartedTurnKeepsBusyGatePastSendWait(t *testing.T) {
	doc := newFakeDoc()
	doc.exists["#prompt"] = true
	doc.enableOnInput = true
	a, hub, _ := newTestAgent(t, doc, testSite)
	runAgent(t, a)
	waitFor(t, "listener", func() bool { return hub.HasListener("tab-1") })

	if err := a.InputPromptAndSend(context.Background(), "Explain X"); err != nil {
		t.Fatal(err)
	}
	doc.show(testSite.Selectors.Stop)
	waitFor(t, "responding", func() bool { return a.Phase() == PhaseResponding })

	time.Sleep(2 * testTiming().SendWait.D())
	if !a.ProcessingTurn() {
		t.Error("busy gate released while the response is still streaming")
	}
}
