package browser

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/ysmood/gson"

	. "github.com/roelfdiedericks/duoprompt/internal/logging"
)

// Each install gets a fresh binding name so removing a stale one never
// touches the binding of the agent that replaced it.
var probeSeq atomic.Uint64

// Coalesces bursts of mutations (streaming tokens) into one notification
// per animation frame.
const jsProbe = `(name) => {
	if (window.__duopromptProbe === name) return;
	window.__duopromptProbe = name;
	let pending = false;
	const notify = () => {
		if (pending) return;
		pending = true;
		requestAnimationFrame(() => { pending = false; window[name]('m'); });
	};
	new MutationObserver(notify).observe(document.documentElement, {
		childList: true, subtree: true, attributes: true, characterData: true,
	});
}`

// mutationProbe forwards DOM mutation signals from the page.
type mutationProbe struct {
	changes chan struct{}
	stop    func() error
}

// installProbe exposes the notification binding and starts the page-side
// observer. The binding lives until life ends; call bounds the setup.
func installProbe(life, call context.Context, page *rod.Page) (*mutationProbe, error) {
	p := &mutationProbe{changes: make(chan struct{}, 1)}
	binding := fmt.Sprintf("__duopromptMutated%d", probeSeq.Add(1))

	stop, err := page.Context(life).Expose(binding, func(gson.JSON) (any, error) {
		select {
		case p.changes <- struct{}{}:
		default:
		}
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("expose mutation binding: %w", err)
	}
	p.stop = stop

	if _, err := page.Context(call).Eval(jsProbe, binding); err != nil {
		_ = stop()
		return nil, fmt.Errorf("start mutation observer: %w", err)
	}

	go func() {
		<-life.Done()
		if err := p.stop(); err != nil {
			L_trace("browser: mutation binding removal failed", "error", err)
		}
	}()
	return p, nil
}
