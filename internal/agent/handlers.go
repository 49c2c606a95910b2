package agent

import (
	"context"
	"errors"
	"fmt"

	. "github.com/roelfdiedericks/duoprompt/internal/logging"
	"github.com/roelfdiedericks/duoprompt/internal/protocol"
)

// handle is the agent's hub listener. Every outcome becomes a status.
func (a *Agent) handle(ctx context.Context, cmd protocol.Command) protocol.Response {
	switch cmd.Action {
	case protocol.ActionSubmitInitial:
		return submitStatus(a.InputPromptAndSend(ctx, cmd.PromptText))

	case protocol.ActionSavePending:
		a.mu.Lock()
		a.savedPrompt = cmd.PromptText
		a.mu.Unlock()
		L_debug("agent: pending prompt saved", "tab", a.tab, "chars", len(cmd.PromptText))
		return protocol.OK()

	case protocol.ActionRelayActive:
		a.mu.Lock()
		a.relayActive = cmd.Active
		a.mu.Unlock()
		L_debug("agent: relay active changed", "tab", a.tab, "active", cmd.Active)
		return protocol.OK()

	case protocol.ActionOtherAIReplied:
		if protocol.IsBlank(cmd.ResponseText) {
			return protocol.Response{Status: protocol.StatusEmpty}
		}
		if a.ProcessingTurn() {
			L_info("agent: mid-turn, rejecting relayed response", "tab", a.tab)
			return protocol.Response{Status: protocol.StatusBusy}
		}
		resp := submitStatus(a.InputPromptAndSend(ctx, cmd.ResponseText))
		if resp.Status == protocol.StatusOK {
			a.mu.Lock()
			a.savedPrompt = ""
			a.mu.Unlock()
		}
		return resp

	case protocol.ActionPing:
		return protocol.Response{Status: protocol.StatusPong}
	}
	return protocol.Errorf(fmt.Errorf("unknown action %q", cmd.Action))
}

func submitStatus(err error) protocol.Response {
	switch {
	case err == nil:
		return protocol.OK()
	case errors.Is(err, ErrEmptyPrompt):
		return protocol.Response{Status: protocol.StatusEmpty}
	case errors.Is(err, ErrBusy):
		return protocol.Response{Status: protocol.StatusBusy}
	default:
		return protocol.Errorf(err)
	}
}
