package metrics

import (
	"github.com/roelfdiedericks/duoprompt/internal/bus"
	"github.com/roelfdiedericks/duoprompt/internal/protocol"
)

// Collect feeds coordinator and agent events into m. The returned function
// unsubscribes.
func Collect(m *MetricsManager, events *bus.Events) func() {
	ids := []bus.SubscriptionID{
		events.Subscribe(bus.TopicRelayTurn, func(e bus.Event) {
			if turn, ok := e.Data.(bus.TurnEvent); ok {
				m.RecordOutcome("relay", string(turn.Direction), string(turn.Status))
			}
		}),
		events.Subscribe(bus.TopicRelayActive, func(e bus.Event) {
			active, _ := e.Data.(bool)
			v := int64(0)
			if active {
				v = 1
			}
			m.SetGauge("relay", "active", v)
		}),
		events.Subscribe(bus.TopicTabUnresponsive, func(e bus.Event) {
			m.IncrementCounter("heartbeat", "unresponsive")
		}),
		events.Subscribe(bus.TopicTabInjected, func(e bus.Event) {
			if _, ok := e.Data.(protocol.TabID); ok {
				m.IncrementCounter("injector", "injected")
			}
		}),
		events.Subscribe(bus.TopicAgentPhase, func(e bus.Event) {
			if ev, ok := e.Data.(bus.PhaseEvent); ok {
				m.RecordOutcome("agent", ev.Site, ev.Phase)
			}
		}),
	}
	return func() {
		for _, id := range ids {
			events.Unsubscribe(id)
		}
	}
}
