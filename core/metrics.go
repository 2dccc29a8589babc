package orchestration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	transitions *prometheus.CounterVec
	staleFrames prometheus.Counter
	interrupts  prometheus.Counter
	reconnects  prometheus.Counter
	toolCalls   *prometheus.CounterVec
}

// newMetrics builds the conversation counters. A nil registerer leaves them
// unregistered.
func newMetrics(reg prometheus.Registerer, rejected func() float64) *metrics {
	factory := promauto.With(reg)

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "talk_state_transitions_rejected_total",
		Help: "State transitions refused by the transition table.",
	}, rejected)

	return &metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "talk_state_transitions_total",
			Help: "Accepted conversation state transitions.",
		}, []string{"from", "to"}),
		staleFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "talk_stale_frames_dropped_total",
			Help: "Inbound audio frames dropped because they belong to an interrupted response.",
		}),
		interrupts: factory.NewCounter(prometheus.CounterOpts{
			Name: "talk_interrupts_total",
			Help: "Barge-ins handled while the assistant was processing or speaking.",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "talk_dialogue_reconnects_total",
			Help: "Dialogue sessions re-established after a lost connection.",
		}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "talk_tool_calls_total",
			Help: "Tool calls requested by the dialogue service, by outcome (ok, error, skipped).",
		}, []string{"tool", "outcome"}),
	}
}
