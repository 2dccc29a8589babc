package orchestration

import (
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ym-dskr/talk-system/core/presentation"
	"github.com/ym-dskr/talk-system/core/tools"
)

type OrchestratorOption func(*Orchestrator)

// WithConfig replaces the default configuration. Zero fields keep their
// defaults.
func WithConfig(cfg Config) OrchestratorOption {
	return func(o *Orchestrator) {
		o.cfg = cfg
	}
}

// WithPresenter registers the presenter notified of state changes and
// captions. Presenters are called on the conversation loop and must not
// block.
func WithPresenter(presenter presentation.Presenter) OrchestratorOption {
	return func(o *Orchestrator) {
		if presenter != nil {
			o.presenter = presenter
		}
	}
}

// WithToolHandler registers the handler that runs function calls requested
// by the dialogue service. Without one, calls are answered with an error
// message.
func WithToolHandler(handler tools.Handler) OrchestratorOption {
	return func(o *Orchestrator) {
		o.tools = handler
	}
}

func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClock(clk clock.Clock) OrchestratorOption {
	return func(o *Orchestrator) {
		if clk != nil {
			o.clock = clk
		}
	}
}

func WithRegisterer(reg prometheus.Registerer) OrchestratorOption {
	return func(o *Orchestrator) {
		o.registerer = reg
	}
}
