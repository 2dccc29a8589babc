package orchestration

import (
	"context"
	"sync/atomic"

	"github.com/ym-dskr/talk-system/core/state"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// interruptCoordinator tracks the interrupt epoch and which responses belong
// to it. The dialogue service keeps sending audio for a while after a cancel,
// so every delta is checked against the epoch its response was opened in.
//
// Only the conversation loop mutates it; epoch is atomic so it can be read
// for stats.
type interruptCoordinator struct {
	epoch atomic.Uint64

	// responses maps a response id to the epoch it was created in.
	responses map[string]uint64
	// opened reports whether a response was created in the current epoch.
	opened bool
}

func newInterruptCoordinator() *interruptCoordinator {
	return &interruptCoordinator{responses: map[string]uint64{}}
}

func (c *interruptCoordinator) current() uint64 {
	return c.epoch.Load()
}

// advance starts a new epoch. Everything stamped before it is stale.
// Interrupted responses stay known until their response.done so their late
// audio keeps its old stamp.
func (c *interruptCoordinator) advance() uint64 {
	c.opened = false
	return c.epoch.Add(1)
}

func (c *interruptCoordinator) responseCreated(responseID string) uint64 {
	epoch := c.epoch.Load()
	c.responses[responseID] = epoch
	c.opened = true
	return epoch
}

// stamp returns the epoch of the response that produced a message. Unknown
// responses get the current epoch.
func (c *interruptCoordinator) stamp(responseID string) uint64 {
	if epoch, ok := c.responses[responseID]; ok {
		return epoch
	}
	return c.epoch.Load()
}

// eligible reports whether output stamped with epoch may be played.
func (c *interruptCoordinator) eligible(epoch uint64) bool {
	return c.opened && epoch == c.epoch.Load()
}

// responseDone forgets the response and reports whether it belonged to the
// current epoch.
func (c *interruptCoordinator) responseDone(responseID string) bool {
	epoch := c.stamp(responseID)
	delete(c.responses, responseID)

	current := c.opened && epoch == c.epoch.Load()
	if current {
		c.opened = false
	}
	return current
}

// reset forgets every response without starting a new epoch. Used when the
// session that produced them is gone.
func (c *interruptCoordinator) reset() {
	clear(c.responses)
	c.opened = false
}

// handleSpeechStarted runs the barge-in protocol. While the assistant is
// processing or speaking the order matters: the epoch moves first so any
// audio arriving during the rest of the sequence is already stale.
func (o *Orchestrator) handleSpeechStarted(ctx context.Context) {
	current := o.machine.State()

	switch current {
	case state.Processing, state.Speaking:
		_, span := tracer.Start(ctx, "barge in")
		defer span.End()

		epoch := o.interrupts.advance()
		span.SetAttributes(
			attribute.Int64("conversation.epoch", int64(epoch)),
			attribute.String("conversation.state", current.String()),
		)

		o.audio.StopPlayback(epoch)
		span.AddEvent("playback stopped")
		discarded := o.link.DiscardPendingAudio(epoch)
		span.AddEvent("outbound audio discarded", trace.WithAttributes(attribute.Int("audio.discarded_frames", discarded)))
		if err := o.link.CancelActiveResponse(); err != nil {
			o.logger.Warn("failed to cancel active response", "error", err, "epoch", epoch)
			span.RecordError(err)
		}

		o.interrupted.Add(1)
		o.metrics.interrupts.Inc()
		o.logger.Info("barge in",
			"epoch", epoch,
			"state", current.String(),
			"discarded_outbound_frames", discarded)

		if current != state.Processing {
			o.transition(state.Processing)
		}

	case state.Listening:
		// The previous answer may still be queued locally after its
		// response.done.
		epoch := o.interrupts.advance()
		o.audio.StopPlayback(epoch)
		o.logger.Debug("user started speaking", "epoch", epoch)
		o.transition(state.Processing)

	default:
		o.logger.Debug("ignoring speech start", "state", current.String())
	}
}
