package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ym-dskr/talk-system/core/audio"
	"github.com/ym-dskr/talk-system/core/dialogue"
	"github.com/ym-dskr/talk-system/core/events"
	"github.com/ym-dskr/talk-system/core/presentation"
	"github.com/ym-dskr/talk-system/core/state"
	"github.com/ym-dskr/talk-system/core/tools"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ErrAlreadyRunning = errors.New("orchestrator already running")

// AudioChannel is the duplex audio device as seen by the conversation loop.
// *audio.Channel implements it.
type AudioChannel interface {
	Open(ctx context.Context) error
	Frames() <-chan audio.Frame
	Errors() <-chan error
	EnqueuePlayback(frame audio.Frame) bool
	StopPlayback(epoch uint64)
	Close() error
}

// DialogueLink is the session with the dialogue service. *dialogue.Link
// implements it.
type DialogueLink interface {
	Connect(ctx context.Context) error
	Send(event dialogue.ClientEvent) error
	SendAudio(frame audio.Frame) error
	DiscardPendingAudio(epoch uint64) int
	CancelActiveResponse() error
	Events() <-chan events.Event
	Errors() <-chan error
	Close() error
}

type Stats struct {
	State              state.State
	Epoch              uint64
	DroppedStaleFrames uint64
	Interrupts         uint64
	Reconnects         uint64
	Shutdowns          uint64
}

// Orchestrator runs one conversation: it owns the state machine and the
// interrupt epoch, and moves audio and events between the audio channel, the
// dialogue link and the presenter. All of that happens on the goroutine
// calling Run.
type Orchestrator struct {
	cfg    Config
	audio  AudioChannel
	link   DialogueLink
	tools  tools.Handler
	clock  clock.Clock
	logger *slog.Logger

	presenter  presentation.Presenter
	registerer prometheus.Registerer

	machine     *state.Machine
	interrupts  *interruptCoordinator
	metrics     *metrics
	toolResults chan toolResult
	activate    chan struct{}

	lastActivity time.Time
	playbackSeq  uint64

	running   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	droppedStale atomic.Uint64
	interrupted  atomic.Uint64
	reconnects   atomic.Uint64
	shutdowns    atomic.Uint64
}

func NewOrchestrator(channel AudioChannel, link DialogueLink, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		cfg:       DefaultConfig(),
		audio:     channel,
		link:      link,
		clock:     clock.New(),
		logger:    logger,
		presenter: presentation.Nop{},
		activate:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.cfg = o.cfg.withDefaults()

	o.machine = state.NewMachine(
		state.WithLogger(o.logger),
		state.WithObserver(o.stateChanged),
	)
	o.interrupts = newInterruptCoordinator()
	o.metrics = newMetrics(o.registerer, func() float64 { return float64(o.machine.Rejected()) })
	o.toolResults = make(chan toolResult, o.cfg.ToolQueueCapacity)

	return o
}

// Activate starts listening. It is the wake signal and may be sent before
// Run.
func (o *Orchestrator) Activate() {
	select {
	case o.activate <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) State() state.State {
	return o.machine.State()
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		State:              o.machine.State(),
		Epoch:              o.interrupts.current(),
		DroppedStaleFrames: o.droppedStale.Load(),
		Interrupts:         o.interrupted.Load(),
		Reconnects:         o.reconnects.Load(),
		Shutdowns:          o.shutdowns.Load(),
	}
}

// Run opens the audio channel, connects the dialogue link and runs the
// conversation until ctx is cancelled, the conversation goes quiet for the
// inactivity timeout, or an unrecoverable error occurs. Teardown runs exactly
// once on every exit path. A graceful end returns nil.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ctx, span := tracer.Start(ctx, "run conversation")
	defer span.End()
	defer func() {
		if closeErr := o.Close(); closeErr != nil {
			o.logger.Warn("teardown failed", "error", closeErr)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := o.audio.Open(ctx); err != nil {
		o.transition(state.Error)
		return fmt.Errorf("failed to open audio channel: %w", err)
	}
	if err := o.link.Connect(ctx); err != nil {
		o.transition(state.Error)
		return fmt.Errorf("failed to connect dialogue link: %w", err)
	}

	o.touch()
	return o.loop(ctx)
}

func (o *Orchestrator) loop(ctx context.Context) error {
	inactivity := o.clock.Timer(o.cfg.InactivityTimeout)
	defer inactivity.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("conversation cancelled", "state", o.machine.State().String())
			return nil

		case <-o.activate:
			if o.machine.State() == state.Idle {
				o.transition(state.Listening)
			}

		case event := <-o.link.Events():
			o.touch()
			o.handleEvent(ctx, event)

		case frame := <-o.audio.Frames():
			o.forwardCapture(frame)

		case result := <-o.toolResults:
			o.touch()
			o.handleToolResult(result)

		case err := <-o.link.Errors():
			if err := o.recoverLink(ctx, err); err != nil {
				return err
			}
			o.touch()

		case err := <-o.audio.Errors():
			o.logger.Error("audio channel failed", "error", err, "state", o.machine.State().String())
			o.transition(state.Error)
			return fmt.Errorf("audio channel failed: %w", err)

		case <-inactivity.C:
			idle := o.clock.Since(o.lastActivity)
			if idle < o.cfg.InactivityTimeout {
				inactivity.Reset(o.cfg.InactivityTimeout - idle)
				continue
			}

			o.shutdowns.Add(1)
			o.logger.Info("ending conversation after inactivity",
				"idle", idle,
				"timeout", o.cfg.InactivityTimeout,
				"state", o.machine.State().String())
			return nil
		}
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, event events.Event) {
	switch event := event.(type) {
	case events.SpeechStarted:
		o.handleSpeechStarted(ctx)

	case events.SpeechStopped:
		o.logger.Debug("user stopped speaking", "item", event.ItemID)

	case events.UserTranscript:
		o.presenter.CaptionUpdated(presentation.Caption{
			Speaker: presentation.User,
			Mode:    presentation.Replace,
			Text:    event.Transcript,
		})

	case events.ResponseCreated:
		epoch := o.interrupts.responseCreated(event.ResponseID)
		o.logger.Debug("response created", "response", event.ResponseID, "epoch", epoch)

		switch o.machine.State() {
		case state.Listening:
			// Responses created without a detected speech start still pass
			// through processing.
			o.transition(state.Processing)
			o.transition(state.Speaking)
		case state.Processing:
			o.transition(state.Speaking)
		}

	case events.AudioDelta:
		o.handleAudioDelta(event)

	case events.TranscriptDelta:
		if _, ok := o.fromCurrentResponse(event); ok {
			o.presenter.CaptionUpdated(presentation.Caption{
				Speaker: presentation.Assistant,
				Mode:    presentation.Append,
				Text:    event.Delta,
			})
		}

	case events.TranscriptDone:
		if _, ok := o.fromCurrentResponse(event); ok {
			o.presenter.CaptionUpdated(presentation.Caption{
				Speaker: presentation.Assistant,
				Mode:    presentation.Replace,
				Text:    event.Transcript,
			})
		}

	case events.FunctionCall:
		epoch, ok := o.fromCurrentResponse(event)
		if !ok {
			o.logger.Info("ignoring tool call of interrupted response",
				"tool", event.Name, "call", event.CallID, "response", event.ResponseID)
			o.metrics.toolCalls.WithLabelValues(event.Name, "skipped").Inc()
			return
		}
		o.relayToolCall(ctx, tools.Call{ID: event.CallID, Name: event.Name, Arguments: event.Arguments}, epoch)

	case events.ResponseDone:
		if !o.interrupts.responseDone(event.ResponseID) {
			o.logger.Debug("ignoring completion of interrupted response",
				"response", event.ResponseID, "status", event.Status)
			return
		}
		if o.machine.State() == state.Speaking {
			o.transition(state.Listening)
		}

	case events.Error:
		o.logger.Warn("dialogue service error",
			"type", event.Type,
			"code", event.Code,
			"message", event.Message)
	}
}

// fromCurrentResponse stamps the event with its response's epoch and reports
// whether it may still be played or shown.
func (o *Orchestrator) fromCurrentResponse(event events.ResponseScoped) (uint64, bool) {
	epoch := o.interrupts.stamp(event.Response())
	return epoch, o.interrupts.eligible(epoch)
}

func (o *Orchestrator) handleAudioDelta(delta events.AudioDelta) {
	epoch, ok := o.fromCurrentResponse(delta)
	if !ok {
		o.logger.Debug("dropping stale audio",
			"response", delta.ResponseID,
			"epoch", epoch,
			"age", delta.Age(o.clock.Now()))
		o.droppedStale.Add(1)
		o.metrics.staleFrames.Inc()
		return
	}

	frame := audio.FrameFromPCM16(delta.Audio, o.cfg.SampleRate, 1)
	frame.Epoch = epoch
	o.playbackSeq++
	frame.Seq = o.playbackSeq

	if !o.audio.EnqueuePlayback(frame) {
		o.droppedStale.Add(1)
		o.metrics.staleFrames.Inc()
	}
}

// forwardCapture sends microphone audio while a conversation is active. The
// service detects turns itself, so audio keeps flowing while the assistant
// speaks.
func (o *Orchestrator) forwardCapture(frame audio.Frame) {
	switch o.machine.State() {
	case state.Listening, state.Processing, state.Speaking:
	default:
		return
	}

	frame.Epoch = o.interrupts.current()
	if err := o.link.SendAudio(frame); err != nil && !errors.Is(err, dialogue.ErrNotConnected) {
		o.logger.Warn("failed to send captured audio", "error", err)
	}
}

// recoverLink makes one attempt to re-establish a lost dialogue session.
func (o *Orchestrator) recoverLink(ctx context.Context, cause error) error {
	ctx, span := tracer.Start(ctx, "recover dialogue link")
	defer span.End()

	o.logger.Warn("dialogue link lost", "error", cause, "state", o.machine.State().String())
	o.transition(state.Error)
	o.interrupts.reset()

	if err := o.link.Connect(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to recover dialogue link: %w", err)
	}

	o.reconnects.Add(1)
	o.metrics.reconnects.Inc()
	span.SetAttributes(attribute.Int64("dialogue.reconnects", int64(o.reconnects.Load())))
	o.transition(state.Listening)
	return nil
}

// transition applies a table transition. Rejections are logged by the state
// machine and otherwise ignored.
func (o *Orchestrator) transition(to state.State) bool {
	return o.machine.Transition(to) == nil
}

func (o *Orchestrator) stateChanged(from, to state.State) {
	o.metrics.transitions.WithLabelValues(from.String(), to.String()).Inc()
	o.touch()
	o.presenter.StateChanged(to)
}

func (o *Orchestrator) touch() {
	o.lastActivity = o.clock.Now()
}

// Close stops playback and releases the audio channel and the dialogue
// session. Run calls it on exit; further calls return the first result.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		// Nothing queued may play after teardown.
		o.audio.StopPlayback(o.interrupts.current() + 1)

		o.closeErr = errors.Join(o.audio.Close(), o.link.Close())
		o.logger.Info("conversation torn down", "state", o.machine.State().String())
	})
	return o.closeErr
}
