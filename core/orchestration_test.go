package orchestration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ym-dskr/talk-system/core/audio"
	"github.com/ym-dskr/talk-system/core/dialogue"
	"github.com/ym-dskr/talk-system/core/events"
	"github.com/ym-dskr/talk-system/core/presentation"
	"github.com/ym-dskr/talk-system/core/state"
	"github.com/ym-dskr/talk-system/core/tools"
)

func TestConversationFollowsTransitionTable(t *testing.T) {
	ops := &opLog{}
	channel := newFakeAudio(ops)
	link := newFakeLink(ops)
	presenter := newRecordingPresenter()
	logs := &lockedBuffer{}

	o := NewOrchestrator(channel, link,
		WithPresenter(presenter),
		WithLogger(slog.New(slog.NewTextHandler(logs, nil))),
	)
	run := startOrchestrator(t, o)

	presenter.waitForState(t, state.Listening)

	link.deliver(events.NewSpeechStarted("item_1", 0))
	presenter.waitForState(t, state.Processing)

	link.deliver(events.NewUserTranscript("item_1", "what is the weather"))
	link.deliver(events.NewResponseCreated("resp_1"))
	presenter.waitForState(t, state.Speaking)

	link.deliver(events.NewAudioDelta("resp_1", "item_2", []byte{1, 0, 2, 0}))
	link.deliver(events.NewTranscriptDelta("resp_1", "It is "))
	link.deliver(events.NewTranscriptDelta("resp_1", "sunny"))
	link.deliver(events.NewTranscriptDone("resp_1", "It is sunny."))
	link.deliver(events.NewResponseDone("resp_1", "completed"))
	presenter.waitForState(t, state.Listening)

	run.stop(t)

	expectedStates := []state.State{state.Listening, state.Processing, state.Speaking, state.Listening}
	if got := presenter.stateHistory(); !equalStates(got, expectedStates) {
		t.Fatalf("expected states %v, got %v", expectedStates, got)
	}
	if got := strings.Count(logs.String(), `msg="state transition"`); got != len(expectedStates) {
		t.Fatalf("expected %d transition logs, got %d", len(expectedStates), got)
	}

	expectedCaptions := []presentation.Caption{
		{Speaker: presentation.User, Mode: presentation.Replace, Text: "what is the weather"},
		{Speaker: presentation.Assistant, Mode: presentation.Append, Text: "It is "},
		{Speaker: presentation.Assistant, Mode: presentation.Append, Text: "sunny"},
		{Speaker: presentation.Assistant, Mode: presentation.Replace, Text: "It is sunny."},
	}
	captions := presenter.captionHistory()
	if len(captions) != len(expectedCaptions) {
		t.Fatalf("expected %d captions, got %v", len(expectedCaptions), captions)
	}
	for i, caption := range expectedCaptions {
		if captions[i] != caption {
			t.Fatalf("expected caption %d to be %+v, got %+v", i, caption, captions[i])
		}
	}

	played := channel.playedFrames()
	if len(played) != 1 {
		t.Fatalf("expected 1 played frame, got %d", len(played))
	}
	if played[0].SampleRate != audio.DefaultSampleRate || len(played[0].Samples) != 2 {
		t.Fatalf("expected 2 samples at %d Hz, got %d at %d Hz",
			audio.DefaultSampleRate, len(played[0].Samples), played[0].SampleRate)
	}
}

func TestBargeInSilencesInterruptedResponse(t *testing.T) {
	ops := &opLog{}
	channel := newFakeAudio(ops)
	link := newFakeLink(ops)
	presenter := newRecordingPresenter()
	reg := prometheus.NewRegistry()

	o := NewOrchestrator(channel, link, WithPresenter(presenter), WithRegisterer(reg))
	run := startOrchestrator(t, o)
	defer run.stop(t)

	presenter.waitForState(t, state.Listening)
	link.deliver(events.NewSpeechStarted("item_1", 0))
	link.deliver(events.NewResponseCreated("resp_1"))
	presenter.waitForState(t, state.Speaking)

	link.deliver(events.NewAudioDelta("resp_1", "item_2", []byte{1, 0}))
	channel.waitForPlayed(t, 1)
	mark := ops.len()

	link.deliver(events.NewSpeechStarted("item_3", 0))
	presenter.waitForState(t, state.Processing)

	if got, expected := ops.since(mark), []string{"stop 2", "discard 2", "cancel"}; !equalStrings(got, expected) {
		t.Fatalf("expected barge-in sequence %v, got %v", expected, got)
	}

	for range 3 {
		link.deliver(events.NewAudioDelta("resp_1", "item_2", []byte{9, 0}))
	}
	link.deliver(events.NewResponseDone("resp_1", "cancelled"))
	waitUntil(t, func() bool { return o.Stats().DroppedStaleFrames == 3 })

	if got := testutil.ToFloat64(o.metrics.staleFrames); got != 3 {
		t.Fatalf("expected stale frame counter 3, got %v", got)
	}
	if got := o.State(); got != state.Processing {
		t.Fatalf("expected interrupted response completion to leave state processing, got %s", got)
	}

	link.deliver(events.NewResponseCreated("resp_2"))
	presenter.waitForState(t, state.Speaking)
	link.deliver(events.NewAudioDelta("resp_2", "item_4", []byte{4, 0}))
	channel.waitForPlayed(t, 2)

	played := channel.playedFrames()
	if played[0].Epoch != 1 {
		t.Fatalf("expected first response in epoch 1, got %d", played[0].Epoch)
	}
	for _, frame := range played[1:] {
		if frame.Epoch != 2 {
			t.Fatalf("expected only epoch 2 audio after the barge-in, got epoch %d", frame.Epoch)
		}
		if frame.Samples[0] != 4 {
			t.Fatalf("expected audio of the new response, got sample %d", frame.Samples[0])
		}
	}

	stats := o.Stats()
	if stats.Epoch != 2 || stats.Interrupts != 1 {
		t.Fatalf("expected epoch 2 with 1 interrupt, got epoch %d with %d interrupts", stats.Epoch, stats.Interrupts)
	}
	if got := testutil.ToFloat64(o.metrics.interrupts); got != 1 {
		t.Fatalf("expected interrupt counter 1, got %v", got)
	}
}

func TestSpeechStartWhileListeningStopsPlaybackOnly(t *testing.T) {
	ops := &opLog{}
	channel := newFakeAudio(ops)
	link := newFakeLink(ops)
	presenter := newRecordingPresenter()

	o := NewOrchestrator(channel, link, WithPresenter(presenter))
	run := startOrchestrator(t, o)
	defer run.stop(t)

	presenter.waitForState(t, state.Listening)
	mark := ops.len()

	link.deliver(events.NewSpeechStarted("item_1", 0))
	presenter.waitForState(t, state.Processing)

	if got := ops.since(mark); !equalStrings(got, []string{"stop 1"}) {
		t.Fatalf("expected only playback to stop while listening, got %v", got)
	}
	if got := o.Stats().Epoch; got != 1 {
		t.Fatalf("expected epoch 1, got %d", got)
	}
	if got := o.Stats().Interrupts; got != 0 {
		t.Fatalf("expected no interrupt while listening, got %d", got)
	}

	mark = ops.len()
	link.deliver(events.NewSpeechStarted("item_2", 0))
	waitUntil(t, func() bool { return o.Stats().Epoch == 2 })
	if got := ops.since(mark); !equalStrings(got, []string{"stop 2", "discard 2", "cancel"}) {
		t.Fatalf("expected barge-in while processing, got %v", got)
	}
	if got := presenter.stateHistory(); !equalStates(got, []state.State{state.Listening, state.Processing}) {
		t.Fatalf("expected no extra transition when already processing, got %v", got)
	}
}

func TestSpeechStartWhileListeningSilencesQueuedAnswer(t *testing.T) {
	hw := newPacedHardware()
	defer hw.release()

	channel := audio.NewChannel(hw, audio.DefaultDeviceConfig())
	link := newFakeLink(&opLog{})
	presenter := newRecordingPresenter()

	o := NewOrchestrator(channel, link, WithPresenter(presenter))
	run := startOrchestrator(t, o)
	defer run.stop(t)

	presenter.waitForState(t, state.Listening)
	link.deliver(events.NewSpeechStarted("item_1", 0))
	link.deliver(events.NewResponseCreated("resp_1"))
	for range 5 {
		link.deliver(events.NewAudioDelta("resp_1", "item_2", constantPCM(1000, 240)))
	}
	link.deliver(events.NewResponseDone("resp_1", "completed"))

	// The answer is fully generated but still queued behind the device.
	presenter.waitForStates(t, 4)
	if got := o.State(); got != state.Listening {
		t.Fatalf("expected listening after response.done, got %s", got)
	}
	hw.waitBlocked(t)

	link.deliver(events.NewSpeechStarted("item_3", 0))
	waitUntil(t, func() bool { return o.Stats().Epoch == 2 && o.State() == state.Processing })
	hw.release()

	link.deliver(events.NewResponseCreated("resp_2"))
	link.deliver(events.NewAudioDelta("resp_2", "item_4", constantPCM(-2000, 240)))
	waitUntil(t, func() bool { return hw.wrote(-2000) })

	if hw.wrote(1000) {
		t.Fatalf("expected no audio of the previous answer after the user started speaking")
	}
}

func TestCaptureIsForwardedOnlyWhileActive(t *testing.T) {
	ops := &opLog{}
	channel := newFakeAudio(ops)
	link := newFakeLink(ops)
	presenter := newRecordingPresenter()

	o := NewOrchestrator(channel, link, WithPresenter(presenter))
	run := startOrchestratorWithoutActivation(t, o)
	defer run.stop(t)

	channel.capture(audio.Frame{Samples: []int16{1}, SampleRate: audio.DefaultSampleRate, Channels: 1, Seq: 1})
	time.Sleep(50 * time.Millisecond)
	if got := link.sentAudio(); len(got) != 0 {
		t.Fatalf("expected no audio to be sent while idle, got %d frames", len(got))
	}

	o.Activate()
	presenter.waitForState(t, state.Listening)
	link.deliver(events.NewSpeechStarted("item_1", 0))
	presenter.waitForState(t, state.Processing)

	channel.capture(audio.Frame{Samples: []int16{2}, SampleRate: audio.DefaultSampleRate, Channels: 1, Seq: 2})
	waitUntil(t, func() bool { return len(link.sentAudio()) == 1 })

	frame := link.sentAudio()[0]
	if frame.Samples[0] != 2 {
		t.Fatalf("expected the frame captured while active, got sample %d", frame.Samples[0])
	}
	if frame.Epoch != 1 {
		t.Fatalf("expected frame stamped with epoch 1, got %d", frame.Epoch)
	}
}

func TestStaleAudioAgeFollowsOrchestratorClock(t *testing.T) {
	ops := &opLog{}
	link := newFakeLink(ops)
	logs := &lockedBuffer{}
	mock := clock.NewMock()

	o := NewOrchestrator(newFakeAudio(ops), link,
		WithClock(mock),
		WithLogger(slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))),
	)
	startOrchestrator(t, o)
	waitUntil(t, func() bool { return o.State() == state.Listening })

	delta := events.Stamp(events.NewAudioDelta("resp_0", "item_0", []byte{1, 0}), mock.Now())
	advance(mock, 250*time.Millisecond)
	link.deliver(delta)
	waitUntil(t, func() bool { return o.Stats().DroppedStaleFrames == 1 })

	if !strings.Contains(logs.String(), "age=250ms") {
		t.Fatalf("expected stale audio age measured on the orchestrator clock, got %q", logs.String())
	}
}

func TestInactivityEndsConversationOnce(t *testing.T) {
	ops := &opLog{}
	channel := newFakeAudio(ops)
	link := newFakeLink(ops)
	presenter := newRecordingPresenter()
	mock := clock.NewMock()

	o := NewOrchestrator(channel, link,
		WithPresenter(presenter),
		WithClock(mock),
		WithConfig(Config{InactivityTimeout: 10 * time.Second}),
	)
	run := startOrchestrator(t, o)
	started := mock.Now()
	presenter.waitForState(t, state.Listening)

	advance(mock, 5*time.Second)
	link.deliver(events.NewUserTranscript("item_1", "hello"))
	presenter.waitForCaptions(t, 1)

	for range 9 {
		advance(mock, time.Second)
	}
	if run.finished() {
		t.Fatalf("expected conversation to survive until 10s after the last activity")
	}

	deadline := time.After(2 * time.Second)
	for !run.finished() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for inactivity shutdown")
		default:
		}
		advance(mock, time.Second)
	}

	if err := run.wait(t); err != nil {
		t.Fatalf("expected graceful shutdown, got %v", err)
	}
	if elapsed := mock.Now().Sub(started); elapsed < 15*time.Second {
		t.Fatalf("expected shutdown no earlier than 15s, got %v", elapsed)
	}
	if got := o.Stats().Shutdowns; got != 1 {
		t.Fatalf("expected 1 shutdown, got %d", got)
	}

	if err := o.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if channel.closeCount() != 1 || link.closeCount() != 1 {
		t.Fatalf("expected teardown once, got %d audio and %d link closes", channel.closeCount(), link.closeCount())
	}
}

func TestLostLinkIsReconnected(t *testing.T) {
	ops := &opLog{}
	channel := newFakeAudio(ops)
	link := newFakeLink(ops)
	presenter := newRecordingPresenter()

	o := NewOrchestrator(channel, link, WithPresenter(presenter))
	run := startOrchestrator(t, o)
	defer run.stop(t)

	presenter.waitForState(t, state.Listening)
	link.fail(&dialogue.ConnectionError{Generation: 1, Err: errors.New("connection reset")})

	waitUntil(t, func() bool { return o.Stats().Reconnects == 1 })
	presenter.waitForStates(t, 3)

	expected := []state.State{state.Listening, state.Error, state.Listening}
	if got := presenter.stateHistory(); !equalStates(got, expected) {
		t.Fatalf("expected states %v, got %v", expected, got)
	}
	if got := link.connectCount(); got != 2 {
		t.Fatalf("expected 2 connects, got %d", got)
	}
}

func TestFailedReconnectTearsDown(t *testing.T) {
	ops := &opLog{}
	channel := newFakeAudio(ops)
	link := newFakeLink(ops)
	link.connectErrs = []error{nil, &dialogue.ConnectionError{Attempts: 3, Err: errors.New("refused")}}
	presenter := newRecordingPresenter()

	o := NewOrchestrator(channel, link, WithPresenter(presenter))
	run := startOrchestrator(t, o)

	presenter.waitForState(t, state.Listening)
	link.fail(&dialogue.ConnectionError{Generation: 1, Err: errors.New("connection reset")})

	err := run.wait(t)
	var connErr *dialogue.ConnectionError
	if !errors.As(err, &connErr) || connErr.Attempts != 3 {
		t.Fatalf("expected terminal ConnectionError, got %v", err)
	}
	if got := o.State(); got != state.Error {
		t.Fatalf("expected error state, got %s", got)
	}
	if channel.closeCount() != 1 || link.closeCount() != 1 {
		t.Fatalf("expected teardown once, got %d audio and %d link closes", channel.closeCount(), link.closeCount())
	}
}

func TestAudioFailureTearsDown(t *testing.T) {
	ops := &opLog{}
	channel := newFakeAudio(ops)
	link := newFakeLink(ops)
	presenter := newRecordingPresenter()

	o := NewOrchestrator(channel, link, WithPresenter(presenter))
	run := startOrchestrator(t, o)

	presenter.waitForState(t, state.Listening)
	channel.fail(&audio.DeviceError{Op: "write", Err: errors.New("device unplugged")})

	err := run.wait(t)
	var deviceErr *audio.DeviceError
	if !errors.As(err, &deviceErr) {
		t.Fatalf("expected DeviceError, got %v", err)
	}
	if got := o.State(); got != state.Error {
		t.Fatalf("expected error state, got %s", got)
	}
	if channel.closeCount() != 1 || link.closeCount() != 1 {
		t.Fatalf("expected teardown once, got %d audio and %d link closes", channel.closeCount(), link.closeCount())
	}
}

func TestOpenFailureSkipsConnect(t *testing.T) {
	ops := &opLog{}
	channel := newFakeAudio(ops)
	channel.openErr = &audio.DeviceError{Op: "open", Err: errors.New("no device")}
	link := newFakeLink(ops)

	o := NewOrchestrator(channel, link)
	err := o.Run(context.Background())

	var deviceErr *audio.DeviceError
	if !errors.As(err, &deviceErr) {
		t.Fatalf("expected DeviceError, got %v", err)
	}
	if got := link.connectCount(); got != 0 {
		t.Fatalf("expected no connect attempt, got %d", got)
	}
	if got := o.State(); got != state.Error {
		t.Fatalf("expected error state, got %s", got)
	}
	if channel.closeCount() != 1 {
		t.Fatalf("expected audio channel to be closed once, got %d", channel.closeCount())
	}
	if err := o.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestToolCallIsRelayed(t *testing.T) {
	ops := &opLog{}
	channel := newFakeAudio(ops)
	link := newFakeLink(ops)
	presenter := newRecordingPresenter()
	handler := &fakeToolHandler{release: make(chan struct{}), output: "Sunny, 21 degrees."}

	o := NewOrchestrator(channel, link, WithPresenter(presenter), WithToolHandler(handler))
	run := startOrchestrator(t, o)
	defer run.stop(t)

	presenter.waitForState(t, state.Listening)
	link.deliver(events.NewSpeechStarted("item_1", 0))
	link.deliver(events.NewResponseCreated("resp_1"))
	link.deliver(events.NewFunctionCall("resp_1", "call_1", "web_search", `{"query":"weather"}`))
	link.deliver(events.NewResponseDone("resp_1", "completed"))
	presenter.waitForStates(t, 4)

	close(handler.release)

	output := link.waitForSent(t, 1)[0]
	item, ok := output.(*dialogue.ConversationItemCreate)
	if !ok {
		t.Fatalf("expected conversation.item.create, got %s", output.Type())
	}
	encoded := fmt.Sprintf("%+v", *item)
	if !strings.Contains(encoded, "call_1") || !strings.Contains(encoded, "Sunny, 21 degrees.") {
		t.Fatalf("expected tool output for call_1, got %s", encoded)
	}

	if next := link.waitForSent(t, 2)[1]; next.Type() != "response.create" {
		t.Fatalf("expected response.create, got %s", next.Type())
	}
	presenter.waitForState(t, state.Processing)

	if got := handler.lastCall(); got.Name != "web_search" || got.Arguments != `{"query":"weather"}` {
		t.Fatalf("unexpected tool call %+v", got)
	}
}

func TestToolCallWithoutHandlerReportsFailure(t *testing.T) {
	ops := &opLog{}
	link := newFakeLink(ops)
	presenter := newRecordingPresenter()

	o := NewOrchestrator(newFakeAudio(ops), link, WithPresenter(presenter))
	run := startOrchestrator(t, o)
	defer run.stop(t)

	presenter.waitForState(t, state.Listening)
	link.deliver(events.NewSpeechStarted("item_1", 0))
	link.deliver(events.NewResponseCreated("resp_1"))
	link.deliver(events.NewFunctionCall("resp_1", "call_1", "web_search", `{}`))

	output := link.waitForSent(t, 1)[0]
	if !strings.Contains(fmt.Sprintf("%+v", output), "failed") {
		t.Fatalf("expected failure output, got %+v", output)
	}
}

func TestToolCallOfInterruptedResponseIsNotRun(t *testing.T) {
	ops := &opLog{}
	link := newFakeLink(ops)
	presenter := newRecordingPresenter()
	handler := &fakeToolHandler{release: make(chan struct{})}
	close(handler.release)

	o := NewOrchestrator(newFakeAudio(ops), link, WithPresenter(presenter), WithToolHandler(handler))
	run := startOrchestrator(t, o)
	defer run.stop(t)

	presenter.waitForState(t, state.Listening)
	link.deliver(events.NewSpeechStarted("item_1", 0))
	link.deliver(events.NewResponseCreated("resp_1"))
	link.deliver(events.NewSpeechStarted("item_2", 0))
	link.deliver(events.NewFunctionCall("resp_1", "call_1", "web_search", `{"query":"weather"}`))

	skipped := o.metrics.toolCalls.WithLabelValues("web_search", "skipped")
	waitUntil(t, func() bool { return testutil.ToFloat64(skipped) == 1 })

	if got := handler.lastCall(); got.ID != "" {
		t.Fatalf("expected interrupted tool call not to run, got %+v", got)
	}
	if got := link.sentEvents(); len(got) != 0 {
		t.Fatalf("expected nothing sent for the interrupted call, got %v", got)
	}
}

func TestToolResultAfterBargeInDoesNotRequestResponse(t *testing.T) {
	ops := &opLog{}
	link := newFakeLink(ops)
	presenter := newRecordingPresenter()
	handler := &fakeToolHandler{release: make(chan struct{}), output: "Sunny, 21 degrees."}

	o := NewOrchestrator(newFakeAudio(ops), link, WithPresenter(presenter), WithToolHandler(handler))
	run := startOrchestrator(t, o)
	defer run.stop(t)

	presenter.waitForState(t, state.Listening)
	link.deliver(events.NewSpeechStarted("item_1", 0))
	link.deliver(events.NewResponseCreated("resp_1"))
	link.deliver(events.NewFunctionCall("resp_1", "call_1", "web_search", `{"query":"weather"}`))
	waitUntil(t, func() bool { return handler.lastCall().ID == "call_1" })

	link.deliver(events.NewSpeechStarted("item_2", 0))
	waitUntil(t, func() bool { return o.Stats().Epoch == 2 && o.State() == state.Processing })
	close(handler.release)

	if output := link.waitForSent(t, 1)[0]; output.Type() != "conversation.item.create" {
		t.Fatalf("expected the tool output to be reported, got %s", output.Type())
	}

	// Events are handled in order, so the tool result is done once the next
	// response has started speaking.
	link.deliver(events.NewResponseCreated("resp_2"))
	waitUntil(t, func() bool { return o.State() == state.Speaking })

	if got := link.sentEvents(); len(got) != 1 {
		t.Fatalf("expected no response.create after the barge-in, got %d events", len(got))
	}
}

type orchestratorRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func startOrchestrator(t *testing.T, o *Orchestrator) *orchestratorRun {
	t.Helper()

	o.Activate()
	return startOrchestratorWithoutActivation(t, o)
}

func startOrchestratorWithoutActivation(t *testing.T, o *Orchestrator) *orchestratorRun {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	run := &orchestratorRun{cancel: cancel, done: make(chan struct{})}
	go func() {
		run.err = o.Run(ctx)
		close(run.done)
	}()
	t.Cleanup(cancel)
	return run
}

func (r *orchestratorRun) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *orchestratorRun) wait(t *testing.T) error {
	t.Helper()

	select {
	case <-r.done:
		return r.err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for orchestrator to stop")
	}
	return nil
}

func (r *orchestratorRun) stop(t *testing.T) {
	t.Helper()

	r.cancel()
	if err := r.wait(t); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
}

// advance moves the mock clock and gives the loop a moment to react.
func advance(mock *clock.Mock, d time.Duration) {
	mock.Add(d)
	time.Sleep(5 * time.Millisecond)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for condition")
		case <-time.After(time.Millisecond):
		}
	}
}

func equalStates(a, b []state.State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalStrings(a, b []string) bool {
	return strings.Join(a, "|") == strings.Join(b, "|")
}

type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ops)
}

func (l *opLog) since(mark int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops[mark:]...)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type recordingPresenter struct {
	mu       sync.Mutex
	states   []state.State
	captions []presentation.Caption
}

func newRecordingPresenter() *recordingPresenter {
	return &recordingPresenter{}
}

func (p *recordingPresenter) StateChanged(current state.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, current)
}

func (p *recordingPresenter) CaptionUpdated(caption presentation.Caption) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captions = append(p.captions, caption)
}

func (p *recordingPresenter) stateHistory() []state.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]state.State(nil), p.states...)
}

func (p *recordingPresenter) captionHistory() []presentation.Caption {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]presentation.Caption(nil), p.captions...)
}

// waitForState waits until the latest reported state is want.
func (p *recordingPresenter) waitForState(t *testing.T, want state.State) {
	t.Helper()

	waitUntil(t, func() bool {
		states := p.stateHistory()
		return len(states) > 0 && states[len(states)-1] == want
	})
}

func (p *recordingPresenter) waitForStates(t *testing.T, n int) {
	t.Helper()
	waitUntil(t, func() bool { return len(p.stateHistory()) >= n })
}

func (p *recordingPresenter) waitForCaptions(t *testing.T, n int) {
	t.Helper()
	waitUntil(t, func() bool { return len(p.captionHistory()) >= n })
}

type fakeAudio struct {
	ops *opLog

	frames chan audio.Frame
	errs   chan error

	mu      sync.Mutex
	openErr error
	played  []audio.Frame
	floor   uint64
	closes  int
}

func newFakeAudio(ops *opLog) *fakeAudio {
	return &fakeAudio{
		ops:    ops,
		frames: make(chan audio.Frame, 16),
		errs:   make(chan error, 1),
	}
}

func (a *fakeAudio) Open(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.openErr
}

func (a *fakeAudio) Frames() <-chan audio.Frame { return a.frames }

func (a *fakeAudio) Errors() <-chan error { return a.errs }

func (a *fakeAudio) EnqueuePlayback(frame audio.Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if frame.Epoch < a.floor {
		return false
	}
	a.played = append(a.played, frame)
	return true
}

func (a *fakeAudio) StopPlayback(epoch uint64) {
	a.mu.Lock()
	a.floor = max(a.floor, epoch)
	a.mu.Unlock()

	a.ops.add(fmt.Sprintf("stop %d", epoch))
}

func (a *fakeAudio) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closes++
	return nil
}

func (a *fakeAudio) capture(frame audio.Frame) {
	a.frames <- frame
}

func (a *fakeAudio) fail(err error) {
	a.errs <- err
}

func (a *fakeAudio) playedFrames() []audio.Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audio.Frame(nil), a.played...)
}

func (a *fakeAudio) waitForPlayed(t *testing.T, n int) {
	t.Helper()
	waitUntil(t, func() bool { return len(a.playedFrames()) >= n })
}

func (a *fakeAudio) closeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closes
}

type fakeLink struct {
	ops *opLog

	events chan events.Event
	errs   chan error

	mu          sync.Mutex
	connectErrs []error
	connects    int
	sent        []dialogue.ClientEvent
	audio       []audio.Frame
	closes      int
}

func newFakeLink(ops *opLog) *fakeLink {
	return &fakeLink{
		ops:    ops,
		events: make(chan events.Event, 64),
		errs:   make(chan error, 1),
	}
}

func (l *fakeLink) Connect(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.connects++
	if len(l.connectErrs) == 0 {
		return nil
	}
	err := l.connectErrs[0]
	l.connectErrs = l.connectErrs[1:]
	return err
}

func (l *fakeLink) Send(event dialogue.ClientEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, event)
	return nil
}

func (l *fakeLink) SendAudio(frame audio.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audio = append(l.audio, frame)
	return nil
}

func (l *fakeLink) DiscardPendingAudio(epoch uint64) int {
	l.ops.add(fmt.Sprintf("discard %d", epoch))
	return 0
}

func (l *fakeLink) CancelActiveResponse() error {
	l.ops.add("cancel")
	return nil
}

func (l *fakeLink) Events() <-chan events.Event { return l.events }

func (l *fakeLink) Errors() <-chan error { return l.errs }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	return nil
}

func (l *fakeLink) deliver(event events.Event) {
	l.events <- event
}

func (l *fakeLink) fail(err error) {
	l.errs <- err
}

func (l *fakeLink) connectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connects
}

func (l *fakeLink) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

func (l *fakeLink) sentAudio() []audio.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]audio.Frame(nil), l.audio...)
}

func (l *fakeLink) sentEvents() []dialogue.ClientEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]dialogue.ClientEvent(nil), l.sent...)
}

func (l *fakeLink) waitForSent(t *testing.T, n int) []dialogue.ClientEvent {
	t.Helper()
	waitUntil(t, func() bool { return len(l.sentEvents()) >= n })
	return l.sentEvents()
}

type fakeToolHandler struct {
	release chan struct{}
	output  string

	mu   sync.Mutex
	last tools.Call
}

func (h *fakeToolHandler) Definitions() []tools.Definition {
	return []tools.Definition{{Name: "web_search", Description: "Searches the web."}}
}

func (h *fakeToolHandler) Call(ctx context.Context, call tools.Call) (string, error) {
	h.mu.Lock()
	h.last = call
	h.mu.Unlock()

	select {
	case <-h.release:
		return h.output, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (h *fakeToolHandler) lastCall() tools.Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

func constantPCM(sample int16, n int) []byte {
	frame := audio.Frame{Samples: make([]int16, n)}
	for i := range frame.Samples {
		frame.Samples[i] = sample
	}
	return frame.Bytes()
}

var errOutputAborted = errors.New("output aborted")

// pacedHardware blocks every write until released, the way a device with a
// full output buffer does. AbortOutput fails the write in flight.
type pacedHardware struct {
	mu       sync.Mutex
	released chan struct{}
	aborted  chan struct{}
	isAbort  bool
	blocked  chan struct{}
	written  [][]int16
	closed   chan struct{}
	once     sync.Once
	freeOnce sync.Once
}

func newPacedHardware() *pacedHardware {
	return &pacedHardware{
		released: make(chan struct{}),
		aborted:  make(chan struct{}),
		blocked:  make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

func (h *pacedHardware) Open(audio.DeviceConfig) error { return nil }

func (h *pacedHardware) Devices() ([]audio.DeviceInfo, error) { return nil, nil }

func (h *pacedHardware) Read(buf []int16) error {
	select {
	case <-h.closed:
		return errOutputAborted
	case <-time.After(20 * time.Millisecond):
	}
	clear(buf)
	return nil
}

func (h *pacedHardware) Write(buf []int16) error {
	h.mu.Lock()
	aborted := h.aborted
	h.mu.Unlock()

	select {
	case h.blocked <- struct{}{}:
	default:
	}

	select {
	case <-h.released:
	case <-aborted:
		return errOutputAborted
	case <-h.closed:
		return errOutputAborted
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.written = append(h.written, append([]int16(nil), buf...))
	return nil
}

func (h *pacedHardware) AbortOutput() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isAbort {
		h.isAbort = true
		close(h.aborted)
	}
	return nil
}

func (h *pacedHardware) RestartOutput() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isAbort {
		h.isAbort = false
		h.aborted = make(chan struct{})
	}
	return nil
}

func (h *pacedHardware) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

func (h *pacedHardware) release() {
	h.freeOnce.Do(func() { close(h.released) })
}

func (h *pacedHardware) waitBlocked(t *testing.T) {
	t.Helper()

	select {
	case <-h.blocked:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a blocked write")
	}
}

func (h *pacedHardware) wrote(sample int16) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, buf := range h.written {
		for _, s := range buf {
			if s == sample {
				return true
			}
		}
	}
	return false
}
