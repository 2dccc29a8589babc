package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/ym-dskr/talk-system/core/audio"
	"github.com/ym-dskr/talk-system/core/events"
	"github.com/ym-dskr/talk-system/internal/ringqueue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Conn is one message oriented connection to the dialogue service. Reads and
// writes each happen from a single goroutine. Close must unblock a pending
// ReadMessage.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Session is one live connection. Every reconnect creates a new session with
// the next generation.
type Session struct {
	ID         string
	Generation uint64
	OpenedAt   time.Time

	conn      Conn
	done      chan struct{}
	closeOnce sync.Once

	// readerDone is closed when the session's reader has stopped forwarding
	// events.
	readerDone chan struct{}
}

func newSession(conn Conn, generation uint64, openedAt time.Time) *Session {
	return &Session{
		ID:         uuid.NewString(),
		Generation: generation,
		OpenedAt:   openedAt,
		conn:       conn,
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

// Done is closed once the session has ended for any reason.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// close ends the session and reports whether this call ended it.
func (s *Session) close() (closed bool, err error) {
	s.closeOnce.Do(func() {
		closed = true
		close(s.done)
		err = s.conn.Close()
	})
	return closed, err
}

type outboundAudio struct {
	epoch   uint64
	payload []byte
}

// Link owns the dialogue session: it connects with bounded retries, moves
// outbound messages through bounded queues and turns inbound messages into
// typed events.
type Link struct {
	dialer Dialer
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	events  chan events.Event
	errs    chan error
	control chan []byte
	audio   *ringqueue.Queue[outboundAudio]

	mu         sync.Mutex
	session    *Session
	latest     *Session // last opened session, kept after it is lost
	generation uint64
	closed     bool

	connectAttempts atomic.Uint64
	audioDropped    atomic.Uint64
	audioDiscarded  atomic.Uint64
	protocolErrors  atomic.Uint64
}

type LinkOption func(*Link)

func WithLogger(logger *slog.Logger) LinkOption {
	return func(l *Link) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock replaces the clock used to wait between connection attempts.
func WithClock(clk clock.Clock) LinkOption {
	return func(l *Link) {
		if clk != nil {
			l.clock = clk
		}
	}
}

func WithRegisterer(reg prometheus.Registerer) LinkOption {
	return func(l *Link) {
		l.registerMetrics(reg)
	}
}

func NewLink(dialer Dialer, cfg Config, opts ...LinkOption) *Link {
	cfg = cfg.withDefaults()
	l := &Link{
		dialer:  dialer,
		cfg:     cfg,
		clock:   clock.New(),
		logger:  logger,
		events:  make(chan events.Event, cfg.EventQueueCapacity),
		errs:    make(chan error, 1),
		control: make(chan []byte, cfg.ControlQueueCapacity),
		audio:   ringqueue.New[outboundAudio](cfg.AudioQueueCapacity),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Connect establishes a new session, trying up to MaxAttempts times with
// ReconnectDelay between attempts. After the last failed attempt it returns
// a *ConnectionError.
func (l *Link) Connect(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "connect dialogue")
	defer span.End()

	maxAttempts := l.cfg.MaxAttempts
	delay := l.cfg.ReconnectDelay
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := l.wait(ctx, delay); err != nil {
				connErr := &ConnectionError{Attempts: attempt - 1, Err: err}
				span.RecordError(connErr)
				span.SetStatus(codes.Error, connErr.Error())
				return connErr
			}
			delay = l.cfg.nextDelay(delay)
		}

		l.connectAttempts.Add(1)
		l.logger.Info("connecting to dialogue service", "attempt", attempt, "max_attempts", maxAttempts)

		session, err := l.open(ctx)
		if err == nil {
			span.SetAttributes(
				attribute.Int("dialogue.attempts", attempt),
				attribute.Int64("dialogue.generation", int64(session.Generation)),
			)
			l.logger.Info("dialogue session established",
				"session", session.ID,
				"generation", session.Generation,
				"attempt", attempt)
			return nil
		}
		if errors.Is(err, ErrLinkClosed) {
			return err
		}

		lastErr = err
		l.logger.Warn("dialogue connection attempt failed",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"error", err)
	}

	connErr := &ConnectionError{Attempts: maxAttempts, Err: lastErr}
	span.RecordError(connErr)
	span.SetStatus(codes.Error, connErr.Error())
	l.logger.Error("giving up on dialogue service", "attempts", maxAttempts, "error", lastErr)
	return connErr
}

func (l *Link) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}

	timer := l.clock.Timer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Link) open(ctx context.Context) (*Session, error) {
	if l.isClosed() {
		return nil, ErrLinkClosed
	}

	conn, err := l.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to dial dialogue service: %w", err)
	}

	update, err := NewSessionUpdate(l.cfg.Session)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	payload, err := encodeClientEvent(update)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(payload); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to send session update: %w", err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = conn.Close()
		return nil, ErrLinkClosed
	}
	previous := l.latest
	l.generation++
	session := newSession(conn, l.generation, l.clock.Now())
	l.session = session
	l.latest = session
	l.mu.Unlock()

	if previous != nil {
		_, _ = previous.close()
		<-previous.readerDone
	}

	// Anything queued for or by an earlier session is stale.
	l.audio.Clear()
	l.drainControl()
	if stale := l.drainEvents(); stale > 0 {
		l.logger.Debug("discarded events of a previous session",
			"events", stale,
			"generation", session.Generation)
	}

	go l.readLoop(session)
	go l.writeLoop(session)

	return session, nil
}

func (l *Link) drainControl() {
	for {
		select {
		case <-l.control:
		default:
			return
		}
	}
}

// drainEvents drops inbound events nobody consumed yet. Only called while no
// reader is running.
func (l *Link) drainEvents() int {
	var drained int
	for {
		select {
		case <-l.events:
			drained++
		default:
			return drained
		}
	}
}

func (l *Link) readLoop(session *Session) {
	defer close(session.readerDone)

	for {
		data, err := session.conn.ReadMessage()
		if err != nil {
			l.sessionLost(session, err)
			return
		}

		event, err := decodeServerEvent(data)
		if err != nil {
			l.protocolErrors.Add(1)
			l.logger.Warn("ignoring malformed dialogue message", "error", err)
			continue
		}
		if event == nil {
			continue
		}
		event = events.Stamp(event, l.clock.Now())

		if serviceErr, ok := event.(events.Error); ok && serviceErr.Code == events.ErrorCodeCancelNotActive {
			l.logger.Debug("no active response to cancel")
			continue
		}

		select {
		case l.events <- event:
		case <-session.done:
			return
		}
	}
}

func (l *Link) writeLoop(session *Session) {
	for {
		select {
		case <-session.done:
			return
		case payload := <-l.control:
			if !l.write(session, payload) {
				return
			}
			continue
		default:
		}

		if item, ok := l.audio.TryPop(); ok {
			if !l.write(session, item.payload) {
				return
			}
			continue
		}

		select {
		case <-session.done:
			return
		case payload := <-l.control:
			if !l.write(session, payload) {
				return
			}
		case <-l.audio.Signal():
		}
	}
}

func (l *Link) write(session *Session, payload []byte) bool {
	if err := session.conn.WriteMessage(payload); err != nil {
		l.sessionLost(session, err)
		return false
	}
	return true
}

// sessionLost reports an unexpected end of session. Sessions closed by the
// link itself are not reported.
func (l *Link) sessionLost(session *Session, cause error) {
	closed, _ := session.close()
	if !closed {
		return
	}

	l.mu.Lock()
	if l.session == session {
		l.session = nil
	}
	l.mu.Unlock()

	err := &ConnectionError{Generation: session.Generation, Err: cause}
	l.logger.Warn("dialogue session lost",
		"session", session.ID,
		"generation", session.Generation,
		"error", cause)

	select {
	case l.errs <- err:
	default:
	}
}

// Send queues an outbound control message.
func (l *Link) Send(event ClientEvent) error {
	if !l.Connected() {
		return ErrNotConnected
	}

	payload, err := encodeClientEvent(event)
	if err != nil {
		return err
	}

	select {
	case l.control <- payload:
		return nil
	default:
		return ErrOutboundFull
	}
}

// SendAudio queues captured audio for the service. When the queue is full the
// oldest audio is dropped.
func (l *Link) SendAudio(frame audio.Frame) error {
	if !l.Connected() {
		return ErrNotConnected
	}

	payload, err := encodeClientEvent(NewInputAudioAppend(frame.Bytes()))
	if err != nil {
		return err
	}

	if evicted := l.audio.Push(outboundAudio{epoch: frame.Epoch, payload: payload}); evicted {
		l.audioDropped.Add(1)
	}
	return nil
}

// DiscardPendingAudio drops queued audio that has not been transmitted and
// belongs to an epoch before epoch.
func (l *Link) DiscardPendingAudio(epoch uint64) int {
	discarded := l.audio.Filter(func(item outboundAudio) bool { return item.epoch >= epoch })
	l.audioDiscarded.Add(uint64(discarded))
	return discarded
}

// CancelActiveResponse asks the service to stop the current response and
// clear its output buffer. The service may still send audio for a while.
func (l *Link) CancelActiveResponse() error {
	return errors.Join(
		l.Send(&ResponseCancel{}),
		l.Send(&OutputAudioClear{}),
	)
}

func (l *Link) Events() <-chan events.Event {
	return l.events
}

// Errors yields a *ConnectionError whenever a live session ends unexpectedly.
func (l *Link) Errors() <-chan error {
	return l.errs
}

func (l *Link) Session() *Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

func (l *Link) Connected() bool {
	return l.Session() != nil
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close ends the current session. It is safe to call more than once.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	session := l.session
	l.session = nil
	l.mu.Unlock()

	l.audio.Close()
	if session == nil {
		return nil
	}

	if _, err := session.close(); err != nil {
		return fmt.Errorf("failed to close dialogue session: %w", err)
	}
	l.logger.Info("dialogue session closed", "session", session.ID, "generation", session.Generation)
	return nil
}

func (l *Link) registerMetrics(reg prometheus.Registerer) {
	factory := promauto.With(reg)
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "talk_dialogue_connect_attempts_total",
		Help: "Connection attempts made to the dialogue service.",
	}, func() float64 { return float64(l.connectAttempts.Load()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "talk_dialogue_audio_dropped_total",
		Help: "Outbound audio frames dropped because the send queue was full.",
	}, func() float64 { return float64(l.audioDropped.Load()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "talk_dialogue_audio_discarded_total",
		Help: "Outbound audio frames discarded by a barge-in before transmission.",
	}, func() float64 { return float64(l.audioDiscarded.Load()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "talk_dialogue_protocol_errors_total",
		Help: "Malformed inbound dialogue messages.",
	}, func() float64 { return float64(l.protocolErrors.Load()) })
}
