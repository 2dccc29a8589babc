package audio

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
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
)

var ErrChannelClosed = errors.New("audio channel closed")

// Channel drives a Hardware backend from two dedicated workers: capture
// pushes resampled frames to Frames, playback drains the PlaybackBuffer into
// the device.
type Channel struct {
	hw     Hardware
	cfg    DeviceConfig
	logger *slog.Logger
	clock  clock.Clock

	frames   chan Frame
	errs     chan error
	playback *PlaybackBuffer

	// writeMu serializes device writes with output restarts.
	writeMu      sync.Mutex
	upsampler    *Resampler
	needsRestart atomic.Bool

	captureDropped atomic.Uint64
	restarts       atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	opened    atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

type ChannelOption func(*Channel)

// WithLogger overrides the package logger.
func WithLogger(logger *slog.Logger) ChannelOption {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces the wall clock used for the stop budget and join
// timeout.
func WithClock(clk clock.Clock) ChannelOption {
	return func(c *Channel) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithRegisterer exposes the channel counters on reg.
func WithRegisterer(reg prometheus.Registerer) ChannelOption {
	return func(c *Channel) {
		c.registerMetrics(reg)
	}
}

func NewChannel(hw Hardware, cfg DeviceConfig, opts ...ChannelOption) *Channel {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.HardwareSampleRate == 0 {
		cfg.HardwareSampleRate = cfg.SampleRate
	}
	if cfg.InputChannels < 1 {
		cfg.InputChannels = 1
	}
	if cfg.OutputChannels < 1 {
		cfg.OutputChannels = 1
	}
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 1024
	}
	if cfg.CaptureCapacity < 1 {
		cfg.CaptureCapacity = 32
	}
	if cfg.PlaybackCapacity < 1 {
		cfg.PlaybackCapacity = 256
	}
	if cfg.StopBudget <= 0 {
		cfg.StopBudget = 50 * time.Millisecond
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 2 * time.Second
	}

	c := &Channel{
		hw:        hw,
		cfg:       cfg,
		logger:    logger,
		clock:     clock.New(),
		frames:    make(chan Frame, cfg.CaptureCapacity),
		errs:      make(chan error, 1),
		playback:  NewPlaybackBuffer(cfg.PlaybackCapacity),
		upsampler: NewResampler(cfg.SampleRate, cfg.HardwareSampleRate),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Channel) Config() DeviceConfig {
	return c.cfg
}

// Open opens the device and starts the workers. On failure the returned
// error is a *DeviceError carrying the enumerated devices.
func (c *Channel) Open(ctx context.Context) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if c.opened.Load() {
		return nil
	}

	_, span := tracer.Start(ctx, "open audio channel")
	defer span.End()
	span.SetAttributes(
		attribute.Int("audio.hardware_sample_rate", c.cfg.HardwareSampleRate),
		attribute.Int("audio.sample_rate", c.cfg.SampleRate),
	)

	if err := c.hw.Open(c.cfg); err != nil {
		devices, _ := c.hw.Devices()
		deviceErr := &DeviceError{Op: "open", Devices: devices, Err: err}
		c.logger.Error("failed to open audio device",
			"error", err,
			"input_device", c.cfg.InputDevice,
			"output_device", c.cfg.OutputDevice,
			"devices", formatDevices(devices))
		span.RecordError(deviceErr)
		return deviceErr
	}
	c.opened.Store(true)

	c.wg.Add(2)
	go c.captureWorker()
	go c.playbackWorker()

	return nil
}

// Frames yields captured frames at the configured sample rate. When the loop
// falls behind the oldest frames are dropped.
func (c *Channel) Frames() <-chan Frame {
	return c.frames
}

// Errors yields asynchronous device failures from the workers.
func (c *Channel) Errors() <-chan error {
	return c.errs
}

func (c *Channel) Devices() ([]DeviceInfo, error) {
	return c.hw.Devices()
}

// EnqueuePlayback queues a frame for output. Stale frames are refused.
func (c *Channel) EnqueuePlayback(frame Frame) bool {
	if c.closed.Load() {
		return false
	}
	return c.playback.Push(frame)
}

// StopPlayback silences output for everything below epoch: buffered frames
// are discarded and the hardware stream is aborted and restarted so data
// already committed to the device is not played. It returns within the
// configured stop budget even if a write is in flight.
func (c *Channel) StopPlayback(epoch uint64) {
	discarded := c.playback.Raise(epoch)

	if !c.opened.Load() || c.closed.Load() {
		return
	}

	if err := c.hw.AbortOutput(); err != nil {
		c.logger.Warn("failed to abort playback stream", "error", err)
	}
	c.needsRestart.Store(true)

	done := make(chan struct{})
	go func() {
		defer close(done)

		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		c.restartOutputLocked()
	}()

	timer := c.clock.Timer(c.cfg.StopBudget)
	defer timer.Stop()

	select {
	case <-done:
		c.logger.Debug("playback stopped", "epoch", epoch, "discarded", discarded)
	case <-timer.C:
		c.logger.Warn("playback restart still pending after stop budget",
			"epoch", epoch, "budget", c.cfg.StopBudget)
	}
}

// restartOutputLocked restarts the output stream if an abort is pending. The
// caller must hold writeMu.
func (c *Channel) restartOutputLocked() {
	if !c.needsRestart.CompareAndSwap(true, false) {
		return
	}

	c.upsampler.Reset()
	if err := c.hw.RestartOutput(); err != nil {
		c.logger.Warn("failed to restart playback stream", "error", err)
		c.reportError(&DeviceError{Op: "restart output", Err: err})
		return
	}
	c.restarts.Add(1)
}

// Close stops the workers, waiting at most the join timeout, then closes the
// device. It is safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.playback.Close()

		if !c.opened.Load() {
			return
		}

		joined := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(joined)
		}()

		timer := c.clock.Timer(c.cfg.JoinTimeout)
		defer timer.Stop()

		select {
		case <-joined:
		case <-timer.C:
			c.logger.Warn("audio workers did not stop in time", "timeout", c.cfg.JoinTimeout)
		}

		if closeErr := c.hw.Close(); closeErr != nil {
			err = fmt.Errorf("failed to close audio device: %w", closeErr)
		}
	})
	return err
}

func (c *Channel) captureWorker() {
	defer c.wg.Done()

	downsampler := NewResampler(c.cfg.HardwareSampleRate, c.cfg.SampleRate)
	buf := make([]int16, c.cfg.ChunkSize*c.cfg.InputChannels)
	var seq uint64

	for {
		if c.ctx.Err() != nil {
			return
		}

		if err := c.hw.Read(buf); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.reportError(&DeviceError{Op: "read", Err: err})
			return
		}

		samples := downsampler.Process(Downmix(buf, c.cfg.InputChannels))
		if len(samples) == 0 {
			continue
		}

		seq++
		c.pushCapture(Frame{
			Samples:    samples,
			SampleRate: c.cfg.SampleRate,
			Channels:   1,
			Seq:        seq,
		})
	}
}

func (c *Channel) pushCapture(frame Frame) {
	for {
		select {
		case c.frames <- frame:
			return
		default:
		}

		select {
		case <-c.frames:
			c.captureDropped.Add(1)
		default:
		}
	}
}

func (c *Channel) playbackWorker() {
	defer c.wg.Done()

	var lastSeq uint64
	var lastEpoch uint64
	for {
		frame, err := c.playback.Pop(c.ctx)
		if err != nil {
			return
		}

		if frame.Epoch == lastEpoch && frame.Seq != 0 && frame.Seq <= lastSeq {
			c.logger.Debug("dropping out of order playback frame", "seq", frame.Seq, "last_seq", lastSeq)
			continue
		}
		lastEpoch, lastSeq = frame.Epoch, frame.Seq

		if err := c.write(frame); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.reportError(&DeviceError{Op: "write", Err: err})
			return
		}
	}
}

func (c *Channel) write(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.restartOutputLocked()
	if frame.Epoch < c.playback.Floor() {
		c.playback.stale.Add(1)
		return nil
	}

	samples := frame.Samples
	if frame.SampleRate == c.cfg.SampleRate {
		samples = c.upsampler.Process(samples)
	} else if frame.SampleRate != c.cfg.HardwareSampleRate {
		samples = NewResampler(frame.SampleRate, c.cfg.HardwareSampleRate).Process(samples)
	}
	samples = Upmix(samples, c.cfg.OutputChannels)

	err := c.hw.Write(samples)
	if err == nil {
		return nil
	}

	// An abort raced with the write.
	if frame.Epoch < c.playback.Floor() {
		return nil
	}
	if c.needsRestart.Load() {
		c.restartOutputLocked()
		return c.hw.Write(samples)
	}
	return err
}

func (c *Channel) reportError(err error) {
	devices, _ := c.hw.Devices()
	var deviceErr *DeviceError
	if errors.As(err, &deviceErr) && deviceErr.Devices == nil {
		deviceErr.Devices = devices
	}

	c.logger.Error("audio worker failed", "error", err, "devices", formatDevices(devices))
	select {
	case c.errs <- err:
	default:
	}
}

func (c *Channel) registerMetrics(reg prometheus.Registerer) {
	factory := promauto.With(reg)
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "talk_capture_frames_dropped_total",
		Help: "Captured frames dropped because the conversation loop fell behind.",
	}, func() float64 { return float64(c.captureDropped.Load()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "talk_playback_frames_overflowed_total",
		Help: "Playback frames evicted because the playback buffer was full.",
	}, func() float64 { return float64(c.playback.Overflowed()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "talk_playback_frames_stale_total",
		Help: "Playback frames discarded for belonging to an interrupted epoch.",
	}, func() float64 { return float64(c.playback.Stale()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "talk_playback_restarts_total",
		Help: "Output stream restarts performed to silence playback.",
	}, func() float64 { return float64(c.restarts.Load()) })
}
