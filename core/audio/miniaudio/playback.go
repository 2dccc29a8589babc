package miniaudio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/ym-dskr/talk-system/core/audio"
)

type playbackClient struct {
	device *malgo.Device
	config malgo.DeviceConfig

	// highWater is how many bytes may wait for the callback before Write
	// blocks.
	highWater int

	mu            sync.Mutex
	audioMu       sync.Mutex
	drained       *sync.Cond
	leftoverAudio []byte
	aborted       bool
	closed        bool
}

func (c *playbackClient) Init(audioContext *malgo.AllocatedContext, cfg audio.DeviceConfig, deviceID *malgo.DeviceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sampleRate := uint32(cfg.HardwareSampleRate)
	channels := cfg.OutputChannels
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * channels

	c.config = malgo.DefaultDeviceConfig(malgo.Playback)
	c.config.SampleRate = sampleRate
	c.config.Playback.Format = format
	c.config.Playback.Channels = uint32(channels)
	if deviceID != nil {
		c.config.Playback.DeviceID = deviceID.Pointer()
	}
	c.config.Alsa.NoMMap = 1
	c.config.PeriodSizeInFrames = sampleRate / 10 // ~100ms of audio
	c.config.Periods = 4

	c.highWater = int(c.config.PeriodSizeInFrames) * bytesPerFrame * 2

	c.audioMu.Lock()
	c.drained = sync.NewCond(&c.audioMu)
	c.leftoverAudio = nil
	c.aborted = false
	c.closed = false
	c.audioMu.Unlock()

	var err error
	if c.device, err = malgo.InitDevice(
		audioContext.Context,
		c.config,
		malgo.DeviceCallbacks{Data: c.processAudio(bytesPerFrame)},
	); err != nil {
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}

	return nil
}

func (c *playbackClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return fmt.Errorf("device not initialized")
	}

	c.audioMu.Lock()
	c.aborted = false
	c.leftoverAudio = nil
	c.audioMu.Unlock()

	if c.device.IsStarted() {
		return nil
	}
	if err := c.device.Start(); err != nil {
		return fmt.Errorf("failed to start playback device: %w", err)
	}

	return nil
}

// Abort stops the device, discards pending audio and releases a blocked
// Write.
func (c *playbackClient) Abort() error {
	c.audioMu.Lock()
	if c.drained != nil {
		c.aborted = true
		c.leftoverAudio = nil
		c.drained.Broadcast()
	}
	c.audioMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return fmt.Errorf("device not initialized")
	}

	if err := c.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop playback device: %w", err)
	}
	return nil
}

// Write queues samples for the callback, blocking while more than the high
// water mark is pending.
func (c *playbackClient) Write(samples []int16) error {
	if c.drained == nil {
		return fmt.Errorf("device not initialized")
	}

	data := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(sample))
	}

	c.audioMu.Lock()
	defer c.audioMu.Unlock()

	for len(c.leftoverAudio) > c.highWater && !c.aborted && !c.closed {
		c.drained.Wait()
	}
	if c.closed {
		return errClosed
	}
	if c.aborted {
		return fmt.Errorf("playback aborted")
	}

	c.leftoverAudio = append(c.leftoverAudio, data...)
	return nil
}

func (c *playbackClient) Uninit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.drained != nil {
		c.audioMu.Lock()
		c.closed = true
		c.drained.Broadcast()
		c.audioMu.Unlock()
	}

	if c.device == nil {
		return fmt.Errorf("device not initialized")
	}

	c.device.Uninit()
	c.device = nil

	return nil
}

func (c *playbackClient) processAudio(bytesPerFrame int) malgo.DataProc {
	return func(pOutput, _ []byte, frameCount uint32) {
		need := min(int(frameCount)*bytesPerFrame, len(pOutput))

		c.audioMu.Lock()
		defer c.audioMu.Unlock()

		n := copy(pOutput[:need], c.leftoverAudio)
		clear(pOutput[n:need])
		c.leftoverAudio = c.leftoverAudio[n:]
		c.drained.Broadcast()
	}
}
