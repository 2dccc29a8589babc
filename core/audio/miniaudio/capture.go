package miniaudio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/ym-dskr/talk-system/core/audio"
)

// maxCapturedSamples caps how much captured audio is held while nobody reads.
const maxCapturedSamples = 48000

type captureClient struct {
	device *malgo.Device
	config malgo.DeviceConfig

	mu       sync.Mutex
	audioMu  sync.Mutex
	ready    *sync.Cond
	captured []int16
	closed   bool
}

func (c *captureClient) Init(audioContext *malgo.AllocatedContext, cfg audio.DeviceConfig, deviceID *malgo.DeviceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sampleRate := uint32(cfg.HardwareSampleRate)
	channels := cfg.InputChannels
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * channels

	c.config = malgo.DefaultDeviceConfig(malgo.Capture)
	c.config.SampleRate = sampleRate
	c.config.Capture.Format = format
	c.config.Capture.Channels = uint32(channels)
	if deviceID != nil {
		c.config.Capture.DeviceID = deviceID.Pointer()
	}
	c.config.Alsa.NoMMap = 1
	c.config.PerformanceProfile = malgo.LowLatency
	c.config.PeriodSizeInFrames = uint32(cfg.ChunkSize)
	c.config.Periods = 3

	c.audioMu.Lock()
	c.ready = sync.NewCond(&c.audioMu)
	c.captured = nil
	c.closed = false
	c.audioMu.Unlock()

	var err error
	c.device, err = malgo.InitDevice(audioContext.Context, c.config, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if len(pInput) < n || n == 0 {
				return
			}
			c.push(pInput[:n])
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}

	return nil
}

func (c *captureClient) push(data []byte) {
	c.audioMu.Lock()
	defer c.audioMu.Unlock()

	for i := 0; i+1 < len(data); i += 2 {
		c.captured = append(c.captured, int16(binary.LittleEndian.Uint16(data[i:])))
	}
	if overflow := len(c.captured) - maxCapturedSamples; overflow > 0 {
		c.captured = c.captured[overflow:]
	}
	c.ready.Broadcast()
}

// Read blocks until buf can be filled completely.
func (c *captureClient) Read(buf []int16) error {
	if c.ready == nil {
		return fmt.Errorf("device not initialized")
	}

	c.audioMu.Lock()
	defer c.audioMu.Unlock()

	for len(c.captured) < len(buf) && !c.closed {
		c.ready.Wait()
	}
	if c.closed {
		return errClosed
	}

	copy(buf, c.captured[:len(buf)])
	c.captured = c.captured[len(buf):]
	return nil
}

func (c *captureClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return fmt.Errorf("device not initialized")
	} else if c.device.IsStarted() {
		return nil
	}

	if err := c.device.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	return nil
}

func (c *captureClient) Uninit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ready != nil {
		c.audioMu.Lock()
		c.closed = true
		c.ready.Broadcast()
		c.audioMu.Unlock()
	}

	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	return nil
}
