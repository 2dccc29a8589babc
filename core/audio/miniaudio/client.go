package miniaudio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/ym-dskr/talk-system/core/audio"
)

var errClosed = errors.New("miniaudio client closed")

// Client is a malgo backend. The device callbacks are bridged to the
// blocking Read and Write calls the audio channel expects.
type Client struct {
	mu sync.Mutex

	// audioContext is only saved to be able to uninitialize it, it is an
	// ownership thing
	audioContext *malgo.AllocatedContext
	playbackClient
	captureClient
}

func NewClient() *Client {
	return &Client{}
}

func (c *Client) initContextLocked() error {
	if c.audioContext != nil {
		return nil
	}

	audioCtx, err := malgo.InitContext(
		nil,
		malgo.ContextConfig{},
		func(message string) {
			logger.Debug("malgo", "message", message)
		},
	)
	if err != nil {
		return fmt.Errorf("malgo InitContext failed: %w", err)
	}
	c.audioContext = audioCtx
	return nil
}

func (c *Client) Open(cfg audio.DeviceConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.initContextLocked(); err != nil {
		return err
	}

	playbackID, err := c.deviceID(malgo.Playback, cfg.OutputDevice, cfg.OutputDeviceName)
	if err != nil {
		return fmt.Errorf("failed to select playback device: %w", err)
	}
	captureID, err := c.deviceID(malgo.Capture, cfg.InputDevice, cfg.InputDeviceName)
	if err != nil {
		return fmt.Errorf("failed to select capture device: %w", err)
	}

	if err := c.playbackClient.Init(c.audioContext, cfg, playbackID); err != nil {
		return fmt.Errorf("failed to initialize playback client: %w", err)
	}
	if err := c.playbackClient.Start(); err != nil {
		return fmt.Errorf("failed to start playback device: %w", err)
	}

	if err := c.captureClient.Init(c.audioContext, cfg, captureID); err != nil {
		return fmt.Errorf("failed to initialize capture client: %w", err)
	}
	if err := c.captureClient.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}

	return nil
}

// deviceID resolves the configured device. Playback and capture devices are
// numbered in one list, playback first, matching Devices.
func (c *Client) deviceID(kind malgo.DeviceType, index int, name string) (*malgo.DeviceID, error) {
	infos, err := c.devicesLocked()
	if err != nil {
		return nil, err
	}

	selected, ok, err := audio.SelectDevice(infos, index, name, kind == malgo.Capture)
	if err != nil || !ok {
		return nil, err
	}

	playback, err := c.audioContext.Devices(malgo.Playback)
	if err != nil {
		return nil, err
	}
	if selected.Index < len(playback) {
		id := playback[selected.Index].ID
		return &id, nil
	}

	capture, err := c.audioContext.Devices(malgo.Capture)
	if err != nil {
		return nil, err
	}
	id := capture[selected.Index-len(playback)].ID
	return &id, nil
}

func (c *Client) Devices() ([]audio.DeviceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.initContextLocked(); err != nil {
		return nil, err
	}
	return c.devicesLocked()
}

func (c *Client) devicesLocked() ([]audio.DeviceInfo, error) {
	playback, err := c.audioContext.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("failed to list playback devices: %w", err)
	}
	capture, err := c.audioContext.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to list capture devices: %w", err)
	}

	infos := make([]audio.DeviceInfo, 0, len(playback)+len(capture))
	for _, device := range playback {
		infos = append(infos, audio.DeviceInfo{
			Index:             len(infos),
			Name:              device.Name(),
			MaxOutputChannels: 2,
			IsDefault:         device.IsDefault != 0,
		})
	}
	for _, device := range capture {
		infos = append(infos, audio.DeviceInfo{
			Index:            len(infos),
			Name:             device.Name(),
			MaxInputChannels: 2,
			IsDefault:        device.IsDefault != 0,
		})
	}
	return infos, nil
}

func (c *Client) Read(buf []int16) error {
	return c.captureClient.Read(buf)
}

func (c *Client) Write(buf []int16) error {
	return c.playbackClient.Write(buf)
}

func (c *Client) AbortOutput() error {
	return c.playbackClient.Abort()
}

func (c *Client) RestartOutput() error {
	return c.playbackClient.Start()
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.captureClient.Uninit()
	_ = c.playbackClient.Uninit()
	if c.audioContext != nil {
		if err := c.audioContext.Uninit(); err != nil {
			return fmt.Errorf("failed to uninitialize audio context: %w", err)
		}
		c.audioContext.Free()
		c.audioContext = nil
	}
	return nil
}
