package portaudio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/ym-dskr/talk-system/core/audio"
)

// Client is a blocking PortAudio backend. Input and output are separate
// streams so output can be aborted without touching capture.
type Client struct {
	mu sync.Mutex

	cfg         audio.DeviceConfig
	initialized bool

	input  *portaudio.Stream
	output *portaudio.Stream

	in  []int16
	out []int16

	leftoverAudio []int16
}

func NewClient() *Client {
	return &Client{}
}

func (c *Client) Open(cfg audio.DeviceConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.initializeLocked(); err != nil {
		return err
	}
	c.cfg = cfg

	devices, err := portaudio.Devices()
	if err != nil {
		return fmt.Errorf("failed to list portaudio devices: %w", err)
	}

	inputDevice, err := pickDevice(devices, cfg.InputDevice, cfg.InputDeviceName, true)
	if err != nil {
		return fmt.Errorf("failed to select input device: %w", err)
	}
	outputDevice, err := pickDevice(devices, cfg.OutputDevice, cfg.OutputDeviceName, false)
	if err != nil {
		return fmt.Errorf("failed to select output device: %w", err)
	}

	c.in = make([]int16, cfg.ChunkSize*cfg.InputChannels)
	inputParams := portaudio.LowLatencyParameters(inputDevice, nil)
	inputParams.Input.Channels = cfg.InputChannels
	inputParams.SampleRate = float64(cfg.HardwareSampleRate)
	inputParams.FramesPerBuffer = cfg.ChunkSize
	if c.input, err = portaudio.OpenStream(inputParams, c.in); err != nil {
		return fmt.Errorf("failed to open input stream on %q: %w", inputDevice.Name, err)
	}

	c.out = make([]int16, cfg.ChunkSize*cfg.OutputChannels)
	outputParams := portaudio.LowLatencyParameters(nil, outputDevice)
	outputParams.Output.Channels = cfg.OutputChannels
	outputParams.SampleRate = float64(cfg.HardwareSampleRate)
	outputParams.FramesPerBuffer = cfg.ChunkSize
	if c.output, err = portaudio.OpenStream(outputParams, c.out); err != nil {
		_ = c.input.Close()
		return fmt.Errorf("failed to open output stream on %q: %w", outputDevice.Name, err)
	}

	if err := c.input.Start(); err != nil {
		return fmt.Errorf("failed to start input stream: %w", err)
	}
	if err := c.output.Start(); err != nil {
		return fmt.Errorf("failed to start output stream: %w", err)
	}

	return nil
}

func (c *Client) initializeLocked() error {
	if c.initialized {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", err)
	}
	c.initialized = true
	return nil
}

func pickDevice(devices []*portaudio.DeviceInfo, index int, name string, input bool) (*portaudio.DeviceInfo, error) {
	selected, ok, err := audio.SelectDevice(convertDevices(devices), index, name, input)
	if err != nil {
		return nil, err
	}
	if ok {
		for _, device := range devices {
			if device.Index == selected.Index {
				return device, nil
			}
		}
	}

	if input {
		return portaudio.DefaultInputDevice()
	}
	return portaudio.DefaultOutputDevice()
}

func (c *Client) Devices() ([]audio.DeviceInfo, error) {
	c.mu.Lock()
	if err := c.initializeLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list portaudio devices: %w", err)
	}
	return convertDevices(devices), nil
}

func convertDevices(devices []*portaudio.DeviceInfo) []audio.DeviceInfo {
	defaultInput, _ := portaudio.DefaultInputDevice()
	defaultOutput, _ := portaudio.DefaultOutputDevice()

	converted := make([]audio.DeviceInfo, 0, len(devices))
	for _, device := range devices {
		converted = append(converted, audio.DeviceInfo{
			Index:             device.Index,
			Name:              device.Name,
			MaxInputChannels:  device.MaxInputChannels,
			MaxOutputChannels: device.MaxOutputChannels,
			DefaultSampleRate: device.DefaultSampleRate,
			IsDefault: (defaultInput != nil && device.Index == defaultInput.Index) ||
				(defaultOutput != nil && device.Index == defaultOutput.Index),
		})
	}
	return converted
}

func (c *Client) Read(buf []int16) error {
	if c.input == nil {
		return fmt.Errorf("input stream not open")
	}

	if err := c.input.Read(); err != nil {
		// Overflows only mean we were late, the data is still usable.
		if !errors.Is(err, portaudio.InputOverflowed) {
			return fmt.Errorf("failed to read from input stream: %w", err)
		}
	}
	copy(buf, c.in)
	return nil
}

// Write plays samples in whole stream buffers, carrying the remainder over to
// the next call.
func (c *Client) Write(samples []int16) error {
	if c.output == nil {
		return fmt.Errorf("output stream not open")
	}

	bufferSize := len(c.out)
	pending := append(c.leftoverAudio, samples...)
	for len(pending) >= bufferSize {
		copy(c.out, pending[:bufferSize])
		pending = pending[bufferSize:]

		if err := c.output.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			c.leftoverAudio = nil
			return fmt.Errorf("failed to write to output stream: %w", err)
		}
	}

	c.leftoverAudio = append(c.leftoverAudio[:0], pending...)
	return nil
}

// AbortOutput drops whatever the device has queued and makes a blocked
// Write return.
func (c *Client) AbortOutput() error {
	if c.output == nil {
		return nil
	}
	if err := c.output.Abort(); err != nil {
		return fmt.Errorf("failed to abort output stream: %w", err)
	}
	return nil
}

func (c *Client) RestartOutput() error {
	if c.output == nil {
		return fmt.Errorf("output stream not open")
	}

	c.leftoverAudio = nil
	if err := c.output.Start(); err != nil {
		return fmt.Errorf("failed to restart output stream: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.input != nil {
		_ = c.input.Abort()
		if err := c.input.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close input stream: %w", err))
		}
		c.input = nil
	}
	if c.output != nil {
		_ = c.output.Abort()
		if err := c.output.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close output stream: %w", err))
		}
		c.output = nil
	}
	if c.initialized {
		if err := portaudio.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("failed to terminate portaudio: %w", err))
		}
		c.initialized = false
	}

	return errors.Join(errs...)
}
