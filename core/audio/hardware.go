package audio

import (
	"fmt"
	"strings"
	"time"
)

// DefaultDevice selects the backend's default input or output device.
const DefaultDevice = -1

// Hardware is a blocking duplex audio backend. Read and Write are only ever
// called from the channel's worker goroutines; AbortOutput may be called
// concurrently with an in-flight Write and must make it return promptly.
type Hardware interface {
	Open(cfg DeviceConfig) error
	Devices() ([]DeviceInfo, error)

	// Read fills buf with interleaved samples at the hardware rate.
	Read(buf []int16) error
	// Write plays interleaved samples at the hardware rate.
	Write(buf []int16) error

	AbortOutput() error
	RestartOutput() error

	Close() error
}

type DeviceInfo struct {
	Index             int
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	IsDefault         bool
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("[%d] %s (in=%d out=%d rate=%.0f)",
		d.Index, d.Name, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate)
}

func formatDevices(devices []DeviceInfo) string {
	if len(devices) == 0 {
		return "none"
	}

	names := make([]string, len(devices))
	for i, device := range devices {
		names[i] = device.String()
	}
	return strings.Join(names, "; ")
}

// DeviceConfig is the immutable device configuration handed to a channel at
// construction.
type DeviceConfig struct {
	// HardwareSampleRate is the rate the device is opened at.
	HardwareSampleRate int
	// SampleRate is the rate frames are exchanged at with the rest of the
	// system.
	SampleRate     int
	InputChannels  int
	OutputChannels int
	// ChunkSize is the number of hardware frames per read.
	ChunkSize int

	InputDevice      int
	OutputDevice     int
	InputDeviceName  string
	OutputDeviceName string

	CaptureCapacity  int
	PlaybackCapacity int

	// StopBudget bounds how long StopPlayback waits for the output stream
	// restart.
	StopBudget time.Duration
	// JoinTimeout bounds how long Close waits for the workers.
	JoinTimeout time.Duration
}

func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		HardwareSampleRate: DefaultHardwareSampleRate,
		SampleRate:         DefaultSampleRate,
		InputChannels:      1,
		OutputChannels:     2,
		ChunkSize:          1024,
		InputDevice:        DefaultDevice,
		OutputDevice:       DefaultDevice,
		CaptureCapacity:    32,
		PlaybackCapacity:   256,
		StopBudget:         50 * time.Millisecond,
		JoinTimeout:        2 * time.Second,
	}
}

// SelectDevice picks the device by index, then by a case insensitive name
// fragment. It returns false when the default device should be used.
func SelectDevice(devices []DeviceInfo, index int, name string, input bool) (DeviceInfo, bool, error) {
	hasChannels := func(d DeviceInfo) bool {
		if input {
			return d.MaxInputChannels > 0
		}
		return d.MaxOutputChannels > 0
	}

	if index != DefaultDevice {
		for _, device := range devices {
			if device.Index == index {
				if !hasChannels(device) {
					return DeviceInfo{}, false, fmt.Errorf("device %d has no matching channels", index)
				}
				return device, true, nil
			}
		}
		return DeviceInfo{}, false, fmt.Errorf("device index %d not found", index)
	}

	if name != "" {
		needle := strings.ToLower(name)
		for _, device := range devices {
			if hasChannels(device) && strings.Contains(strings.ToLower(device.Name), needle) {
				return device, true, nil
			}
		}
		return DeviceInfo{}, false, fmt.Errorf("no device matching %q", name)
	}

	return DeviceInfo{}, false, nil
}
