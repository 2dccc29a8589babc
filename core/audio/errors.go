package audio

import "fmt"

// DeviceError is returned when the audio device cannot be opened or fails
// during I/O. It carries the device list seen at the time of failure.
type DeviceError struct {
	Op      string
	Devices []DeviceInfo
	Err     error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device %s failed: %v (devices: %s)", e.Op, e.Err, formatDevices(e.Devices))
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}
