package audio

import (
	"encoding/binary"
	"time"
)

// Frame is a chunk of interleaved linear16 samples. Frames are treated as
// immutable once produced.
type Frame struct {
	Samples    []int16
	SampleRate int
	Channels   int

	// Seq increases monotonically per producer.
	Seq uint64
	// Epoch is the interrupt epoch the frame belongs to.
	Epoch uint64
}

// FrameFromPCM16 decodes little-endian linear16 bytes. A trailing odd byte is
// ignored.
func FrameFromPCM16(data []byte, sampleRate, channels int) Frame {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}

	return Frame{Samples: samples, SampleRate: sampleRate, Channels: channels}
}

// Bytes encodes the samples as little-endian linear16.
func (f Frame) Bytes() []byte {
	data := make([]byte, len(f.Samples)*2)
	for i, sample := range f.Samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(sample))
	}
	return data
}

func (f Frame) Duration() time.Duration {
	channels := f.Channels
	if channels < 1 {
		channels = 1
	}
	if f.SampleRate == 0 {
		return 0
	}

	frames := len(f.Samples) / channels
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}
