package orchestration

import (
	"time"

	"github.com/ym-dskr/talk-system/core/audio"
)

type Config struct {
	// InactivityTimeout ends the conversation when nothing has happened for
	// this long, handing the device back to wake word detection.
	InactivityTimeout time.Duration
	// SampleRate of the audio the dialogue service sends back.
	SampleRate int

	ToolTimeout       time.Duration
	ToolQueueCapacity int
}

func DefaultConfig() Config {
	return Config{
		InactivityTimeout: 180 * time.Second,
		SampleRate:        audio.DefaultSampleRate,
		ToolTimeout:       30 * time.Second,
		ToolQueueCapacity: 8,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = defaults.InactivityTimeout
	}
	if c.SampleRate <= 0 {
		c.SampleRate = defaults.SampleRate
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = defaults.ToolTimeout
	}
	if c.ToolQueueCapacity < 1 {
		c.ToolQueueCapacity = defaults.ToolQueueCapacity
	}
	return c
}
