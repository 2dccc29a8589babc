package dialogue

import (
	"time"

	"github.com/ym-dskr/talk-system/core/audio"
	"github.com/ym-dskr/talk-system/core/tools"
)

const DefaultInstructions = "You are Kikai-kun, a friendly and helpful mechanical assistant. " +
	"Keep your responses concise and conversational. You are chatting via voice."

type Config struct {
	// MaxAttempts bounds each Connect call.
	MaxAttempts    int
	ReconnectDelay time.Duration
	// BackoffMultiplier grows the delay between attempts. Values up to 1
	// keep the delay fixed.
	BackoffMultiplier float64
	MaxReconnectDelay time.Duration

	AudioQueueCapacity   int
	ControlQueueCapacity int
	EventQueueCapacity   int

	Session SessionConfig
}

type SessionConfig struct {
	Modalities        []string
	Instructions      string
	Voice             string
	InputAudioFormat  string
	OutputAudioFormat string
	// TranscriptionModel enables user transcripts when set.
	TranscriptionModel string
	TurnDetection      TurnDetection
	Tools              []tools.Definition
	ToolChoice         string
}

// TurnDetection configures the service side voice activity detection.
type TurnDetection struct {
	Type              string
	Threshold         float64
	PrefixPaddingMs   int
	SilenceDurationMs int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:          3,
		ReconnectDelay:       2 * time.Second,
		BackoffMultiplier:    1,
		MaxReconnectDelay:    30 * time.Second,
		AudioQueueCapacity:   64,
		ControlQueueCapacity: 32,
		EventQueueCapacity:   256,
		Session:              DefaultSessionConfig(),
	}
}

func DefaultSessionConfig() SessionConfig {
	format := audio.GetDefaultEncodingInfo().Format.WireName()
	return SessionConfig{
		Modalities:         []string{"audio", "text"},
		Instructions:       DefaultInstructions,
		Voice:              "alloy",
		InputAudioFormat:   format,
		OutputAudioFormat:  format,
		TranscriptionModel: "whisper-1",
		TurnDetection: TurnDetection{
			Type:              "server_vad",
			Threshold:         0.1,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 200,
		},
		ToolChoice: "auto",
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.ReconnectDelay < 0 {
		c.ReconnectDelay = 0
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = defaults.MaxReconnectDelay
	}
	if c.AudioQueueCapacity < 1 {
		c.AudioQueueCapacity = defaults.AudioQueueCapacity
	}
	if c.ControlQueueCapacity < 1 {
		c.ControlQueueCapacity = defaults.ControlQueueCapacity
	}
	if c.EventQueueCapacity < 1 {
		c.EventQueueCapacity = defaults.EventQueueCapacity
	}
	return c
}

// nextDelay applies the backoff multiplier, capped at MaxReconnectDelay.
func (c Config) nextDelay(delay time.Duration) time.Duration {
	if c.BackoffMultiplier <= 1 {
		return delay
	}
	next := time.Duration(float64(delay) * c.BackoffMultiplier)
	return min(next, c.MaxReconnectDelay)
}
