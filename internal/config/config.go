// Package config loads the talk configuration from defaults, an optional
// YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
	orchestration "github.com/ym-dskr/talk-system/core"
	"github.com/ym-dskr/talk-system/core/audio"
	"github.com/ym-dskr/talk-system/core/dialogue"
	"github.com/ym-dskr/talk-system/core/tools"
)

type Config struct {
	Audio        AudioConfig        `mapstructure:"audio"`
	Realtime     RealtimeConfig     `mapstructure:"realtime"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Search       SearchConfig       `mapstructure:"search"`
	UI           UIConfig           `mapstructure:"ui"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging"`

	// Credentials never come from the config file.
	Credentials Credentials `mapstructure:"-"`
}

type AudioConfig struct {
	Backend            string        `mapstructure:"backend"` // portaudio or miniaudio
	SampleRate         int           `mapstructure:"sample_rate"`
	HardwareSampleRate int           `mapstructure:"hardware_sample_rate"`
	InputChannels      int           `mapstructure:"input_channels"`
	OutputChannels     int           `mapstructure:"output_channels"`
	ChunkSize          int           `mapstructure:"chunk_size"`
	InputDevice        int           `mapstructure:"input_device"` // -1 selects the default device
	OutputDevice       int           `mapstructure:"output_device"`
	InputDeviceName    string        `mapstructure:"input_device_name"`
	OutputDeviceName   string        `mapstructure:"output_device_name"`
	PlaybackCapacity   int           `mapstructure:"playback_capacity"`
	StopBudget         time.Duration `mapstructure:"stop_budget"`
	JoinTimeout        time.Duration `mapstructure:"join_timeout"`
}

type RealtimeConfig struct {
	URL                  string        `mapstructure:"url"`
	Model                string        `mapstructure:"model"`
	Voice                string        `mapstructure:"voice"`
	Instructions         string        `mapstructure:"instructions"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	BackoffMultiplier    float64       `mapstructure:"backoff_multiplier"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
}

type ConversationConfig struct {
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	ToolTimeout       time.Duration `mapstructure:"tool_timeout"`
}

type SearchConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	MaxResults int  `mapstructure:"max_results"`
}

type UIConfig struct {
	Mode string `mapstructure:"mode"` // tui or log
}

type MetricsConfig struct {
	// Listen is the address serving /metrics. Empty disables it.
	Listen string `mapstructure:"listen"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	// File receives the logs instead of stderr when set.
	File string `mapstructure:"file"`
}

type Credentials struct {
	OpenAIAPIKey string `envconfig:"OPENAI_API_KEY" required:"true"`
	TavilyAPIKey string `envconfig:"TAVILY_API_KEY"`
}

// Load reads the configuration. If configFile is empty the search order is
// ./talk.yaml, ./configs/talk.yaml, /etc/talk/talk.yaml; a missing file is
// fine. Every key can be overridden with a TALK_ variable, for example
// TALK_AUDIO_BACKEND. Credentials are read from the environment after
// loading .env.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("talk")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/talk")
	}

	v.SetEnvPrefix("TALK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		slog.Debug("no config file found, using defaults and environment variables")
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	_ = godotenv.Load()
	if err := envconfig.Process("", &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	device := audio.DefaultDeviceConfig()
	link := dialogue.DefaultConfig()
	conversation := orchestration.DefaultConfig()

	v.SetDefault("audio.backend", "portaudio")
	v.SetDefault("audio.sample_rate", device.SampleRate)
	v.SetDefault("audio.hardware_sample_rate", device.HardwareSampleRate)
	v.SetDefault("audio.input_channels", device.InputChannels)
	v.SetDefault("audio.output_channels", device.OutputChannels)
	v.SetDefault("audio.chunk_size", device.ChunkSize)
	v.SetDefault("audio.input_device", audio.DefaultDevice)
	v.SetDefault("audio.output_device", audio.DefaultDevice)
	v.SetDefault("audio.input_device_name", "")
	v.SetDefault("audio.output_device_name", "")
	v.SetDefault("audio.playback_capacity", device.PlaybackCapacity)
	v.SetDefault("audio.stop_budget", device.StopBudget)
	v.SetDefault("audio.join_timeout", device.JoinTimeout)

	v.SetDefault("realtime.url", "wss://api.openai.com/v1/realtime")
	v.SetDefault("realtime.model", "gpt-4o-mini-realtime-preview")
	v.SetDefault("realtime.voice", link.Session.Voice)
	v.SetDefault("realtime.instructions", link.Session.Instructions)
	v.SetDefault("realtime.max_reconnect_attempts", link.MaxAttempts)
	v.SetDefault("realtime.reconnect_delay", link.ReconnectDelay)
	v.SetDefault("realtime.backoff_multiplier", link.BackoffMultiplier)
	v.SetDefault("realtime.handshake_timeout", 10*time.Second)

	v.SetDefault("conversation.inactivity_timeout", conversation.InactivityTimeout)
	v.SetDefault("conversation.tool_timeout", conversation.ToolTimeout)

	v.SetDefault("search.enabled", true)
	v.SetDefault("search.max_results", 3)

	v.SetDefault("ui.mode", "tui")
	v.SetDefault("metrics.listen", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "logs/talk_system.log")
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Audio.Backend {
	case "portaudio", "miniaudio":
	default:
		errs = append(errs, fmt.Errorf("audio.backend must be portaudio or miniaudio, got %q", c.Audio.Backend))
	}
	if c.Audio.SampleRate <= 0 || c.Audio.HardwareSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio sample rates must be positive"))
	}
	if c.Audio.InputChannels < 1 || c.Audio.OutputChannels < 1 {
		errs = append(errs, fmt.Errorf("audio channel counts must be at least 1"))
	}
	if c.Audio.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("audio.chunk_size must be at least 1"))
	}
	if c.Realtime.MaxReconnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("realtime.max_reconnect_attempts must be at least 1"))
	}
	if c.Conversation.InactivityTimeout <= 0 {
		errs = append(errs, fmt.Errorf("conversation.inactivity_timeout must be positive"))
	}
	switch c.UI.Mode {
	case "tui", "log":
	default:
		errs = append(errs, fmt.Errorf("ui.mode must be tui or log, got %q", c.UI.Mode))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) DeviceConfig() audio.DeviceConfig {
	device := audio.DefaultDeviceConfig()
	device.SampleRate = c.Audio.SampleRate
	device.HardwareSampleRate = c.Audio.HardwareSampleRate
	device.InputChannels = c.Audio.InputChannels
	device.OutputChannels = c.Audio.OutputChannels
	device.ChunkSize = c.Audio.ChunkSize
	device.InputDevice = c.Audio.InputDevice
	device.OutputDevice = c.Audio.OutputDevice
	device.InputDeviceName = c.Audio.InputDeviceName
	device.OutputDeviceName = c.Audio.OutputDeviceName
	device.PlaybackCapacity = c.Audio.PlaybackCapacity
	device.StopBudget = c.Audio.StopBudget
	device.JoinTimeout = c.Audio.JoinTimeout
	return device
}

func (c *Config) DialogueConfig(definitions []tools.Definition) dialogue.Config {
	link := dialogue.DefaultConfig()
	link.MaxAttempts = c.Realtime.MaxReconnectAttempts
	link.ReconnectDelay = c.Realtime.ReconnectDelay
	link.BackoffMultiplier = c.Realtime.BackoffMultiplier
	link.Session.Voice = c.Realtime.Voice
	link.Session.Instructions = c.Realtime.Instructions
	link.Session.Tools = definitions
	return link
}

func (c *Config) OrchestratorConfig() orchestration.Config {
	conversation := orchestration.DefaultConfig()
	conversation.InactivityTimeout = c.Conversation.InactivityTimeout
	conversation.ToolTimeout = c.Conversation.ToolTimeout
	conversation.SampleRate = c.Audio.SampleRate
	return conversation
}
