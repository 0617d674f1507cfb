package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/john/chatstream/internal/chat"
	"github.com/john/chatstream/internal/render"
)

// Config holds the application configuration
type Config struct {
	Target    TargetConfig         `yaml:"target"`
	YouTube   YouTubeConfig        `yaml:"youtube"`
	Twitch    TwitchConfig         `yaml:"twitch"`
	Kick      KickConfig           `yaml:"kick"`
	Reconnect chat.ReconnectPolicy `yaml:"reconnect"`
	Timeouts  TimeoutConfig        `yaml:"timeouts"`
	QueueSize int                  `yaml:"queue_size"`
	Health    HealthConfig         `yaml:"health"`
	Output    OutputConfig         `yaml:"output"`
	Log       LogConfig            `yaml:"log"`
}

// TargetConfig selects the stream. URL wins over Platform and Channel.
type TargetConfig struct {
	URL      string `yaml:"url"`
	Platform string `yaml:"platform"`
	Channel  string `yaml:"channel"`
}

// YouTubeConfig holds YouTube-specific configuration
type YouTubeConfig struct {
	APIKey               string        `yaml:"api_key"`
	LiveChatID           string        `yaml:"live_chat_id"`
	BaseURL              string        `yaml:"base_url"`
	MinPollInterval      time.Duration `yaml:"min_poll_interval"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
}

// TwitchConfig holds Twitch-specific configuration
type TwitchConfig struct {
	Username string `yaml:"username"`
	OAuth    string `yaml:"oauth"`
	Addr     string `yaml:"addr"`
}

// KickConfig holds Kick-specific configuration
type KickConfig struct {
	ChatroomID int      `yaml:"chatroom_id"` // skips the REST lookup
	SocketURL  string   `yaml:"socket_url"`
	APIBaseURL string   `yaml:"api_base_url"`
	InitEvent  string   `yaml:"init_event"`
	ChatEvents []string `yaml:"chat_events"`
}

// TimeoutConfig holds connection deadlines shared by the socket adapters
type TimeoutConfig struct {
	Handshake time.Duration `yaml:"handshake"`
	Ack       time.Duration `yaml:"ack"`
	KeepAlive time.Duration `yaml:"keepalive"` // 0 = platform default
}

// HealthConfig holds the status server configuration
type HealthConfig struct {
	Addr     string `yaml:"addr"`
	Disabled bool   `yaml:"disabled"`
}

// OutputConfig selects how messages are written
type OutputConfig struct {
	Format     string `yaml:"format"`      // text or jsonl
	BufferSize int    `yaml:"buffer_size"` // 0 = render default
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// Load loads configuration from a file. An empty path yields the defaults
// plus environment overrides.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies environment overrides and
// defaults, and validates the result
func Parse(data []byte) (*Config, error) {
	// keys omitted from the reconnect section keep their defaults
	cfg := Config{Reconnect: chat.DefaultReconnectPolicy()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Apply environment variable overrides
	if key := os.Getenv("YOUTUBE_API_KEY"); key != "" {
		cfg.YouTube.APIKey = key
	}
	if oauth := os.Getenv("TWITCH_OAUTH_TOKEN"); oauth != "" {
		cfg.Twitch.OAuth = oauth
	}
	if username := os.Getenv("TWITCH_USERNAME"); username != "" {
		cfg.Twitch.Username = username
	}
	if url := os.Getenv("CHATSTREAM_URL"); url != "" {
		cfg.Target.URL = url
	}

	// Set defaults
	if cfg.QueueSize == 0 {
		cfg.QueueSize = chat.DefaultQueueSize
	}
	if cfg.Health.Addr == "" {
		cfg.Health.Addr = ":8080"
	}
	if cfg.Output.Format == "" {
		cfg.Output.Format = render.FormatText
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.Reconnect = cfg.Reconnect.WithDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.QueueSize < 0 {
		return errors.New("queue_size must not be negative")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must not be negative")
	}
	if c.Reconnect.BaseDelay < 0 || c.Reconnect.MaxDelay < 0 {
		return errors.New("reconnect delays must not be negative")
	}
	if c.Reconnect.Multiplier <= 1 {
		return fmt.Errorf("reconnect.multiplier must be greater than 1, got %v", c.Reconnect.Multiplier)
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= c.Reconnect.Multiplier-1 {
		return fmt.Errorf("reconnect.jitter must be in [0, multiplier-1), got %v", c.Reconnect.Jitter)
	}
	if c.Timeouts.Handshake < 0 || c.Timeouts.Ack < 0 || c.Timeouts.KeepAlive < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.Output.BufferSize < 0 {
		return errors.New("output.buffer_size must not be negative")
	}
	if c.YouTube.MinPollInterval < 0 {
		return errors.New("youtube.min_poll_interval must not be negative")
	}
	if c.Twitch.Username != "" && c.Twitch.OAuth == "" {
		return errors.New("twitch.oauth is required when twitch.username is set (or set TWITCH_OAUTH_TOKEN env var)")
	}
	switch c.Output.Format {
	case render.FormatText, render.FormatJSONL:
	default:
		return fmt.Errorf("output.format must be %q or %q, got %q", render.FormatText, render.FormatJSONL, c.Output.Format)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be \"console\" or \"json\", got %q", c.Log.Format)
	}
	return nil
}

// ResolveTarget returns the stream to read, from the URL when one is set
func (c *Config) ResolveTarget() (Target, error) {
	if c.Target.URL != "" {
		return ParseTarget(c.Target.URL)
	}
	if c.Target.Platform == "" || c.Target.Channel == "" {
		return Target{}, errors.New("a stream url or target.platform and target.channel are required")
	}
	platform := strings.ToLower(c.Target.Platform)
	if !isSupported(platform) {
		return Target{}, fmt.Errorf("%w: %s", ErrPlatformNotSupported, c.Target.Platform)
	}
	return Target{Platform: platform, Channel: c.Target.Channel}, nil
}
