// Package config loads the relaymux TOML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath  = "relaymux.toml"
	DefaultHTTPAddr    = ":8465"
	DefaultDataRoot    = "data"
	DefaultBacklogSize = 4096
)

// Config is the root configuration for the gateway daemon.
type Config struct {
	Log        LogConfig        `toml:"log"`
	Server     ServerConfig     `toml:"server"`
	Gateway    GatewayConfig    `toml:"gateway"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Router     RouterConfig     `toml:"router"`
	Dispatch   DispatchConfig   `toml:"dispatch"`
	Media      MediaConfig      `toml:"media"`
	Channels   ChannelsConfig   `toml:"channels"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `toml:"format" validate:"omitempty,oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

// GatewayConfig tunes the local subscriber multiplexer.
type GatewayConfig struct {
	AuthSecret      string `toml:"auth_secret"`
	BacklogDriver   string `toml:"backlog_driver" validate:"omitempty,oneof=memory sqlite"`
	BacklogSize     int    `toml:"backlog_size" validate:"gte=0"`
	BacklogPath     string `toml:"backlog_path"`
	SubscriberQueue int    `toml:"subscriber_queue" validate:"gte=0"`
	// SlowPolicy is applied when a subscriber queue is full: drop_oldest or disconnect.
	SlowPolicy string `toml:"slow_policy" validate:"omitempty,oneof=drop_oldest disconnect"`
}

// SupervisorConfig tunes adapter connection lifecycle and reconnection.
type SupervisorConfig struct {
	BackoffBase         duration `toml:"backoff_base"`
	BackoffCap          duration `toml:"backoff_cap"`
	MaxConnectAttempts  int      `toml:"max_connect_attempts" validate:"gte=0"`
	HealthCheckInterval duration `toml:"health_check_interval"`
	// MinUptime is the sustained Connected period after which the backoff counter resets.
	MinUptime     duration `toml:"min_uptime"`
	ShutdownGrace duration `toml:"shutdown_grace"`
}

// RouterConfig tunes dedup and per-conversation dispatch.
type RouterConfig struct {
	DedupWindow       duration `toml:"dedup_window"`
	DedupMaxKeys      int      `toml:"dedup_max_keys" validate:"gte=0"`
	HandlerTimeout    duration `toml:"handler_timeout"`
	ConversationQueue int      `toml:"conversation_queue" validate:"gte=0"`
	ConversationIdle  duration `toml:"conversation_idle"`
}

// DispatchConfig tunes outbound delivery per channel.
type DispatchConfig struct {
	QueueSize      int      `toml:"queue_size" validate:"gte=0"`
	EnqueueWait    duration `toml:"enqueue_wait"`
	RatePerSecond  float64  `toml:"rate_per_second" validate:"gte=0"`
	Burst          int      `toml:"burst" validate:"gte=0"`
	MaxAttempts    int      `toml:"max_attempts" validate:"gte=0"`
	RetryBase      duration `toml:"retry_base"`
	RetryCap       duration `toml:"retry_cap"`
	DefaultTimeout duration `toml:"default_timeout"`
}

// MediaConfig tunes the attachment cache and transcode pool.
type MediaConfig struct {
	DataRoot         string   `toml:"data_root"`
	CacheMaxBytes    int64    `toml:"cache_max_bytes" validate:"gte=0"`
	MaxAssetBytes    int64    `toml:"max_asset_bytes" validate:"gte=0"`
	TranscodeWorkers int      `toml:"transcode_workers" validate:"gte=0"`
	TranscodeQueue   int      `toml:"transcode_queue" validate:"gte=0"`
	TranscodeWait    duration `toml:"transcode_wait"`
}

// ChannelsConfig carries per-platform adapter credentials. An empty token
// leaves that channel unconfigured.
type ChannelsConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
	Discord  DiscordConfig  `toml:"discord"`
	Slack    SlackConfig    `toml:"slack"`
}

type TelegramConfig struct {
	BotToken string `toml:"bot_token"`
}

type DiscordConfig struct {
	BotToken string `toml:"bot_token"`
}

type SlackConfig struct {
	BotToken string `toml:"bot_token"`
	AppToken string `toml:"app_token"`
}

// duration wraps time.Duration for TOML decoding from strings like "5s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Load reads the config file at path, filling defaults for absent fields.
// A missing file yields the default config.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Gateway: GatewayConfig{
			BacklogDriver:   "memory",
			BacklogSize:     DefaultBacklogSize,
			SubscriberQueue: 256,
			SlowPolicy:      "drop_oldest",
		},
		Supervisor: SupervisorConfig{
			BackoffBase:         duration{time.Second},
			BackoffCap:          duration{2 * time.Minute},
			MaxConnectAttempts:  10,
			HealthCheckInterval: duration{30 * time.Second},
			MinUptime:           duration{time.Minute},
			ShutdownGrace:       duration{10 * time.Second},
		},
		Router: RouterConfig{
			DedupWindow:       duration{10 * time.Minute},
			DedupMaxKeys:      8192,
			HandlerTimeout:    duration{30 * time.Second},
			ConversationQueue: 64,
			ConversationIdle:  duration{2 * time.Minute},
		},
		Dispatch: DispatchConfig{
			QueueSize:      256,
			EnqueueWait:    duration{5 * time.Second},
			RatePerSecond:  1,
			Burst:          5,
			MaxAttempts:    4,
			RetryBase:      duration{500 * time.Millisecond},
			RetryCap:       duration{30 * time.Second},
			DefaultTimeout: duration{time.Minute},
		},
		Media: MediaConfig{
			DataRoot:         DefaultDataRoot,
			CacheMaxBytes:    512 << 20,
			MaxAssetBytes:    64 << 20,
			TranscodeWorkers: 2,
			TranscodeQueue:   16,
			TranscodeWait:    duration{10 * time.Second},
		},
	}
}
