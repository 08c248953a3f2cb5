package config

import (
	"time"

	"github.com/vovakirdan/wiregame-server/internal/game"
)

// Config holds directory and worker-launch configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	AckTimeout    time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout" validate:"gt=0"`
	StartBuffer   time.Duration `mapstructure:"start_buffer" yaml:"start_buffer" validate:"gte=0"`
	CredentialTTL time.Duration `mapstructure:"credential_ttl" yaml:"credential_ttl" validate:"gt=0"`

	// WorkerPath is the binary re-executed with the worker subcommand; empty
	// means the running executable.
	WorkerPath         string        `mapstructure:"worker_path" yaml:"worker_path"`
	WorkerListenHost   string        `mapstructure:"worker_listen_host" yaml:"worker_listen_host" validate:"required"`
	WorkerReadyTimeout time.Duration `mapstructure:"worker_ready_timeout" yaml:"worker_ready_timeout" validate:"gt=0"`
	WorkerKillGrace    time.Duration `mapstructure:"worker_kill_grace" yaml:"worker_kill_grace" validate:"gt=0"`

	TickRate  int    `mapstructure:"tick_rate" yaml:"tick_rate" validate:"gte=1,lte=1000"`
	InitTicks uint64 `mapstructure:"init_ticks" yaml:"init_ticks" validate:"gte=1"`
	PrepTicks uint64 `mapstructure:"prep_ticks" yaml:"prep_ticks" validate:"gte=1"`
	PlayTicks uint64 `mapstructure:"play_ticks" yaml:"play_ticks" validate:"gte=1"`

	// MaxPlayers and MaxWatchers cap every lobby; zero leaves the lobby's own limits.
	MaxPlayers  int `mapstructure:"max_players" yaml:"max_players" validate:"gte=0"`
	MaxWatchers int `mapstructure:"max_watchers" yaml:"max_watchers" validate:"gte=0"`

	ReportCacheSize int    `mapstructure:"report_cache_size" yaml:"report_cache_size" validate:"gte=1"`
	WSRateLimit     int    `mapstructure:"ws_rate_limit" yaml:"ws_rate_limit" validate:"gte=0"`
	OTelEndpoint    string `mapstructure:"otel_endpoint" yaml:"otel_endpoint"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:               ":8080",
		ReadHeaderTimeout:  5 * time.Second,
		ShutdownTimeout:    5 * time.Second,
		LogLevel:           "info",
		AckTimeout:         15 * time.Second,
		StartBuffer:        2 * time.Second,
		CredentialTTL:      2 * time.Minute,
		WorkerListenHost:   "127.0.0.1",
		WorkerReadyTimeout: 30 * time.Second,
		WorkerKillGrace:    3 * time.Second,
		TickRate:           10,
		InitTicks:          10,
		PrepTicks:          30,
		PlayTicks:          100,
		ReportCacheSize:    256,
		WSRateLimit:        120,
	}
}

// Validate checks field constraints. A bad config is a validation error.
func (c Config) Validate() error {
	if err := game.Validator().Struct(c); err != nil {
		return game.NewError(game.KindValidation, "bad_config", "invalid configuration", err)
	}
	return nil
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.AckTimeout != 0 {
		c.AckTimeout = other.AckTimeout
	}
	if other.StartBuffer != 0 {
		c.StartBuffer = other.StartBuffer
	}
	if other.CredentialTTL != 0 {
		c.CredentialTTL = other.CredentialTTL
	}
	if other.WorkerPath != "" {
		c.WorkerPath = other.WorkerPath
	}
	if other.WorkerListenHost != "" {
		c.WorkerListenHost = other.WorkerListenHost
	}
	if other.WorkerReadyTimeout != 0 {
		c.WorkerReadyTimeout = other.WorkerReadyTimeout
	}
	if other.WorkerKillGrace != 0 {
		c.WorkerKillGrace = other.WorkerKillGrace
	}
	if other.TickRate != 0 {
		c.TickRate = other.TickRate
	}
	if other.InitTicks != 0 {
		c.InitTicks = other.InitTicks
	}
	if other.PrepTicks != 0 {
		c.PrepTicks = other.PrepTicks
	}
	if other.PlayTicks != 0 {
		c.PlayTicks = other.PlayTicks
	}
	if other.MaxPlayers != 0 {
		c.MaxPlayers = other.MaxPlayers
	}
	if other.MaxWatchers != 0 {
		c.MaxWatchers = other.MaxWatchers
	}
	if other.ReportCacheSize != 0 {
		c.ReportCacheSize = other.ReportCacheSize
	}
	if other.WSRateLimit != 0 {
		c.WSRateLimit = other.WSRateLimit
	}
	if other.OTelEndpoint != "" {
		c.OTelEndpoint = other.OTelEndpoint
	}
}
