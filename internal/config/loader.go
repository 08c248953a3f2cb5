package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envConfigDefaultPath = "WIREGAME_CONFIG_DEFAULT_PATH"
	defaultConfigName    = "config.yaml"
)

// Load builds configuration from defaults, optional config file, env vars, and returns the resolved path.
// Precedence: defaults < config file < env vars < caller overrides.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	for key, value := range defaults(cfg) {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("WIREGAME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := resolveConfigPath(explicitPath)
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			if writeErr := writeDefaultConfig(configPath, cfg); writeErr != nil && logger != nil {
				logger.Warn().Err(writeErr).Str("path", configPath).Msg("failed to write default config")
			} else if logger != nil {
				logger.Info().Str("path", configPath).Msg("created default config")
			}
			// try reading again in case it was just written
			if readErr := v.ReadInConfig(); readErr != nil && logger != nil {
				logger.Warn().Err(readErr).Str("path", configPath).Msg("failed to read config after writing default")
			}
		} else {
			return cfg, configPath, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, configPath, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, configPath, err
	}

	return cfg, configPath, nil
}

// defaults lists every key so AutomaticEnv can resolve it without a file entry.
func defaults(cfg Config) map[string]any {
	return map[string]any{
		"addr":                 cfg.Addr,
		"read_header_timeout":  cfg.ReadHeaderTimeout,
		"shutdown_timeout":     cfg.ShutdownTimeout,
		"log_level":            cfg.LogLevel,
		"ack_timeout":          cfg.AckTimeout,
		"start_buffer":         cfg.StartBuffer,
		"credential_ttl":       cfg.CredentialTTL,
		"worker_path":          cfg.WorkerPath,
		"worker_listen_host":   cfg.WorkerListenHost,
		"worker_ready_timeout": cfg.WorkerReadyTimeout,
		"worker_kill_grace":    cfg.WorkerKillGrace,
		"tick_rate":            cfg.TickRate,
		"init_ticks":           cfg.InitTicks,
		"prep_ticks":           cfg.PrepTicks,
		"play_ticks":           cfg.PlayTicks,
		"max_players":          cfg.MaxPlayers,
		"max_watchers":         cfg.MaxWatchers,
		"report_cache_size":    cfg.ReportCacheSize,
		"ws_rate_limit":        cfg.WSRateLimit,
		"otel_endpoint":        cfg.OTelEndpoint,
	}
}

func resolveConfigPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}

	if base := os.Getenv(envConfigDefaultPath); base != "" {
		if err := os.MkdirAll(base, 0o755); err == nil {
			return filepath.Join(base, defaultConfigName)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(fileView(cfg))
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// fileView renders durations as strings so the written file stays readable;
// viper decodes them back with its duration hook.
func fileView(cfg Config) map[string]any {
	out := defaults(cfg)
	for key, value := range out {
		if d, ok := value.(time.Duration); ok {
			out[key] = d.String()
		}
	}
	return out
}
