// Package config loads the hub's configuration (spec.md §6.4) from a
// YAML file with environment-variable overrides, following the
// teacher pack's Load(path)/applyEnvOverrides convention.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized option from spec.md §6.4.
type Config struct {
	// ListenAddr is the address the WebSocket server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// ForceSyncIntervalMS is the client keep-alive resync cadence in
	// milliseconds. Zero or negative disables it (spec's `false`).
	ForceSyncIntervalMS int `yaml:"force_sync_interval_ms"`

	// DebounceMS and MaxDebounceMS control server persist coalescing.
	DebounceMS    int `yaml:"debounce_ms"`
	MaxDebounceMS int `yaml:"max_debounce_ms"`

	// UnloadDelayMS is the idle delay before document eviction.
	UnloadDelayMS int `yaml:"unload_delay_ms"`

	// OutboundQueueLimit is the per-connection backpressure limit.
	OutboundQueueLimit int `yaml:"outbound_queue_limit"`

	// MaxFrameSize rejects inbound frames larger than this, in bytes.
	MaxFrameSize int `yaml:"max_frame_size"`

	// MaxDocumentNameLen bounds the documentName field.
	MaxDocumentNameLen int `yaml:"max_document_name_len"`

	// LogLevel and LogPretty configure internal/logger.
	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the optional Redis-backed persistence hook
// (persistence.RedisHooks).
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Defaults returns a Config populated with spec.md's stated defaults.
func Defaults() Config {
	return Config{
		ListenAddr:           ":8080",
		ForceSyncIntervalMS:  15000,
		DebounceMS:           2000,
		MaxDebounceMS:        10000,
		UnloadDelayMS:        30000,
		OutboundQueueLimit:   256,
		MaxFrameSize:         8 << 20, // 8 MiB
		MaxDocumentNameLen:   1024,
		LogLevel:             "info",
		LogPretty:            false,
	}
}

// Load reads a YAML config file at path, applies it on top of
// Defaults(), then applies environment variable overrides. A missing
// file is not an error: Load falls back to Defaults() plus env
// overrides, so the service runs happily with zero config files in
// dev.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOROHUB_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LOROHUB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v, ok := envInt("LOROHUB_FORCE_SYNC_INTERVAL_MS"); ok {
		cfg.ForceSyncIntervalMS = v
	}
	if v, ok := envInt("LOROHUB_DEBOUNCE_MS"); ok {
		cfg.DebounceMS = v
	}
	if v, ok := envInt("LOROHUB_MAX_DEBOUNCE_MS"); ok {
		cfg.MaxDebounceMS = v
	}
	if v, ok := envInt("LOROHUB_UNLOAD_DELAY_MS"); ok {
		cfg.UnloadDelayMS = v
	}
	if v, ok := envInt("LOROHUB_OUTBOUND_QUEUE_LIMIT"); ok {
		cfg.OutboundQueueLimit = v
	}
	if v, ok := envInt("LOROHUB_MAX_FRAME_SIZE"); ok {
		cfg.MaxFrameSize = v
	}
	if v := os.Getenv("LOROHUB_REDIS_ADDR"); v != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LOROHUB_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ForceSyncInterval returns the client force-sync cadence as a
// time.Duration, or zero when disabled.
func (c Config) ForceSyncInterval() time.Duration {
	if c.ForceSyncIntervalMS <= 0 {
		return 0
	}
	return time.Duration(c.ForceSyncIntervalMS) * time.Millisecond
}

// Debounce returns the persist-coalescing debounce window.
func (c Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// MaxDebounce returns the hard persist-coalescing deadline.
func (c Config) MaxDebounce() time.Duration {
	return time.Duration(c.MaxDebounceMS) * time.Millisecond
}

// UnloadDelay returns the idle-document eviction delay.
func (c Config) UnloadDelay() time.Duration {
	return time.Duration(c.UnloadDelayMS) * time.Millisecond
}
