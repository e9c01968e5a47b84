package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Network NetworkConfig `yaml:"network"`
	Cache   CacheConfig   `yaml:"cache"`
	Media   MediaConfig   `yaml:"media"`
	Pool    PoolConfig    `yaml:"pool"`
	Preload PreloadConfig `yaml:"preload"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type NetworkConfig struct {
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

type CacheConfig struct {
	// Dir is the durable tier for metadata cache records; empty
	// disables persistence.
	Dir string `yaml:"dir"`
	// Categories overrides per-category policy. Keys are category
	// names (media-list, profile, ad-list, generic); zero fields keep
	// the built-in value.
	Categories map[string]CategoryOverride `yaml:"categories"`
}

type CategoryOverride struct {
	MaxAge   time.Duration `yaml:"max_age"`
	Capacity int           `yaml:"capacity"`
}

type MediaConfig struct {
	FeedURL      string `yaml:"feed_url"`
	CacheDir     string `yaml:"cache_dir"`
	MaxDiskBytes int64  `yaml:"max_disk_bytes"`
	// SigningKey enables playback-token signing when non-empty.
	SigningKey string `yaml:"signing_key"`
}

type PoolConfig struct {
	Capacity    int           `yaml:"capacity"`
	InitTimeout time.Duration `yaml:"init_timeout"`
}

type PreloadConfig struct {
	// Profile selects a preset: "aggressive" or "lite".
	Profile string `yaml:"profile"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8600,
			LogLevel: "info",
		},
		Network: NetworkConfig{
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Cache: CacheConfig{
			Dir: "/tmp/reelcore/meta",
		},
		Media: MediaConfig{
			CacheDir:     "/tmp/reelcore/media",
			MaxDiskBytes: 512 * 1024 * 1024,
		},
		Pool: PoolConfig{
			Capacity:    5,
			InitTimeout: 12 * time.Second,
		},
		Preload: PreloadConfig{
			Profile: "lite",
		},
	}
}

// Load reads the YAML config at path over the defaults, then applies
// environment overrides. A missing file is not an error; defaults and
// environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.Pool.Capacity <= 0 {
		return fmt.Errorf("config: pool capacity must be positive")
	}
	switch c.Preload.Profile {
	case "aggressive", "lite":
	default:
		return fmt.Errorf("config: unknown preload profile %q", c.Preload.Profile)
	}
	return nil
}
