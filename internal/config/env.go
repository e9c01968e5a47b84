package config

import (
	"os"
	"strconv"
)

// LoadFromEnv applies REELCORE_* environment overrides.
func LoadFromEnv(cfg *Config) {
	if port := os.Getenv("REELCORE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if level := os.Getenv("REELCORE_LOG_LEVEL"); level != "" {
		cfg.Server.LogLevel = level
	}
	if url := os.Getenv("REELCORE_FEED_URL"); url != "" {
		cfg.Media.FeedURL = url
	}
	if url := os.Getenv("REELCORE_PROBE_URL"); url != "" {
		cfg.Network.ProbeURL = url
	}
	if key := os.Getenv("REELCORE_SIGNING_KEY"); key != "" {
		cfg.Media.SigningKey = key
	}
	if dir := os.Getenv("REELCORE_CACHE_DIR"); dir != "" {
		cfg.Cache.Dir = dir
	}
	if dir := os.Getenv("REELCORE_MEDIA_CACHE_DIR"); dir != "" {
		cfg.Media.CacheDir = dir
	}
	if cap := os.Getenv("REELCORE_POOL_CAPACITY"); cap != "" {
		if n, err := strconv.Atoi(cap); err == nil {
			cfg.Pool.Capacity = n
		}
	}
	if profile := os.Getenv("REELCORE_PRELOAD_PROFILE"); profile != "" {
		cfg.Preload.Profile = profile
	}
}

// GetEnvOrDefault returns an environment variable or a default value.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
