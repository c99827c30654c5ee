package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/cklxx/all4you/internal/dataset"
)

// Load reads and parses the configuration file and environment variables.
// When required is false a missing file yields the defaults.
func Load(configPath string, required bool) (*Config, *Secrets, error) {
	var cfg Config

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !required:
	default:
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Apply defaults
	applyDefaults(&cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, LoadSecrets(), nil
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	// Judge defaults
	if cfg.Judge.BaseURL == "" {
		cfg.Judge.BaseURL = DefaultJudgeBaseURL
	}
	if cfg.Judge.HealthTimeoutSeconds == 0 {
		cfg.Judge.HealthTimeoutSeconds = defaultHealthTimeoutSeconds
	}
	if cfg.Judge.RequestTimeoutSeconds == 0 {
		cfg.Judge.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
	}

	// Generation defaults
	if cfg.Generation.BaseURL == "" {
		cfg.Generation.BaseURL = DefaultGenerationBaseURL
	}
	if cfg.Generation.RateLimitPerMinute == 0 {
		cfg.Generation.RateLimitPerMinute = defaultRateLimitPerMinute
	}
	// NOTE: In TOML we can't distinguish 0 from unset, so unset (0) means 3
	// retries and -1 disables retrying
	if cfg.Generation.MaxRetries == 0 {
		cfg.Generation.MaxRetries = defaultMaxRetries
	}
	if cfg.Generation.HTTPTimeoutSeconds == 0 {
		cfg.Generation.HTTPTimeoutSeconds = defaultHTTPTimeoutSeconds
	}

	// Hub defaults
	if cfg.Hub.BaseURL == "" {
		cfg.Hub.BaseURL = dataset.DefaultHubBaseURL
	}
	if cfg.Hub.URLTemplate == "" {
		cfg.Hub.URLTemplate = dataset.DefaultHubURLTemplate
	}
	if cfg.Hub.CacheDir == "" {
		cfg.Hub.CacheDir = DefaultHubCacheDir
	}
	if cfg.Hub.MaxRetries == 0 {
		cfg.Hub.MaxRetries = defaultMaxRetries
	}
	if cfg.Hub.TimeoutSeconds == 0 {
		cfg.Hub.TimeoutSeconds = defaultHubTimeoutSeconds
	}

	// Registry defaults
	if cfg.Registry.Driver == "" {
		cfg.Registry.Driver = RegistryMemory
	}
	if cfg.Registry.Driver == RegistrySQLite && cfg.Registry.Path == "" {
		cfg.Registry.Path = DefaultRegistryPath
	}
}
