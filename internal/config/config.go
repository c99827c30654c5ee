package config

import (
	"fmt"
	"os"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Judge      JudgeConfig      `toml:"judge"`
	Generation GenerationConfig `toml:"generation"`
	Trainer    TrainerConfig    `toml:"trainer"`
	Hub        HubConfig        `toml:"hub"`
	Registry   RegistryConfig   `toml:"registry"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// JudgeConfig holds the Ollama judge endpoint settings
type JudgeConfig struct {
	BaseURL               string `toml:"base_url"`
	HealthTimeoutSeconds  int    `toml:"health_timeout_seconds"`  // Liveness probe timeout (default 2)
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"` // Per-judgement timeout (default 60)
}

// GenerationConfig points at the OpenAI-compatible server hosting the
// fine-tuned model (and any non-Ollama judge model)
type GenerationConfig struct {
	BaseURL            string `toml:"base_url"`
	ModelName          string `toml:"model_name"`            // Optional: defaults to the run's output directory
	RateLimitPerMinute int    `toml:"rate_limit_per_minute"` // Optional: -1 disables limiting (default 600)
	MaxRetries         int    `toml:"max_retries"`           // Optional: default 3, -1 disables retries
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds"`  // Optional: default 120
}

// TrainerConfig selects how the Train stage is executed
type TrainerConfig struct {
	Command string   `toml:"command"` // External training command; empty means dry run
	Args    []string `toml:"args"`    // Supports {config}, {train}, {eval} and {output_dir}
	DryRun  bool     `toml:"dry_run"`
}

// HubConfig configures dataset downloads
type HubConfig struct {
	BaseURL        string `toml:"base_url"`
	URLTemplate    string `toml:"url_template"`
	CacheDir       string `toml:"cache_dir"`
	MaxRetries     int    `toml:"max_retries"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// RegistryConfig selects the task store
type RegistryConfig struct {
	Driver string `toml:"driver"` // "memory" or "sqlite"
	Path   string `toml:"path"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"` // Empty disables the endpoint
}

// HealthTimeout returns the judge liveness probe timeout
func (j JudgeConfig) HealthTimeout() time.Duration {
	return time.Duration(j.HealthTimeoutSeconds) * time.Second
}

// RequestTimeout returns the judge generation timeout
func (j JudgeConfig) RequestTimeout() time.Duration {
	return time.Duration(j.RequestTimeoutSeconds) * time.Second
}

// HTTPTimeout returns the generation request timeout
func (g GenerationConfig) HTTPTimeout() time.Duration {
	return time.Duration(g.HTTPTimeoutSeconds) * time.Second
}

// Timeout returns the dataset download timeout
func (h HubConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	GenerationAPIKey string
	HubToken         string
}

const (
	// MaxRequestTimeoutSeconds bounds judge and generation timeouts
	MaxRequestTimeoutSeconds = 3600
	// MaxRetriesLimit bounds configurable retry counts
	MaxRetriesLimit = 20
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validateBaseURL(c.Judge.BaseURL, "judge"); err != nil {
		return err
	}
	if c.Judge.HealthTimeoutSeconds < 1 || c.Judge.HealthTimeoutSeconds > MaxRequestTimeoutSeconds {
		return fmt.Errorf("judge.health_timeout_seconds must be between 1 and %d (got %d)", MaxRequestTimeoutSeconds, c.Judge.HealthTimeoutSeconds)
	}
	if c.Judge.RequestTimeoutSeconds < 1 || c.Judge.RequestTimeoutSeconds > MaxRequestTimeoutSeconds {
		return fmt.Errorf("judge.request_timeout_seconds must be between 1 and %d (got %d)", MaxRequestTimeoutSeconds, c.Judge.RequestTimeoutSeconds)
	}

	if err := validateBaseURL(c.Generation.BaseURL, "generation"); err != nil {
		return err
	}
	if err := validateModelName(c.Generation.ModelName, "generation"); err != nil {
		return err
	}
	if c.Generation.RateLimitPerMinute == 0 || c.Generation.RateLimitPerMinute < -1 {
		return fmt.Errorf("generation.rate_limit_per_minute must be positive or -1 (got %d)", c.Generation.RateLimitPerMinute)
	}
	if c.Generation.MaxRetries < -1 || c.Generation.MaxRetries > MaxRetriesLimit {
		return fmt.Errorf("generation.max_retries must be between -1 and %d (got %d)", MaxRetriesLimit, c.Generation.MaxRetries)
	}
	if c.Generation.HTTPTimeoutSeconds < 1 || c.Generation.HTTPTimeoutSeconds > MaxRequestTimeoutSeconds {
		return fmt.Errorf("generation.http_timeout_seconds must be between 1 and %d (got %d)", MaxRequestTimeoutSeconds, c.Generation.HTTPTimeoutSeconds)
	}

	if c.Trainer.Command == "" && len(c.Trainer.Args) > 0 {
		return fmt.Errorf("trainer.args requires trainer.command")
	}

	if err := validateBaseURL(c.Hub.BaseURL, "hub"); err != nil {
		return err
	}
	if c.Hub.CacheDir == "" {
		return fmt.Errorf("hub.cache_dir is required")
	}
	if c.Hub.MaxRetries < 0 || c.Hub.MaxRetries > MaxRetriesLimit {
		return fmt.Errorf("hub.max_retries must be between 0 and %d (got %d)", MaxRetriesLimit, c.Hub.MaxRetries)
	}

	switch c.Registry.Driver {
	case RegistryMemory:
	case RegistrySQLite:
		if c.Registry.Path == "" {
			return fmt.Errorf("registry.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("registry.driver must be one of: memory, sqlite (got %s)", c.Registry.Driver)
	}

	return nil
}

// LoadSecrets loads sensitive credentials from environment variables
func LoadSecrets() *Secrets {
	return &Secrets{
		GenerationAPIKey: os.Getenv(EnvGenerationAPIKey),
		HubToken:         os.Getenv(EnvHubToken),
	}
}
