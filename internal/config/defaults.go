package config

const (
	// DefaultConfigPath is read when --app-config is not given; a missing
	// file at this path is not an error
	DefaultConfigPath = "all4you.toml"

	// EnvGenerationAPIKey holds the bearer token for the generation server
	EnvGenerationAPIKey = "ALL4YOU_GENERATION_API_KEY"
	// EnvHubToken holds the dataset hub token
	EnvHubToken = "MODELSCOPE_API_TOKEN"

	RegistryMemory = "memory"
	RegistrySQLite = "sqlite"

	DefaultJudgeBaseURL          = "http://127.0.0.1:11434"
	DefaultGenerationBaseURL     = "http://127.0.0.1:8000/v1"
	DefaultHubCacheDir           = "datasets/modelscope"
	DefaultRegistryPath          = "all4you-tasks.db"
	defaultHealthTimeoutSeconds  = 2
	defaultRequestTimeoutSeconds = 60
	defaultHTTPTimeoutSeconds    = 120
	defaultRateLimitPerMinute    = 600
	defaultMaxRetries            = 3
	defaultHubTimeoutSeconds     = 300
)

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}
