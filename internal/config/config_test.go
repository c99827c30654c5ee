package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "all4you.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_MissingOptionalFileUsesDefaults(t *testing.T) {
	cfg, secrets, err := Load(filepath.Join(t.TempDir(), "absent.toml"), false)
	require.NoError(t, err)
	require.NotNil(t, secrets)

	assert.Equal(t, Default(), cfg)
	assert.Equal(t, DefaultJudgeBaseURL, cfg.Judge.BaseURL)
	assert.Equal(t, 2, cfg.Judge.HealthTimeoutSeconds)
	assert.Equal(t, 60, cfg.Judge.RequestTimeoutSeconds)
	assert.Equal(t, RegistryMemory, cfg.Registry.Driver)
	assert.Equal(t, DefaultHubCacheDir, cfg.Hub.CacheDir)
}

func TestLoad_MissingRequiredFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "absent.toml"), true)
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestLoad_ParsesSections(t *testing.T) {
	path := writeConfig(t, `
[judge]
base_url = "http://judge.local:11434"
request_timeout_seconds = 30

[generation]
base_url = "http://gen.local:8000/v1"
model_name = "my-finetune"
max_retries = -1

[trainer]
command = "python"
args = ["train.py", "--config", "{config}"]

[registry]
driver = "sqlite"

[metrics]
listen_addr = ":9090"
`)
	t.Setenv(EnvGenerationAPIKey, "secret")

	cfg, secrets, err := Load(path, true)
	require.NoError(t, err)

	assert.Equal(t, "http://judge.local:11434", cfg.Judge.BaseURL)
	assert.Equal(t, 2, cfg.Judge.HealthTimeoutSeconds)
	assert.Equal(t, 30, cfg.Judge.RequestTimeoutSeconds)
	assert.Equal(t, "my-finetune", cfg.Generation.ModelName)
	assert.Equal(t, -1, cfg.Generation.MaxRetries)
	assert.Equal(t, []string{"train.py", "--config", "{config}"}, cfg.Trainer.Args)
	assert.Equal(t, DefaultRegistryPath, cfg.Registry.Path)
	assert.Equal(t, ":9090", cfg.Metrics.ListenAddr)
	assert.Equal(t, "secret", secrets.GenerationAPIKey)
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeConfig(t, "[judge\nbase_url = ")
	_, _, err := Load(path, true)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"judge scheme", func(c *Config) { c.Judge.BaseURL = "ftp://judge" }, "judge.base_url must use http or https"},
		{"judge host", func(c *Config) { c.Judge.BaseURL = "http://" }, "judge.base_url must have a host"},
		{"health timeout", func(c *Config) { c.Judge.HealthTimeoutSeconds = -1 }, "health_timeout_seconds"},
		{"rate limit", func(c *Config) { c.Generation.RateLimitPerMinute = -5 }, "rate_limit_per_minute"},
		{"retries", func(c *Config) { c.Generation.MaxRetries = 99 }, "generation.max_retries"},
		{"model control chars", func(c *Config) { c.Generation.ModelName = "bad\x00name" }, "control characters"},
		{"args without command", func(c *Config) { c.Trainer.Args = []string{"x"} }, "trainer.args requires trainer.command"},
		{"registry driver", func(c *Config) { c.Registry.Driver = "redis" }, "registry.driver"},
		{"sqlite path", func(c *Config) { c.Registry.Driver = RegistrySQLite; c.Registry.Path = "" }, "registry.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestContainsControlChars(t *testing.T) {
	assert.False(t, containsControlChars("Qwen/Qwen3-0.6B"))
	assert.False(t, containsControlChars("line\nbreak\ttab"))
	assert.True(t, containsControlChars("bell\x07"))
}
