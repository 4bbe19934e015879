package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig_PipelineTimings(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, 10*time.Second, ParseDurationOr(cfg.Pipeline.PollInterval, 0))
	assert.Equal(t, 3*time.Second, ParseDurationOr(cfg.Pipeline.SettleDelay, 0))
	assert.Equal(t, time.Second, ParseDurationOr(cfg.Pipeline.SummarizeDelay, 0))
	assert.Equal(t, 5, cfg.Pipeline.FallbackSearchTotal)
	assert.Equal(t, 9, cfg.Pipeline.FallbackScrapeTotal)
	assert.Equal(t, 9, cfg.Pipeline.FallbackSummarizeTotal)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFiles_LaterFilesOverride(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.toml")
	override := filepath.Join(dir, "override.toml")

	require.NoError(t, os.WriteFile(base, []byte(`
[server]
port = 9000
host = "0.0.0.0"

[pipeline]
poll_interval = "5s"
`), 0644))
	require.NoError(t, os.WriteFile(override, []byte(`
[server]
port = 9100
`), 0644))

	cfg, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "5s", cfg.Pipeline.PollInterval)
	assert.Equal(t, "3s", cfg.Pipeline.SettleDelay, "unset keys keep defaults")
}

func TestLoadFromFiles_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reqflow.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 9000\n"), 0644))

	t.Setenv("REQFLOW_SERVER_PORT", "9200")
	t.Setenv("REQFLOW_LLM_PROVIDER", "Claude")

	cfg, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, LLMProviderClaude, cfg.LLM.Provider)
}

func TestLoadFromFiles_MissingFile(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestApplyFlagOverrides(t *testing.T) {
	cfg := NewDefaultConfig()
	ApplyFlagOverrides(cfg, 7000, "", "debug")

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bad provider", func(c *Config) { c.LLM.Provider = "llama" }, true},
		{"bad duration", func(c *Config) { c.Pipeline.PollInterval = "ten seconds" }, true},
		{"zero attempts", func(c *Config) { c.Pipeline.SummarizeMaxAttempts = 0 }, true},
		{"http mode without url", func(c *Config) { c.Stages.Mode = "http" }, true},
		{"http mode with url", func(c *Config) {
			c.Stages.Mode = "http"
			c.Stages.BaseURL = "https://example.supabase.co"
		}, false},
		{"bad schedule", func(c *Config) { c.Scheduler.ReconcileSchedule = "every day" }, true},
		{"bad compact schedule", func(c *Config) { c.Scheduler.CompactSchedule = "hourly" }, true},
		{"compaction disabled", func(c *Config) { c.Scheduler.CompactSchedule = "" }, false},
		{"negative concurrency", func(c *Config) { c.Scraper.Concurrency = -1 }, true},
		{"schedule ignored when disabled", func(c *Config) {
			c.Scheduler.Enabled = false
			c.Scheduler.ReconcileSchedule = "every day"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseDurationOr(t *testing.T) {
	assert.Equal(t, 2*time.Second, ParseDurationOr("", 2*time.Second))
	assert.Equal(t, 2*time.Second, ParseDurationOr("garbage", 2*time.Second))
	assert.Equal(t, 250*time.Millisecond, ParseDurationOr("250ms", time.Second))
}

func TestRedacted_MasksSecrets(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.LLM.OpenAI.APIKey = "sk-live"
	cfg.Stages.APIKey = "service-role"

	safe := cfg.Redacted()
	assert.Equal(t, "********", safe.LLM.OpenAI.APIKey)
	assert.Equal(t, "********", safe.Stages.APIKey)
	assert.Empty(t, safe.LLM.Claude.APIKey, "unset keys stay empty")
	assert.Equal(t, "sk-live", cfg.LLM.OpenAI.APIKey, "original untouched")

	data, err := safe.EncodeTOML()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-live")
	assert.Contains(t, string(data), "[scheduler]")
}
