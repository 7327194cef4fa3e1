package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8001, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Minute, cfg.RunTimeout)
	assert.Equal(t, 4, cfg.OuterConcurrency)
	assert.Equal(t, 4, cfg.InnerConcurrency)
	assert.Equal(t, 365*24*time.Hour, cfg.BackfillEarliest)
	assert.Equal(t, 5*time.Minute, cfg.EngineTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Phase1Timeout)
	assert.Equal(t, 90, cfg.RunRetentionDays)
	assert.Equal(t, "0 0 21 * * 1-5", cfg.SchedulerCron)
	assert.Equal(t, 3, cfg.ProviderMaxRetries)
	assert.Equal(t, time.Second, cfg.ProviderBackoff)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("BATCH_RUN_TIMEOUT_MINUTES", "45")
	t.Setenv("BATCH_OUTER_CONCURRENCY", "2")
	t.Setenv("BATCH_INNER_CONCURRENCY", "8")
	t.Setenv("PROVIDER_MAX_RETRIES", "5")
	t.Setenv("PROVIDER_BACKOFF_BASE_MS", "250")
	t.Setenv("SCHEDULER_CRON", "0 0 22 * * 1-5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Minute, cfg.RunTimeout)
	assert.Equal(t, 2, cfg.OuterConcurrency)
	assert.Equal(t, 8, cfg.InnerConcurrency)
	assert.Equal(t, 5, cfg.ProviderMaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.ProviderBackoff)
	assert.Equal(t, "0 0 22 * * 1-5", cfg.SchedulerCron)
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("BATCH_OUTER_CONCURRENCY", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.OuterConcurrency)
}

func TestValidate_RejectsBadConcurrency(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero outer concurrency", func(c *Config) { c.OuterConcurrency = 0 }},
		{"zero inner concurrency", func(c *Config) { c.InnerConcurrency = 0 }},
		{"zero run timeout", func(c *Config) { c.RunTimeout = 0 }},
		{"negative retries", func(c *Config) { c.ProviderMaxRetries = -1 }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				DataDir:          "/tmp",
				OuterConcurrency: 4,
				InnerConcurrency: 4,
				RunTimeout:       30 * time.Minute,
			}
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
