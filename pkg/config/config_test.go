package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 300*time.Millisecond, cfg.Watch.Debounce())
	assert.Equal(t, 2*time.Second, cfg.AutoBuild.Delay())
	assert.Equal(t, 3, cfg.AutoBuild.MaxConcurrentBuilds)
	assert.Equal(t, 5*time.Second, cfg.Workers.HeartbeatInterval())
	assert.Equal(t, 3, cfg.Workers.MissedThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Workers.HardEject())
	assert.Equal(t, 10, cfg.Sessions.MaxPerActor)
	assert.Equal(t, time.Hour, cfg.Sessions.Timeout())
	assert.Equal(t, time.Minute, cfg.Sessions.CleanupInterval())
	assert.Equal(t, 10*time.Second, cfg.Ledger.LeaseTTL())
	assert.Equal(t, 100*time.Millisecond, cfg.Tracker.BroadcastInterval())
	assert.Equal(t, 3, cfg.Build.MaxRetries)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "buildnet.yaml")
	content := `
daemon:
  id: master-7
  cluster_name: staging
backend:
  type: bolt
  data_dir: /tmp/buildnet-test
watch:
  debounce_ms: 150
auto_build:
  max_concurrent_builds: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "master-7", cfg.Daemon.ID)
	assert.Equal(t, "staging", cfg.Daemon.ClusterName)
	assert.Equal(t, "bolt", cfg.Backend.Type)
	assert.Equal(t, 150*time.Millisecond, cfg.Watch.Debounce())
	assert.Equal(t, 5, cfg.AutoBuild.MaxConcurrentBuilds)

	// Untouched fields keep defaults
	assert.Equal(t, 2*time.Second, cfg.AutoBuild.Delay())
	assert.Equal(t, 10, cfg.Sessions.MaxPerActor)
}

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Backend.Type = "redis" }},
		{"bolt without data dir", func(c *Config) { c.Backend.Type = "bolt"; c.Backend.DataDir = "" }},
		{"zero debounce", func(c *Config) { c.Watch.DebounceMS = 0 }},
		{"zero concurrent builds", func(c *Config) { c.AutoBuild.MaxConcurrentBuilds = 0 }},
		{"hard eject inside unhealthy window", func(c *Config) { c.Workers.HardEjectSec = 10 }},
		{"zero session quota", func(c *Config) { c.Sessions.MaxPerActor = 0 }},
		{"zero lease ttl", func(c *Config) { c.Ledger.LeaseTTLSec = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
