package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the single top-level configuration record for the daemon.
// Every field has a default; Load applies file values over Default().
type Config struct {
	Daemon    DaemonConfig    `yaml:"daemon"`
	Network   NetworkConfig   `yaml:"network"`
	Backend   BackendConfig   `yaml:"backend"`
	Watch     WatchConfig     `yaml:"watch"`
	AutoBuild AutoBuildConfig `yaml:"auto_build"`
	Workers   WorkerConfig    `yaml:"workers"`
	Sessions  SessionConfig   `yaml:"sessions"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Build     BuildConfig     `yaml:"build"`
	Log       LogConfig       `yaml:"log"`
}

// DaemonConfig identifies this daemon instance
type DaemonConfig struct {
	ID          string `yaml:"id"`
	ClusterName string `yaml:"cluster_name"`
}

// NetworkConfig holds bind and advertise addresses
type NetworkConfig struct {
	Bind      string `yaml:"bind"`
	Advertise string `yaml:"advertise"`
}

// BackendConfig selects and locates the state backend
type BackendConfig struct {
	Type    string `yaml:"type"` // memory | bolt
	DataDir string `yaml:"data_dir"`
}

// WatchConfig tunes the file watcher
type WatchConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Roots             []string `yaml:"roots"`
	Include           []string `yaml:"include"`
	Exclude           []string `yaml:"exclude"`
	Cosmetic          []string `yaml:"cosmetic"`
	DebounceMS        int      `yaml:"debounce_ms"`
	PreemptivePrepare bool     `yaml:"preemptive_prepare"`
}

// Debounce returns the debounce window as a duration
func (w WatchConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMS) * time.Millisecond
}

// AutoBuildConfig tunes automatic builds triggered by file changes
type AutoBuildConfig struct {
	Enabled             bool   `yaml:"enabled"`
	DelayMS             int    `yaml:"delay_ms"`
	MaxConcurrentBuilds int    `yaml:"max_concurrent_builds"`
	DefaultTarget       string `yaml:"default_target"`
}

// Delay returns the auto-build debounce delay as a duration
func (a AutoBuildConfig) Delay() time.Duration {
	return time.Duration(a.DelayMS) * time.Millisecond
}

// WorkerConfig tunes the worker pool health machinery
type WorkerConfig struct {
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`
	MissedThreshold      int `yaml:"missed_threshold"`
	HardEjectSec         int `yaml:"hard_eject_sec"`
	MaxWorkers           int `yaml:"max_workers"`
}

// HeartbeatInterval returns the heartbeat scan interval as a duration
func (w WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalSec) * time.Second
}

// HardEject returns the hard-eject window as a duration
func (w WorkerConfig) HardEject() time.Duration {
	return time.Duration(w.HardEjectSec) * time.Second
}

// SessionConfig tunes session lifecycle limits
type SessionConfig struct {
	MaxPerActor        int `yaml:"max_per_actor"`
	TimeoutSec         int `yaml:"timeout_sec"`
	CleanupIntervalSec int `yaml:"cleanup_interval_sec"`
	HistoryLimit       int `yaml:"history_limit"`
	ActivityLogLimit   int `yaml:"activity_log_limit"`
}

// Timeout returns the idle session timeout as a duration
func (s SessionConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}

// CleanupInterval returns the timeout scanner interval as a duration
func (s SessionConfig) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalSec) * time.Second
}

// LedgerConfig tunes the audit ledger
type LedgerConfig struct {
	LeaseTTLSec  int    `yaml:"lease_ttl_sec"`
	LeaseRetries int    `yaml:"lease_retries"`
	MirrorPath   string `yaml:"mirror_path"`
	Streaming    bool   `yaml:"streaming"`
}

// LeaseTTL returns the writer lease TTL as a duration
func (l LedgerConfig) LeaseTTL() time.Duration {
	return time.Duration(l.LeaseTTLSec) * time.Second
}

// TrackerConfig tunes the activity tracker
type TrackerConfig struct {
	BroadcastIntervalMS int `yaml:"broadcast_interval_ms"`
	EventBuffer         int `yaml:"event_buffer"`
	RecentBuilds        int `yaml:"recent_builds"`
}

// BroadcastInterval returns the broadcast coalescing window as a duration
func (t TrackerConfig) BroadcastInterval() time.Duration {
	return time.Duration(t.BroadcastIntervalMS) * time.Millisecond
}

// BuildConfig tunes bundle execution
type BuildConfig struct {
	MaxRetries   int  `yaml:"max_retries"`
	RetryDelayMS int  `yaml:"retry_delay_ms"`
	Verify       bool `yaml:"verify"`
}

// RetryDelay returns the base retry delay as a duration
func (b BuildConfig) RetryDelay() time.Duration {
	return time.Duration(b.RetryDelayMS) * time.Millisecond
}

// LogConfig tunes logging output
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// Default returns the fully populated default configuration
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			ID:          "buildnet-master",
			ClusterName: "default",
		},
		Network: NetworkConfig{
			Bind: "127.0.0.1:8080",
		},
		Backend: BackendConfig{
			Type:    "memory",
			DataDir: "/var/lib/buildnet",
		},
		Watch: WatchConfig{
			Enabled: true,
			Roots:   []string{"."},
			Include: []string{"**/*"},
			Exclude: []string{
				"**/node_modules/**",
				"**/.git/**",
				"**/dist/**",
				"**/build/**",
				"**/.next/**",
				"**/.turbo/**",
				"**/coverage/**",
				"**/.cache/**",
				"**/tmp/**",
				"**/*.log",
			},
			Cosmetic: []string{
				"**/*_test.*",
				"**/*.test.*",
				"**/*.spec.*",
				"**/*.md",
				"**/docs/**",
				"**/*.lock",
				"**/package-lock.json",
				"**/yarn.lock",
				"**/pnpm-lock.yaml",
			},
			DebounceMS:        300,
			PreemptivePrepare: false,
		},
		AutoBuild: AutoBuildConfig{
			Enabled:             true,
			DelayMS:             2000,
			MaxConcurrentBuilds: 3,
			DefaultTarget:       "app",
		},
		Workers: WorkerConfig{
			HeartbeatIntervalSec: 5,
			MissedThreshold:      3,
			HardEjectSec:         300,
			MaxWorkers:           64,
		},
		Sessions: SessionConfig{
			MaxPerActor:        10,
			TimeoutSec:         3600,
			CleanupIntervalSec: 60,
			HistoryLimit:       100,
			ActivityLogLimit:   1000,
		},
		Ledger: LedgerConfig{
			LeaseTTLSec:  10,
			LeaseRetries: 5,
			Streaming:    true,
		},
		Tracker: TrackerConfig{
			BroadcastIntervalMS: 100,
			EventBuffer:         1000,
			RecentBuilds:        50,
		},
		Build: BuildConfig{
			MaxRetries:   3,
			RetryDelayMS: 1000,
			Verify:       true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML file over the defaults. A missing path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case "memory", "bolt":
	default:
		return fmt.Errorf("unknown backend type %q", c.Backend.Type)
	}
	if c.Backend.Type == "bolt" && c.Backend.DataDir == "" {
		return fmt.Errorf("bolt backend requires data_dir")
	}
	if c.Watch.DebounceMS <= 0 {
		return fmt.Errorf("watch.debounce_ms must be positive")
	}
	if c.AutoBuild.DelayMS <= 0 {
		return fmt.Errorf("auto_build.delay_ms must be positive")
	}
	if c.AutoBuild.MaxConcurrentBuilds < 1 {
		return fmt.Errorf("auto_build.max_concurrent_builds must be at least 1")
	}
	if c.Workers.HeartbeatIntervalSec <= 0 || c.Workers.MissedThreshold <= 0 {
		return fmt.Errorf("worker heartbeat settings must be positive")
	}
	if c.Workers.HardEjectSec <= c.Workers.HeartbeatIntervalSec*c.Workers.MissedThreshold {
		return fmt.Errorf("workers.hard_eject_sec must exceed the unhealthy window")
	}
	if c.Sessions.MaxPerActor < 1 {
		return fmt.Errorf("sessions.max_per_actor must be at least 1")
	}
	if c.Sessions.TimeoutSec <= 0 || c.Sessions.CleanupIntervalSec <= 0 {
		return fmt.Errorf("session timeout settings must be positive")
	}
	if c.Ledger.LeaseTTLSec <= 0 {
		return fmt.Errorf("ledger.lease_ttl_sec must be positive")
	}
	if c.Tracker.BroadcastIntervalMS <= 0 {
		return fmt.Errorf("tracker.broadcast_interval_ms must be positive")
	}
	if c.Build.MaxRetries < 1 {
		return fmt.Errorf("build.max_retries must be at least 1")
	}
	return nil
}
