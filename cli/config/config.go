package config

import (
	"fmt"
	"time"
)

// Config represents a kilnbox.yaml configuration file.
// All values are optional and act as defaults for kilnbox commands.
// CLI flags always override config values.
type Config struct {
	// PluginDir is scanned for plugin manifests at startup.
	PluginDir string `yaml:"plugin_dir"`
	// Backend selects the execution backend: in-process, pool,
	// subprocess, or auto.
	Backend string `yaml:"backend"`
	// Worker is the worker launch command for pooled and subprocess
	// backends (binary plus fixed args).
	Worker []string `yaml:"worker"`
	// Socket is the platform RPC socket path. Empty derives a
	// per-process path under the temp dir.
	Socket string `yaml:"socket"`
	// Listen is the serve address.
	Listen string `yaml:"listen"`
	// Grace bounds serve drain on shutdown.
	Grace Duration `yaml:"grace"`
	// Timeout is the default execution timeout. Zero defers to quotas.
	Timeout Duration `yaml:"timeout"`
	// ErrorPolicy maps failed runs to exit codes: none, major, critical.
	ErrorPolicy string `yaml:"error_policy"`
	// WorkspaceRoot hosts leased execution directories.
	WorkspaceRoot string `yaml:"workspace_root"`
	// TraceDir persists invoke chain traces. Empty disables the store.
	TraceDir string `yaml:"trace_dir"`
	// Capabilities granted to plugins by this host.
	Capabilities []string `yaml:"capabilities"`
	// MaxDepth and MaxHops bound invoke chains. Zero takes defaults.
	MaxDepth int `yaml:"max_depth"`
	MaxHops  int `yaml:"max_hops"`

	Log      LogConfig      `yaml:"log"`
	Pool     PoolConfig     `yaml:"pool"`
	Platform PlatformConfig `yaml:"platform"`

	// Plugins holds per-plugin configuration sections, passed to the
	// plugin as its descriptor config.
	Plugins map[string]map[string]any `yaml:"plugins"`
}

// LogConfig holds logging defaults from the config file.
type LogConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `yaml:"level"`
	// File enables a rotating file output in addition to stderr.
	File       string `yaml:"file"`
	MaxSizeMb  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// PoolConfig holds worker pool defaults from the config file.
// Zero fields take the runtime defaults.
type PoolConfig struct {
	Min                    int      `yaml:"min"`
	Max                    int      `yaml:"max"`
	MaxRequestsPerWorker   int64    `yaml:"max_requests_per_worker"`
	MaxUptimePerWorker     Duration `yaml:"max_uptime_per_worker"`
	MaxQueueSize           int      `yaml:"max_queue_size"`
	AcquireTimeout         Duration `yaml:"acquire_timeout"`
	MaxConcurrentPerPlugin int      `yaml:"max_concurrent_per_plugin"`
	HealthCheckInterval    Duration `yaml:"health_check_interval"`
}

// PlatformConfig selects the platform service adapters.
type PlatformConfig struct {
	Cache     CacheConfig     `yaml:"cache"`
	State     StateConfig     `yaml:"state"`
	Storage   StorageConfig   `yaml:"storage"`
	SQL       SQLConfig       `yaml:"sql"`
	Analytics AnalyticsConfig `yaml:"analytics"`
}

// CacheConfig selects the quota/cache backend.
type CacheConfig struct {
	// Kind is memory or redis.
	Kind string `yaml:"kind"`
	// URL is the Redis connection URL (redis kind).
	URL       string   `yaml:"url"`
	KeyPrefix string   `yaml:"key_prefix,omitempty"`
	Timeout   Duration `yaml:"timeout,omitempty"`
}

// StateConfig selects the state store backend.
type StateConfig struct {
	// Kind is memory or bolt.
	Kind string `yaml:"kind"`
	// Path is the bbolt database file (bolt kind).
	Path string `yaml:"path"`
}

// StorageConfig selects the blob storage backend.
type StorageConfig struct {
	// Kind is local or s3.
	Kind string `yaml:"kind"`
	// Path is the local storage root (local kind).
	Path string `yaml:"path"`
	// S3 settings (s3 kind).
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix,omitempty"`
	Region      string `yaml:"region,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty"`
	S3PathStyle bool   `yaml:"s3_path_style,omitempty"`
}

// SQLConfig selects the SQL facade backend.
type SQLConfig struct {
	// Kind is none or sqlite.
	Kind string `yaml:"kind"`
	// Path is the SQLite database file (sqlite kind).
	Path string `yaml:"path"`
}

// AnalyticsConfig selects the analytics sink and emitter buffering.
type AnalyticsConfig struct {
	// Sink is none, lode, or webhook.
	Sink string `yaml:"sink"`

	// Lode sink settings.
	Dataset string `yaml:"dataset,omitempty"`
	// Backend is fs or s3 (lode sink).
	Backend string `yaml:"backend,omitempty"`
	// Path is the fs root or the s3 bucket/prefix (lode sink).
	Path   string `yaml:"path,omitempty"`
	Region string `yaml:"region,omitempty"`

	// Webhook sink settings.
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`

	// Emitter buffering.
	BufferRecords int      `yaml:"buffer_records,omitempty"`
	BufferBytes   int64    `yaml:"buffer_bytes,omitempty"`
	FlushCount    int      `yaml:"flush_count,omitempty"`
	FlushInterval Duration `yaml:"flush_interval,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration back as a string.
func (d Duration) MarshalYAML() (any, error) {
	if d.Duration == 0 {
		return "", nil
	}
	return d.Duration.String(), nil
}

// DefaultConfig returns the defaults used when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		PluginDir:     "plugins",
		Backend:       "auto",
		Listen:        ":8321",
		Grace:         Duration{10 * time.Second},
		ErrorPolicy:   "major",
		WorkspaceRoot: "",
		Platform: PlatformConfig{
			Cache:     CacheConfig{Kind: "memory"},
			State:     StateConfig{Kind: "memory"},
			Storage:   StorageConfig{Kind: "local", Path: ".kb/storage"},
			SQL:       SQLConfig{Kind: "none"},
			Analytics: AnalyticsConfig{Sink: "none"},
		},
	}
}

// PluginConfig returns the configuration section for one plugin, or
// nil when the file carries none.
func (c *Config) PluginConfig(id string) map[string]any {
	if c == nil || len(c.Plugins) == 0 {
		return nil
	}
	return c.Plugins[id]
}

// Validate checks the enum-valued fields. Empty values are allowed;
// they take defaults downstream.
func (c *Config) Validate() error {
	if err := oneOf("backend", c.Backend, "in-process", "pool", "subprocess", "auto"); err != nil {
		return err
	}
	if err := oneOf("error_policy", c.ErrorPolicy, "none", "major", "critical"); err != nil {
		return err
	}
	if err := oneOf("platform.cache.kind", c.Platform.Cache.Kind, "memory", "redis"); err != nil {
		return err
	}
	if err := oneOf("platform.state.kind", c.Platform.State.Kind, "memory", "bolt"); err != nil {
		return err
	}
	if err := oneOf("platform.storage.kind", c.Platform.Storage.Kind, "local", "s3"); err != nil {
		return err
	}
	if err := oneOf("platform.sql.kind", c.Platform.SQL.Kind, "none", "sqlite"); err != nil {
		return err
	}
	if err := oneOf("platform.analytics.sink", c.Platform.Analytics.Sink, "none", "lode", "webhook"); err != nil {
		return err
	}
	if c.Platform.Analytics.Sink == "lode" {
		if err := oneOf("platform.analytics.backend", c.Platform.Analytics.Backend, "fs", "s3"); err != nil {
			return err
		}
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	if value == "" {
		return nil
	}
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %v, got %q", field, allowed, value)
}
