package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the on-disk configuration for taskherd.
type Config struct {
	// MaxConcurrentTasks is the hard ceiling on in-flight tasks. Requests
	// beyond it are rejected immediately, never queued.
	MaxConcurrentTasks int `json:"max_concurrent_tasks,omitempty"`

	// ProcessTimeoutMs is the default overall execution timeout for a task
	// when the request does not carry its own.
	ProcessTimeoutMs int64 `json:"process_timeout_ms,omitempty"`

	// GracePeriodMs bounds the wait between SIGTERM and SIGKILL.
	GracePeriodMs int64 `json:"grace_period_ms,omitempty"`

	// HealthCheckIntervalMs is the shared liveness polling interval.
	HealthCheckIntervalMs int64 `json:"health_check_interval_ms,omitempty"`

	// WatchSettleMs is the debounce delay applied to file-watch events so
	// partial writes do not register as separate activity bursts.
	WatchSettleMs int64 `json:"watch_settle_ms,omitempty"`

	// InactivityTimeoutMs is how long a task may go without activity
	// before it is classified IDLE.
	InactivityTimeoutMs int64 `json:"inactivity_timeout_ms,omitempty"`

	// Interpreter is the executable that runs the agent script (e.g. a
	// python3 path). Script is the path of the script itself.
	Interpreter string `json:"interpreter"`
	Script      string `json:"script"`

	// LogRoot is the directory under which per-session log directories
	// are created and watched.
	LogRoot string `json:"log_root,omitempty"`

	// ResultDBPath is the SQLite file persisting terminal task results.
	// If empty, results are kept in memory only.
	ResultDBPath string `json:"result_db_path,omitempty"`

	// ProfilePath points at an optional YAML file of named option presets.
	ProfilePath string `json:"profile_path,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

// Defaults applied by Validate when a field is unset.
const (
	DefaultMaxConcurrentTasks  = 8
	DefaultProcessTimeout      = 10 * time.Minute
	DefaultGracePeriod         = 5 * time.Second
	DefaultHealthCheckInterval = 10 * time.Second
	DefaultWatchSettle         = 300 * time.Millisecond
	DefaultInactivityTimeout   = 2 * time.Minute
)

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.Interpreter) == "" {
		return errors.New("missing interpreter")
	}
	if strings.TrimSpace(c.Script) == "" {
		return errors.New("missing script")
	}
	if c.MaxConcurrentTasks < 0 {
		return fmt.Errorf("negative max_concurrent_tasks: %d", c.MaxConcurrentTasks)
	}
	if c.MaxConcurrentTasks == 0 {
		c.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if c.ProcessTimeoutMs <= 0 {
		c.ProcessTimeoutMs = DefaultProcessTimeout.Milliseconds()
	}
	if c.GracePeriodMs <= 0 {
		c.GracePeriodMs = DefaultGracePeriod.Milliseconds()
	}
	if c.HealthCheckIntervalMs <= 0 {
		c.HealthCheckIntervalMs = DefaultHealthCheckInterval.Milliseconds()
	}
	if c.WatchSettleMs <= 0 {
		c.WatchSettleMs = DefaultWatchSettle.Milliseconds()
	}
	if c.InactivityTimeoutMs <= 0 {
		c.InactivityTimeoutMs = DefaultInactivityTimeout.Milliseconds()
	}
	return nil
}

// GracePeriod returns the validated grace period as a duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMs) * time.Millisecond
}

// HealthCheckInterval returns the validated polling interval as a duration.
func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}

// WatchSettle returns the file-watch debounce delay as a duration.
func (c *Config) WatchSettle() time.Duration {
	return time.Duration(c.WatchSettleMs) * time.Millisecond
}

// InactivityTimeout returns the idle-classification delay as a duration.
func (c *Config) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutMs) * time.Millisecond
}

// ProcessTimeout returns the default overall task timeout as a duration.
func (c *Config) ProcessTimeout() time.Duration {
	return time.Duration(c.ProcessTimeoutMs) * time.Millisecond
}

// DefaultConfigPath returns the default config path:
//
//	~/.taskherd/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "taskherd.config.json"
	}
	return filepath.Join(home, ".taskherd", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
