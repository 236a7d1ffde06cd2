package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GateConfig defines one quality gate check run before a task may
// complete. Checks run in declared order.
type GateConfig struct {
	Name          string   `yaml:"name"`
	Command       []string `yaml:"command"`
	TimeoutMillis int      `yaml:"timeout_ms"`
}

// OTelConfig controls the OpenTelemetry exporters.
type OTelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // OTLP HTTP endpoint; empty uses stdout exporter
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// MaxQueueDepth bounds the write queue. Submissions beyond it wait
	// up to SubmitTimeoutMillis then fail with backpressure.
	MaxQueueDepth       int `yaml:"max_queue_depth"`
	SubmitTimeoutMillis int `yaml:"submit_timeout_ms"`

	// Store busy-retry policy for transient sqlite lock contention.
	StoreRetryMax        int `yaml:"store_retry_max"`
	StoreRetryBaseMillis int `yaml:"store_retry_base_ms"`
	StoreRetryCapMillis  int `yaml:"store_retry_cap_ms"`

	// Gates is the quality gate suite. The built-in audit-consistency
	// check always runs in addition to this list.
	Gates []GateConfig `yaml:"gates"`

	// MaxGateAttempts bounds retries of a failing gate suite before the
	// task is failed.
	MaxGateAttempts       int `yaml:"max_gate_attempts"`
	GateRetryDelaySeconds int `yaml:"gate_retry_delay_seconds"`

	// ApprovalStaleHours is how long an awaiting_approval task may sit
	// before startup recovery labels it stale. 0 disables the label.
	ApprovalStaleHours int `yaml:"approval_stale_hours"`

	// SweepSchedule is a cron expression for the maintenance sweep that
	// releases expired execution claims.
	SweepSchedule string `yaml:"sweep_schedule"`

	// InflightTTLMinutes bounds how long an execution claim survives a
	// crashed driver.
	InflightTTLMinutes  int `yaml:"inflight_ttl_minutes"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	OTel OTelConfig `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:              "info",
		MaxQueueDepth:         64,
		SubmitTimeoutMillis:   int((5 * time.Second).Milliseconds()),
		StoreRetryMax:         5,
		StoreRetryBaseMillis:  50,
		StoreRetryCapMillis:   2000,
		MaxGateAttempts:       3,
		GateRetryDelaySeconds: 2,
		ApprovalStaleHours:    72,
		SweepSchedule:         "*/5 * * * *",
		InflightTTLMinutes:    10,
		PollIntervalSeconds:   15,
		DrainTimeoutSeconds:   5,
	}
}

// HomeDir resolves the data directory: $TASKOS_HOME or ~/.taskos.
func HomeDir() string {
	if override := os.Getenv("TASKOS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskos")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under homeDir, applying defaults, env
// overrides and normalization. A missing file is not an error; the
// defaults stand.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskos home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = def.MaxQueueDepth
	}
	if cfg.SubmitTimeoutMillis <= 0 {
		cfg.SubmitTimeoutMillis = def.SubmitTimeoutMillis
	}
	if cfg.StoreRetryMax <= 0 {
		cfg.StoreRetryMax = def.StoreRetryMax
	}
	if cfg.StoreRetryBaseMillis <= 0 {
		cfg.StoreRetryBaseMillis = def.StoreRetryBaseMillis
	}
	if cfg.StoreRetryCapMillis <= 0 {
		cfg.StoreRetryCapMillis = def.StoreRetryCapMillis
	}
	if cfg.MaxGateAttempts <= 0 {
		cfg.MaxGateAttempts = def.MaxGateAttempts
	}
	if cfg.GateRetryDelaySeconds <= 0 {
		cfg.GateRetryDelaySeconds = def.GateRetryDelaySeconds
	}
	if cfg.ApprovalStaleHours < 0 {
		cfg.ApprovalStaleHours = 0
	}
	if strings.TrimSpace(cfg.SweepSchedule) == "" {
		cfg.SweepSchedule = def.SweepSchedule
	}
	if cfg.InflightTTLMinutes <= 0 {
		cfg.InflightTTLMinutes = def.InflightTTLMinutes
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = def.PollIntervalSeconds
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
	for i := range cfg.Gates {
		if cfg.Gates[i].Name == "" {
			cfg.Gates[i].Name = fmt.Sprintf("gate-%d", i+1)
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKOS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKOS_MAX_QUEUE_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxQueueDepth = v
		}
	}
	if raw := os.Getenv("TASKOS_SUBMIT_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SubmitTimeoutMillis = v
		}
	}
	if raw := os.Getenv("TASKOS_MAX_GATE_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxGateAttempts = v
		}
	}
	if raw := os.Getenv("TASKOS_APPROVAL_STALE_HOURS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ApprovalStaleHours = v
		}
	}
	if raw := os.Getenv("TASKOS_SWEEP_SCHEDULE"); raw != "" {
		cfg.SweepSchedule = raw
	}
	if raw := os.Getenv("TASKOS_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TASKOS_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Enabled = true
		cfg.OTel.Endpoint = raw
	}
}

// Durations derived from the integer fields.

func (c Config) SubmitTimeout() time.Duration {
	return time.Duration(c.SubmitTimeoutMillis) * time.Millisecond
}

func (c Config) StoreRetryBase() time.Duration {
	return time.Duration(c.StoreRetryBaseMillis) * time.Millisecond
}

func (c Config) StoreRetryCap() time.Duration {
	return time.Duration(c.StoreRetryCapMillis) * time.Millisecond
}

func (c Config) GateRetryDelay() time.Duration {
	return time.Duration(c.GateRetryDelaySeconds) * time.Second
}

func (c Config) ApprovalStale() time.Duration {
	return time.Duration(c.ApprovalStaleHours) * time.Hour
}

func (c Config) InflightTTL() time.Duration {
	return time.Duration(c.InflightTTLMinutes) * time.Minute
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// DBPath returns the sqlite database path under the home directory.
func (c Config) DBPath() string {
	return filepath.Join(c.HomeDir, "taskos.db")
}

// Fingerprint returns a stable hash of the active config for change
// detection on hot reload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|depth=%d|submit=%d|attempts=%d|stale=%d|sweep=%s|gates=%d",
		c.LogLevel, c.MaxQueueDepth, c.SubmitTimeoutMillis,
		c.MaxGateAttempts, c.ApprovalStaleHours, c.SweepSchedule, len(c.Gates))
	for _, g := range c.Gates {
		fmt.Fprintf(h, "|%s=%v@%d", g.Name, g.Command, g.TimeoutMillis)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
