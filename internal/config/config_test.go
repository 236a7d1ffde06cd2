package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level %q", cfg.LogLevel)
	}
	if cfg.MaxQueueDepth != 64 || cfg.MaxGateAttempts != 3 {
		t.Fatalf("defaults %d/%d", cfg.MaxQueueDepth, cfg.MaxGateAttempts)
	}
	if cfg.SweepSchedule != "*/5 * * * *" {
		t.Fatalf("sweep schedule %q", cfg.SweepSchedule)
	}
	if cfg.SubmitTimeout() != 5*time.Second {
		t.Fatalf("submit timeout %v", cfg.SubmitTimeout())
	}
	if cfg.ApprovalStale() != 72*time.Hour {
		t.Fatalf("approval stale %v", cfg.ApprovalStale())
	}
}

func TestLoadFromReadsYAML(t *testing.T) {
	home := t.TempDir()
	yaml := `
log_level: debug
max_queue_depth: 8
max_gate_attempts: 5
approval_stale_hours: 24
gates:
  - name: lint
    command: ["golangci-lint", "run"]
    timeout_ms: 30000
  - command: ["true"]
`
	if err := os.WriteFile(ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.MaxQueueDepth != 8 || cfg.MaxGateAttempts != 5 {
		t.Fatalf("parsed %q/%d/%d", cfg.LogLevel, cfg.MaxQueueDepth, cfg.MaxGateAttempts)
	}
	if len(cfg.Gates) != 2 {
		t.Fatalf("gates %d", len(cfg.Gates))
	}
	if cfg.Gates[0].Name != "lint" || cfg.Gates[0].TimeoutMillis != 30000 {
		t.Fatalf("gate[0] %+v", cfg.Gates[0])
	}
	// Unnamed gates get a positional name.
	if cfg.Gates[1].Name != "gate-2" {
		t.Fatalf("gate[1] name %q", cfg.Gates[1].Name)
	}
	// Unset fields keep their defaults.
	if cfg.StoreRetryMax != 5 {
		t.Fatalf("retry max %d", cfg.StoreRetryMax)
	}
}

func TestLoadFromRejectsMalformedYAML(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(ConfigPath(home), []byte("log_level: [broken"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFrom(home); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(ConfigPath(home), []byte("log_level: warn\nmax_queue_depth: 16\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TASKOS_LOG_LEVEL", "debug")
	t.Setenv("TASKOS_MAX_QUEUE_DEPTH", "128")
	t.Setenv("TASKOS_SWEEP_SCHEDULE", "0 * * * *")
	t.Setenv("TASKOS_OTEL_ENDPOINT", "localhost:4318")

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.MaxQueueDepth != 128 {
		t.Fatalf("env overrides ignored: %q/%d", cfg.LogLevel, cfg.MaxQueueDepth)
	}
	if cfg.SweepSchedule != "0 * * * *" {
		t.Fatalf("sweep schedule %q", cfg.SweepSchedule)
	}
	if !cfg.OTel.Enabled || cfg.OTel.Endpoint != "localhost:4318" {
		t.Fatalf("otel %+v", cfg.OTel)
	}
}

func TestNormalizeRepairsNonsenseValues(t *testing.T) {
	home := t.TempDir()
	yaml := "max_queue_depth: -1\nsubmit_timeout_ms: 0\napproval_stale_hours: -5\n"
	if err := os.WriteFile(ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.MaxQueueDepth != 64 || cfg.SubmitTimeoutMillis != 5000 {
		t.Fatalf("normalize %d/%d", cfg.MaxQueueDepth, cfg.SubmitTimeoutMillis)
	}
	// Negative staleness means disabled, not default.
	if cfg.ApprovalStaleHours != 0 {
		t.Fatalf("approval stale hours %d", cfg.ApprovalStaleHours)
	}
}

func TestHomeDirHonorsOverride(t *testing.T) {
	t.Setenv("TASKOS_HOME", "/tmp/elsewhere")
	if HomeDir() != "/tmp/elsewhere" {
		t.Fatalf("HomeDir %q", HomeDir())
	}
}

func TestDBPathLivesUnderHome(t *testing.T) {
	cfg := Config{HomeDir: "/data/taskos"}
	if cfg.DBPath() != filepath.Join("/data/taskos", "taskos.db") {
		t.Fatalf("db path %q", cfg.DBPath())
	}
}

func TestFingerprintTracksRelevantChanges(t *testing.T) {
	a, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs must share a fingerprint")
	}

	b.MaxGateAttempts = 7
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("changed gate attempts not reflected")
	}

	c := a
	c.Gates = append(c.Gates, GateConfig{Name: "lint", Command: []string{"true"}})
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("added gate not reflected")
	}
}
