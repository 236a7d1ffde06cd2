// Package doctor runs environment diagnostics for the doctor
// subcommand: config, database, permissions, gate commands.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/taskos/internal/config"
	"github.com/basket/taskos/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed. Warnings do not fail a
// diagnosis.
func (d Diagnosis) Healthy() bool {
	for _, res := range d.Results {
		if res.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkGateCommands,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: "WARN",
			Message: fmt.Sprintf("No config.yaml in %s, defaults active", cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: "PASS",
		Message: fmt.Sprintf("Loaded from %s (%s)", cfg.HomeDir, cfg.Fingerprint())}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL",
			Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer st.Close()

	count, err := st.TotalEventCount(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL",
			Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS",
		Message: fmt.Sprintf("Schema valid, %d audit events", count)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL",
			Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkGateCommands verifies each configured gate command resolves on
// PATH without running it.
func checkGateCommands(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gate Commands", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.Gates) == 0 {
		return CheckResult{Name: "Gate Commands", Status: "PASS",
			Message: "No external gates configured (built-in checks only)"}
	}

	var details []string
	status := "PASS"
	for _, gate := range cfg.Gates {
		if len(gate.Command) == 0 {
			details = append(details, fmt.Sprintf("%s: no command", gate.Name))
			// A misconfigured gate is only a warning; never downgrade an
			// earlier FAIL.
			if status == "PASS" {
				status = "WARN"
			}
			continue
		}
		if _, err := exec.LookPath(gate.Command[0]); err != nil {
			details = append(details, fmt.Sprintf("%s: %q not found", gate.Name, gate.Command[0]))
			status = "FAIL"
		} else {
			details = append(details, fmt.Sprintf("%s: ok", gate.Name))
		}
	}
	return CheckResult{
		Name:    "Gate Commands",
		Status:  status,
		Message: fmt.Sprintf("Checked %d gates", len(cfg.Gates)),
		Detail:  strings.Join(details, "; "),
	}
}
