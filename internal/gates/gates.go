// Package gates runs the quality gate suite a task must pass before it
// may complete. Checks run in declared order; a check that exceeds its
// timeout fails rather than hanging the driver. Results carry enough
// detail to serve as completion evidence: exit codes, duration and a
// hash of the output, never the raw output of a secret-bearing command.
package gates

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/basket/taskos/internal/shared"
	"github.com/basket/taskos/internal/store"
)

const (
	defaultTimeout = 60 * time.Second
	maxOutputBytes = 4096
)

// Check is one quality gate. Either Command (an argv run via os/exec) or
// Fn (a built-in check) is set, not both.
type Check struct {
	Name    string
	Command []string
	Timeout time.Duration
	Fn      func(ctx context.Context, taskID string) error
}

// Result is the outcome of one check.
type Result struct {
	Name           string `json:"name"`
	Pass           bool   `json:"pass"`
	ExitCode       int    `json:"exit_code"`
	Detail         string `json:"detail,omitempty"`
	OutputHash     string `json:"output_hash,omitempty"`
	DurationMillis int64  `json:"duration_ms"`
}

type Runner struct {
	logger *slog.Logger

	// checks is swapped wholesale on config hot reload; a run in flight
	// keeps the list it started with.
	mu     sync.RWMutex
	checks []Check
}

func NewRunner(checks []Check, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{checks: checks, logger: logger}
}

// SetChecks replaces the check list, for config hot reload.
func (r *Runner) SetChecks(checks []Check) {
	r.mu.Lock()
	r.checks = checks
	r.mu.Unlock()
}

func (r *Runner) checkList() []Check {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checks
}

// Names returns the configured check names in run order.
func (r *Runner) Names() []string {
	checks := r.checkList()
	names := make([]string, len(checks))
	for i, c := range checks {
		names[i] = c.Name
	}
	return names
}

// Run executes every check in order and reports whether all passed. It
// never stops early: a failing suite still shows the full picture.
func (r *Runner) Run(ctx context.Context, taskID string) ([]Result, bool) {
	checks := r.checkList()
	results := make([]Result, 0, len(checks))
	allPass := true
	for _, check := range checks {
		res := r.runOne(ctx, taskID, check)
		if !res.Pass {
			allPass = false
		}
		r.logger.Info("quality gate check",
			"task_id", taskID, "check", res.Name, "pass", res.Pass,
			"duration_ms", res.DurationMillis)
		results = append(results, res)
	}
	return results, allPass
}

func (r *Runner) runOne(ctx context.Context, taskID string, check Check) Result {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res := Result{Name: check.Name}

	switch {
	case check.Fn != nil:
		err := check.Fn(ctx, taskID)
		res.Pass = err == nil
		if err != nil {
			res.ExitCode = 1
			res.Detail = shared.Redact(err.Error())
		}
	case len(check.Command) > 0:
		res = r.runCommand(ctx, check)
	default:
		res.Detail = "check has no command and no function"
	}

	res.DurationMillis = time.Since(start).Milliseconds()
	if ctx.Err() != nil && !res.Pass && res.Detail == "" {
		res.Detail = "timed out"
	}
	return res
}

func (r *Runner) runCommand(ctx context.Context, check Check) Result {
	res := Result{Name: check.Name}

	cmd := exec.CommandContext(ctx, check.Command[0], check.Command[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.Bytes()
	if len(output) > maxOutputBytes {
		output = output[:maxOutputBytes]
	}
	res.OutputHash = store.EvidenceHash(string(output))

	switch {
	case err == nil:
		res.Pass = true
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.Detail = "timed out"
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		res.Detail = shared.Redact(firstLine(string(output)))
	}
	return res
}

// Evidence serializes a gate run into the evidence payload recorded with
// the completion checkpoint.
func Evidence(results []Result) string {
	b, err := json.Marshal(map[string]interface{}{
		"kind":   "quality_gates",
		"ran_at": store.NowMillis(),
		"checks": results,
	})
	if err != nil {
		return fmt.Sprintf(`{"kind":"quality_gates","error":%q}`, err)
	}
	return string(b)
}

// FailureSummary names the failed checks for retry context and the
// terminal failure reason.
func FailureSummary(results []Result) string {
	var failed []string
	for _, res := range results {
		if !res.Pass {
			failed = append(failed, res.Name)
		}
	}
	if len(failed) == 0 {
		return ""
	}
	return "failed checks: " + strings.Join(failed, ", ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
