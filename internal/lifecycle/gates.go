package lifecycle

import "github.com/basket/taskos/internal/store"

// ActionCategory classifies what a requested action does to the outside
// world. Callers declare the category with their request; the gate table
// decides before anything reaches the write queue.
type ActionCategory string

const (
	ActionReadOnly     ActionCategory = "read_only"
	ActionMutating     ActionCategory = "mutating"
	ActionDestructive  ActionCategory = "destructive"
	ActionIrreversible ActionCategory = "irreversible"

	// ActionSecretExfiltration is an execution red line: never allowed,
	// in any phase, in any run mode.
	ActionSecretExfiltration ActionCategory = "secret_exfiltration"
)

// redLines are categorically denied regardless of phase and run mode.
var redLines = map[ActionCategory]struct{}{
	ActionSecretExfiltration: {},
}

// gated categories require the implementation phase and, outside
// autonomous mode, a granted approval (status executing after resume).
var gated = map[ActionCategory]struct{}{
	ActionDestructive:  {},
	ActionIrreversible: {},
}

// gateRule is one row of the centralized rule table: the decision for an
// action category given the task's phase, run mode and status. Keeping
// the table explicit makes gate logic exhaustively unit-testable
// independent of storage.
type gateRule struct {
	rule string // which gate produced the decision
	err  error  // nil means allow
}

// evaluateGate returns the decision for declaring category against the
// given phase/mode/status.
func evaluateGate(phase store.Phase, mode store.RunMode, status store.Status, category ActionCategory) gateRule {
	if _, ok := redLines[category]; ok {
		return gateRule{rule: "red_line", err: ErrRedLine}
	}
	if _, ok := gated[category]; !ok {
		return gateRule{rule: "allow"}
	}
	if phase != store.PhaseImplementation {
		return gateRule{rule: "mode_gate", err: ErrModeGate}
	}
	if mode != store.RunModeAutonomous && status != store.StatusExecuting {
		return gateRule{rule: "approval_gate", err: ErrApprovalRequired}
	}
	return gateRule{rule: "allow"}
}
