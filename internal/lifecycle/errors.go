package lifecycle

import "errors"

// Gate and validation violations. These are caller-input problems: they
// are surfaced immediately, never retried automatically, and never mutate
// the store beyond a single GATE_DENIED audit event. Store-level failures
// from the write queue are wrapped separately so callers can tell "your
// request was invalid" from "the system could not persist it".
var (
	// ErrPhaseSkip: targetPhase is not the immediate successor of the
	// current phase. Phases are strictly forward-only, no skipping.
	ErrPhaseSkip = errors.New("PhaseSkipViolation: target phase is not the immediate successor")

	// ErrModeGate: a destructive or irreversible action was requested
	// outside the implementation phase.
	ErrModeGate = errors.New("ModeGateViolation: destructive action outside implementation phase")

	// ErrPauseGate: paused/awaiting_approval is only reachable through
	// openPlan. Every other path is rejected.
	ErrPauseGate = errors.New("PauseGateViolation: pause is only reachable through openPlan")

	// ErrSpecFrozen: the spec payload is immutable once frozen.
	ErrSpecFrozen = errors.New("SpecFrozenViolation: spec payload is immutable once frozen")

	// ErrRedLine: the action category is categorically disallowed
	// regardless of phase and run mode.
	ErrRedLine = errors.New("RedLineViolation: action category is categorically disallowed")

	// ErrApprovalRequired: the run mode requires approval that has not
	// been granted yet.
	ErrApprovalRequired = errors.New("ApprovalRequiredViolation: run mode requires granted approval")

	// ErrInvalidState: the operation is not legal in the task's current
	// phase/status.
	ErrInvalidState = errors.New("InvalidStateViolation: operation not allowed in current state")

	// ErrEvidenceRequired: complete() needs a non-empty evidence payload.
	ErrEvidenceRequired = errors.New("EvidenceRequiredViolation: completion requires non-empty evidence")

	// ErrTerminal: the task already reached succeeded or failed.
	ErrTerminal = errors.New("TerminalStateViolation: task is in a terminal state")
)

// violations lists every gate/validation error for IsViolation.
var violations = []error{
	ErrPhaseSkip,
	ErrModeGate,
	ErrPauseGate,
	ErrSpecFrozen,
	ErrRedLine,
	ErrApprovalRequired,
	ErrInvalidState,
	ErrEvidenceRequired,
	ErrTerminal,
}

// IsViolation reports whether err is a gate/validation violation as
// opposed to a backpressure or store error.
func IsViolation(err error) bool {
	for _, v := range violations {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}
