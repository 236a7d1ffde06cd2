package store

import "time"

// Phase is the strictly forward-only lifecycle phase of a task.
type Phase string

const (
	PhaseIntent         Phase = "intent"
	PhasePlanning       Phase = "planning"
	PhaseImplementation Phase = "implementation"
)

// Next returns the immediate successor phase, or "" for the last phase.
func (p Phase) Next() Phase {
	switch p {
	case PhaseIntent:
		return PhasePlanning
	case PhasePlanning:
		return PhaseImplementation
	}
	return ""
}

func ValidPhase(p Phase) bool {
	switch p {
	case PhaseIntent, PhasePlanning, PhaseImplementation:
		return true
	}
	return false
}

// RunMode controls how much human approval a task needs at gates.
// Orthogonal to Phase.
type RunMode string

const (
	RunModeInteractive RunMode = "interactive"
	RunModeAssisted    RunMode = "assisted"
	RunModeAutonomous  RunMode = "autonomous"
)

func ValidRunMode(m RunMode) bool {
	switch m {
	case RunModeInteractive, RunModeAssisted, RunModeAutonomous:
		return true
	}
	return false
}

// Status is the task's execution sub-state.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPlanning         Status = "planning"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusPaused           Status = "paused"
	StatusSucceeded        Status = "succeeded"
	StatusFailed           Status = "failed"
)

// Terminal reports whether the status is terminal. Terminal tasks are never
// mutated again except by explicit archival, which is outside the core.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// statusTransitions is the legal status edge set. Edges into paused and
// awaiting_approval exist only so the state machine's openPlan path can use
// them; the pause gate in the state machine rejects every other caller.
var statusTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusPlanning: {},
		StatusFailed:   {},
	},
	StatusPlanning: {
		StatusAwaitingApproval: {},
		StatusPaused:           {},
		StatusFailed:           {},
	},
	StatusAwaitingApproval: {
		StatusExecuting: {},
		StatusFailed:    {},
	},
	StatusPaused: {
		StatusExecuting: {},
		StatusFailed:    {},
	},
	StatusExecuting: {
		StatusSucceeded: {},
		StatusFailed:    {},
	},
}

// CanTransition reports whether the status edge from -> to is legal.
func CanTransition(from, to Status) bool {
	next, ok := statusTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Audit event types. The full per-task sequence reconstructs the task's
// state history losslessly.
const (
	EventCreated     = "CREATED"
	EventSpecFrozen  = "SPEC_FROZEN"
	EventSpecAmended = "SPEC_AMENDED"
	EventBound       = "BOUND"
	EventReady       = "READY"
	EventPlanOpened  = "PLAN_OPENED"
	EventPaused      = "PAUSED"
	EventResumed     = "RESUMED"
	EventCompleted   = "COMPLETED"
	EventFailed      = "FAILED"
	EventGateDenied  = "GATE_DENIED"
	EventCheckpoint  = "CHECKPOINT"
	EventRecovered   = "RECOVERED"
)

// Task is the unit of work.
type Task struct {
	ID             string  `json:"id"`
	Phase          Phase   `json:"phase"`
	RunMode        RunMode `json:"run_mode"`
	Status         Status  `json:"status"`
	Spec           string  `json:"spec"`
	SpecFrozen     bool    `json:"spec_frozen"`
	LastCheckpoint string  `json:"last_checkpoint,omitempty"`
	CreatedAt      int64   `json:"created_at"` // epoch millis
	UpdatedAt      int64   `json:"updated_at"` // epoch millis
}

// AuditEvent is an immutable fact about a task. EventID is assigned by
// sqlite inside the serialized write transaction, which makes it a total
// order across all tasks.
type AuditEvent struct {
	EventID    int64  `json:"event_id"`
	TaskID     string `json:"task_id"`
	EventType  string `json:"event_type"`
	PhaseFrom  Phase  `json:"phase_from,omitempty"`
	PhaseTo    Phase  `json:"phase_to"`
	StatusFrom Status `json:"status_from,omitempty"`
	StatusTo   Status `json:"status_to"`
	TraceID    string `json:"trace_id,omitempty"`
	Payload    string `json:"payload"`
	CreatedAt  int64  `json:"created_at"` // epoch millis
}

// Checkpoint is a recorded point of verified progress.
type Checkpoint struct {
	TaskID     string `json:"task_id"`
	Sequence   int64  `json:"sequence"`
	Evidence   string `json:"evidence"`
	VerifiedAt int64  `json:"verified_at"` // epoch millis
}

// Inflight is the AEE at-most-one-execution marker for a task.
type Inflight struct {
	TaskID     string `json:"task_id"`
	Owner      string `json:"owner"`
	AcquiredAt int64  `json:"acquired_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

// NowMillis returns the current time as epoch milliseconds, the only
// timestamp representation persisted by the core.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
