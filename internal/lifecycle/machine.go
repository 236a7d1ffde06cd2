// Package lifecycle is the task state machine. Every mutation is
// validated against the phase/status/gate tables here, then applied as
// one atomic write-queue operation: task row update plus audit events
// plus optional checkpoint, all in a single transaction. A rejected
// request never reaches the store except as a single GATE_DENIED event.
package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/taskos/internal/audit"
	"github.com/basket/taskos/internal/otel"
	"github.com/basket/taskos/internal/shared"
	"github.com/basket/taskos/internal/store"
	"github.com/basket/taskos/internal/writequeue"
)

// SpecValidator checks a spec payload before it is accepted. Satisfied
// by specdoc.Validator; nil disables validation.
type SpecValidator interface {
	Validate(spec string) error
}

type Machine struct {
	store     *store.Store
	queue     *writequeue.Queue
	logger    *slog.Logger
	validator SpecValidator
	metrics   *otel.Metrics
}

func New(st *store.Store, queue *writequeue.Queue, validator SpecValidator, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: st, queue: queue, logger: logger, validator: validator}
}

// SetMetrics attaches optional metric instruments.
func (m *Machine) SetMetrics(metrics *otel.Metrics) {
	m.metrics = metrics
}

// Create registers a new task in phase intent, status pending. The spec
// payload is validated before anything is enqueued.
func (m *Machine) Create(ctx context.Context, spec string, mode store.RunMode) (*store.Task, error) {
	if !store.ValidRunMode(mode) {
		return nil, fmt.Errorf("run mode %q: %w", mode, ErrInvalidState)
	}
	if m.validator != nil {
		if err := m.validator.Validate(spec); err != nil {
			return nil, fmt.Errorf("spec payload: %w", err)
		}
	}

	task := &store.Task{
		ID:      uuid.NewString(),
		Phase:   store.PhaseIntent,
		RunMode: mode,
		Status:  store.StatusPending,
		Spec:    spec,
	}
	ctx = shared.WithTaskID(ctx, task.ID)

	outcome, err := m.queue.Submit(ctx, writequeue.Op{
		Kind:   "task.create",
		TaskID: task.ID,
		Apply: func(ctx context.Context, tx *sql.Tx) (*writequeue.Outcome, error) {
			if err := m.store.InsertTaskTx(ctx, tx, task); err != nil {
				return nil, err
			}
			ev := &store.AuditEvent{
				TaskID:    task.ID,
				EventType: store.EventCreated,
				PhaseTo:   task.Phase,
				StatusTo:  task.Status,
				Payload:   fmt.Sprintf(`{"run_mode":%q}`, mode),
			}
			if err := m.store.AppendEventTx(ctx, tx, ev); err != nil {
				return nil, err
			}
			return &writequeue.Outcome{Task: task, Events: []store.AuditEvent{*ev}}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("task created", "task_id", task.ID, "run_mode", mode)
	return outcome.Task, nil
}

// FreezeSpec marks the spec payload immutable. Legal only before the
// implementation phase and only once.
func (m *Machine) FreezeSpec(ctx context.Context, taskID string) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.SpecFrozen {
		return m.deny(ctx, taskID, "spec_frozen", "spec is already frozen", ErrSpecFrozen)
	}
	if task.Phase == store.PhaseImplementation {
		return m.deny(ctx, taskID, "spec_frozen", "cannot freeze in implementation phase", ErrInvalidState)
	}
	if task.Status.Terminal() {
		return ErrTerminal
	}

	_, err = m.queue.Submit(ctx, writequeue.Op{
		Kind:   "task.freeze_spec",
		TaskID: taskID,
		Apply: func(ctx context.Context, tx *sql.Tx) (*writequeue.Outcome, error) {
			cur, err := m.store.GetTaskTx(ctx, tx, taskID)
			if err != nil {
				return nil, err
			}
			if err := m.store.FreezeSpecTx(ctx, tx, taskID); err != nil {
				return nil, err
			}
			ev := &store.AuditEvent{
				TaskID:     taskID,
				EventType:  store.EventSpecFrozen,
				PhaseFrom:  cur.Phase,
				PhaseTo:    cur.Phase,
				StatusFrom: cur.Status,
				StatusTo:   cur.Status,
			}
			if err := m.store.AppendEventTx(ctx, tx, ev); err != nil {
				return nil, err
			}
			cur.SpecFrozen = true
			return &writequeue.Outcome{Task: cur, Events: []store.AuditEvent{*ev}}, nil
		},
	})
	return err
}

// AmendSpec replaces the spec payload. Rejected once the spec is frozen.
func (m *Machine) AmendSpec(ctx context.Context, taskID, spec string) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.SpecFrozen {
		return m.deny(ctx, taskID, "spec_frozen", "spec payload is frozen", ErrSpecFrozen)
	}
	if task.Status.Terminal() {
		return ErrTerminal
	}
	if m.validator != nil {
		if err := m.validator.Validate(spec); err != nil {
			return fmt.Errorf("spec payload: %w", err)
		}
	}

	_, err = m.queue.Submit(ctx, writequeue.Op{
		Kind:   "task.amend_spec",
		TaskID: taskID,
		Apply: func(ctx context.Context, tx *sql.Tx) (*writequeue.Outcome, error) {
			cur, err := m.store.GetTaskTx(ctx, tx, taskID)
			if err != nil {
				return nil, err
			}
			if err := m.store.AmendSpecTx(ctx, tx, taskID, spec); err != nil {
				return nil, err
			}
			ev := &store.AuditEvent{
				TaskID:     taskID,
				EventType:  store.EventSpecAmended,
				PhaseFrom:  cur.Phase,
				PhaseTo:    cur.Phase,
				StatusFrom: cur.Status,
				StatusTo:   cur.Status,
				Payload:    fmt.Sprintf(`{"spec_hash":%q}`, store.EvidenceHash(spec)),
			}
			if err := m.store.AppendEventTx(ctx, tx, ev); err != nil {
				return nil, err
			}
			cur.Spec = spec
			return &writequeue.Outcome{Task: cur, Events: []store.AuditEvent{*ev}}, nil
		},
	})
	return err
}

// AdvancePhase moves the task to the immediate successor phase. Any
// declared action categories are gated against the target phase before
// the transition is enqueued.
func (m *Machine) AdvancePhase(ctx context.Context, taskID string, target store.Phase, actions ...ActionCategory) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return ErrTerminal
	}
	if target != task.Phase.Next() {
		return m.deny(ctx, taskID, "phase_order",
			fmt.Sprintf("cannot advance %s -> %s", task.Phase, target), ErrPhaseSkip)
	}
	for _, a := range actions {
		if g := evaluateGate(target, task.RunMode, task.Status, a); g.err != nil {
			return m.deny(ctx, taskID, g.rule, fmt.Sprintf("action %q denied entering phase %s", a, target), g.err)
		}
	}

	var (
		eventType  string
		fromStatus = task.Status
		toStatus   = task.Status
	)
	switch target {
	case store.PhasePlanning:
		// Entering planning starts the task: pending -> planning.
		if task.Status != store.StatusPending {
			return ErrInvalidState
		}
		eventType = store.EventBound
		toStatus = store.StatusPlanning
	case store.PhaseImplementation:
		// Implementation work only begins after approval was granted.
		if task.Status != store.StatusExecuting {
			return m.deny(ctx, taskID, "approval_gate",
				"implementation requires status executing", ErrApprovalRequired)
		}
		eventType = store.EventReady
	default:
		return ErrPhaseSkip
	}

	_, err = m.queue.Submit(ctx, writequeue.Op{
		Kind:   "task.advance_phase",
		TaskID: taskID,
		Apply: func(ctx context.Context, tx *sql.Tx) (*writequeue.Outcome, error) {
			if err := m.store.TransitionTaskTx(ctx, tx, taskID,
				task.Phase, target, fromStatus, toStatus, eventType, ""); err != nil {
				return nil, err
			}
			cur, err := m.store.GetTaskTx(ctx, tx, taskID)
			if err != nil {
				return nil, err
			}
			return &writequeue.Outcome{Task: cur, Events: []store.AuditEvent{{
				TaskID: taskID, EventType: eventType,
				PhaseFrom: task.Phase, PhaseTo: target,
				StatusFrom: fromStatus, StatusTo: toStatus,
			}}}, nil
		},
	})
	if err == nil {
		m.logger.Info("phase advanced", "task_id", taskID, "phase", target)
	}
	return err
}

// OpenPlan presents the plan for review. It is the only path into
// awaiting_approval (hold=false) or paused (hold=true); the pause gate
// rejects every other attempt to reach those statuses.
func (m *Machine) OpenPlan(ctx context.Context, taskID string, hold bool) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return ErrTerminal
	}
	if task.Phase != store.PhasePlanning || task.Status != store.StatusPlanning {
		return m.deny(ctx, taskID, "plan_gate",
			fmt.Sprintf("openPlan requires planning/planning, have %s/%s", task.Phase, task.Status),
			ErrInvalidState)
	}

	toStatus := store.StatusAwaitingApproval
	eventType := store.EventPlanOpened
	if hold {
		toStatus = store.StatusPaused
		eventType = store.EventPaused
	}
	return m.transitionGuarded(ctx, "task.open_plan", task, toStatus, eventType, "", true)
}

// Resume grants approval: awaiting_approval or paused moves to
// executing.
func (m *Machine) Resume(ctx context.Context, taskID string) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return ErrTerminal
	}
	if task.Status != store.StatusAwaitingApproval && task.Status != store.StatusPaused {
		return ErrInvalidState
	}
	return m.transitionGuarded(ctx, "task.resume", task, store.StatusExecuting, store.EventResumed, "", false)
}

// Complete finishes a task successfully. Evidence is mandatory and is
// recorded as a final checkpoint in the same transaction as the
// terminal transition.
func (m *Machine) Complete(ctx context.Context, taskID, evidence string) error {
	if evidence == "" {
		return ErrEvidenceRequired
	}
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return ErrTerminal
	}
	if task.Status != store.StatusExecuting {
		return ErrInvalidState
	}

	_, err = m.queue.Submit(ctx, writequeue.Op{
		Kind:   "task.complete",
		TaskID: taskID,
		Apply: func(ctx context.Context, tx *sql.Tx) (*writequeue.Outcome, error) {
			cp, err := m.store.InsertCheckpointTx(ctx, tx, taskID, evidence)
			if err != nil {
				return nil, err
			}
			note, _ := json.Marshal(map[string]interface{}{
				"sequence":      cp.Sequence,
				"evidence_hash": store.EvidenceHash(cp.Evidence),
			})
			cpEv := &store.AuditEvent{
				TaskID:     taskID,
				EventType:  store.EventCheckpoint,
				PhaseFrom:  task.Phase,
				PhaseTo:    task.Phase,
				StatusFrom: task.Status,
				StatusTo:   task.Status,
				Payload:    string(note),
			}
			if err := m.store.AppendEventTx(ctx, tx, cpEv); err != nil {
				return nil, err
			}
			if err := m.store.TransitionTaskTx(ctx, tx, taskID,
				task.Phase, task.Phase, task.Status, store.StatusSucceeded,
				store.EventCompleted, ""); err != nil {
				return nil, err
			}
			cur, err := m.store.GetTaskTx(ctx, tx, taskID)
			if err != nil {
				return nil, err
			}
			return &writequeue.Outcome{
				Task:       cur,
				Checkpoint: cp,
				Events: []store.AuditEvent{
					*cpEv,
					{TaskID: taskID, EventType: store.EventCompleted,
						PhaseFrom: task.Phase, PhaseTo: task.Phase,
						StatusFrom: task.Status, StatusTo: store.StatusSucceeded},
				},
			}, nil
		},
	})
	if err == nil {
		m.logger.Info("task completed", "task_id", taskID)
		m.recordDuration(ctx, task, "succeeded")
	}
	return err
}

// Fail moves any non-terminal task to failed, recording the reason.
func (m *Machine) Fail(ctx context.Context, taskID, reason string) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return ErrTerminal
	}
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	if err := m.transitionGuarded(ctx, "task.fail", task, store.StatusFailed, store.EventFailed, string(payload), false); err != nil {
		return err
	}
	m.recordDuration(ctx, task, "failed")
	return nil
}

// recordDuration emits the created-to-terminal wall time for one task.
func (m *Machine) recordDuration(ctx context.Context, task *store.Task, outcome string) {
	if m.metrics == nil {
		return
	}
	seconds := float64(store.NowMillis()-task.CreatedAt) / 1000.0
	m.metrics.TaskDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Authorize checks a declared action category against the task's current
// phase, run mode and status without mutating anything except a
// GATE_DENIED audit event on denial. Executors call this before every
// externally visible action.
func (m *Machine) Authorize(ctx context.Context, taskID string, category ActionCategory) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return ErrTerminal
	}
	if g := evaluateGate(task.Phase, task.RunMode, task.Status, category); g.err != nil {
		return m.deny(ctx, taskID, g.rule, fmt.Sprintf("action %q denied in phase %s", category, task.Phase), g.err)
	}
	return nil
}

// GetTask returns the persisted task row.
func (m *Machine) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	return m.store.GetTask(ctx, taskID)
}

// ListEvents returns the task's full audit trail in event order.
func (m *Machine) ListEvents(ctx context.Context, taskID string) ([]store.AuditEvent, error) {
	return m.store.ListAllEvents(ctx, taskID)
}

// transitionGuarded is the single funnel for status changes. The pause
// gate lives here: paused and awaiting_approval are refused for every
// caller except openPlan, no matter how the request arrived.
func (m *Machine) transitionGuarded(ctx context.Context, kind string, task *store.Task, to store.Status, eventType, payload string, viaOpenPlan bool) error {
	if (to == store.StatusPaused || to == store.StatusAwaitingApproval) && !viaOpenPlan {
		return m.deny(ctx, task.ID, "pause_gate",
			fmt.Sprintf("status %s is only reachable through openPlan", to), ErrPauseGate)
	}
	if !store.CanTransition(task.Status, to) {
		return ErrInvalidState
	}

	_, err := m.queue.Submit(ctx, writequeue.Op{
		Kind:   kind,
		TaskID: task.ID,
		Apply: func(ctx context.Context, tx *sql.Tx) (*writequeue.Outcome, error) {
			if err := m.store.TransitionTaskTx(ctx, tx, task.ID,
				task.Phase, task.Phase, task.Status, to, eventType, payload); err != nil {
				return nil, err
			}
			cur, err := m.store.GetTaskTx(ctx, tx, task.ID)
			if err != nil {
				return nil, err
			}
			return &writequeue.Outcome{Task: cur, Events: []store.AuditEvent{{
				TaskID: task.ID, EventType: eventType,
				PhaseFrom: task.Phase, PhaseTo: task.Phase,
				StatusFrom: task.Status, StatusTo: to,
				Payload: payload,
			}}}, nil
		},
	})
	if err == nil {
		m.logger.Info("task transitioned",
			"task_id", task.ID, "from", task.Status, "to", to, "event", eventType)
	}
	return err
}

// deny records a single GATE_DENIED audit event plus a mirror line and
// returns the typed violation. The denial event is best-effort: failing
// to record it never hides the violation from the caller.
func (m *Machine) deny(ctx context.Context, taskID, rule, reason string, violation error) error {
	audit.Record("deny", rule, reason, taskID)
	if m.metrics != nil {
		m.metrics.GateDenials.Add(ctx, 1,
			metric.WithAttributes(attribute.String("rule", rule)))
	}
	payload, _ := json.Marshal(map[string]string{"rule": rule, "reason": reason})
	if _, err := m.queue.Submit(ctx, writequeue.Op{
		Kind:   "task.gate_denied",
		TaskID: taskID,
		Apply: func(ctx context.Context, tx *sql.Tx) (*writequeue.Outcome, error) {
			cur, err := m.store.GetTaskTx(ctx, tx, taskID)
			if err != nil {
				return nil, err
			}
			ev := &store.AuditEvent{
				TaskID:     taskID,
				EventType:  store.EventGateDenied,
				PhaseFrom:  cur.Phase,
				PhaseTo:    cur.Phase,
				StatusFrom: cur.Status,
				StatusTo:   cur.Status,
				Payload:    string(payload),
			}
			if err := m.store.AppendEventTx(ctx, tx, ev); err != nil {
				return nil, err
			}
			return &writequeue.Outcome{Events: []store.AuditEvent{*ev}}, nil
		},
	}); err != nil {
		m.logger.Warn("gate denial event not recorded", "task_id", taskID, "rule", rule, "error", err)
	}
	m.logger.Warn("gate denied", "task_id", taskID, "rule", rule, "reason", reason)
	return violation
}
