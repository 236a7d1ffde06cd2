// Package checkpoint records verified progress and replays it after a
// crash. A checkpoint bundles an evidence payload, a per-task sequence
// number and the matching CHECKPOINT audit event in one transaction, so
// the store never holds a checkpoint whose event is missing or vice
// versa. On startup the manager classifies every non-terminal task and
// applies the recovery decision through the write queue, reusing the
// same guarded transitions as live traffic.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/taskos/internal/audit"
	"github.com/basket/taskos/internal/otel"
	"github.com/basket/taskos/internal/store"
	"github.com/basket/taskos/internal/writequeue"
)

// Decision is what recovery chose to do with one interrupted task.
type Decision string

const (
	// DecisionResume: the task was executing and has a verified
	// checkpoint; execution restarts from it.
	DecisionResume Decision = "resume_from_checkpoint"
	// DecisionFail: the task was executing with no checkpoint to stand
	// on; it is marked failed rather than silently restarted.
	DecisionFail Decision = "mark_failed_incomplete"
	// DecisionLeave: the task was waiting on a human and stays put.
	DecisionLeave Decision = "leave_as_paused"
)

// Recovery is the record of one startup decision, returned for logs and
// the status command.
type Recovery struct {
	TaskID   string
	Decision Decision
	Reason   string
}

type Manager struct {
	store   *store.Store
	queue   *writequeue.Queue
	logger  *slog.Logger
	metrics *otel.Metrics

	// approvalStale is how long an awaiting_approval task may sit before
	// recovery labels it stale. Staleness only classifies; a stale
	// approval is still left in place, it is not a failure signal.
	// Guarded by mu: config hot reload may change it while running.
	mu            sync.RWMutex
	approvalStale time.Duration
}

func NewManager(st *store.Store, queue *writequeue.Queue, approvalStale time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, queue: queue, logger: logger, approvalStale: approvalStale}
}

// SetMetrics attaches optional metric instruments.
func (m *Manager) SetMetrics(metrics *otel.Metrics) {
	m.metrics = metrics
}

// SetApprovalStale swaps the staleness window, for config hot reload.
func (m *Manager) SetApprovalStale(window time.Duration) {
	m.mu.Lock()
	m.approvalStale = window
	m.mu.Unlock()
}

func (m *Manager) staleWindow() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.approvalStale
}

// Record persists a checkpoint for an executing task. The checkpoint row,
// the tasks.last_checkpoint reference and the CHECKPOINT event commit
// together or not at all.
func (m *Manager) Record(ctx context.Context, taskID, evidence string) (*store.Checkpoint, error) {
	if evidence == "" {
		return nil, fmt.Errorf("checkpoint: empty evidence")
	}
	outcome, err := m.queue.Submit(ctx, writequeue.Op{
		Kind:   "checkpoint.record",
		TaskID: taskID,
		Apply: func(ctx context.Context, tx *sql.Tx) (*writequeue.Outcome, error) {
			cur, err := m.store.GetTaskTx(ctx, tx, taskID)
			if err != nil {
				return nil, err
			}
			if cur.Status != store.StatusExecuting {
				return nil, fmt.Errorf("checkpoint: task %s is %s, not executing: %w",
					taskID, cur.Status, store.ErrConflict)
			}
			cp, err := m.store.InsertCheckpointTx(ctx, tx, taskID, evidence)
			if err != nil {
				return nil, err
			}
			note, _ := json.Marshal(map[string]interface{}{
				"sequence":      cp.Sequence,
				"evidence_hash": store.EvidenceHash(cp.Evidence),
			})
			ev := &store.AuditEvent{
				TaskID:     taskID,
				EventType:  store.EventCheckpoint,
				PhaseFrom:  cur.Phase,
				PhaseTo:    cur.Phase,
				StatusFrom: cur.Status,
				StatusTo:   cur.Status,
				Payload:    string(note),
			}
			if err := m.store.AppendEventTx(ctx, tx, ev); err != nil {
				return nil, err
			}
			return &writequeue.Outcome{Checkpoint: cp, Events: []store.AuditEvent{*ev}}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("checkpoint recorded",
		"task_id", taskID, "sequence", outcome.Checkpoint.Sequence)
	return outcome.Checkpoint, nil
}

// Latest returns the newest checkpoint for a task, or nil without error
// when none exists.
func (m *Manager) Latest(ctx context.Context, taskID string) (*store.Checkpoint, error) {
	return m.store.LatestCheckpoint(ctx, taskID)
}

// RecoverOnStartup classifies every non-terminal task left over from the
// previous process and applies one decision per task. Safe to re-run:
// decisions are derived from persisted state and applied through guarded
// transitions, so a crash mid-recovery just repeats the remaining work.
func (m *Manager) RecoverOnStartup(ctx context.Context) ([]Recovery, error) {
	tasks, err := m.store.ListNonTerminal(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: list tasks: %w", err)
	}

	var decisions []Recovery
	for _, task := range tasks {
		rec, err := m.recoverOne(ctx, &task)
		if err != nil {
			// One bad task must not block recovery of the rest.
			m.logger.Error("recovery failed for task", "task_id", task.ID, "error", err)
			continue
		}
		decisions = append(decisions, rec)
		audit.Record("recovery", string(rec.Decision), rec.Reason, task.ID)
		if m.metrics != nil {
			m.metrics.RecoveryDecisions.Add(ctx, 1,
				metric.WithAttributes(attribute.String("decision", string(rec.Decision))))
		}
		m.logger.Info("recovery decision",
			"task_id", task.ID, "decision", rec.Decision, "reason", rec.Reason)
	}
	return decisions, nil
}

func (m *Manager) recoverOne(ctx context.Context, task *store.Task) (Recovery, error) {
	switch task.Status {
	case store.StatusExecuting:
		cp, err := m.store.LatestCheckpoint(ctx, task.ID)
		if err != nil {
			return Recovery{}, err
		}
		if cp == nil {
			rec := Recovery{TaskID: task.ID, Decision: DecisionFail,
				Reason: "IncompleteTransition: interrupted while executing with no checkpoint"}
			return rec, m.applyFail(ctx, task, rec.Reason)
		}
		rec := Recovery{TaskID: task.ID, Decision: DecisionResume,
			Reason: fmt.Sprintf("resuming from checkpoint %d", cp.Sequence)}
		return rec, m.applyResume(ctx, task, cp)

	case store.StatusAwaitingApproval:
		if window := m.staleWindow(); window > 0 && staleSince(task.UpdatedAt, window) {
			// Stale is a label for operators, not a failure: the task is
			// correctly paused, just waiting longer than expected.
			return Recovery{TaskID: task.ID, Decision: DecisionLeave,
				Reason: "waiting for approval (stale)"}, nil
		}
		return Recovery{TaskID: task.ID, Decision: DecisionLeave,
			Reason: "waiting for approval"}, nil

	case store.StatusPaused:
		return Recovery{TaskID: task.ID, Decision: DecisionLeave,
			Reason: "held by operator"}, nil

	default:
		// pending and planning carry no in-flight external work; the
		// normal lifecycle picks them up where they stand.
		return Recovery{TaskID: task.ID, Decision: DecisionLeave,
			Reason: "no in-flight execution"}, nil
	}
}

// applyResume re-asserts the executing status with a RECOVERED event so
// the audit trail shows the restart and its checkpoint. Re-running
// recovery over the same checkpoint appends nothing: a trail already
// ending in the matching RECOVERED event is left as is.
func (m *Manager) applyResume(ctx context.Context, task *store.Task, cp *store.Checkpoint) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"decision":      string(DecisionResume),
		"sequence":      cp.Sequence,
		"evidence_hash": store.EvidenceHash(cp.Evidence),
	})
	_, err := m.queue.Submit(ctx, writequeue.Op{
		Kind:   "recovery.resume",
		TaskID: task.ID,
		Apply: func(ctx context.Context, tx *sql.Tx) (*writequeue.Outcome, error) {
			cur, err := m.store.GetTaskTx(ctx, tx, task.ID)
			if err != nil {
				return nil, err
			}
			if cur.Status != store.StatusExecuting {
				return nil, store.ErrConflict
			}
			last, err := m.store.LatestEventTx(ctx, tx, task.ID)
			if err != nil {
				return nil, err
			}
			if last != nil && last.EventType == store.EventRecovered {
				var prior struct {
					Sequence int64 `json:"sequence"`
				}
				if json.Unmarshal([]byte(last.Payload), &prior) == nil && prior.Sequence == cp.Sequence {
					return &writequeue.Outcome{Task: cur}, nil
				}
			}
			ev := &store.AuditEvent{
				TaskID:     task.ID,
				EventType:  store.EventRecovered,
				PhaseFrom:  cur.Phase,
				PhaseTo:    cur.Phase,
				StatusFrom: cur.Status,
				StatusTo:   cur.Status,
				Payload:    string(payload),
			}
			if err := m.store.AppendEventTx(ctx, tx, ev); err != nil {
				return nil, err
			}
			return &writequeue.Outcome{Task: cur, Events: []store.AuditEvent{*ev}}, nil
		},
	})
	return err
}

// applyFail moves the task to failed with a RECOVERED event carrying the
// decision, then the FAILED terminal event, in one transaction.
func (m *Manager) applyFail(ctx context.Context, task *store.Task, reason string) error {
	recPayload, _ := json.Marshal(map[string]string{
		"decision": string(DecisionFail), "reason": reason,
	})
	failPayload, _ := json.Marshal(map[string]string{"reason": reason})
	_, err := m.queue.Submit(ctx, writequeue.Op{
		Kind:   "recovery.fail",
		TaskID: task.ID,
		Apply: func(ctx context.Context, tx *sql.Tx) (*writequeue.Outcome, error) {
			cur, err := m.store.GetTaskTx(ctx, tx, task.ID)
			if err != nil {
				return nil, err
			}
			if cur.Status != task.Status {
				return nil, store.ErrConflict
			}
			ev := &store.AuditEvent{
				TaskID:     task.ID,
				EventType:  store.EventRecovered,
				PhaseFrom:  cur.Phase,
				PhaseTo:    cur.Phase,
				StatusFrom: cur.Status,
				StatusTo:   cur.Status,
				Payload:    string(recPayload),
			}
			if err := m.store.AppendEventTx(ctx, tx, ev); err != nil {
				return nil, err
			}
			if err := m.store.TransitionTaskTx(ctx, tx, task.ID,
				cur.Phase, cur.Phase, cur.Status, store.StatusFailed,
				store.EventFailed, string(failPayload)); err != nil {
				return nil, err
			}
			final, err := m.store.GetTaskTx(ctx, tx, task.ID)
			if err != nil {
				return nil, err
			}
			return &writequeue.Outcome{Task: final, Events: []store.AuditEvent{*ev}}, nil
		},
	})
	return err
}

func staleSince(updatedAtMillis int64, window time.Duration) bool {
	age := time.Duration(store.NowMillis()-updatedAtMillis) * time.Millisecond
	return age > window
}
