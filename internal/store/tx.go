package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/taskos/internal/shared"
)

// ErrConflict is returned by guarded Tx helpers when the row no longer
// matches the expected prior state. With a single serialized writer this
// means the caller validated against a stale read; the transaction is
// rolled back and nothing is persisted.
var ErrConflict = errors.New("store: guarded update found conflicting state")

// ErrNotFound is returned when the referenced task does not exist.
var ErrNotFound = errors.New("store: task not found")

// InsertTaskTx creates a task row. The caller bundles the matching CREATED
// event in the same transaction.
func (s *Store) InsertTaskTx(ctx context.Context, tx *sql.Tx, task *Task) error {
	now := NowMillis()
	task.CreatedAt = now
	task.UpdatedAt = now
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, phase, run_mode, status, spec, spec_frozen, last_checkpoint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, ?);
	`, task.ID, task.Phase, task.RunMode, task.Status, task.Spec, boolToInt(task.SpecFrozen), now, now); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTaskTx reads a task inside the write transaction so guarded updates
// validate against the state the transaction will actually see.
func (s *Store) GetTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (*Task, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, phase, run_mode, status, spec, spec_frozen, last_checkpoint, created_at, updated_at
		FROM tasks WHERE id = ?;
	`, taskID)
	return scanTask(row)
}

// TransitionTaskTx performs a guarded status/phase update and appends the
// matching audit event in the same transaction. The guarded WHERE clause
// makes the transition a compare-and-swap: if the row moved since the
// caller validated, nothing is written and ErrConflict is returned.
func (s *Store) TransitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	fromPhase, toPhase Phase,
	fromStatus, toStatus Status,
	eventType string,
	payload string,
) error {
	if fromStatus != toStatus && !CanTransition(fromStatus, toStatus) {
		return fmt.Errorf("illegal transition %s -> %s", fromStatus, toStatus)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET phase = ?, status = ?, updated_at = ?
		WHERE id = ? AND phase = ? AND status = ?;
	`, toPhase, toStatus, NowMillis(), taskID, fromPhase, fromStatus)
	if err != nil {
		return fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return ErrConflict
	}
	return s.AppendEventTx(ctx, tx, &AuditEvent{
		TaskID:     taskID,
		EventType:  eventType,
		PhaseFrom:  fromPhase,
		PhaseTo:    toPhase,
		StatusFrom: fromStatus,
		StatusTo:   toStatus,
		Payload:    payload,
	})
}

// FreezeSpecTx marks the spec payload immutable. Guarded on spec_frozen=0.
func (s *Store) FreezeSpecTx(ctx context.Context, tx *sql.Tx, taskID string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET spec_frozen = 1, updated_at = ? WHERE id = ? AND spec_frozen = 0;
	`, NowMillis(), taskID)
	if err != nil {
		return fmt.Errorf("freeze spec: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("freeze spec rows affected: %w", err)
	}
	if affected != 1 {
		return ErrConflict
	}
	return nil
}

// AmendSpecTx replaces the spec payload. Guarded on spec_frozen=0 so a
// freeze that raced ahead of the amendment wins.
func (s *Store) AmendSpecTx(ctx context.Context, tx *sql.Tx, taskID, spec string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET spec = ?, updated_at = ? WHERE id = ? AND spec_frozen = 0;
	`, spec, NowMillis(), taskID)
	if err != nil {
		return fmt.Errorf("amend spec: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("amend spec rows affected: %w", err)
	}
	if affected != 1 {
		return ErrConflict
	}
	return nil
}

// AppendEventTx appends one immutable audit event. Rows are never updated
// or deleted; event_id is assigned by sqlite inside the serialized write
// transaction and therefore totally ordered across all tasks.
func (s *Store) AppendEventTx(ctx context.Context, tx *sql.Tx, event *AuditEvent) error {
	if event.Payload == "" {
		event.Payload = "{}"
	}
	traceID := event.TraceID
	if traceID == "" {
		traceID = shared.TraceID(ctx)
	}
	event.CreatedAt = NowMillis()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_events (task_id, event_type, phase_from, phase_to, status_from, status_to, trace_id, payload_json, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, ?, ?);
	`, event.TaskID, event.EventType, string(event.PhaseFrom), string(event.PhaseTo),
		string(event.StatusFrom), string(event.StatusTo), traceID, shared.Redact(event.Payload), event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit_event: %w", err)
	}
	eventID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("audit_event last insert id: %w", err)
	}
	event.EventID = eventID
	return nil
}

// LatestEventTx returns the newest audit event for a task inside the
// transaction, or nil when the task has no events yet.
func (s *Store) LatestEventTx(ctx context.Context, tx *sql.Tx, taskID string) (*AuditEvent, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, COALESCE(phase_from, ''), phase_to,
			COALESCE(status_from, ''), status_to, COALESCE(trace_id, '-'), payload_json, created_at
		FROM audit_events
		WHERE task_id = ?
		ORDER BY event_id DESC
		LIMIT 1;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query latest audit event: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var ev AuditEvent
	if err := rows.Scan(
		&ev.EventID,
		&ev.TaskID,
		&ev.EventType,
		&ev.PhaseFrom,
		&ev.PhaseTo,
		&ev.StatusFrom,
		&ev.StatusTo,
		&ev.TraceID,
		&ev.Payload,
		&ev.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan latest audit event: %w", err)
	}
	return &ev, nil
}

// InsertCheckpointTx records a checkpoint with the next per-task sequence
// and updates tasks.last_checkpoint in the same transaction, so a
// checkpoint is never visible without its evidence being committed.
func (s *Store) InsertCheckpointTx(ctx context.Context, tx *sql.Tx, taskID, evidence string) (*Checkpoint, error) {
	var lastSeq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM checkpoints WHERE task_id = ?;
	`, taskID).Scan(&lastSeq); err != nil {
		return nil, fmt.Errorf("read last checkpoint sequence: %w", err)
	}
	cp := &Checkpoint{
		TaskID:     taskID,
		Sequence:   lastSeq + 1,
		Evidence:   shared.Redact(evidence),
		VerifiedAt: NowMillis(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (task_id, sequence, evidence_json, verified_at)
		VALUES (?, ?, ?, ?);
	`, cp.TaskID, cp.Sequence, cp.Evidence, cp.VerifiedAt); err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	ref := fmt.Sprintf("%d:%s", cp.Sequence, evidenceHash(cp.Evidence))
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET last_checkpoint = ?, updated_at = ? WHERE id = ?;
	`, ref, NowMillis(), taskID)
	if err != nil {
		return nil, fmt.Errorf("update last_checkpoint: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("last_checkpoint rows affected: %w", err)
	}
	if affected != 1 {
		return nil, ErrNotFound
	}
	return cp, nil
}

// AcquireInflightTx claims the per-task execution marker. Returns
// ErrConflict when another live owner already holds it. Expired markers
// are displaced.
func (s *Store) AcquireInflightTx(ctx context.Context, tx *sql.Tx, taskID, owner string, ttlMillis int64) error {
	now := NowMillis()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO inflight (task_id, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE inflight.expires_at < ?;
	`, taskID, owner, now, now+ttlMillis, now)
	if err != nil {
		return fmt.Errorf("acquire inflight: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inflight rows affected: %w", err)
	}
	if affected != 1 {
		return ErrConflict
	}
	return nil
}

// ReleaseInflightTx releases the marker if held by owner.
func (s *Store) ReleaseInflightTx(ctx context.Context, tx *sql.Tx, taskID, owner string) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM inflight WHERE task_id = ? AND owner = ?;
	`, taskID, owner); err != nil {
		return fmt.Errorf("release inflight: %w", err)
	}
	return nil
}

// ReleaseExpiredInflightTx drops markers whose TTL elapsed, returning the
// task IDs released so the sweeper can re-signal them.
func (s *Store) ReleaseExpiredInflightTx(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT task_id FROM inflight WHERE expires_at < ?;
	`, NowMillis())
	if err != nil {
		return nil, fmt.Errorf("query expired inflight: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired inflight: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("expired inflight rows: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM inflight WHERE task_id = ?;`, id); err != nil {
			return nil, fmt.Errorf("delete expired inflight: %w", err)
		}
	}
	return ids, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
