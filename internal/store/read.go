package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
)

// scanner abstracts *sql.Row and *sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var task Task
	var frozen int
	if err := row.Scan(
		&task.ID,
		&task.Phase,
		&task.RunMode,
		&task.Status,
		&task.Spec,
		&frozen,
		&task.LastCheckpoint,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.SpecFrozen = frozen != 0
	return &task, nil
}

const taskColumns = `id, phase, run_mode, status, spec, spec_frozen, last_checkpoint, created_at, updated_at`

// GetTask reads the latest committed state of a task. Readers never block
// on the write queue.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	return scanTask(row)
}

// ListNonTerminal returns every task not in a terminal status, oldest
// first. Used by startup recovery and the sweeper.
func (s *Store) ListNonTerminal(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status NOT IN (?, ?)
		ORDER BY created_at ASC;
	`, StatusSucceeded, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("query non-terminal tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("non-terminal task rows: %w", err)
	}
	return out, nil
}

// ListEvents returns the ordered audit trail for a task, restartable from
// any prior event_id. Order is the write queue's commit order.
func (s *Store) ListEvents(ctx context.Context, taskID string, sinceEventID int64, limit int) ([]AuditEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, COALESCE(phase_from, ''), phase_to,
			COALESCE(status_from, ''), status_to, COALESCE(trace_id, '-'), payload_json, created_at
		FROM audit_events
		WHERE task_id = ? AND event_id > ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, sinceEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
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
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit event rows: %w", err)
	}
	return out, nil
}

// eventPageSize is the ListEvents page used by ListAllEvents.
const eventPageSize = 500

// ListAllEvents pages through ListEvents until the trail is exhausted, so
// callers replaying long histories never see a truncated trail.
func (s *Store) ListAllEvents(ctx context.Context, taskID string) ([]AuditEvent, error) {
	var out []AuditEvent
	var since int64
	for {
		page, err := s.ListEvents(ctx, taskID, since, eventPageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < eventPageSize {
			return out, nil
		}
		since = page[len(page)-1].EventID
	}
}

// LastEvent returns the most recent audit event for a task, or nil if the
// task has no events.
func (s *Store) LastEvent(ctx context.Context, taskID string) (*AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, COALESCE(phase_from, ''), phase_to,
			COALESCE(status_from, ''), status_to, COALESCE(trace_id, '-'), payload_json, created_at
		FROM audit_events
		WHERE task_id = ?
		ORDER BY event_id DESC
		LIMIT 1;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query last event: %w", err)
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
		return nil, fmt.Errorf("scan last event: %w", err)
	}
	return &ev, nil
}

// TotalEventCount returns the total number of audit events in the store.
func (s *Store) TotalEventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM audit_events;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("total event count: %w", err)
	}
	return count, nil
}

// LatestCheckpoint returns the highest-sequence checkpoint for a task, or
// nil if none exists.
func (s *Store) LatestCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, sequence, evidence_json, verified_at
		FROM checkpoints
		WHERE task_id = ?
		ORDER BY sequence DESC
		LIMIT 1;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query latest checkpoint: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var cp Checkpoint
	if err := rows.Scan(&cp.TaskID, &cp.Sequence, &cp.Evidence, &cp.VerifiedAt); err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	return &cp, nil
}

// ListCheckpoints returns all checkpoints for a task in sequence order.
func (s *Store) ListCheckpoints(ctx context.Context, taskID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, sequence, evidence_json, verified_at
		FROM checkpoints
		WHERE task_id = ?
		ORDER BY sequence ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()
	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.TaskID, &cp.Sequence, &cp.Evidence, &cp.VerifiedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint rows: %w", err)
	}
	return out, nil
}

// InflightOwner returns the live owner of a task's execution marker, or ""
// when the marker is absent or expired.
func (s *Store) InflightOwner(ctx context.Context, taskID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `
		SELECT owner FROM inflight WHERE task_id = ? AND expires_at >= ?;
	`, taskID, NowMillis()).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query inflight owner: %w", err)
	}
	return owner, nil
}

// StatusCounts returns the number of tasks per status.
func (s *Store) StatusCounts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()
	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("status count rows: %w", err)
	}
	return counts, nil
}

func evidenceHash(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

// EvidenceHash exposes the checkpoint evidence hash for callers that need
// to cross-check a task's last_checkpoint reference.
func EvidenceHash(input string) string {
	return evidenceHash(input)
}
