package audit

import (
	"encoding/json"
	"fmt"

	"github.com/basket/taskos/internal/store"
)

// TaskView is the state an audit trail folds to. Replaying all events for
// a task must reproduce the task's persisted state exactly.
type TaskView struct {
	TaskID         string
	Phase          store.Phase
	Status         store.Status
	SpecFrozen     bool
	LastCheckpoint string
	Terminal       bool
}

// checkpointNote is the payload shape of CHECKPOINT events.
type checkpointNote struct {
	Sequence     int64  `json:"sequence"`
	EvidenceHash string `json:"evidence_hash"`
}

// Reduce folds one event into the view. It is pure and total: unknown
// event types leave the view unchanged rather than failing, so replay
// stays forward-compatible with new event types.
func Reduce(view TaskView, ev store.AuditEvent) TaskView {
	switch ev.EventType {
	case store.EventCreated:
		view.TaskID = ev.TaskID
		view.Phase = ev.PhaseTo
		view.Status = ev.StatusTo
		view.SpecFrozen = false
	case store.EventSpecFrozen:
		view.SpecFrozen = true
		view.Phase = ev.PhaseTo
		view.Status = ev.StatusTo
	case store.EventBound, store.EventReady, store.EventPlanOpened,
		store.EventPaused, store.EventResumed, store.EventCompleted,
		store.EventFailed, store.EventRecovered:
		view.Phase = ev.PhaseTo
		view.Status = ev.StatusTo
	case store.EventCheckpoint:
		var note checkpointNote
		if err := json.Unmarshal([]byte(ev.Payload), &note); err == nil && note.Sequence > 0 {
			view.LastCheckpoint = fmt.Sprintf("%d:%s", note.Sequence, note.EvidenceHash)
		}
	case store.EventSpecAmended:
		// The view tracks frozenness, not spec content.
	case store.EventGateDenied:
		// Denials never mutate task state.
	}
	view.Terminal = view.Status.Terminal()
	return view
}

// Replay folds a full event sequence from the zero view.
func Replay(events []store.AuditEvent) TaskView {
	var view TaskView
	for _, ev := range events {
		view = Reduce(view, ev)
	}
	return view
}

// Matches reports whether the replayed view agrees with the persisted
// task row on every event-derived field.
func Matches(view TaskView, task *store.Task) bool {
	if task == nil {
		return false
	}
	return view.TaskID == task.ID &&
		view.Phase == task.Phase &&
		view.Status == task.Status &&
		view.SpecFrozen == task.SpecFrozen &&
		view.LastCheckpoint == task.LastCheckpoint
}
