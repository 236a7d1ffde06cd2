package audit

import (
	"fmt"
	"testing"

	"github.com/basket/taskos/internal/store"
)

func ev(eventType string, phaseTo store.Phase, statusTo store.Status) store.AuditEvent {
	return store.AuditEvent{
		TaskID:    "t1",
		EventType: eventType,
		PhaseTo:   phaseTo,
		StatusTo:  statusTo,
		Payload:   "{}",
	}
}

func TestReplayReproducesLifecycle(t *testing.T) {
	events := []store.AuditEvent{
		ev(store.EventCreated, store.PhaseIntent, store.StatusPending),
		ev(store.EventSpecFrozen, store.PhaseIntent, store.StatusPending),
		ev(store.EventBound, store.PhasePlanning, store.StatusPlanning),
		ev(store.EventPlanOpened, store.PhasePlanning, store.StatusAwaitingApproval),
		ev(store.EventResumed, store.PhasePlanning, store.StatusExecuting),
		ev(store.EventReady, store.PhaseImplementation, store.StatusExecuting),
		ev(store.EventCompleted, store.PhaseImplementation, store.StatusSucceeded),
	}

	view := Replay(events)
	if view.TaskID != "t1" {
		t.Fatalf("task id = %q", view.TaskID)
	}
	if view.Phase != store.PhaseImplementation || view.Status != store.StatusSucceeded {
		t.Fatalf("final state %s/%s", view.Phase, view.Status)
	}
	if !view.SpecFrozen {
		t.Fatal("spec must be frozen after SPEC_FROZEN")
	}
	if !view.Terminal {
		t.Fatal("succeeded is terminal")
	}
}

func TestReduceIsPure(t *testing.T) {
	base := TaskView{TaskID: "t1", Phase: store.PhaseIntent, Status: store.StatusPending}
	input := base

	_ = Reduce(input, ev(store.EventBound, store.PhasePlanning, store.StatusPlanning))
	if input != base {
		t.Fatal("Reduce mutated its input")
	}

	// Same input, same output.
	a := Reduce(base, ev(store.EventBound, store.PhasePlanning, store.StatusPlanning))
	b := Reduce(base, ev(store.EventBound, store.PhasePlanning, store.StatusPlanning))
	if a != b {
		t.Fatal("Reduce is not deterministic")
	}
}

func TestReduceIgnoresUnknownEventTypes(t *testing.T) {
	view := Reduce(TaskView{TaskID: "t1", Phase: store.PhasePlanning, Status: store.StatusPlanning},
		ev("SOMETHING_NEW", store.PhaseImplementation, store.StatusFailed))
	if view.Phase != store.PhasePlanning || view.Status != store.StatusPlanning {
		t.Fatalf("unknown event mutated state: %s/%s", view.Phase, view.Status)
	}
}

func TestReduceGateDenialDoesNotMutate(t *testing.T) {
	before := TaskView{TaskID: "t1", Phase: store.PhasePlanning, Status: store.StatusPlanning}
	after := Reduce(before, ev(store.EventGateDenied, store.PhasePlanning, store.StatusPlanning))
	if after != before {
		t.Fatalf("GATE_DENIED changed the view: %+v", after)
	}
}

func TestReduceSpecAmendmentKeepsViewState(t *testing.T) {
	before := TaskView{TaskID: "t1", Phase: store.PhaseIntent, Status: store.StatusPending}
	amend := ev(store.EventSpecAmended, store.PhaseIntent, store.StatusPending)
	amend.Payload = `{"spec_hash":"abc123"}`
	after := Reduce(before, amend)
	if after != before {
		t.Fatalf("SPEC_AMENDED changed the view: %+v", after)
	}
}

func TestReduceCheckpointSetsReference(t *testing.T) {
	view := TaskView{TaskID: "t1", Phase: store.PhasePlanning, Status: store.StatusExecuting}
	cp := ev(store.EventCheckpoint, store.PhasePlanning, store.StatusExecuting)
	cp.Payload = `{"sequence":3,"evidence_hash":"abc123"}`

	view = Reduce(view, cp)
	if view.LastCheckpoint != "3:abc123" {
		t.Fatalf("last checkpoint = %q", view.LastCheckpoint)
	}

	// Malformed payloads leave the reference untouched rather than failing.
	bad := cp
	bad.Payload = "not json"
	view2 := Reduce(view, bad)
	if view2.LastCheckpoint != "3:abc123" {
		t.Fatalf("malformed payload changed reference to %q", view2.LastCheckpoint)
	}
}

func TestMatchesComparesEventDerivedFields(t *testing.T) {
	task := &store.Task{
		ID:         "t1",
		Phase:      store.PhasePlanning,
		Status:     store.StatusExecuting,
		SpecFrozen: true,
	}
	view := TaskView{
		TaskID:     "t1",
		Phase:      store.PhasePlanning,
		Status:     store.StatusExecuting,
		SpecFrozen: true,
	}
	if !Matches(view, task) {
		t.Fatal("matching view and task reported as divergent")
	}

	view.Status = store.StatusPaused
	if Matches(view, task) {
		t.Fatal("divergent status not detected")
	}
	if Matches(TaskView{}, nil) {
		t.Fatal("nil task can never match")
	}
}

func TestReplayManyCheckpoints(t *testing.T) {
	events := []store.AuditEvent{
		ev(store.EventCreated, store.PhaseIntent, store.StatusPending),
	}
	for i := 1; i <= 5; i++ {
		cp := ev(store.EventCheckpoint, store.PhaseIntent, store.StatusPending)
		cp.Payload = fmt.Sprintf(`{"sequence":%d,"evidence_hash":"h%d"}`, i, i)
		events = append(events, cp)
	}
	view := Replay(events)
	if view.LastCheckpoint != "5:h5" {
		t.Fatalf("want latest checkpoint reference, got %q", view.LastCheckpoint)
	}
}
