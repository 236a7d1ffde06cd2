package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskos/internal/audit"
	"github.com/basket/taskos/internal/otel"
	"github.com/basket/taskos/internal/store"
	"github.com/basket/taskos/internal/writequeue"
)

func newTestMachine(t *testing.T) (*Machine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "taskos.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	queue := writequeue.New(writequeue.Config{Store: st})
	queue.Start(context.Background())
	t.Cleanup(queue.Stop)

	return New(st, queue, nil, nil), st
}

func mustCreate(t *testing.T, m *Machine, mode store.RunMode) *store.Task {
	t.Helper()
	task, err := m.Create(context.Background(), `{"objective":"test"}`, mode)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return task
}

func eventTypes(t *testing.T, m *Machine, taskID string) []string {
	t.Helper()
	events, err := m.ListEvents(context.Background(), taskID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.EventType
	}
	return types
}

func TestFullLifecycleScenario(t *testing.T) {
	m, st := newTestMachine(t)
	ctx := context.Background()

	task := mustCreate(t, m, store.RunModeInteractive)
	if task.Phase != store.PhaseIntent || task.Status != store.StatusPending {
		t.Fatalf("new task %s/%s", task.Phase, task.Status)
	}

	if err := m.FreezeSpec(ctx, task.ID); err != nil {
		t.Fatalf("FreezeSpec: %v", err)
	}
	if err := m.AdvancePhase(ctx, task.ID, store.PhasePlanning); err != nil {
		t.Fatalf("AdvancePhase(planning): %v", err)
	}
	if err := m.OpenPlan(ctx, task.ID, false); err != nil {
		t.Fatalf("OpenPlan: %v", err)
	}
	if err := m.Resume(ctx, task.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := m.Complete(ctx, task.ID, `{"result":"done"}`); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got := eventTypes(t, m, task.ID)
	want := []string{
		store.EventCreated,
		store.EventSpecFrozen,
		store.EventBound,
		store.EventPlanOpened,
		store.EventResumed,
		store.EventCheckpoint,
		store.EventCompleted,
	}
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}

	final, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if final.Status != store.StatusSucceeded {
		t.Fatalf("final status %s", final.Status)
	}

	// Replaying the trail must reproduce the persisted row exactly.
	events, _ := m.ListEvents(ctx, task.ID)
	view := audit.Replay(events)
	if !audit.Matches(view, final) {
		t.Fatalf("replay diverged: view=%+v task=%+v", view, final)
	}
}

func TestPhaseSkipRejected(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	task := mustCreate(t, m, store.RunModeInteractive)

	err := m.AdvancePhase(ctx, task.ID, store.PhaseImplementation)
	if !errors.Is(err, ErrPhaseSkip) {
		t.Fatalf("want ErrPhaseSkip, got %v", err)
	}

	// Phases never move backwards either.
	if err := m.AdvancePhase(ctx, task.ID, store.PhasePlanning); err != nil {
		t.Fatalf("legal advance: %v", err)
	}
	err = m.AdvancePhase(ctx, task.ID, store.PhaseIntent)
	if !errors.Is(err, ErrPhaseSkip) {
		t.Fatalf("want ErrPhaseSkip on backwards move, got %v", err)
	}

	// Each denial leaves exactly one GATE_DENIED event.
	denied := 0
	for _, et := range eventTypes(t, m, task.ID) {
		if et == store.EventGateDenied {
			denied++
		}
	}
	if denied != 2 {
		t.Fatalf("want 2 GATE_DENIED events, got %d", denied)
	}
}

func TestSpecFrozenIsImmutable(t *testing.T) {
	m, st := newTestMachine(t)
	ctx := context.Background()
	task := mustCreate(t, m, store.RunModeInteractive)

	if err := m.AmendSpec(ctx, task.ID, `{"objective":"revised"}`); err != nil {
		t.Fatalf("amend before freeze: %v", err)
	}
	if err := m.FreezeSpec(ctx, task.ID); err != nil {
		t.Fatalf("FreezeSpec: %v", err)
	}

	if err := m.AmendSpec(ctx, task.ID, `{"objective":"too late"}`); !errors.Is(err, ErrSpecFrozen) {
		t.Fatalf("want ErrSpecFrozen, got %v", err)
	}
	if err := m.FreezeSpec(ctx, task.ID); !errors.Is(err, ErrSpecFrozen) {
		t.Fatalf("double freeze: want ErrSpecFrozen, got %v", err)
	}

	got, _ := st.GetTask(ctx, task.ID)
	if got.Spec != `{"objective":"revised"}` {
		t.Fatalf("frozen spec changed: %s", got.Spec)
	}
}

func TestMetricsRecordOnDenialAndTerminal(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	provider, err := otel.Init(ctx, otel.Config{Enabled: false})
	if err != nil {
		t.Fatalf("otel init: %v", err)
	}
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	m.SetMetrics(metrics)

	task := mustCreate(t, m, store.RunModeInteractive)
	if err := m.AdvancePhase(ctx, task.ID, store.PhaseImplementation); !errors.Is(err, ErrPhaseSkip) {
		t.Fatalf("want ErrPhaseSkip, got %v", err)
	}
	if err := m.Fail(ctx, task.ID, "operator abort"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, _ := m.GetTask(ctx, task.ID)
	if got.Status != store.StatusFailed {
		t.Fatalf("status %s, want failed", got.Status)
	}
}

func TestAmendSpecRecordsAuditEvent(t *testing.T) {
	m, st := newTestMachine(t)
	ctx := context.Background()
	task := mustCreate(t, m, store.RunModeInteractive)

	if err := m.AmendSpec(ctx, task.ID, `{"objective":"revised"}`); err != nil {
		t.Fatalf("AmendSpec: %v", err)
	}

	types := eventTypes(t, m, task.ID)
	want := []string{store.EventCreated, store.EventSpecAmended}
	if len(types) != len(want) {
		t.Fatalf("event trail %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event trail %v, want %v", types, want)
		}
	}

	events, err := m.ListEvents(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	amend := events[len(events)-1]
	if !strings.Contains(amend.Payload, store.EvidenceHash(`{"objective":"revised"}`)) {
		t.Fatalf("amend payload %q missing spec hash", amend.Payload)
	}

	got, _ := st.GetTask(ctx, task.ID)
	if !audit.Matches(audit.Replay(events), got) {
		t.Fatalf("replayed view diverges after amend")
	}
}

func TestPauseOnlyReachableThroughOpenPlan(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	task := mustCreate(t, m, store.RunModeInteractive)
	if err := m.AdvancePhase(ctx, task.ID, store.PhasePlanning); err != nil {
		t.Fatalf("advance: %v", err)
	}

	cur, err := m.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}

	// Any transition funnel caller other than openPlan is rejected, even
	// though the raw status edge planning->paused exists.
	err = m.transitionGuarded(ctx, "task.force_pause", cur,
		store.StatusPaused, store.EventPaused, "", false)
	if !errors.Is(err, ErrPauseGate) {
		t.Fatalf("want ErrPauseGate, got %v", err)
	}
	err = m.transitionGuarded(ctx, "task.force_await", cur,
		store.StatusAwaitingApproval, store.EventPlanOpened, "", false)
	if !errors.Is(err, ErrPauseGate) {
		t.Fatalf("want ErrPauseGate for awaiting_approval, got %v", err)
	}

	// The blessed path still works.
	if err := m.OpenPlan(ctx, task.ID, true); err != nil {
		t.Fatalf("OpenPlan hold: %v", err)
	}
	got, _ := m.GetTask(ctx, task.ID)
	if got.Status != store.StatusPaused {
		t.Fatalf("status %s, want paused", got.Status)
	}
}

func TestOpenPlanRequiresPlanningState(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	task := mustCreate(t, m, store.RunModeInteractive)

	if err := m.OpenPlan(ctx, task.ID, false); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("openPlan on pending task: want ErrInvalidState, got %v", err)
	}
}

func TestResumeFromPausedAndAwaiting(t *testing.T) {
	for _, hold := range []bool{false, true} {
		hold := hold
		t.Run(fmt.Sprintf("hold=%v", hold), func(t *testing.T) {
			m, _ := newTestMachine(t)
			ctx := context.Background()
			task := mustCreate(t, m, store.RunModeInteractive)
			if err := m.AdvancePhase(ctx, task.ID, store.PhasePlanning); err != nil {
				t.Fatalf("advance: %v", err)
			}
			if err := m.OpenPlan(ctx, task.ID, hold); err != nil {
				t.Fatalf("OpenPlan: %v", err)
			}
			if err := m.Resume(ctx, task.ID); err != nil {
				t.Fatalf("Resume: %v", err)
			}
			got, _ := m.GetTask(ctx, task.ID)
			if got.Status != store.StatusExecuting {
				t.Fatalf("status %s, want executing", got.Status)
			}
		})
	}
}

func TestCompleteRequiresEvidenceAndExecuting(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	task := mustCreate(t, m, store.RunModeInteractive)

	if err := m.Complete(ctx, task.ID, ""); !errors.Is(err, ErrEvidenceRequired) {
		t.Fatalf("want ErrEvidenceRequired, got %v", err)
	}
	if err := m.Complete(ctx, task.ID, `{"result":"x"}`); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("complete from pending: want ErrInvalidState, got %v", err)
	}
}

func TestTerminalTasksRejectEverything(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	task := mustCreate(t, m, store.RunModeInteractive)

	if err := m.Fail(ctx, task.ID, "operator abort"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	if err := m.Fail(ctx, task.ID, "again"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("double fail: want ErrTerminal, got %v", err)
	}
	if err := m.AdvancePhase(ctx, task.ID, store.PhasePlanning); !errors.Is(err, ErrTerminal) {
		t.Fatalf("advance after fail: want ErrTerminal, got %v", err)
	}
	if err := m.Resume(ctx, task.ID); !errors.Is(err, ErrTerminal) {
		t.Fatalf("resume after fail: want ErrTerminal, got %v", err)
	}
}

func TestAuthorizeEnforcesGateTable(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	task := mustCreate(t, m, store.RunModeAutonomous)

	// Red line: denied everywhere, every mode.
	if err := m.Authorize(ctx, task.ID, ActionSecretExfiltration); !errors.Is(err, ErrRedLine) {
		t.Fatalf("want ErrRedLine, got %v", err)
	}

	// Destructive outside implementation: mode gate.
	if err := m.Authorize(ctx, task.ID, ActionDestructive); !errors.Is(err, ErrModeGate) {
		t.Fatalf("want ErrModeGate, got %v", err)
	}

	// Read-only is always fine.
	if err := m.Authorize(ctx, task.ID, ActionReadOnly); err != nil {
		t.Fatalf("read-only denied: %v", err)
	}
}

func TestEvaluateGateTable(t *testing.T) {
	cases := []struct {
		name     string
		phase    store.Phase
		mode     store.RunMode
		status   store.Status
		category ActionCategory
		wantErr  error
	}{
		{"red line in implementation", store.PhaseImplementation, store.RunModeAutonomous, store.StatusExecuting, ActionSecretExfiltration, ErrRedLine},
		{"destructive in intent", store.PhaseIntent, store.RunModeAutonomous, store.StatusPending, ActionDestructive, ErrModeGate},
		{"irreversible in planning", store.PhasePlanning, store.RunModeInteractive, store.StatusPlanning, ActionIrreversible, ErrModeGate},
		{"destructive unapproved interactive", store.PhaseImplementation, store.RunModeInteractive, store.StatusAwaitingApproval, ActionDestructive, ErrApprovalRequired},
		{"destructive approved interactive", store.PhaseImplementation, store.RunModeInteractive, store.StatusExecuting, ActionDestructive, nil},
		{"destructive autonomous", store.PhaseImplementation, store.RunModeAutonomous, store.StatusExecuting, ActionDestructive, nil},
		{"mutating anywhere", store.PhaseIntent, store.RunModeInteractive, store.StatusPending, ActionMutating, nil},
		{"read-only anywhere", store.PhasePlanning, store.RunModeAssisted, store.StatusPaused, ActionReadOnly, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := evaluateGate(tc.phase, tc.mode, tc.status, tc.category)
			if tc.wantErr == nil {
				if g.err != nil {
					t.Fatalf("want allow, got %v", g.err)
				}
				return
			}
			if !errors.Is(g.err, tc.wantErr) {
				t.Fatalf("want %v, got %v", tc.wantErr, g.err)
			}
		})
	}
}

func TestCreateValidatesRunMode(t *testing.T) {
	m, _ := newTestMachine(t)
	if _, err := m.Create(context.Background(), `{"objective":"x"}`, "turbo"); err == nil {
		t.Fatal("invalid run mode accepted")
	}
}

type rejectAllValidator struct{}

func (rejectAllValidator) Validate(string) error { return errors.New("schema violation") }

func TestCreateRunsSpecValidator(t *testing.T) {
	m, st := newTestMachine(t)
	m.validator = rejectAllValidator{}

	if _, err := m.Create(context.Background(), `{"objective":"x"}`, store.RunModeInteractive); err == nil {
		t.Fatal("validator rejection ignored")
	}
	// Nothing persisted for a rejected create.
	total, _ := st.TotalEventCount(context.Background())
	if total != 0 {
		t.Fatalf("want empty store after rejected create, got %d events", total)
	}
}
