package sweeper

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskos/internal/bus"
	"github.com/basket/taskos/internal/lifecycle"
	"github.com/basket/taskos/internal/store"
	"github.com/basket/taskos/internal/writequeue"
)

func newTestSweeper(t *testing.T) (*Sweeper, *store.Store, *writequeue.Queue, *bus.Bus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "taskos.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	eventBus := bus.New()
	queue := writequeue.New(writequeue.Config{Store: st, Bus: eventBus})
	queue.Start(context.Background())
	t.Cleanup(queue.Stop)

	sw, err := New(Config{Store: st, Queue: queue, Bus: eventBus})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sw, st, queue, eventBus
}

func executingTask(t *testing.T, st *store.Store, queue *writequeue.Queue) string {
	t.Helper()
	ctx := context.Background()
	m := lifecycle.New(st, queue, nil, nil)
	task, err := m.Create(ctx, `{"objective":"sweep"}`, store.RunModeAutonomous)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.AdvancePhase(ctx, task.ID, store.PhasePlanning); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := m.OpenPlan(ctx, task.ID, false); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.Resume(ctx, task.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	return task.ID
}

func claim(t *testing.T, st *store.Store, queue *writequeue.Queue, taskID, owner string, ttlMillis int64) {
	t.Helper()
	_, err := queue.Submit(context.Background(), writequeue.Op{
		Kind:   "driver.claim",
		TaskID: taskID,
		Apply: func(ctx context.Context, tx *sql.Tx) (*writequeue.Outcome, error) {
			return nil, st.AcquireInflightTx(ctx, tx, taskID, owner, ttlMillis)
		},
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	if _, err := New(Config{Schedule: "not a cron line"}); err == nil {
		t.Fatal("bad schedule accepted")
	}
	if _, err := New(Config{Schedule: "*/2 * * * *"}); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
}

func TestSweepReleasesExpiredClaimsAndResignals(t *testing.T) {
	sw, st, queue, eventBus := newTestSweeper(t)
	ctx := context.Background()
	taskID := executingTask(t, st, queue)

	claim(t, st, queue, taskID, "aee-dead", 1)
	time.Sleep(5 * time.Millisecond)

	sub := eventBus.Subscribe(bus.TopicTaskReady)
	defer eventBus.Unsubscribe(sub)

	sw.Sweep(ctx)

	select {
	case ev := <-sub.Ch():
		ready, ok := ev.Payload.(bus.TaskReadyEvent)
		if !ok || ready.TaskID != taskID {
			t.Fatalf("unexpected event %+v", ev.Payload)
		}
		if ready.RunMode != string(store.RunModeAutonomous) {
			t.Fatalf("run mode %q", ready.RunMode)
		}
	case <-time.After(time.Second):
		t.Fatal("no ready re-signal after release")
	}

	// The slot is free again for a live owner.
	claim(t, st, queue, taskID, "aee-new", time.Minute.Milliseconds())
}

func TestSweepLeavesLiveClaimsAlone(t *testing.T) {
	sw, st, queue, eventBus := newTestSweeper(t)
	ctx := context.Background()
	taskID := executingTask(t, st, queue)

	claim(t, st, queue, taskID, "aee-live", time.Minute.Milliseconds())

	sub := eventBus.Subscribe(bus.TopicTaskReady)
	defer eventBus.Unsubscribe(sub)

	sw.Sweep(ctx)

	select {
	case ev := <-sub.Ch():
		t.Fatalf("live claim re-signalled: %+v", ev.Payload)
	case <-time.After(50 * time.Millisecond):
	}

	// The live claim still blocks a second owner.
	_, err := queue.Submit(ctx, writequeue.Op{
		Kind:   "driver.claim",
		TaskID: taskID,
		Apply: func(ctx context.Context, tx *sql.Tx) (*writequeue.Outcome, error) {
			return nil, st.AcquireInflightTx(ctx, tx, taskID, "aee-usurper", time.Minute.Milliseconds())
		},
	})
	if err == nil {
		t.Fatal("live claim displaced by sweep")
	}
}

func TestSweepIsQuietWhenNothingExpired(t *testing.T) {
	sw, _, _, eventBus := newTestSweeper(t)

	sub := eventBus.Subscribe(bus.TopicTaskReady)
	defer eventBus.Unsubscribe(sub)

	sw.Sweep(context.Background())

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %+v", ev.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}
