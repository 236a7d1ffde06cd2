package gates

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/taskos/internal/audit"
	"github.com/basket/taskos/internal/store"
)

// ConsistencyCheck is a built-in gate that replays the task's audit
// trail and verifies the reduction reproduces the persisted task row.
// A divergence means an event was lost or a mutation bypassed the audit
// trail, which disqualifies the task from completing.
func ConsistencyCheck(st *store.Store) Check {
	return Check{
		Name:    "audit-consistency",
		Timeout: 10 * time.Second,
		Fn: func(ctx context.Context, taskID string) error {
			task, err := st.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			events, err := st.ListAllEvents(ctx, taskID)
			if err != nil {
				return err
			}
			view := audit.Replay(events)
			if !audit.Matches(view, task) {
				return fmt.Errorf("replayed state %s/%s diverges from persisted %s/%s",
					view.Phase, view.Status, task.Phase, task.Status)
			}
			return nil
		},
	}
}
