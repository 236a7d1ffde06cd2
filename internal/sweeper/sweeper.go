// Package sweeper runs periodic maintenance on a cron cadence: it
// releases execution claims whose owner crashed without cleaning up and
// re-signals the released autonomous tasks so a driver picks them up
// again.
package sweeper

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskos/internal/bus"
	"github.com/basket/taskos/internal/store"
	"github.com/basket/taskos/internal/writequeue"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

type Config struct {
	Store    *store.Store
	Queue    *writequeue.Queue
	Bus      *bus.Bus
	Logger   *slog.Logger
	Schedule string // cron expression; defaults to every 5 minutes
}

type Sweeper struct {
	store    *store.Store
	queue    *writequeue.Queue
	bus      *bus.Bus
	logger   *slog.Logger
	schedule cronlib.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "*/5 * * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    cfg.Store,
		queue:    cfg.Queue,
		bus:      cfg.Bus,
		logger:   logger,
		schedule: schedule,
	}, nil
}

func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweeper started", "next_run", s.schedule.Next(time.Now()))
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep releases expired claims and re-signals the tasks behind them.
// Exposed for the startup pass and tests.
func (s *Sweeper) Sweep(ctx context.Context) {
	outcome, err := s.queue.Submit(ctx, writequeue.Op{
		Kind: "sweeper.release_expired",
		Apply: func(ctx context.Context, tx *sql.Tx) (*writequeue.Outcome, error) {
			released, err := s.store.ReleaseExpiredInflightTx(ctx, tx)
			if err != nil {
				return nil, err
			}
			return &writequeue.Outcome{ReleasedTaskIDs: released}, nil
		},
	})
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	if len(outcome.ReleasedTaskIDs) == 0 {
		return
	}
	s.logger.Info("released expired execution claims", "count", len(outcome.ReleasedTaskIDs))

	for _, taskID := range outcome.ReleasedTaskIDs {
		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			s.logger.Warn("sweep: task lookup failed", "task_id", taskID, "error", err)
			continue
		}
		if task.Status == store.StatusExecuting && s.bus != nil {
			s.bus.Publish(bus.TopicTaskReady, bus.TaskReadyEvent{
				TaskID:  task.ID,
				RunMode: string(task.RunMode),
			})
		}
	}
}
