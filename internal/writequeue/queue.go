// Package writequeue serializes every mutating storage operation through
// one dedicated worker. Callers from any goroutine submit operations and
// block cooperatively until their turn commits or fails; the worker is the
// only code path that ever opens a write transaction against the store.
package writequeue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/taskos/internal/bus"
	"github.com/basket/taskos/internal/otel"
	"github.com/basket/taskos/internal/store"
)

// ErrBackpressure is returned when the queue is full or the submission
// deadline elapses before the operation is accepted. It is transient and
// never a data-integrity problem; callers may retry with backoff.
var ErrBackpressure = errors.New("writequeue: queue full or submission timed out")

// ErrStopped is returned for operations still queued when the queue shuts
// down. Nothing was persisted for them.
var ErrStopped = errors.New("writequeue: queue stopped")

// Outcome is what a committed operation produced.
type Outcome struct {
	Task       *store.Task
	Events     []store.AuditEvent
	Checkpoint *store.Checkpoint

	// ReleasedTaskIDs is set by maintenance sweeps that drop expired
	// execution claims.
	ReleasedTaskIDs []string
}

// Op is one atomic unit of write work: task mutation plus zero or more
// audit events plus an optional checkpoint, all applied inside a single
// store transaction by the queue worker.
type Op struct {
	// Kind names the operation for logs ("task.create", "task.resume", ...).
	Kind string
	// TaskID is the affected task, for logs and metrics. May be empty.
	TaskID string
	// Apply runs inside the worker's transaction. It must either fully
	// apply the bundled changes or return an error; partial application is
	// rolled back.
	Apply func(ctx context.Context, tx *sql.Tx) (*Outcome, error)
}

type request struct {
	op   Op
	ctx  context.Context
	done chan result
}

type result struct {
	outcome *Outcome
	err     error
}

type Config struct {
	Store         *store.Store
	Bus           *bus.Bus      // may be nil in tests
	Metrics       *otel.Metrics // may be nil in tests
	Logger        *slog.Logger
	MaxDepth      int           // bounded FIFO depth; defaults to 64
	SubmitTimeout time.Duration // defaults to 5s
	RetryMax      int           // busy-retry attempts; defaults to 5
	RetryBase     time.Duration
	RetryCap      time.Duration
}

type Queue struct {
	store         *store.Store
	bus           *bus.Bus
	metrics       *otel.Metrics
	logger        *slog.Logger
	reqs          chan *request
	submitTimeout time.Duration
	retryMax      int
	retryBase     time.Duration
	retryCap      time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Queue {
	depth := cfg.MaxDepth
	if depth <= 0 {
		depth = 64
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = 5 * time.Second
	}
	retryMax := cfg.RetryMax
	if retryMax <= 0 {
		retryMax = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:         cfg.Store,
		bus:           cfg.Bus,
		metrics:       cfg.Metrics,
		logger:        logger,
		reqs:          make(chan *request, depth),
		submitTimeout: submitTimeout,
		retryMax:      retryMax,
		retryBase:     cfg.RetryBase,
		retryCap:      cfg.RetryCap,
	}
}

// Start launches the single worker goroutine.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.worker(ctx)
	q.logger.Info("write queue started", "depth", cap(q.reqs))
}

// Stop shuts the worker down after the in-flight operation finishes.
// Operations still queued are answered with ErrStopped.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.logger.Info("write queue stopped")
}

// Depth returns the number of operations waiting in the queue.
func (q *Queue) Depth() int {
	return len(q.reqs)
}

// Submit enqueues op and blocks the calling goroutine until the worker
// commits or rejects it. A full queue blocks up to the submission timeout
// and then fails with ErrBackpressure, distinct from any data error.
func (q *Queue) Submit(ctx context.Context, op Op) (*Outcome, error) {
	req := &request{
		op:   op,
		ctx:  ctx,
		done: make(chan result, 1),
	}

	timer := time.NewTimer(q.submitTimeout)
	defer timer.Stop()

	select {
	case q.reqs <- req:
		if q.metrics != nil {
			q.metrics.QueueDepth.Add(ctx, 1)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("submit %s: %w", op.Kind, ctx.Err())
	case <-timer.C:
		if q.metrics != nil {
			q.metrics.WriteRejects.Add(ctx, 1,
				metric.WithAttributes(attribute.String("reason", "backpressure")))
		}
		return nil, fmt.Errorf("submit %s: %w", op.Kind, ErrBackpressure)
	}

	// The caller's context doubles as the per-operation deadline: if it
	// expires before the worker reaches this entry, the worker drops the
	// operation unexecuted (checked at dequeue time).
	select {
	case res := <-req.done:
		return res.outcome, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("submit %s: %w", op.Kind, ctx.Err())
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			q.drain()
			return
		case req := <-q.reqs:
			q.execute(ctx, req)
		}
	}
}

// drain answers queued-but-unexecuted requests after shutdown.
func (q *Queue) drain() {
	for {
		select {
		case req := <-q.reqs:
			req.done <- result{err: ErrStopped}
		default:
			return
		}
	}
}

func (q *Queue) execute(ctx context.Context, req *request) {
	if q.metrics != nil {
		q.metrics.QueueDepth.Add(ctx, -1)
	}
	// Dequeue-time cancellation check: never execute an operation the
	// caller has given up on.
	if err := req.ctx.Err(); err != nil {
		q.logger.Debug("write op dropped before execution",
			"op", req.op.Kind, "task_id", req.op.TaskID, "error", err)
		req.done <- result{err: err}
		return
	}

	var outcome *Outcome
	// Transient lock contention is retried here, invisibly to other queue
	// entries; they still wait their turn behind this one.
	err := store.RetryOnBusy(ctx, q.retryMax, q.retryBase, q.retryCap, func() error {
		tx, err := q.store.DB().BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin write tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		out, err := req.op.Apply(req.ctx, tx)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit write tx: %w", err)
		}
		outcome = out
		return nil
	})
	if err != nil {
		q.logger.Warn("write op rejected",
			"op", req.op.Kind, "task_id", req.op.TaskID, "error", err)
		if q.metrics != nil {
			q.metrics.WriteRejects.Add(ctx, 1,
				metric.WithAttributes(attribute.String("reason", "apply_error")))
		}
		req.done <- result{err: err}
		return
	}

	if q.metrics != nil {
		q.metrics.WriteCommits.Add(ctx, 1,
			metric.WithAttributes(attribute.String("op", req.op.Kind)))
	}
	q.publish(outcome)
	req.done <- result{outcome: outcome}
}

// publish notifies subscribers strictly after commit, so observers only
// ever see durable state.
func (q *Queue) publish(out *Outcome) {
	if q.bus == nil || out == nil {
		return
	}
	for _, ev := range out.Events {
		q.bus.Publish(bus.TopicTaskCommitted, bus.TaskCommittedEvent{
			TaskID:    ev.TaskID,
			Phase:     string(ev.PhaseTo),
			OldStatus: string(ev.StatusFrom),
			NewStatus: string(ev.StatusTo),
			EventType: ev.EventType,
		})
		if ev.EventType == store.EventGateDenied {
			q.bus.Publish(bus.TopicGateDenied, bus.GateDeniedEvent{TaskID: ev.TaskID})
		}
	}
	if out.Task == nil {
		return
	}
	switch out.Task.Status {
	case store.StatusExecuting:
		q.bus.Publish(bus.TopicTaskReady, bus.TaskReadyEvent{
			TaskID:  out.Task.ID,
			RunMode: string(out.Task.RunMode),
		})
	case store.StatusSucceeded:
		q.bus.Publish(bus.TopicTaskCompleted, map[string]interface{}{"task_id": out.Task.ID})
	case store.StatusFailed:
		q.bus.Publish(bus.TopicTaskFailed, map[string]interface{}{"task_id": out.Task.ID})
	}
}
