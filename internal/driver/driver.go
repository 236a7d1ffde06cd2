// Package driver is the autonomous execution engine. It watches for
// tasks that reached executing status in autonomous mode, claims each
// one with an at-most-once execution marker, advances it into the
// implementation phase, runs the quality gate suite with bounded
// retries, and settles the task as succeeded or failed. Interactive and
// assisted tasks are never touched; they wait for a human.
package driver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskos/internal/bus"
	"github.com/basket/taskos/internal/checkpoint"
	"github.com/basket/taskos/internal/gates"
	"github.com/basket/taskos/internal/lifecycle"
	"github.com/basket/taskos/internal/otel"
	"github.com/basket/taskos/internal/shared"
	"github.com/basket/taskos/internal/store"
	"github.com/basket/taskos/internal/writequeue"
)

// FailureContext travels between gate attempts so each retry knows what
// went wrong before. It is recorded in checkpoint evidence, never in
// task state.
type FailureContext struct {
	Attempt     int    `json:"attempt"`
	LastFailure string `json:"last_failure,omitempty"`
}

type Config struct {
	Machine     *lifecycle.Machine
	Store       *store.Store
	Queue       *writequeue.Queue
	Checkpoints *checkpoint.Manager
	Runner      *gates.Runner
	Bus         *bus.Bus
	Logger      *slog.Logger
	Metrics     *otel.Metrics // may be nil in tests
	Tracer      trace.Tracer  // nil falls back to a no-op tracer

	// MaxGateAttempts bounds retries of a failing gate suite. Defaults
	// to 3.
	MaxGateAttempts int
	// RetryDelay separates gate attempts. Defaults to 2s.
	RetryDelay time.Duration
	// PollInterval is the bus-miss fallback scan cadence. Defaults to 15s.
	PollInterval time.Duration
	// InflightTTL bounds how long an execution claim survives a crash.
	// Defaults to 10m.
	InflightTTL time.Duration
}

type Driver struct {
	machine     *lifecycle.Machine
	store       *store.Store
	queue       *writequeue.Queue
	checkpoints *checkpoint.Manager
	runner      *gates.Runner
	bus         *bus.Bus
	logger      *slog.Logger
	metrics     *otel.Metrics
	tracer      trace.Tracer

	owner           string
	maxGateAttempts int
	retryDelay      time.Duration
	pollInterval    time.Duration
	inflightTTL     time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

func New(cfg Config) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := cfg.MaxGateAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	ttl := cfg.InflightTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Driver{
		machine:         cfg.Machine,
		store:           cfg.Store,
		queue:           cfg.Queue,
		checkpoints:     cfg.Checkpoints,
		runner:          cfg.Runner,
		bus:             cfg.Bus,
		logger:          logger,
		metrics:         cfg.Metrics,
		tracer:          tracer,
		owner:           "aee-" + uuid.NewString(),
		maxGateAttempts: maxAttempts,
		retryDelay:      retryDelay,
		pollInterval:    pollInterval,
		inflightTTL:     ttl,
		active:          make(map[string]struct{}),
	}
}

// Owner identifies this driver instance in inflight claims.
func (d *Driver) Owner() string {
	return d.owner
}

// Start launches the ready-event listener and the polling fallback.
func (d *Driver) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(2)
	go d.listen(ctx)
	go d.poll(ctx)
	d.logger.Info("execution driver started",
		"owner", d.owner, "max_gate_attempts", d.maxGateAttempts)
}

// Stop waits for in-flight task executions to finish.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("execution driver stopped")
}

// listen reacts to ready signals published after commit by the write
// queue. Bus delivery is best-effort; the poller catches anything
// dropped under load.
func (d *Driver) listen(ctx context.Context) {
	defer d.wg.Done()
	sub := d.bus.Subscribe(bus.TopicTaskReady)
	defer d.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			ready, ok := ev.Payload.(bus.TaskReadyEvent)
			if !ok || ready.RunMode != string(store.RunModeAutonomous) {
				continue
			}
			d.dispatch(ctx, ready.TaskID)
		}
	}
}

// poll is the fallback sweep for ready autonomous tasks whose bus signal
// was missed, including tasks resumed by crash recovery.
func (d *Driver) poll(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tasks, err := d.store.ListNonTerminal(ctx)
			if err != nil {
				d.logger.Warn("driver poll failed", "error", err)
				continue
			}
			for _, task := range tasks {
				if task.Status == store.StatusExecuting && task.RunMode == store.RunModeAutonomous {
					d.dispatch(ctx, task.ID)
				}
			}
		}
	}
}

// dispatch starts executing a task unless this driver is already on it.
func (d *Driver) dispatch(ctx context.Context, taskID string) {
	d.mu.Lock()
	if _, busy := d.active[taskID]; busy {
		d.mu.Unlock()
		return
	}
	d.active[taskID] = struct{}{}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.active, taskID)
			d.mu.Unlock()
		}()
		d.execute(ctx, taskID)
	}()
}

// execute runs one task end to end: claim, advance, gate, settle.
func (d *Driver) execute(ctx context.Context, taskID string) {
	ctx = shared.WithTaskID(shared.WithTraceID(ctx, shared.NewTraceID()), taskID)
	ctx, span := otel.StartSpan(ctx, d.tracer, "driver.execute", otel.AttrTaskID.String(taskID))
	defer span.End()

	claimed, err := d.claim(ctx, taskID)
	if err != nil {
		d.logger.Error("inflight claim failed", "task_id", taskID, "error", err)
		return
	}
	if !claimed {
		d.logger.Debug("task already claimed elsewhere", "task_id", taskID)
		return
	}
	defer d.release(taskID)

	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		d.logger.Error("load task failed", "task_id", taskID, "error", err)
		return
	}
	if task.Status != store.StatusExecuting || task.RunMode != store.RunModeAutonomous {
		return
	}
	span.SetAttributes(
		otel.AttrPhase.String(string(task.Phase)),
		otel.AttrStatus.String(string(task.Status)),
		otel.AttrRunMode.String(string(task.RunMode)),
	)

	if task.Phase == store.PhasePlanning {
		err := d.machine.AdvancePhase(ctx, taskID, store.PhaseImplementation,
			lifecycle.ActionMutating)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			d.logger.Error("advance to implementation failed", "task_id", taskID, "error", err)
			return
		}
	}

	d.runGates(ctx, taskID)
}

// runGates retries the quality gate suite up to the attempt budget,
// carrying the prior failure into each retry's checkpoint evidence. The
// task completes only on a fully passing suite.
func (d *Driver) runGates(ctx context.Context, taskID string) {
	var fctx FailureContext
	for attempt := 1; attempt <= d.maxGateAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		fctx.Attempt = attempt
		attemptCtx := shared.WithAttempt(ctx, attempt)

		results, allPass := d.runner.Run(attemptCtx, taskID)
		if d.metrics != nil {
			d.metrics.GateRuns.Add(attemptCtx, 1, metric.WithAttributes(
				attribute.Bool("pass", allPass),
				attribute.Int("attempt", attempt),
			))
		}
		if allPass {
			if err := d.machine.Complete(attemptCtx, taskID, gates.Evidence(results)); err != nil {
				d.logger.Error("complete failed", "task_id", taskID, "error", err)
			}
			return
		}

		fctx.LastFailure = gates.FailureSummary(results)
		d.logger.Warn("quality gates failed",
			"task_id", taskID, "attempt", attempt,
			"max_attempts", d.maxGateAttempts, "failure", fctx.LastFailure)

		if attempt < d.maxGateAttempts {
			d.recordAttempt(attemptCtx, taskID, fctx, results)
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.retryDelay):
			}
		}
	}

	reason := fmt.Sprintf("GatesExhausted: quality gates exhausted after %d attempts: %s",
		d.maxGateAttempts, fctx.LastFailure)
	if err := d.machine.Fail(ctx, taskID, reason); err != nil {
		d.logger.Error("fail transition failed", "task_id", taskID, "error", err)
	}
}

// recordAttempt checkpoints a failed attempt so a crash between retries
// resumes with the failure context intact.
func (d *Driver) recordAttempt(ctx context.Context, taskID string, fctx FailureContext, results []gates.Result) {
	evidence, err := json.Marshal(map[string]interface{}{
		"kind":            "gate_attempt",
		"failure_context": fctx,
		"checks":          results,
	})
	if err != nil {
		return
	}
	if _, err := d.checkpoints.Record(ctx, taskID, string(evidence)); err != nil {
		d.logger.Warn("attempt checkpoint failed", "task_id", taskID, "error", err)
	}
}

// claim takes the per-task execution marker through the write queue.
// Returns false without error when a live owner already holds it.
func (d *Driver) claim(ctx context.Context, taskID string) (bool, error) {
	_, err := d.queue.Submit(ctx, writequeue.Op{
		Kind:   "driver.claim",
		TaskID: taskID,
		Apply: func(ctx context.Context, tx *sql.Tx) (*writequeue.Outcome, error) {
			return nil, d.store.AcquireInflightTx(ctx, tx, taskID, d.owner, d.inflightTTL.Milliseconds())
		},
	})
	if errors.Is(err, store.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// release drops the claim. Uses a fresh context so shutdown still
// releases.
func (d *Driver) release(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := d.queue.Submit(ctx, writequeue.Op{
		Kind:   "driver.release",
		TaskID: taskID,
		Apply: func(ctx context.Context, tx *sql.Tx) (*writequeue.Outcome, error) {
			return nil, d.store.ReleaseInflightTx(ctx, tx, taskID, d.owner)
		},
	})
	if err != nil && !errors.Is(err, writequeue.ErrStopped) {
		d.logger.Warn("inflight release failed", "task_id", taskID, "error", err)
	}
}
