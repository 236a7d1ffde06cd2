package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskos/internal/audit"
	"github.com/basket/taskos/internal/bus"
	"github.com/basket/taskos/internal/checkpoint"
	"github.com/basket/taskos/internal/config"
	"github.com/basket/taskos/internal/driver"
	"github.com/basket/taskos/internal/gates"
	"github.com/basket/taskos/internal/lifecycle"
	otelPkg "github.com/basket/taskos/internal/otel"
	"github.com/basket/taskos/internal/specdoc"
	"github.com/basket/taskos/internal/store"
	"github.com/basket/taskos/internal/sweeper"
	"github.com/basket/taskos/internal/telemetry"
	"github.com/basket/taskos/internal/writequeue"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the task engine daemon

SUBCOMMANDS:
  %s task <action> [args]     Operate on tasks
                              Actions: create, freeze, advance, open,
                              resume, complete, fail, show, events
  %s status                   Show task counts and audit trail size
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKOS_HOME             Data directory (default: ~/.taskos)
  TASKOS_LOG_LEVEL        Log level: debug, info, warn, error

EXAMPLES:
  Run the daemon:         %s
  Create a task:          %s task create -mode autonomous -spec '{"objective":"ship it"}'
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "task":
			os.Exit(runTaskCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx))
}

// core holds the wired engine. The daemon and the task subcommands share
// the same construction; only lifetimes differ.
type core struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *bus.Bus
	store    *store.Store
	queue    *writequeue.Queue
	machine  *lifecycle.Machine
	recovery *checkpoint.Manager
	runner   *gates.Runner
	otel     *otelPkg.Provider
	metrics  *otelPkg.Metrics

	closers []func()
}

func (c *core) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// buildCore wires config, telemetry, store, write queue and state
// machine. quietLogs keeps stdout clean for subcommand output.
func buildCore(ctx context.Context, quietLogs bool) (*core, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	c := &core{cfg: cfg}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, fmt.Errorf("init audit mirror: %w", err)
	}
	c.closers = append(c.closers, func() { _ = audit.Close() })

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("init logger: %w", err)
	}
	c.closers = append(c.closers, func() { _ = closer.Close() })
	slog.SetDefault(logger)
	c.logger = logger

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.OTel.Enabled,
		Endpoint: cfg.OTel.Endpoint,
	})
	if err != nil {
		c.close()
		return nil, fmt.Errorf("init otel: %w", err)
	}
	c.otel = provider
	c.closers = append(c.closers, func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutCtx)
	})

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	c.bus = bus.New()

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		c.close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	c.store = st
	c.closers = append(c.closers, func() { _ = st.Close() })
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath())

	c.queue = writequeue.New(writequeue.Config{
		Store:         st,
		Bus:           c.bus,
		Metrics:       metrics,
		Logger:        logger,
		MaxDepth:      cfg.MaxQueueDepth,
		SubmitTimeout: cfg.SubmitTimeout(),
		RetryMax:      cfg.StoreRetryMax,
		RetryBase:     cfg.StoreRetryBase(),
		RetryCap:      cfg.StoreRetryCap(),
	})

	validator, err := specdoc.NewValidator()
	if err != nil {
		c.close()
		return nil, fmt.Errorf("compile spec schema: %w", err)
	}

	c.machine = lifecycle.New(st, c.queue, validator, logger)
	c.machine.SetMetrics(metrics)
	c.recovery = checkpoint.NewManager(st, c.queue, cfg.ApprovalStale(), logger)
	c.recovery.SetMetrics(metrics)
	c.runner = gates.NewRunner(buildGateChecks(cfg, st), logger)
	c.metrics = metrics
	return c, nil
}

// buildGateChecks turns the configured gate list into runnable checks,
// always appending the built-in audit consistency gate.
func buildGateChecks(cfg config.Config, st *store.Store) []gates.Check {
	checks := make([]gates.Check, 0, len(cfg.Gates)+1)
	for _, g := range cfg.Gates {
		checks = append(checks, gates.Check{
			Name:    g.Name,
			Command: g.Command,
			Timeout: time.Duration(g.TimeoutMillis) * time.Millisecond,
		})
	}
	checks = append(checks, gates.ConsistencyCheck(st))
	return checks
}

func runDaemon(ctx context.Context) int {
	quiet := !isatty.IsTerminal(os.Stdout.Fd())
	c, err := buildCore(ctx, quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer c.close()
	logger := c.logger

	c.queue.Start(ctx)

	// Crash recovery runs before any new work is accepted.
	decisions, err := c.recovery.RecoverOnStartup(ctx)
	if err != nil {
		logger.Error("startup recovery failed", "error", err)
		c.queue.Stop()
		return 1
	}
	logger.Info("startup phase", "phase", "recovery_complete", "decisions", len(decisions))

	sw, err := sweeper.New(sweeper.Config{
		Store:    c.store,
		Queue:    c.queue,
		Bus:      c.bus,
		Logger:   logger,
		Schedule: c.cfg.SweepSchedule,
	})
	if err != nil {
		logger.Error("sweeper init failed", "error", err)
		c.queue.Stop()
		return 1
	}
	sw.Start(ctx)

	drv := driver.New(driver.Config{
		Machine:         c.machine,
		Store:           c.store,
		Queue:           c.queue,
		Checkpoints:     c.recovery,
		Runner:          c.runner,
		Bus:             c.bus,
		Logger:          logger,
		Metrics:         c.metrics,
		Tracer:          c.otel.Tracer,
		MaxGateAttempts: c.cfg.MaxGateAttempts,
		RetryDelay:      c.cfg.GateRetryDelay(),
		PollInterval:    c.cfg.PollInterval(),
		InflightTTL:     c.cfg.InflightTTL(),
	})
	drv.Start(ctx)

	watcher := config.NewWatcher(c.cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go watchConfig(ctx, watcher, c)
	}

	logger.Info("taskos daemon running",
		"version", Version, "home", c.cfg.HomeDir, "config", c.cfg.Fingerprint())

	<-ctx.Done()
	logger.Info("shutdown requested, draining", "timeout", c.cfg.DrainTimeout())

	done := make(chan struct{})
	go func() {
		drv.Stop()
		sw.Stop()
		c.queue.Stop()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(c.cfg.DrainTimeout()):
		logger.Warn("drain timeout exceeded, exiting with work pending")
	}
	return 0
}

// watchConfig hot-reloads the gate list and the approval staleness
// window when the config file changes on disk. Everything else (db
// path, queue sizing, telemetry) still requires a restart.
func watchConfig(ctx context.Context, watcher *config.Watcher, c *core) {
	fingerprint := c.cfg.Fingerprint()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			fresh, err := config.Load()
			if err != nil {
				c.logger.Error("config reload failed", "error", err)
				continue
			}
			if fresh.Fingerprint() == fingerprint {
				continue
			}
			c.runner.SetChecks(buildGateChecks(fresh, c.store))
			c.recovery.SetApprovalStale(fresh.ApprovalStale())
			c.logger.Info("config reloaded",
				"old", fingerprint, "new", fresh.Fingerprint(),
				"gates", len(fresh.Gates))
			fingerprint = fresh.Fingerprint()
		}
	}
}
