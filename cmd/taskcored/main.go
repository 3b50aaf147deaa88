package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/flowmint/taskcore/pg"
	"github.com/flowmint/taskcore/queue"
	"github.com/flowmint/taskcore/redis"
)

type appConfig struct {
	Env             string `env:"APP_ENV" envDefault:"dev"`
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
	QueueConfigPath string `env:"QUEUE_CONFIG_PATH" envDefault:"queues.yaml"`
	Storage         string `env:"STORAGE" envDefault:"memory"` // memory or postgres
	LeaseBackend    string `env:"LEASE_BACKEND" envDefault:"memory"`

	Queue     queue.Config
	Scheduler queue.SchedulerConfig
	Health    queue.Thresholds
}

func main() {
	if err := run(); err != nil {
		slog.Error("taskcored exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var cfg appConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fileCfg, err := queue.LoadFileConfig(cfg.QueueConfigPath)
	if err != nil {
		return err
	}
	router, err := fileCfg.Router()
	if err != nil {
		return err
	}

	storage, storageCheck, cleanup, err := newStorage(ctx, cfg, fileCfg.Queues, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	lease, leaseCheck, leaseCleanup, err := newLease(ctx, cfg)
	if err != nil {
		return err
	}
	defer leaseCleanup()

	checks := map[string]func(context.Context) error{}
	if storageCheck != nil {
		checks["postgres"] = storageCheck
	}
	if leaseCheck != nil {
		checks["redis"] = leaseCheck
	}

	registry := queue.NewRegistry()
	registerHandlers(registry, logger)

	monitor, err := queue.NewMonitor(storage,
		queue.WithThresholds(cfg.Health),
		queue.WithMonitorLogger(logger))
	if err != nil {
		return err
	}

	pool, err := queue.NewPool(storage, registry, fileCfg.Queues,
		queue.WithPollInterval(cfg.Queue.PollInterval),
		queue.WithHeartbeatInterval(cfg.Queue.HeartbeatInterval),
		queue.WithRecycleAfter(cfg.Queue.SlotRecycleAfter),
		queue.WithIdleRecycleAfter(cfg.Queue.IdleRecycleAfter),
		queue.WithObserver(monitor),
		queue.WithPoolLogger(logger))
	if err != nil {
		return err
	}
	monitor.AttachWorkers(pool)

	submitter, err := queue.NewSubmitter(storage, router, registry,
		queue.WithRunningCanceller(pool),
		queue.WithSubmitterLogger(logger))
	if err != nil {
		return err
	}

	scheduler, err := queue.NewScheduler(submitter, storage, lease,
		queue.WithCheckInterval(cfg.Scheduler.CheckInterval),
		queue.WithLeaseTTL(cfg.Scheduler.LeaseTTL),
		queue.WithLeaseRenewInterval(cfg.Scheduler.LeaseRenewInterval),
		queue.WithLeaseChangeHandler(monitor.LeaseChanged),
		queue.WithSchedulerLogger(logger))
	if err != nil {
		return err
	}
	if err := registerSchedules(ctx, scheduler); err != nil {
		return err
	}

	logger.InfoContext(ctx, "taskcored starting",
		slog.String("env", cfg.Env),
		slog.String("storage", cfg.Storage),
		slog.String("default_queue", router.DefaultQueue()),
		slog.Int("queues", len(fileCfg.Queues)))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(pool.Run(ctx))
	g.Go(scheduler.Run(ctx))
	g.Go(monitor.Run(ctx))
	if len(checks) > 0 {
		g.Go(probeBackends(ctx, logger, checks))
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("taskcored stopped")
	return nil
}

// newStorage picks the task store backend. Memory is the default for local
// runs; postgres applies migrations before serving and returns a reachability
// check for the probe loop.
func newStorage(ctx context.Context, cfg appConfig, defs []queue.QueueDefinition, logger *slog.Logger) (queue.Storage, func(context.Context) error, func(), error) {
	switch cfg.Storage {
	case "postgres":
		var pgCfg pg.Config
		if err := env.Parse(&pgCfg); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to parse postgres config: %w", err)
		}
		pool, err := pg.Connect(ctx, pgCfg)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := pg.Migrate(ctx, pool, pgCfg, logger); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return pg.NewRepository(pool, defs, logger), pg.Healthcheck(pool), pool.Close, nil
	case "memory":
		return queue.NewMemoryStorage(defs...), nil, func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

// newLease picks the scheduler lease backend. The memory lease is only safe
// for single-instance deployments.
func newLease(ctx context.Context, cfg appConfig) (queue.Lease, func(context.Context) error, func(), error) {
	switch cfg.LeaseBackend {
	case "redis":
		var redisCfg redis.Config
		if err := env.Parse(&redisCfg); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to parse redis config: %w", err)
		}
		client, err := redis.Connect(ctx, redisCfg)
		if err != nil {
			return nil, nil, nil, err
		}
		lease := redis.NewLease(client, "taskcore:scheduler:lease")
		return lease, redis.Healthcheck(client), func() { _ = client.Close() }, nil
	case "memory":
		return queue.NewMemoryLease(), nil, func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown lease backend %q", cfg.LeaseBackend)
	}
}

// probeBackends pings the external backends on a fixed cadence and logs
// failures. The components keep running through an outage; their own retry
// paths decide when an operation actually fails.
func probeBackends(ctx context.Context, logger *slog.Logger, checks map[string]func(context.Context) error) func() error {
	return func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				for name, check := range checks {
					if err := check(ctx); err != nil {
						logger.WarnContext(ctx, "backend healthcheck failed",
							slog.String("backend", name),
							slog.String("error", err.Error()))
					}
				}
			}
		}
	}
}

// registerHandlers wires the built-in task handlers. Deployments embed the
// queue package directly for custom workloads; the daemon ships a no-op
// heartbeat task so a fresh install has something to run.
func registerHandlers(registry *queue.Registry, logger *slog.Logger) {
	_ = registry.Register(queue.NewPeriodicTaskHandler("system.heartbeat", func(ctx context.Context) error {
		logger.DebugContext(ctx, "heartbeat task executed")
		return nil
	}))
}

func registerSchedules(ctx context.Context, scheduler *queue.Scheduler) error {
	return scheduler.Register(ctx, queue.ScheduleEntry{
		Name:     "system.heartbeat",
		TaskName: "system.heartbeat",
		Schedule: queue.EveryInterval(time.Minute),
		CatchUp:  queue.CatchUpSkipMissed,
	})
}

func newLogger(cfg appConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Env == "dev" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler).With(slog.String("service", "taskcored"))
}
