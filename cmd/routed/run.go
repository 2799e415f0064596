package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/songzhibin97/gkit/generator"
	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/songzhibin97/route-engine/escalation"
	"github.com/songzhibin97/route-engine/events"
	"github.com/songzhibin97/route-engine/rules"
	"github.com/songzhibin97/route-engine/storage"
	"github.com/songzhibin97/route-engine/workflow"
)

func run(ctx context.Context, command *cli.Command) error {
	logger, err := newLogger(command.String("log-level"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(command)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("failed to close store", zap.Error(err))
		}
	}()

	bus := events.NewEventBus(events.WithLogger(logger))
	defer bus.Stop()
	bus.SubscribeFunc(events.AllEvents, func(ctx context.Context, ev events.Event) error {
		logger.Info("route event",
			zap.String("event", ev.Type),
			zap.Uint64("instance", ev.InstanceID),
			zap.String("node", ev.NodeID),
			zap.Strings("recipients", ev.Recipients),
		)
		return nil
	})

	snowflake := generator.NewSnowflake(time.Now().Add(-1*time.Second), 1)
	engine, err := workflow.NewWorkflowEngine(snowflake, store, rules.NewExprEvaluator(),
		workflow.WithLogger(logger),
		workflow.WithEventBus(bus),
	)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	if paths := command.StringSlice("definitions"); len(paths) > 0 {
		defs, err := loadDefinitions(paths)
		if err != nil {
			return err
		}
		for _, def := range defs {
			if err := engine.RegisterDefinition(ctx, def); err != nil {
				return err
			}
		}
	}

	scheduler := escalation.NewScheduler(engine,
		escalation.WithInterval(command.Duration("interval")),
		escalation.WithWorkers(int(command.Int("workers"))),
		escalation.WithLogger(logger),
	)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	if interval := command.Duration("cleanup-interval"); interval > 0 {
		stopCleanup, err := startCleanup(ctx, logger, interval, func(ctx context.Context) (int, error) {
			return engine.CleanupTerminated(ctx, 0)
		})
		if err != nil {
			return err
		}
		defer stopCleanup()
	}

	logger.Info("routed running", zap.String("store", command.String("store")))
	<-ctx.Done()
	logger.Info("routed shutting down")
	return nil
}

// openStore opens the store selected by the flags and returns its closer.
func openStore(command *cli.Command) (storage.Storage, func() error, error) {
	switch kind := command.String("store"); kind {
	case "memory":
		return storage.NewMemoryStorage(), func() error { return nil }, nil
	case "redis":
		store, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:         command.String("redis-addr"),
			Password:     command.String("redis-password"),
			DB:           int(command.Int("redis-db")),
			PoolSize:     10,
			MinIdleConns: 2,
			IdleTimeout:  5 * time.Minute,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "bolt":
		store, err := storage.NewBoltStorage(command.String("bolt-path"), 0o600)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", kind)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
