package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// startCleanup removes terminated routes every interval until ctx is done or
// the returned function is called. The returned function waits for a running
// sweep.
func startCleanup(ctx context.Context, logger *zap.Logger, interval time.Duration,
	cleanup func(context.Context) (int, error)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	cronLog := cron.PrintfLogger(zap.NewStdLog(logger.Named("cleanup")))
	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.SkipIfStillRunning(cronLog), cron.Recover(cronLog)),
	)
	if _, err := c.AddFunc("@every "+interval.String(), func() {
		removed, err := cleanup(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("cleanup of terminated routes failed", zap.Int("removed", removed), zap.Error(err))
			return
		}
		if removed > 0 {
			logger.Debug("terminated routes removed", zap.Int("removed", removed))
		}
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to schedule cleanup: %w", err)
	}

	c.Start()
	return func() {
		cancel()
		<-c.Stop().Done()
	}, nil
}
