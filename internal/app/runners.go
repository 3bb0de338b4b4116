package app

import (
	"context"
	"fmt"

	"github.com/yungbote/arc-reactor/internal/platform/redisstream"
	"github.com/yungbote/arc-reactor/internal/services"
	"github.com/yungbote/arc-reactor/internal/temporalx/temporalworker"
)

// RunConsumer drains the weblog stream into the ingestor until ctx is done.
func (a *App) RunConsumer(ctx context.Context) error {
	if a.Clients.Redis == nil {
		return fmt.Errorf("consumer requires REDIS_ADDR")
	}
	c := redisstream.NewConsumer(a.Log, a.Clients.Redis, a.Cfg.Stream, StreamHandler(a.Services.Ingest), a.Metrics)
	return c.Run(ctx)
}

// RunWorker hosts the reconcile workflow until ctx is done.
func (a *App) RunWorker(ctx context.Context) error {
	if a.Services.Reconciler == nil {
		return fmt.Errorf("worker requires the batch gateway")
	}
	runner, err := temporalworker.NewRunner(a.Log, a.Clients.Temporal, a.Cfg.Temporal, a.Services.Reconciler)
	if err != nil {
		return err
	}
	return runner.Run(ctx)
}

// Sweep runs one reconciliation pass.
func (a *App) Sweep(ctx context.Context) (*services.SweepReport, error) {
	if a.Services.Reconciler == nil {
		return nil, fmt.Errorf("sweep requires the batch gateway")
	}
	return a.Services.Reconciler.Sweep(ctx)
}
