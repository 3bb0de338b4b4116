package reconcile

import (
	"context"
	"fmt"

	"github.com/yungbote/arc-reactor/internal/platform/logger"
	"github.com/yungbote/arc-reactor/internal/services"
)

type Activities struct {
	Log        *logger.Logger
	Reconciler services.Reconciler
}

func (a *Activities) SweepPass(ctx context.Context) (PassResult, error) {
	if a == nil || a.Reconciler == nil {
		return PassResult{}, fmt.Errorf("reconcile: activity not configured")
	}
	report, err := a.Reconciler.Sweep(ctx)
	if err != nil {
		if a.Log != nil {
			a.Log.Warn("Sweep pass failed", "error", err)
		}
		return PassResult{}, err
	}
	return PassResult{
		Checked:    report.Checked,
		Reconciled: len(report.Reconciled),
		Skipped:    report.Skipped,
		Duration:   report.Duration,
	}, nil
}
