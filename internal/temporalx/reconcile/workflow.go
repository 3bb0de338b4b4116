package reconcile

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const continueHistoryLimit = 10000

// Workflow runs one sweep pass, waits Interval (or a reconcile_now signal)
// and repeats. A failed pass is logged and the loop carries on.
func Workflow(ctx workflow.Context, p Params) error {
	if p.Interval <= 0 {
		p.Interval = 5 * time.Minute
	}
	if p.PassesPerRun <= 0 {
		p.PassesPerRun = DefaultPassesPerRun
	}
	log := workflow.GetLogger(ctx)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    10 * time.Second,
			BackoffCoefficient: 2,
			MaximumAttempts:    3,
		},
	})

	nowCh := workflow.GetSignalChannel(ctx, SignalSweepNow)
	for pass := 1; ; pass++ {
		var out PassResult
		if err := workflow.ExecuteActivity(ctx, ActivitySweepPass).Get(ctx, &out); err != nil {
			log.Warn("Reconcile pass failed", "pass", pass, "error", err)
		} else {
			log.Info("Reconcile pass done", "pass", pass, "checked", out.Checked, "reconciled", out.Reconciled)
		}

		waitForSignalOrTimer(ctx, nowCh, p.Interval)

		if shouldContinueAsNew(ctx, pass, p.PassesPerRun) {
			return workflow.NewContinueAsNewError(ctx, Workflow, p)
		}
	}
}

func waitForSignalOrTimer(ctx workflow.Context, ch workflow.ReceiveChannel, wait time.Duration) {
	tctx, cancel := workflow.WithCancel(ctx)
	defer cancel()
	timer := workflow.NewTimer(tctx, wait)
	sel := workflow.NewSelector(ctx)
	sel.AddReceive(ch, func(c workflow.ReceiveChannel, more bool) {
		var v any
		c.Receive(ctx, &v)
	})
	sel.AddFuture(timer, func(workflow.Future) {})
	sel.Select(ctx)
}

func shouldContinueAsNew(ctx workflow.Context, passes, maxPasses int) bool {
	if passes >= maxPasses {
		return true
	}
	info := workflow.GetInfo(ctx)
	return info != nil && info.GetCurrentHistoryLength() >= continueHistoryLimit
}
