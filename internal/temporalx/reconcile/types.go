package reconcile

import "time"

const (
	WorkflowName      = "reconcile_sweep"
	ActivitySweepPass = "reconcile_sweep_pass"
	SignalSweepNow    = "reconcile_now"

	// SweeperWorkflowID names the singleton sweeper execution.
	SweeperWorkflowID = "arc-reconcile-sweeper"

	DefaultPassesPerRun = 100
)

type Params struct {
	Interval time.Duration `json:"interval"`
	// PassesPerRun bounds history: after this many passes the workflow
	// continues as new.
	PassesPerRun int `json:"passes_per_run"`
}

type PassResult struct {
	Checked    int    `json:"checked"`
	Reconciled int    `json:"reconciled"`
	Skipped    int    `json:"skipped"`
	Duration   string `json:"duration"`
}
