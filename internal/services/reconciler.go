package services

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	types "github.com/yungbote/arc-reactor/internal/domain/runs"
	"github.com/yungbote/arc-reactor/internal/observability"
	"github.com/yungbote/arc-reactor/internal/platform/batch"
	"github.com/yungbote/arc-reactor/internal/platform/logger"
)

const (
	DefaultStaleAfter  = 10 * time.Minute
	DefaultOrphanAfter = 24 * time.Hour

	RecoveredMessage = "Status recovered from Batch API (original event lost)"
	OrphanedMessage  = "Run orphaned: Batch job not found after 24 hours"
)

type ReconcileAction string

const (
	ActionRecovered ReconcileAction = "recovered"
	ActionOrphaned  ReconcileAction = "orphaned"
	ActionSkipped   ReconcileAction = "skipped"
	ActionUnchanged ReconcileAction = "unchanged"
)

// Reconciliation is the sweeper's verdict for one candidate run.
type Reconciliation struct {
	RunID  string          `json:"run_id"`
	Action ReconcileAction `json:"action"`
	From   types.RunStatus `json:"from,omitempty"`
	To     types.RunStatus `json:"to,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

type SweepReport struct {
	Checked    int              `json:"checked"`
	Reconciled []Reconciliation `json:"reconciled"`
	Skipped    int              `json:"skipped"`
	StartedAt  time.Time        `json:"started_at"`
	Duration   string           `json:"duration"`
}

type Reconciler interface {
	Sweep(ctx context.Context) (*SweepReport, error)
}

type ReconcilerConfig struct {
	StaleAfter  time.Duration
	OrphanAfter time.Duration
	// BatchQPS paces GetJobStatus calls; zero disables pacing.
	BatchQPS float64
}

type ReconcilerDeps struct {
	Log     *logger.Logger
	Runs    RunStore
	Batch   batch.Gateway
	Metrics *observability.Metrics
	Config  ReconcilerConfig
}

type reconciler struct {
	log     *logger.Logger
	runs    RunStore
	batch   batch.Gateway
	metrics *observability.Metrics
	cfg     ReconcilerConfig
	limiter *rate.Limiter
	now     func() time.Time
}

func NewReconciler(deps ReconcilerDeps) Reconciler {
	cfg := deps.Config
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.OrphanAfter <= 0 {
		cfg.OrphanAfter = DefaultOrphanAfter
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.BatchQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.BatchQPS), 1)
	}
	return &reconciler{
		log:     deps.Log.With("service", "Reconciler"),
		runs:    deps.Runs,
		batch:   deps.Batch,
		metrics: deps.Metrics,
		cfg:     cfg,
		limiter: limiter,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *reconciler) Sweep(ctx context.Context) (*SweepReport, error) {
	start := time.Now()
	report := &SweepReport{Reconciled: []Reconciliation{}, StartedAt: r.now()}

	candidates, err := r.runs.ListStaleRuns(ctx, r.cfg.StaleAfter)
	if err != nil {
		r.metrics.ObserveSweep("error", time.Since(start))
		return nil, err
	}

	for _, run := range candidates {
		if err := ctx.Err(); err != nil {
			r.metrics.ObserveSweep("cancelled", time.Since(start))
			return report, err
		}
		report.Checked++
		rec := r.reconcileOne(ctx, run)
		r.metrics.IncSweepAction(string(rec.Action))
		switch rec.Action {
		case ActionSkipped:
			report.Skipped++
		case ActionRecovered, ActionOrphaned:
			report.Reconciled = append(report.Reconciled, rec)
		}
	}

	report.Duration = time.Since(start).String()
	r.metrics.ObserveSweep("ok", time.Since(start))
	r.log.Info("Reconcile sweep finished",
		"checked", report.Checked,
		"reconciled", len(report.Reconciled),
		"skipped", report.Skipped,
	)
	return report, nil
}

func (r *reconciler) reconcileOne(ctx context.Context, run *types.Run) Reconciliation {
	rec := Reconciliation{RunID: run.RunID, From: run.Status}

	if run.LastEventAt != nil && r.now().Sub(*run.LastEventAt) < r.cfg.StaleAfter {
		rec.Action, rec.Reason = ActionSkipped, "actively reporting"
		r.log.Debug("Reconcile skipped", "run_id", run.RunID, "reason", rec.Reason)
		return rec
	}
	if run.BatchJobName == nil || *run.BatchJobName == "" {
		rec.Action, rec.Reason = ActionSkipped, "no batch job"
		r.log.Debug("Reconcile skipped", "run_id", run.RunID, "reason", rec.Reason)
		return rec
	}

	if err := r.limiter.Wait(ctx); err != nil {
		rec.Action, rec.Reason = ActionSkipped, err.Error()
		return rec
	}
	st, err := r.batch.GetJobStatus(ctx, *run.BatchJobName)
	switch {
	case errors.Is(err, batch.ErrJobNotFound):
		return r.handleMissingJob(ctx, run, rec)
	case err != nil:
		rec.Action, rec.Reason = ActionSkipped, "batch status: "+err.Error()
		r.log.Warn("Reconcile could not read job status", "run_id", run.RunID, "job", *run.BatchJobName, "error", err)
		return rec
	}

	if !st.Terminal || st.RunStatus == run.Status {
		rec.Action = ActionUnchanged
		return rec
	}

	msg := RecoveredMessage
	to, err := r.walkTo(ctx, run, st.RunStatus, &msg)
	if err != nil {
		rec.Action, rec.Reason = ActionSkipped, err.Error()
		r.log.Error("Reconcile transition failed", "run_id", run.RunID, "from", run.Status, "to", st.RunStatus, "error", err)
		return rec
	}
	rec.Action, rec.To, rec.Reason = ActionRecovered, to, "batch state "+st.NativeState
	r.log.Warn("Run status recovered from batch backend",
		"run_id", run.RunID,
		"from", run.Status,
		"to", to,
		"native_state", st.NativeState,
	)
	return rec
}

func (r *reconciler) handleMissingJob(ctx context.Context, run *types.Run, rec Reconciliation) Reconciliation {
	if r.now().Sub(run.CreatedAt) <= r.cfg.OrphanAfter {
		rec.Action, rec.Reason = ActionSkipped, "job not found yet"
		r.log.Debug("Reconcile skipped", "run_id", run.RunID, "reason", rec.Reason)
		return rec
	}
	msg := OrphanedMessage
	to, err := r.walkTo(ctx, run, types.StatusFailed, &msg)
	if err != nil {
		rec.Action, rec.Reason = ActionSkipped, err.Error()
		r.log.Error("Reconcile could not mark orphan", "run_id", run.RunID, "error", err)
		return rec
	}
	rec.Action, rec.To, rec.Reason = ActionOrphaned, to, "batch job not found"
	r.log.Warn("Run marked orphaned", "run_id", run.RunID, "job", *run.BatchJobName)
	return rec
}

// walkTo applies the shortest legal path from the run's status to target.
// Only the final hop carries the error message.
func (r *reconciler) walkTo(ctx context.Context, run *types.Run, target types.RunStatus, msg *string) (types.RunStatus, error) {
	path := types.TransitionPath(run.Status, target)
	if len(path) == 0 {
		return "", types.CheckTransition(run.Status, target)
	}
	for i, next := range path {
		upd := StatusUpdate{Status: next}
		if i == len(path)-1 {
			upd.ErrorMessage = msg
		}
		if _, err := r.runs.UpdateRunStatus(ctx, run.RunID, upd); err != nil {
			return "", err
		}
	}
	return path[len(path)-1], nil
}
