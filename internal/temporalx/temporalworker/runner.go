package temporalworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/yungbote/arc-reactor/internal/platform/envutil"
	"github.com/yungbote/arc-reactor/internal/platform/logger"
	"github.com/yungbote/arc-reactor/internal/services"
	"github.com/yungbote/arc-reactor/internal/temporalx"
	"github.com/yungbote/arc-reactor/internal/temporalx/reconcile"
)

// Runner hosts the reconcile workflow and activity on the task queue.
type Runner struct {
	log        *logger.Logger
	tc         temporalsdkclient.Client
	cfg        temporalx.Config
	reconciler services.Reconciler
}

func NewRunner(log *logger.Logger, tc temporalsdkclient.Client, cfg temporalx.Config, reconciler services.Reconciler) (*Runner, error) {
	if tc == nil {
		return nil, fmt.Errorf("temporal client is not configured")
	}
	if reconciler == nil {
		return nil, fmt.Errorf("temporal worker missing reconciler")
	}
	return &Runner{
		log:        log.With("service", "TemporalWorker"),
		tc:         tc,
		cfg:        cfg,
		reconciler: reconciler,
	}, nil
}

// Run starts the worker, makes sure the sweeper workflow exists and blocks
// until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	w, err := r.start(ctx)
	if err != nil {
		return err
	}
	defer w.Stop()

	if err := r.EnsureSweeper(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	r.log.Info("Temporal worker stopping")
	return nil
}

func (r *Runner) start(ctx context.Context) (worker.Worker, error) {
	r.log.Info("Starting Temporal worker", "address", r.cfg.Address, "namespace", r.cfg.Namespace, "task_queue", r.cfg.TaskQueue)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	attempt := 0
	w, err := backoff.Retry(ctx, func() (worker.Worker, error) {
		attempt++
		w := r.newWorker()
		err := w.Start()
		if err == nil {
			return w, nil
		}
		w.Stop()

		var nfe *serviceerror.NamespaceNotFound
		if errors.As(err, &nfe) {
			if !r.cfg.AutoRegisterNamespace {
				return nil, backoff.Permanent(fmt.Errorf("temporal namespace not found (namespace=%s): %w", r.cfg.Namespace, err))
			}
			if nerr := temporalx.EnsureNamespace(ctx, r.log, r.cfg); nerr != nil {
				r.log.Warn("Temporal namespace ensure failed", "namespace", r.cfg.Namespace, "error", nerr)
			}
		}
		r.log.Warn("Temporal worker failed to start; retrying", "task_queue", r.cfg.TaskQueue, "attempt", attempt, "error", err)
		return nil, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(envutil.Seconds("TEMPORAL_WORKER_START_MAX_WAIT_SECONDS", 60*time.Second)))
	if err != nil {
		return nil, err
	}
	r.log.Info("Temporal worker started", "task_queue", r.cfg.TaskQueue, "attempts", attempt)
	return w, nil
}

func (r *Runner) newWorker() worker.Worker {
	concurrency := envutil.Int("WORKER_CONCURRENCY", 2)
	if concurrency < 1 {
		concurrency = 1
	}
	w := worker.New(r.tc, r.cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     concurrency,
		MaxConcurrentWorkflowTaskExecutionSize: concurrency,
	})
	acts := &reconcile.Activities{Log: r.log, Reconciler: r.reconciler}
	w.RegisterWorkflowWithOptions(reconcile.Workflow, workflow.RegisterOptions{Name: reconcile.WorkflowName})
	w.RegisterActivityWithOptions(acts.SweepPass, activity.RegisterOptions{Name: reconcile.ActivitySweepPass})
	return w
}

// EnsureSweeper starts the singleton sweeper workflow, reusing a running one.
func (r *Runner) EnsureSweeper(ctx context.Context) error {
	run, err := r.tc.ExecuteWorkflow(ctx, temporalsdkclient.StartWorkflowOptions{
		ID:                       reconcile.SweeperWorkflowID,
		TaskQueue:                r.cfg.TaskQueue,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}, reconcile.WorkflowName, reconcile.Params{
		Interval:     r.cfg.SweepInterval,
		PassesPerRun: reconcile.DefaultPassesPerRun,
	})
	if err != nil {
		return fmt.Errorf("start sweeper workflow: %w", err)
	}
	r.log.Info("Reconcile sweeper running", "workflow_id", run.GetID(), "run_id", run.GetRunID(), "interval", r.cfg.SweepInterval)
	return nil
}
