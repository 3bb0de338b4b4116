package aggregates

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domainagg "github.com/yungbote/arc-reactor/internal/domain/aggregates"
	"github.com/yungbote/arc-reactor/internal/domain/runs"
	"github.com/yungbote/arc-reactor/internal/platform/dbctx"
)

// StatusChange is one requested run status update. Nil optional fields leave
// the stored column untouched; a zero At means now.
type StatusChange struct {
	Status        runs.RunStatus
	At            time.Time
	BatchJobName  *string
	ExitCode      *int
	ErrorMessage  *string
	ErrorTask     *string
	Metrics       map[string]any
	EngineRunID   *string
	EngineRunName *string
}

// TransitionResult reports what a transition did.
type TransitionResult struct {
	Previous runs.RunStatus
	Current  runs.RunStatus
	Changed  bool
	Run      *runs.Run
}

// RunLifecycleAggregate owns every write to runs.status.
type RunLifecycleAggregate struct {
	deps BaseDeps
}

func NewRunLifecycleAggregate(deps BaseDeps) *RunLifecycleAggregate {
	return &RunLifecycleAggregate{deps: deps.withDefaults()}
}

var _ domainagg.Aggregate = (*RunLifecycleAggregate)(nil)

func (a *RunLifecycleAggregate) Contract() domainagg.Contract {
	return domainagg.RunLifecycleContract
}

// Transition applies change in its own transaction.
func (a *RunLifecycleAggregate) Transition(ctx context.Context, runID string, change StatusChange) (*TransitionResult, error) {
	var out *TransitionResult
	err := executeWrite(ctx, a.deps, "run_lifecycle.transition", func(dbc dbctx.Context) error {
		res, err := a.apply(dbc, runID, change)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TransitionInTx applies change inside the caller's transaction (dbc.Tx).
// The caller decides whether to commit.
func (a *RunLifecycleAggregate) TransitionInTx(dbc dbctx.Context, runID string, change StatusChange) (*TransitionResult, error) {
	if dbc.Tx == nil {
		return a.Transition(dbc.Ctx, runID, change)
	}
	var out *TransitionResult
	err := observeWrite(a.deps, "run_lifecycle.transition", func() error {
		res, err := a.apply(dbc, runID, change)
		out = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *RunLifecycleAggregate) apply(dbc dbctx.Context, runID string, change StatusChange) (*TransitionResult, error) {
	const op = "run_lifecycle.transition"
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, ValidationError("run_id is required")
	}
	if _, ok := runs.ParseStatus(string(change.Status)); !ok {
		return nil, ValidationError("unknown run status: " + string(change.Status))
	}
	db := dbc.Conn(a.deps.DB)

	var current runs.Run
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("run_id = ?", runID).
		Take(&current).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainagg.NewError(domainagg.CodeNotFound, op, "run not found: "+runID, err)
		}
		return nil, err
	}

	if err := runs.CheckTransition(current.Status, change.Status); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	at := change.At.UTC()
	if change.At.IsZero() {
		at = now
	}
	updates := map[string]any{"updated_at": now}
	changed := current.Status != change.Status
	if changed {
		updates["status"] = string(change.Status)
	}
	if col := runs.TimestampColumn(change.Status); col != "" && timestampUnset(&current, col) {
		updates[col] = at
	}
	if change.BatchJobName != nil {
		updates["batch_job_name"] = *change.BatchJobName
	}
	if change.ExitCode != nil {
		updates["exit_code"] = *change.ExitCode
	}
	if change.ErrorMessage != nil {
		updates["error_message"] = *change.ErrorMessage
	}
	if change.ErrorTask != nil {
		updates["error_task"] = *change.ErrorTask
	}
	if change.EngineRunID != nil {
		updates["engine_run_id"] = *change.EngineRunID
	}
	if change.EngineRunName != nil {
		updates["engine_run_name"] = *change.EngineRunName
	}
	if change.Metrics != nil {
		raw, err := json.Marshal(change.Metrics)
		if err != nil {
			return nil, ValidationError("metrics are not serializable: " + err.Error())
		}
		updates["metrics"] = string(raw)
	}

	ok, err := a.deps.CASGuard.UpdateByStatus(dbc, "runs", "run_id", runID, []string{string(current.Status)}, updates)
	if err != nil {
		return nil, err
	}
	if err := RequireCASSuccess(ok, "run status changed concurrently: "+runID); err != nil {
		return nil, err
	}

	var after runs.Run
	if err := db.Where("run_id = ?", runID).Take(&after).Error; err != nil {
		return nil, err
	}
	return &TransitionResult{
		Previous: current.Status,
		Current:  after.Status,
		Changed:  changed,
		Run:      &after,
	}, nil
}

func timestampUnset(r *runs.Run, col string) bool {
	switch col {
	case "submitted_at":
		return r.SubmittedAt == nil
	case "started_at":
		return r.StartedAt == nil
	case "completed_at":
		return r.CompletedAt == nil
	case "failed_at":
		return r.FailedAt == nil
	case "cancelled_at":
		return r.CancelledAt == nil
	default:
		return false
	}
}
