package aggregates

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/arc-reactor/internal/data/repos/testutil"
	domainagg "github.com/yungbote/arc-reactor/internal/domain/aggregates"
	"github.com/yungbote/arc-reactor/internal/domain/runs"
	"github.com/yungbote/arc-reactor/internal/platform/dbctx"
)

func seedRun(t *testing.T, db *gorm.DB, status runs.RunStatus) *runs.Run {
	t.Helper()
	now := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	id := runs.NewRunID()
	r := &runs.Run{
		RunID:            id,
		Pipeline:         "nf-core/scrnaseq",
		PipelineVersion:  "2.7.1",
		UserEmail:        "tester@lab.example.com",
		Status:           status,
		CreatedAt:        now,
		UpdatedAt:        now,
		GCSPath:          runs.GCSPath("bucket", id),
		SampleCount:      1,
		WeblogSecretHash: runs.HashSecret("secret"),
	}
	if err := db.Create(r).Error; err != nil {
		t.Fatalf("seed run: %v", err)
	}
	return r
}

func loadRun(t *testing.T, db *gorm.DB, id string) *runs.Run {
	t.Helper()
	var r runs.Run
	if err := db.Where("run_id = ?", id).Take(&r).Error; err != nil {
		t.Fatalf("load run: %v", err)
	}
	return &r
}

func newLifecycle(t *testing.T, db *gorm.DB, hooks Hooks) *RunLifecycleAggregate {
	t.Helper()
	return NewRunLifecycleAggregate(BaseDeps{DB: db, Log: testutil.Logger(t), Hooks: hooks})
}

func TestRunLifecycle_LegalTransitionStampsTimestamp(t *testing.T) {
	db := testutil.DB(t)
	agg := newLifecycle(t, db, nil)
	run := seedRun(t, db, runs.StatusPending)

	at := time.Now().UTC().Truncate(time.Millisecond)
	job := "projects/p/locations/us-central1/jobs/nf-" + run.RunID
	res, err := agg.Transition(context.Background(), run.RunID, StatusChange{Status: runs.StatusSubmitted, At: at, BatchJobName: &job})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if !res.Changed || res.Previous != runs.StatusPending || res.Current != runs.StatusSubmitted {
		t.Fatalf("unexpected result: %+v", res)
	}
	got := loadRun(t, db, run.RunID)
	if got.SubmittedAt == nil || !got.SubmittedAt.Equal(at) {
		t.Fatalf("submitted_at: %v", got.SubmittedAt)
	}
	if got.BatchJobName == nil || *got.BatchJobName != job {
		t.Fatalf("batch_job_name: %v", got.BatchJobName)
	}
	if got.UpdatedAt.Before(run.UpdatedAt) {
		t.Fatalf("updated_at went backwards: before=%v after=%v", run.UpdatedAt, got.UpdatedAt)
	}
}

func TestRunLifecycle_IllegalTransitionLeavesRowUnchanged(t *testing.T) {
	db := testutil.DB(t)
	hooks := &spyHooks{}
	agg := newLifecycle(t, db, hooks)
	run := seedRun(t, db, runs.StatusCompleted)

	msg := "late failure"
	_, err := agg.Transition(context.Background(), run.RunID, StatusChange{Status: runs.StatusRunning, ErrorMessage: &msg})
	if !domainagg.IsCode(err, domainagg.CodeInvalidTransition) {
		t.Fatalf("expected invalid_transition, got %v", err)
	}
	it, ok := runs.AsInvalidTransition(err)
	if !ok || it.Current != runs.StatusCompleted || it.Requested != runs.StatusRunning {
		t.Fatalf("unexpected detail: %+v", it)
	}
	got := loadRun(t, db, run.RunID)
	if got.Status != runs.StatusCompleted || got.ErrorMessage != nil || got.StartedAt != nil {
		t.Fatalf("row changed: %+v", got)
	}
	if !got.UpdatedAt.Equal(run.UpdatedAt) {
		t.Fatalf("updated_at moved")
	}
	if len(hooks.Operations) != 1 || hooks.Operations[0].Status != string(domainagg.CodeInvalidTransition) {
		t.Fatalf("hooks: %+v", hooks.Operations)
	}
}

func TestRunLifecycle_TimestampsAreAppendOnly(t *testing.T) {
	db := testutil.DB(t)
	agg := newLifecycle(t, db, nil)
	run := seedRun(t, db, runs.StatusSubmitted)
	ctx := context.Background()

	first := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Millisecond)
	if _, err := agg.Transition(ctx, run.RunID, StatusChange{Status: runs.StatusRunning, At: first}); err != nil {
		t.Fatalf("to RUNNING: %v", err)
	}
	engineID := "engine-123"
	res, err := agg.Transition(ctx, run.RunID, StatusChange{Status: runs.StatusRunning, At: first.Add(5 * time.Minute), EngineRunID: &engineID})
	if err != nil {
		t.Fatalf("self transition: %v", err)
	}
	if res.Changed {
		t.Fatalf("self transition should not report a change")
	}
	got := loadRun(t, db, run.RunID)
	if got.StartedAt == nil || !got.StartedAt.Equal(first) {
		t.Fatalf("started_at moved: %v", got.StartedAt)
	}
	if got.EngineRunID == nil || *got.EngineRunID != engineID {
		t.Fatalf("optional field not applied on self transition")
	}

	exit := 0
	if _, err := agg.Transition(ctx, run.RunID, StatusChange{
		Status:   runs.StatusCompleted,
		ExitCode: &exit,
		Metrics:  map[string]any{"tasks_total": 3},
	}); err != nil {
		t.Fatalf("to COMPLETED: %v", err)
	}
	got = loadRun(t, db, run.RunID)
	if got.CompletedAt == nil || got.StartedAt == nil || !got.StartedAt.Equal(first) {
		t.Fatalf("timestamps after completion: started=%v completed=%v", got.StartedAt, got.CompletedAt)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 || len(got.Metrics) == 0 {
		t.Fatalf("completion fields: exit=%v metrics=%s", got.ExitCode, string(got.Metrics))
	}
}

func TestRunLifecycle_NotFound(t *testing.T) {
	db := testutil.DB(t)
	agg := newLifecycle(t, db, nil)
	_, err := agg.Transition(context.Background(), "run-0000000000000000", StatusChange{Status: runs.StatusFailed})
	if !domainagg.IsCode(err, domainagg.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestRunLifecycle_TransitionInTxRollsBackWithCaller(t *testing.T) {
	db := testutil.DB(t)
	agg := newLifecycle(t, db, nil)
	run := seedRun(t, db, runs.StatusSubmitted)
	abort := errors.New("abort")

	err := db.Transaction(func(tx *gorm.DB) error {
		res, err := agg.TransitionInTx(dbctx.Context{Ctx: context.Background(), Tx: tx}, run.RunID, StatusChange{Status: runs.StatusRunning})
		if err != nil {
			return err
		}
		if res.Current != runs.StatusRunning {
			t.Errorf("in-tx view: %s", res.Current)
		}
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected abort, got %v", err)
	}
	if got := loadRun(t, db, run.RunID); got.Status != runs.StatusSubmitted || got.StartedAt != nil {
		t.Fatalf("caller rollback did not undo transition: %+v", got)
	}
}

func TestRunLifecycle_RejectsUnknownStatus(t *testing.T) {
	db := testutil.DB(t)
	agg := newLifecycle(t, db, nil)
	run := seedRun(t, db, runs.StatusPending)
	_, err := agg.Transition(context.Background(), run.RunID, StatusChange{Status: "PAUSED"})
	if !domainagg.IsCode(err, domainagg.CodeValidation) {
		t.Fatalf("expected validation, got %v", err)
	}
}

func TestRunLifecycle_ContractJoinsCallerTx(t *testing.T) {
	c := (&RunLifecycleAggregate{}).Contract()
	if c.Name != "run_lifecycle" || c.RequiresAggregateOwnedTx() {
		t.Fatalf("contract = %+v", c)
	}
}
