package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/arc-reactor/internal/data/aggregates"
	"github.com/yungbote/arc-reactor/internal/data/repos"
	"github.com/yungbote/arc-reactor/internal/data/repos/testutil"
	types "github.com/yungbote/arc-reactor/internal/domain/runs"
	"github.com/yungbote/arc-reactor/internal/observability"
	"github.com/yungbote/arc-reactor/internal/platform/batch"
	"github.com/yungbote/arc-reactor/internal/platform/dbctx"
)

type harness struct {
	db      *gorm.DB
	metrics *observability.Metrics
	runRepo repos.RunRepo
	tasks   repos.TaskRepo
	events  repos.EventLogRepo
	runs    RunStore
	store   TaskStore
	ingest  Ingestor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	metrics := observability.New()
	h := &harness{
		db:      db,
		metrics: metrics,
		runRepo: repos.NewRunRepo(db, log),
		tasks:   repos.NewTaskRepo(db, log),
		events:  repos.NewEventLogRepo(db, log),
	}
	h.runs = NewRunStore(RunServiceDeps{
		DB:        db,
		Log:       log,
		Runs:      h.runRepo,
		Lifecycle: aggregates.NewRunLifecycleAggregate(aggregates.BaseDeps{DB: db, Log: log, Hooks: aggregates.NewObservabilityHooks(metrics)}),
		Metrics:   metrics,
		Bucket:    "arc-test",
	})
	h.store = NewTaskStore(log, h.tasks)
	h.ingest = NewIngestor(IngestorDeps{
		DB:      db,
		Log:     log,
		RunRepo: h.runRepo,
		Runs:    h.runs,
		Tasks:   h.store,
		Events:  h.events,
		Metrics: metrics,
	})
	return h
}

func (h *harness) createRun(t *testing.T) *types.Run {
	t.Helper()
	run, secret, err := h.runs.CreateRun(context.Background(), CreateRunInput{
		Pipeline:        "p",
		PipelineVersion: "1.0.0",
		UserEmail:       "a@x.com",
		Params:          map[string]any{},
		SampleCount:     3,
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if secret == "" {
		t.Fatalf("CreateRun returned an empty secret")
	}
	return run
}

func (h *harness) submit(t *testing.T, runID, job string) {
	t.Helper()
	if _, err := h.runs.UpdateRunStatus(context.Background(), runID, StatusUpdate{Status: types.StatusSubmitted, BatchJobName: &job}); err != nil {
		t.Fatalf("submit %s: %v", runID, err)
	}
}

func (h *harness) getRun(t *testing.T, runID string) *types.Run {
	t.Helper()
	run, err := h.runs.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	return run
}

func (h *harness) task(t *testing.T, runID string, taskID int64, attempt int) *types.Task {
	t.Helper()
	task, err := h.tasks.GetByKey(dbctx.Background(context.Background()), types.TaskKey{RunID: runID, TaskID: taskID, Attempt: attempt})
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	return task
}

func (h *harness) eventCount(t *testing.T, runID string) int {
	t.Helper()
	recs, err := h.events.ListByRun(dbctx.Background(context.Background()), runID)
	if err != nil {
		t.Fatalf("ListByRun: %v", err)
	}
	return len(recs)
}

func envelope(t *testing.T, runID string, event map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"arc_run_id": runID, "event": event})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

type fakeGateway struct {
	mu        sync.Mutex
	submitted []batch.JobRequest
	cancelled []string
	submitErr error
	statuses  map[string]*batch.JobStatus
	statusErr map[string]error
	cancelOK  bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{statuses: map[string]*batch.JobStatus{}, statusErr: map[string]error{}, cancelOK: true}
}

func (g *fakeGateway) SubmitJob(_ context.Context, req batch.JobRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return "", g.submitErr
	}
	g.submitted = append(g.submitted, req)
	return "projects/p/locations/r/jobs/" + batch.JobID(req.RunID), nil
}

func (g *fakeGateway) GetJobStatus(_ context.Context, jobName string) (*batch.JobStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.statusErr[jobName]; err != nil {
		return nil, err
	}
	st, ok := g.statuses[jobName]
	if !ok {
		return &batch.JobStatus{Name: jobName, NativeState: "RUNNING", RunStatus: types.StatusRunning}, nil
	}
	return st, nil
}

func (g *fakeGateway) CancelJob(_ context.Context, jobName string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, jobName)
	return g.cancelOK, nil
}

func (g *fakeGateway) PollUntilTerminal(ctx context.Context, jobName string, _, _ time.Duration) (*batch.JobStatus, error) {
	return g.GetJobStatus(ctx, jobName)
}
