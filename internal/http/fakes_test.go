package http

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/yungbote/arc-reactor/internal/data/aggregates"
	domainagg "github.com/yungbote/arc-reactor/internal/domain/aggregates"
	types "github.com/yungbote/arc-reactor/internal/domain/runs"
	"github.com/yungbote/arc-reactor/internal/platform/dbctx"
	"github.com/yungbote/arc-reactor/internal/services"
)

var errNotImplemented = errors.New("not implemented in fake")

type fakeRuns struct {
	mu         sync.Mutex
	runs       map[string]*types.Run
	lastFilter types.RunFilter
	// onGet runs after every GetRun; tests use it to advance a run.
	onGet func(*types.Run)
}

func newFakeRuns(runs ...*types.Run) *fakeRuns {
	f := &fakeRuns{runs: map[string]*types.Run{}}
	for _, r := range runs {
		f.runs[r.RunID] = r
	}
	return f
}

func (f *fakeRuns) GetRun(_ context.Context, runID string) (*types.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return nil, domainagg.NewError(domainagg.CodeNotFound, "runs.get", "run not found: "+runID, nil)
	}
	cp := *r
	if f.onGet != nil {
		f.onGet(r)
	}
	return &cp, nil
}

func (f *fakeRuns) ListRuns(_ context.Context, filter types.RunFilter, page, pageSize int) (*services.RunPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	page, pageSize = services.NormalizePage(page, pageSize)
	out := &services.RunPage{Runs: []*types.Run{}, Page: page, PageSize: pageSize}
	for _, r := range f.runs {
		if filter.UserEmail != "" && r.UserEmail != filter.UserEmail {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out.Runs = append(out.Runs, r)
	}
	out.Total = int64(len(out.Runs))
	return out, nil
}

func (f *fakeRuns) CreateRun(context.Context, services.CreateRunInput) (*types.Run, string, error) {
	return nil, "", errNotImplemented
}

func (f *fakeRuns) UpdateRunStatus(context.Context, string, services.StatusUpdate) (bool, error) {
	return false, errNotImplemented
}

func (f *fakeRuns) UpdateRunStatusInTx(dbctx.Context, string, services.StatusUpdate) (*aggregates.TransitionResult, error) {
	return nil, errNotImplemented
}

func (f *fakeRuns) CreateRecoveryRun(context.Context, services.RecoveryInput) (*types.Run, string, error) {
	return nil, "", errNotImplemented
}

func (f *fakeRuns) ListStaleRuns(context.Context, time.Duration) ([]*types.Run, error) {
	return nil, errNotImplemented
}

func (f *fakeRuns) TouchLastEvent(dbctx.Context, string, time.Time) error {
	return errNotImplemented
}

type fakeTasks struct {
	tasks      []*types.Task
	summary    types.TaskSummary
	lastFilter types.TaskFilter
}

func (f *fakeTasks) RecordSubmitted(dbctx.Context, services.TaskSubmission) (bool, error) {
	return false, errNotImplemented
}

func (f *fakeTasks) MarkStarted(dbctx.Context, types.TaskKey, services.TaskStart) (bool, error) {
	return false, errNotImplemented
}

func (f *fakeTasks) MarkCompleted(dbctx.Context, types.TaskKey, services.TaskCompletion) (bool, error) {
	return false, errNotImplemented
}

func (f *fakeTasks) Create(dbctx.Context, *types.Task) error { return errNotImplemented }

func (f *fakeTasks) Summary(context.Context, string) (types.TaskSummary, error) {
	return f.summary, nil
}

func (f *fakeTasks) ListTasks(_ context.Context, _ string, filter types.TaskFilter) ([]*types.Task, error) {
	f.lastFilter = filter
	return f.tasks, nil
}

type fakeSubmission struct {
	submitted []services.Submission
	recovered []services.RecoveryRequest
	cancelled []string
	err       error
	run       *types.Run
}

func (f *fakeSubmission) SubmitRun(_ context.Context, sub services.Submission) (*types.Run, error) {
	f.submitted = append(f.submitted, sub)
	return f.run, f.err
}

func (f *fakeSubmission) CancelRun(_ context.Context, runID string) (*types.Run, error) {
	f.cancelled = append(f.cancelled, runID)
	return f.run, f.err
}

func (f *fakeSubmission) RecoverRun(_ context.Context, req services.RecoveryRequest) (*types.Run, error) {
	f.recovered = append(f.recovered, req)
	return f.run, f.err
}

type fakeIngestor struct {
	bodies [][]byte
	result services.IngestResult
	err    error
}

func (f *fakeIngestor) Ingest(context.Context, []byte) (services.IngestResult, error) {
	return services.IngestResult{}, errNotImplemented
}

func (f *fakeIngestor) IngestData(context.Context, string) (services.IngestResult, error) {
	return services.IngestResult{}, errNotImplemented
}

func (f *fakeIngestor) IngestPush(_ context.Context, body []byte) (services.IngestResult, error) {
	f.bodies = append(f.bodies, body)
	return f.result, f.err
}

type fakeReconciler struct {
	calls int
}

func (f *fakeReconciler) Sweep(context.Context) (*services.SweepReport, error) {
	f.calls++
	return &services.SweepReport{Checked: 1, Reconciled: []services.Reconciliation{}}, nil
}

type publishedEvent struct {
	runID string
	event json.RawMessage
}

type fakePublisher struct {
	events []publishedEvent
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, runID string, event json.RawMessage) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.events = append(f.events, publishedEvent{runID: runID, event: event})
	return "1-0", nil
}
