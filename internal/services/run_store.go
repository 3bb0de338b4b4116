package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/arc-reactor/internal/data/aggregates"
	"github.com/yungbote/arc-reactor/internal/data/repos"
	domainagg "github.com/yungbote/arc-reactor/internal/domain/aggregates"
	types "github.com/yungbote/arc-reactor/internal/domain/runs"
	"github.com/yungbote/arc-reactor/internal/observability"
	"github.com/yungbote/arc-reactor/internal/platform/dbctx"
	"github.com/yungbote/arc-reactor/internal/platform/logger"
)

const (
	DefaultPageSize = 25
	MaxPageSize     = 100
)

type CreateRunInput struct {
	Pipeline        string
	PipelineVersion string
	UserEmail       string
	UserName        string
	Params          map[string]any
	SampleCount     int
	SourceNGSRuns   []string
	SourceProject   string
}

type RecoveryInput struct {
	ParentRunID    string
	UserEmail      string
	UserName       string
	Notes          string
	OverrideParams map[string]any
	ReuseWorkDir   bool
}

// StatusUpdate is a requested status change plus optional field updates.
// Nil fields are left alone.
type StatusUpdate struct {
	Status        types.RunStatus
	Timestamp     *time.Time
	BatchJobName  *string
	ExitCode      *int
	ErrorMessage  *string
	ErrorTask     *string
	Metrics       map[string]any
	EngineRunID   *string
	EngineRunName *string
}

type RunPage struct {
	Runs     []*types.Run `json:"runs"`
	Total    int64        `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
}

type RunStore interface {
	CreateRun(ctx context.Context, in CreateRunInput) (*types.Run, string, error)
	GetRun(ctx context.Context, runID string) (*types.Run, error)
	ListRuns(ctx context.Context, filter types.RunFilter, page, pageSize int) (*RunPage, error)
	// UpdateRunStatus reports whether the stored status changed.
	UpdateRunStatus(ctx context.Context, runID string, upd StatusUpdate) (bool, error)
	// UpdateRunStatusInTx joins dbc.Tx; the caller commits or rolls back.
	UpdateRunStatusInTx(dbc dbctx.Context, runID string, upd StatusUpdate) (*aggregates.TransitionResult, error)
	CreateRecoveryRun(ctx context.Context, in RecoveryInput) (*types.Run, string, error)
	ListStaleRuns(ctx context.Context, olderThan time.Duration) ([]*types.Run, error)
	TouchLastEvent(dbc dbctx.Context, runID string, at time.Time) error
}

// RunServiceDeps wires a RunStore.
type RunServiceDeps struct {
	DB        *gorm.DB
	Log       *logger.Logger
	Runs      repos.RunRepo
	Lifecycle *aggregates.RunLifecycleAggregate
	Metrics   *observability.Metrics
	Bucket    string
}

type runStore struct {
	db        *gorm.DB
	log       *logger.Logger
	runs      repos.RunRepo
	lifecycle *aggregates.RunLifecycleAggregate
	metrics   *observability.Metrics
	bucket    string
	now       func() time.Time
}

func NewRunStore(deps RunServiceDeps) RunStore {
	return &runStore{
		db:        deps.DB,
		log:       deps.Log.With("service", "RunStore"),
		runs:      deps.Runs,
		lifecycle: deps.Lifecycle,
		metrics:   deps.Metrics,
		bucket:    strings.TrimSpace(deps.Bucket),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func validationErr(op, msg string) error {
	return domainagg.NewError(domainagg.CodeValidation, op, msg, nil)
}

func notFoundErr(op, runID string) error {
	return domainagg.NewError(domainagg.CodeNotFound, op, "run not found: "+runID, nil)
}

func (s *runStore) CreateRun(ctx context.Context, in CreateRunInput) (*types.Run, string, error) {
	const op = "run_store.create"
	in.Pipeline = strings.TrimSpace(in.Pipeline)
	in.PipelineVersion = strings.TrimSpace(in.PipelineVersion)
	in.UserEmail = types.NormalizeEmail(in.UserEmail)
	switch {
	case in.Pipeline == "":
		return nil, "", validationErr(op, "pipeline is required")
	case in.PipelineVersion == "":
		return nil, "", validationErr(op, "pipeline_version is required")
	case in.UserEmail == "":
		return nil, "", validationErr(op, "owner is required")
	case in.SampleCount < 0:
		return nil, "", validationErr(op, "sample_count must be >= 0")
	}

	run, secret, err := s.newRun(in.Pipeline, in.PipelineVersion, in.UserEmail, in.UserName)
	if err != nil {
		return nil, "", err
	}
	if run.Params, err = jsonColumn(in.Params, `{}`); err != nil {
		return nil, "", validationErr(op, "params are not serializable: "+err.Error())
	}
	if len(in.SourceNGSRuns) > 0 {
		if run.SourceNGSRuns, err = jsonColumn(in.SourceNGSRuns, `[]`); err != nil {
			return nil, "", validationErr(op, "source_ngs_runs are not serializable: "+err.Error())
		}
	}
	run.SampleCount = in.SampleCount
	run.SourceProject = optString(in.SourceProject)

	if err := s.runs.Create(dbctx.Background(ctx), run); err != nil {
		return nil, "", aggregates.MapError(op, err)
	}
	s.log.Info("Run created", "run_id", run.RunID, "pipeline", run.Pipeline, "user_email", run.UserEmail)
	return run, secret, nil
}

func (s *runStore) newRun(pipeline, version, owner, ownerName string) (*types.Run, string, error) {
	secret, err := types.NewWebhookSecret()
	if err != nil {
		return nil, "", err
	}
	id := types.NewRunID()
	now := s.now()
	return &types.Run{
		RunID:            id,
		Pipeline:         pipeline,
		PipelineVersion:  version,
		UserEmail:        owner,
		UserName:         optString(ownerName),
		Status:           types.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
		GCSPath:          types.GCSPath(s.bucket, id),
		WeblogSecretHash: types.HashSecret(secret),
	}, secret, nil
}

func (s *runStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	const op = "run_store.get"
	run, err := s.runs.GetByID(dbctx.Background(ctx), strings.TrimSpace(runID))
	if err != nil {
		return nil, aggregates.MapError(op, err)
	}
	if run == nil {
		return nil, notFoundErr(op, runID)
	}
	return run, nil
}

// NormalizePage applies the listing defaults: page 1, size 25, size clamped to [1, 100].
func NormalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case pageSize == 0:
		pageSize = DefaultPageSize
	case pageSize < 1:
		pageSize = 1
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}
	return page, pageSize
}

func (s *runStore) ListRuns(ctx context.Context, filter types.RunFilter, page, pageSize int) (*RunPage, error) {
	page, pageSize = NormalizePage(page, pageSize)
	if filter.Status != "" {
		st, ok := types.ParseStatus(string(filter.Status))
		if !ok {
			return nil, validationErr("run_store.list", "unknown status filter: "+string(filter.Status))
		}
		filter.Status = st
	}
	list, total, err := s.runs.List(dbctx.Background(ctx), filter, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, aggregates.MapError("run_store.list", err)
	}
	return &RunPage{Runs: list, Total: total, Page: page, PageSize: pageSize}, nil
}

func (s *runStore) UpdateRunStatus(ctx context.Context, runID string, upd StatusUpdate) (bool, error) {
	res, err := s.lifecycle.Transition(ctx, runID, toStatusChange(upd))
	if err != nil {
		return false, err
	}
	s.recordTransition(res)
	return res.Changed, nil
}

func (s *runStore) UpdateRunStatusInTx(dbc dbctx.Context, runID string, upd StatusUpdate) (*aggregates.TransitionResult, error) {
	res, err := s.lifecycle.TransitionInTx(dbc, runID, toStatusChange(upd))
	if err != nil {
		return nil, err
	}
	s.recordTransition(res)
	return res, nil
}

func (s *runStore) recordTransition(res *aggregates.TransitionResult) {
	if res == nil || !res.Changed {
		return
	}
	s.metrics.IncRunTransition(res.Previous, res.Current)
	s.log.Info("Run status changed", "run_id", res.Run.RunID, "from", res.Previous, "to", res.Current)
}

func toStatusChange(upd StatusUpdate) aggregates.StatusChange {
	ch := aggregates.StatusChange{
		Status:        upd.Status,
		BatchJobName:  upd.BatchJobName,
		ExitCode:      upd.ExitCode,
		ErrorMessage:  upd.ErrorMessage,
		ErrorTask:     upd.ErrorTask,
		Metrics:       upd.Metrics,
		EngineRunID:   upd.EngineRunID,
		EngineRunName: upd.EngineRunName,
	}
	if upd.Timestamp != nil {
		ch.At = *upd.Timestamp
	}
	return ch
}

func (s *runStore) CreateRecoveryRun(ctx context.Context, in RecoveryInput) (*types.Run, string, error) {
	const op = "run_store.create_recovery"
	in.UserEmail = types.NormalizeEmail(in.UserEmail)
	if in.UserEmail == "" {
		return nil, "", validationErr(op, "owner is required")
	}
	parent, err := s.GetRun(ctx, in.ParentRunID)
	if err != nil {
		return nil, "", err
	}

	run, secret, err := s.newRun(parent.Pipeline, parent.PipelineVersion, in.UserEmail, in.UserName)
	if err != nil {
		return nil, "", err
	}
	run.Params = parent.Params
	if in.OverrideParams != nil {
		if run.Params, err = jsonColumn(in.OverrideParams, `{}`); err != nil {
			return nil, "", validationErr(op, "override_params are not serializable: "+err.Error())
		}
	}
	run.SampleCount = parent.SampleCount
	run.SourceNGSRuns = parent.SourceNGSRuns
	run.SourceProject = parent.SourceProject
	run.ParentRunID = &parent.RunID
	run.IsRecovery = true
	run.RecoveryNotes = optString(in.Notes)
	if in.ReuseWorkDir {
		wd := parent.WorkDir()
		run.ReusedWorkDir = &wd
	}

	if err := s.runs.Create(dbctx.Background(ctx), run); err != nil {
		return nil, "", aggregates.MapError(op, err)
	}
	s.log.Info("Recovery run created", "run_id", run.RunID, "parent_run_id", parent.RunID, "reuse_work_dir", in.ReuseWorkDir)
	return run, secret, nil
}

func (s *runStore) ListStaleRuns(ctx context.Context, olderThan time.Duration) ([]*types.Run, error) {
	if olderThan <= 0 {
		return nil, validationErr("run_store.list_stale", "olderThan must be positive")
	}
	out, err := s.runs.ListStale(dbctx.Background(ctx),
		[]types.RunStatus{types.StatusSubmitted, types.StatusRunning},
		s.now().Add(-olderThan),
	)
	if err != nil {
		return nil, aggregates.MapError("run_store.list_stale", err)
	}
	return out, nil
}

func (s *runStore) TouchLastEvent(dbc dbctx.Context, runID string, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	if err := s.runs.TouchLastEvent(dbc, runID, at.UTC()); err != nil {
		return fmt.Errorf("touch last event %s: %w", runID, err)
	}
	return nil
}

func jsonColumn(v any, empty string) (datatypes.JSON, error) {
	if v == nil {
		return datatypes.JSON([]byte(empty)), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		b = []byte(empty)
	}
	return datatypes.JSON(b), nil
}

func optString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
