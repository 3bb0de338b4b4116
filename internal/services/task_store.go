package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/yungbote/arc-reactor/internal/data/aggregates"
	"github.com/yungbote/arc-reactor/internal/data/repos"
	domainagg "github.com/yungbote/arc-reactor/internal/domain/aggregates"
	types "github.com/yungbote/arc-reactor/internal/domain/runs"
	"github.com/yungbote/arc-reactor/internal/platform/dbctx"
	"github.com/yungbote/arc-reactor/internal/platform/logger"
)

type TaskSubmission struct {
	Key        types.TaskKey
	Hash       string
	Name       string
	Process    string
	SubmitTime *int64
	NativeID   *string
	Workdir    *string
	Container  *string
	TraceData  json.RawMessage
}

type TaskStart struct {
	NativeID  *string
	StartTime *int64
	Workdir   *string
}

type TaskCompletion struct {
	ExitCode     *int
	CompleteTime *int64
	DurationMs   *int64
	RealtimeMs   *int64
	CPUPercent   *float64
	PeakRSS      *int64
	PeakVmem     *int64
	ReadBytes    *int64
	WriteBytes   *int64
	ErrorAction  *string
	Cached       bool
	TraceData    json.RawMessage
}

type TaskStore interface {
	// RecordSubmitted creates the task unless its composite key exists.
	RecordSubmitted(dbc dbctx.Context, sub TaskSubmission) (bool, error)
	// MarkStarted and MarkCompleted patch an existing row; they report false
	// when none matched.
	MarkStarted(dbc dbctx.Context, key types.TaskKey, st TaskStart) (bool, error)
	MarkCompleted(dbc dbctx.Context, key types.TaskKey, c TaskCompletion) (bool, error)
	Create(dbc dbctx.Context, task *types.Task) error
	Summary(ctx context.Context, runID string) (types.TaskSummary, error)
	ListTasks(ctx context.Context, runID string, filter types.TaskFilter) ([]*types.Task, error)
}

type taskStore struct {
	log   *logger.Logger
	tasks repos.TaskRepo
	now   func() time.Time
}

func NewTaskStore(baseLog *logger.Logger, tasks repos.TaskRepo) TaskStore {
	return &taskStore{
		log:   baseLog.With("service", "TaskStore"),
		tasks: tasks,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *taskStore) RecordSubmitted(dbc dbctx.Context, sub TaskSubmission) (bool, error) {
	if strings.TrimSpace(sub.Key.RunID) == "" {
		return false, validationErr("task_store.record_submitted", "run_id is required")
	}
	if sub.Key.Attempt <= 0 {
		sub.Key.Attempt = 1
	}
	now := s.now()
	task := &types.Task{
		RunID:      sub.Key.RunID,
		TaskID:     sub.Key.TaskID,
		Attempt:    sub.Key.Attempt,
		Hash:       sub.Hash,
		Name:       sub.Name,
		Process:    sub.Process,
		Status:     types.TaskSubmitted,
		SubmitTime: sub.SubmitTime,
		NativeID:   sub.NativeID,
		Workdir:    sub.Workdir,
		Container:  sub.Container,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if len(sub.TraceData) > 0 {
		task.TraceData = datatypes.JSON(sub.TraceData)
	}
	created, err := s.tasks.CreateIgnoreDuplicate(dbc, task)
	if err != nil {
		return false, aggregates.MapError("task_store.record_submitted", err)
	}
	return created, nil
}

func (s *taskStore) MarkStarted(dbc dbctx.Context, key types.TaskKey, st TaskStart) (bool, error) {
	updates := map[string]interface{}{
		"updated_at": s.now(),
	}
	if st.NativeID != nil {
		updates["native_id"] = *st.NativeID
	}
	if st.StartTime != nil {
		updates["start_time"] = *st.StartTime
	}
	if st.Workdir != nil {
		updates["workdir"] = *st.Workdir
	}
	// A start that arrives after completion keeps the terminal status.
	ok, err := s.tasks.AdvanceByKey(dbc, normalizeKey(key), types.TaskRunning, []string{types.TaskSubmitted, types.TaskRunning}, updates)
	if err != nil {
		return false, aggregates.MapError("task_store.mark_started", err)
	}
	return ok, nil
}

func (s *taskStore) MarkCompleted(dbc dbctx.Context, key types.TaskKey, c TaskCompletion) (bool, error) {
	status := types.CompletionStatus(c.ExitCode, c.Cached)
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": s.now(),
	}
	setInt := func(col string, v *int64) {
		if v != nil {
			updates[col] = *v
		}
	}
	if c.ExitCode != nil {
		updates["exit_code"] = *c.ExitCode
	}
	setInt("complete_time", c.CompleteTime)
	setInt("duration_ms", c.DurationMs)
	setInt("realtime_ms", c.RealtimeMs)
	setInt("peak_rss", c.PeakRSS)
	setInt("peak_vmem", c.PeakVmem)
	setInt("read_bytes", c.ReadBytes)
	setInt("write_bytes", c.WriteBytes)
	if c.CPUPercent != nil {
		updates["cpu_percent"] = *c.CPUPercent
	}
	if status == types.TaskFailed && c.ErrorAction != nil {
		updates["error_message"] = *c.ErrorAction
	}
	if len(c.TraceData) > 0 {
		updates["trace_data"] = datatypes.JSON(c.TraceData)
	}
	ok, err := s.tasks.UpdateByKey(dbc, normalizeKey(key), updates)
	if err != nil {
		return false, aggregates.MapError("task_store.mark_completed", err)
	}
	return ok, nil
}

// Create is a plain insert; a second task with the same composite key is a
// conflict.
func (s *taskStore) Create(dbc dbctx.Context, task *types.Task) error {
	const op = "task_store.create"
	if task == nil {
		return validationErr(op, "task is required")
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}
	if task.Status == "" {
		task.Status = types.TaskSubmitted
	}
	if err := s.tasks.Create(dbc, task); err != nil {
		if aggregates.IsUniqueViolation(err) {
			return domainagg.NewError(domainagg.CodeConflict, op, "task already exists", err)
		}
		return aggregates.MapError(op, err)
	}
	return nil
}

func (s *taskStore) Summary(ctx context.Context, runID string) (types.TaskSummary, error) {
	counts, err := s.tasks.CountByStatus(dbctx.Background(ctx), runID)
	if err != nil {
		return types.TaskSummary{}, aggregates.MapError("task_store.summary", err)
	}
	sum := types.TaskSummary{
		Completed: counts[types.TaskCompleted],
		Running:   counts[types.TaskRunning],
		Submitted: counts[types.TaskSubmitted],
		Failed:    counts[types.TaskFailed],
		Cached:    counts[types.TaskCached],
	}
	for _, n := range counts {
		sum.Total += n
	}
	return sum, nil
}

func (s *taskStore) ListTasks(ctx context.Context, runID string, filter types.TaskFilter) ([]*types.Task, error) {
	out, err := s.tasks.List(dbctx.Background(ctx), runID, filter)
	if err != nil {
		return nil, aggregates.MapError("task_store.list", err)
	}
	return out, nil
}

func normalizeKey(key types.TaskKey) types.TaskKey {
	if key.Attempt <= 0 {
		key.Attempt = 1
	}
	return key
}
