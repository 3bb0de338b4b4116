package runs

import (
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/arc-reactor/internal/domain/runs"
	"github.com/yungbote/arc-reactor/internal/platform/dbctx"
	"github.com/yungbote/arc-reactor/internal/platform/logger"
)

type TaskRepo interface {
	Create(dbc dbctx.Context, task *types.Task) error
	CreateIgnoreDuplicate(dbc dbctx.Context, task *types.Task) (bool, error)
	UpdateByKey(dbc dbctx.Context, key types.TaskKey, updates map[string]interface{}) (bool, error)
	AdvanceByKey(dbc dbctx.Context, key types.TaskKey, next string, from []string, updates map[string]interface{}) (bool, error)
	GetByKey(dbc dbctx.Context, key types.TaskKey) (*types.Task, error)
	CountByStatus(dbc dbctx.Context, runID string) (map[string]int64, error)
	List(dbc dbctx.Context, runID string, filter types.TaskFilter) ([]*types.Task, error)
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{
		db:  db,
		log: baseLog.With("repo", "TaskRepo"),
	}
}

func ensureTaskID(task *types.Task) {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
}

func (r *taskRepo) Create(dbc dbctx.Context, task *types.Task) error {
	if task == nil {
		return nil
	}
	ensureTaskID(task)
	return dbc.Conn(r.db).Create(task).Error
}

// CreateIgnoreDuplicate inserts task unless (run_id, task_id, attempt) already
// exists. It reports whether a row was written.
func (r *taskRepo) CreateIgnoreDuplicate(dbc dbctx.Context, task *types.Task) (bool, error) {
	if task == nil {
		return false, nil
	}
	ensureTaskID(task)
	res := dbc.Conn(r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "task_id"}, {Name: "attempt"}},
			DoNothing: true,
		}).
		Create(task)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRepo) UpdateByKey(dbc dbctx.Context, key types.TaskKey, updates map[string]interface{}) (bool, error) {
	if len(updates) == 0 {
		return false, nil
	}
	res := dbc.Conn(r.db).
		Model(&types.Task{}).
		Where("run_id = ? AND task_id = ? AND attempt = ?", key.RunID, key.TaskID, key.Attempt).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AdvanceByKey applies updates and moves status to next only while the
// current status is one of from. Other columns are written either way.
func (r *taskRepo) AdvanceByKey(dbc dbctx.Context, key types.TaskKey, next string, from []string, updates map[string]interface{}) (bool, error) {
	patch := make(map[string]interface{}, len(updates)+1)
	for k, v := range updates {
		patch[k] = v
	}
	patch["status"] = gorm.Expr("CASE WHEN status IN ? THEN ? ELSE status END", from, next)
	return r.UpdateByKey(dbc, key, patch)
}

func (r *taskRepo) GetByKey(dbc dbctx.Context, key types.TaskKey) (*types.Task, error) {
	var out []*types.Task
	if err := dbc.Conn(r.db).
		Where("run_id = ? AND task_id = ? AND attempt = ?", key.RunID, key.TaskID, key.Attempt).
		Limit(1).
		Find(&out).Error; err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *taskRepo) CountByStatus(dbc dbctx.Context, runID string) (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	if err := dbc.Conn(r.db).
		Model(&types.Task{}).
		Select("status, COUNT(*) AS n").
		Where("run_id = ?", runID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, rw := range rows {
		out[strings.ToUpper(rw.Status)] += rw.N
	}
	return out, nil
}

func (r *taskRepo) List(dbc dbctx.Context, runID string, filter types.TaskFilter) ([]*types.Task, error) {
	q := dbc.Conn(r.db).Where("run_id = ?", runID)
	if v := strings.TrimSpace(filter.Status); v != "" {
		q = q.Where("status = ?", strings.ToUpper(v))
	}
	if v := strings.TrimSpace(filter.Process); v != "" {
		q = q.Where("process = ?", v)
	}
	out := []*types.Task{}
	if err := q.Order("task_id ASC").Order("attempt ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
