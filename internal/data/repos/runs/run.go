package runs

import (
	"strings"
	"time"

	"gorm.io/gorm"

	types "github.com/yungbote/arc-reactor/internal/domain/runs"
	"github.com/yungbote/arc-reactor/internal/platform/dbctx"
	"github.com/yungbote/arc-reactor/internal/platform/logger"
)

type RunRepo interface {
	Create(dbc dbctx.Context, run *types.Run) error
	GetByID(dbc dbctx.Context, runID string) (*types.Run, error)
	List(dbc dbctx.Context, filter types.RunFilter, offset, limit int) ([]*types.Run, int64, error)
	ListStale(dbc dbctx.Context, statuses []types.RunStatus, updatedBefore time.Time) ([]*types.Run, error)
	ListChildren(dbc dbctx.Context, parentRunID string) ([]*types.Run, error)
	TouchLastEvent(dbc dbctx.Context, runID string, at time.Time) error
}

type runRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRunRepo(db *gorm.DB, baseLog *logger.Logger) RunRepo {
	return &runRepo{
		db:  db,
		log: baseLog.With("repo", "RunRepo"),
	}
}

func (r *runRepo) Create(dbc dbctx.Context, run *types.Run) error {
	if run == nil {
		return nil
	}
	return dbc.Conn(r.db).Create(run).Error
}

// GetByID returns nil, nil when the run does not exist.
func (r *runRepo) GetByID(dbc dbctx.Context, runID string) (*types.Run, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, nil
	}
	var out []*types.Run
	if err := dbc.Conn(r.db).
		Where("run_id = ?", runID).
		Limit(1).
		Find(&out).Error; err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *runRepo) List(dbc dbctx.Context, filter types.RunFilter, offset, limit int) ([]*types.Run, int64, error) {
	q := dbc.Conn(r.db).Model(&types.Run{})
	if v := types.NormalizeEmail(filter.UserEmail); v != "" {
		q = q.Where("user_email = ?", v)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if v := strings.TrimSpace(filter.Pipeline); v != "" {
		q = q.Where("pipeline = ?", v)
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	out := []*types.Run{}
	if total == 0 {
		return out, 0, nil
	}
	if err := q.Order("created_at DESC").
		Order("run_id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ListStale returns runs in one of statuses whose updated_at is older than
// updatedBefore, oldest first.
func (r *runRepo) ListStale(dbc dbctx.Context, statuses []types.RunStatus, updatedBefore time.Time) ([]*types.Run, error) {
	out := []*types.Run{}
	if len(statuses) == 0 {
		return out, nil
	}
	raw := make([]string, 0, len(statuses))
	for _, s := range statuses {
		raw = append(raw, string(s))
	}
	if err := dbc.Conn(r.db).
		Where("status IN ? AND updated_at < ?", raw, updatedBefore.UTC()).
		Order("updated_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *runRepo) ListChildren(dbc dbctx.Context, parentRunID string) ([]*types.Run, error) {
	out := []*types.Run{}
	if strings.TrimSpace(parentRunID) == "" {
		return out, nil
	}
	if err := dbc.Conn(r.db).
		Where("parent_run_id = ?", parentRunID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// TouchLastEvent records engine liveness. It deliberately leaves updated_at
// alone so staleness keeps measuring status progress.
func (r *runRepo) TouchLastEvent(dbc dbctx.Context, runID string, at time.Time) error {
	return dbc.Conn(r.db).
		Model(&types.Run{}).
		Where("run_id = ?", runID).
		UpdateColumn("last_event_at", at.UTC()).Error
}
