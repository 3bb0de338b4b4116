package runs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/arc-reactor/internal/domain/runs"
	"github.com/yungbote/arc-reactor/internal/platform/dbctx"
	"github.com/yungbote/arc-reactor/internal/platform/logger"
)

type EventLogRepo interface {
	Exists(dbc dbctx.Context, key types.DedupKey) (bool, error)
	Insert(dbc dbctx.Context, key types.DedupKey, eventTime *time.Time, processedAt time.Time) error
	ListByRun(dbc dbctx.Context, runID string) ([]*types.EventLogRecord, error)
}

type eventLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEventLogRepo(db *gorm.DB, baseLog *logger.Logger) EventLogRepo {
	return &eventLogRepo{
		db:  db,
		log: baseLog.With("repo", "EventLogRepo"),
	}
}

func (r *eventLogRepo) Exists(dbc dbctx.Context, key types.DedupKey) (bool, error) {
	var n int64
	if err := dbc.Conn(r.db).
		Model(&types.EventLogRecord{}).
		Where("run_id = ? AND event_type = ? AND task_id = ? AND attempt = ?", key.RunID, key.EventType, key.TaskID, key.Attempt).
		Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// Insert fails with a unique violation when a concurrent writer recorded the
// same key first.
func (r *eventLogRepo) Insert(dbc dbctx.Context, key types.DedupKey, eventTime *time.Time, processedAt time.Time) error {
	rec := &types.EventLogRecord{
		ID:          uuid.New(),
		RunID:       key.RunID,
		EventType:   key.EventType,
		TaskID:      key.TaskID,
		Attempt:     key.Attempt,
		ProcessedAt: processedAt.UTC(),
	}
	if eventTime != nil {
		t := eventTime.UTC()
		rec.EventTimestamp = &t
	}
	return dbc.Conn(r.db).Create(rec).Error
}

func (r *eventLogRepo) ListByRun(dbc dbctx.Context, runID string) ([]*types.EventLogRecord, error) {
	out := []*types.EventLogRecord{}
	if err := dbc.Conn(r.db).
		Where("run_id = ?", runID).
		Order("processed_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
