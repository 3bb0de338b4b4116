package runs

import (
	"time"

	"github.com/google/uuid"
)

// EventLogRecord marks an engine event as applied. Run-level events carry
// TaskID 0 and Attempt 0 so the unique index also covers them.
type EventLogRecord struct {
	ID             uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	RunID          string     `gorm:"column:run_id;type:varchar(64);not null;uniqueIndex:uq_weblog_event_dedup,priority:1"`
	EventType      string     `gorm:"column:event_type;type:varchar(64);not null;uniqueIndex:uq_weblog_event_dedup,priority:2"`
	TaskID         int64      `gorm:"column:task_id;not null;uniqueIndex:uq_weblog_event_dedup,priority:3"`
	Attempt        int        `gorm:"column:attempt;not null;uniqueIndex:uq_weblog_event_dedup,priority:4"`
	EventTimestamp *time.Time `gorm:"column:event_timestamp"`
	ProcessedAt    time.Time  `gorm:"column:processed_at;not null;autoCreateTime:false"`
}

func (EventLogRecord) TableName() string { return "weblog_event_log" }

// DedupKey identifies one logical engine event.
type DedupKey struct {
	RunID     string `json:"run_id"`
	EventType string `json:"event_type"`
	TaskID    int64  `json:"task_id"`
	Attempt   int    `json:"attempt"`
}

// IsTaskLevel reports whether the key refers to a task event.
func (k DedupKey) IsTaskLevel() bool { return k.TaskID != 0 || k.Attempt != 0 }

// TaskKey projects a task-level dedup key onto the task identity.
func (k DedupKey) TaskKey() TaskKey {
	return TaskKey{RunID: k.RunID, TaskID: k.TaskID, Attempt: k.Attempt}
}
