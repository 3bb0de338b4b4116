package runs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Task statuses are engine-native strings, not RunStatus values.
const (
	TaskSubmitted = "SUBMITTED"
	TaskRunning   = "RUNNING"
	TaskCompleted = "COMPLETED"
	TaskFailed    = "FAILED"
	TaskCached    = "CACHED"
)

// Task is one engine process instance within a run.
type Task struct {
	ID      uuid.UUID `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	RunID   string    `gorm:"column:run_id;type:varchar(64);not null;uniqueIndex:uq_tasks_run_task_attempt,priority:1;index:idx_tasks_run_status,priority:1" json:"run_id"`
	TaskID  int64     `gorm:"column:task_id;not null;uniqueIndex:uq_tasks_run_task_attempt,priority:2" json:"task_id"`
	Attempt int       `gorm:"column:attempt;not null;uniqueIndex:uq_tasks_run_task_attempt,priority:3" json:"attempt"`

	Hash    string `gorm:"column:hash;type:varchar(64)" json:"hash"`
	Name    string `gorm:"column:name;type:varchar(512)" json:"name"`
	Process string `gorm:"column:process;type:varchar(256);index:idx_tasks_process" json:"process"`
	Status  string `gorm:"column:status;type:varchar(16);not null;index:idx_tasks_run_status,priority:2" json:"status"`

	ExitCode     *int     `gorm:"column:exit_code" json:"exit_code,omitempty"`
	SubmitTime   *int64   `gorm:"column:submit_time" json:"submit_time,omitempty"`
	StartTime    *int64   `gorm:"column:start_time" json:"start_time,omitempty"`
	CompleteTime *int64   `gorm:"column:complete_time" json:"complete_time,omitempty"`
	DurationMs   *int64   `gorm:"column:duration_ms" json:"duration_ms,omitempty"`
	RealtimeMs   *int64   `gorm:"column:realtime_ms" json:"realtime_ms,omitempty"`
	CPUPercent   *float64 `gorm:"column:cpu_percent" json:"cpu_percent,omitempty"`
	PeakRSS      *int64   `gorm:"column:peak_rss" json:"peak_rss,omitempty"`
	PeakVmem     *int64   `gorm:"column:peak_vmem" json:"peak_vmem,omitempty"`
	ReadBytes    *int64   `gorm:"column:read_bytes" json:"read_bytes,omitempty"`
	WriteBytes   *int64   `gorm:"column:write_bytes" json:"write_bytes,omitempty"`

	Workdir      *string        `gorm:"column:workdir;type:text" json:"workdir,omitempty"`
	Container    *string        `gorm:"column:container;type:text" json:"container,omitempty"`
	NativeID     *string        `gorm:"column:native_id;type:varchar(256)" json:"native_id,omitempty"`
	ErrorMessage *string        `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	TraceData    datatypes.JSON `gorm:"column:trace_data;type:jsonb" json:"trace_data,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }

// TaskKey is the composite identity of a task attempt.
type TaskKey struct {
	RunID   string
	TaskID  int64
	Attempt int
}

// CompletionStatus derives the task status reported at completion. A cache
// hit wins over the exit code; a missing exit code counts as failure.
func CompletionStatus(exitCode *int, cached bool) string {
	if cached {
		return TaskCached
	}
	if exitCode != nil && *exitCode == 0 {
		return TaskCompleted
	}
	return TaskFailed
}

// TaskSummary counts a run's tasks by status.
type TaskSummary struct {
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`
	Running   int64 `json:"running"`
	Submitted int64 `json:"submitted"`
	Failed    int64 `json:"failed"`
	Cached    int64 `json:"cached"`
}
