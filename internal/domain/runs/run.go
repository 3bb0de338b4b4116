package runs

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Run is one pipeline execution and its tracked lifecycle.
type Run struct {
	RunID           string    `gorm:"column:run_id;type:varchar(64);primaryKey" json:"run_id"`
	Pipeline        string    `gorm:"column:pipeline;type:varchar(128);not null;index:idx_runs_pipeline" json:"pipeline"`
	PipelineVersion string    `gorm:"column:pipeline_version;type:varchar(64);not null" json:"pipeline_version"`
	UserEmail       string    `gorm:"column:user_email;type:varchar(320);not null;index:idx_runs_user_created,priority:1" json:"user_email"`
	UserName        *string   `gorm:"column:user_name;type:varchar(256)" json:"user_name,omitempty"`
	Status          RunStatus `gorm:"column:status;type:varchar(16);not null;index:idx_runs_status_created,priority:1;index:idx_runs_status_updated,priority:1" json:"status"`

	CreatedAt   time.Time  `gorm:"column:created_at;not null;autoCreateTime:false;index:idx_runs_user_created,priority:2,sort:desc;index:idx_runs_status_created,priority:2,sort:desc;index:idx_runs_created,sort:desc" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null;autoUpdateTime:false;index:idx_runs_status_updated,priority:2" json:"updated_at"`
	SubmittedAt *time.Time `gorm:"column:submitted_at" json:"submitted_at,omitempty"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	FailedAt    *time.Time `gorm:"column:failed_at" json:"failed_at,omitempty"`
	CancelledAt *time.Time `gorm:"column:cancelled_at" json:"cancelled_at,omitempty"`

	GCSPath      string  `gorm:"column:gcs_path;type:text;not null" json:"gcs_path"`
	BatchJobName *string `gorm:"column:batch_job_name;type:text" json:"batch_job_name,omitempty"`

	Params        datatypes.JSON `gorm:"column:params;type:jsonb" json:"params"`
	SampleCount   int            `gorm:"column:sample_count;not null" json:"sample_count"`
	SourceNGSRuns datatypes.JSON `gorm:"column:source_ngs_runs;type:jsonb" json:"source_ngs_runs,omitempty"`
	SourceProject *string        `gorm:"column:source_project;type:varchar(256)" json:"source_project,omitempty"`

	ParentRunID   *string `gorm:"column:parent_run_id;type:varchar(64);index:idx_runs_parent" json:"parent_run_id,omitempty"`
	IsRecovery    bool    `gorm:"column:is_recovery;not null" json:"is_recovery"`
	RecoveryNotes *string `gorm:"column:recovery_notes;type:text" json:"recovery_notes,omitempty"`
	ReusedWorkDir *string `gorm:"column:reused_work_dir;type:text" json:"reused_work_dir,omitempty"`

	ExitCode     *int           `gorm:"column:exit_code" json:"exit_code,omitempty"`
	ErrorMessage *string        `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	ErrorTask    *string        `gorm:"column:error_task;type:varchar(512)" json:"error_task,omitempty"`
	Metrics      datatypes.JSON `gorm:"column:metrics;type:jsonb" json:"metrics,omitempty"`

	WeblogSecretHash string     `gorm:"column:weblog_secret_hash;type:varchar(64);not null" json:"-"`
	EngineRunID      *string    `gorm:"column:engine_run_id;type:varchar(128)" json:"engine_run_id,omitempty"`
	EngineRunName    *string    `gorm:"column:engine_run_name;type:varchar(256)" json:"engine_run_name,omitempty"`
	LastEventAt      *time.Time `gorm:"column:last_event_at" json:"last_event_at,omitempty"`
}

func (Run) TableName() string { return "runs" }

// ParamsMap decodes the stored params; a nil or invalid document yields an empty map.
func (r *Run) ParamsMap() map[string]any {
	out := map[string]any{}
	if r == nil || len(r.Params) == 0 {
		return out
	}
	_ = json.Unmarshal(r.Params, &out)
	return out
}

// SourceRuns decodes the provenance run identifiers.
func (r *Run) SourceRuns() []string {
	var out []string
	if r == nil || len(r.SourceNGSRuns) == 0 {
		return out
	}
	_ = json.Unmarshal(r.SourceNGSRuns, &out)
	return out
}

// WorkDir is the engine work directory under the run prefix.
func (r *Run) WorkDir() string {
	if r == nil || r.GCSPath == "" {
		return ""
	}
	return r.GCSPath + "/work/"
}

// IsTerminal reports whether the run reached a final status.
func (r *Run) IsTerminal() bool {
	return r != nil && r.Status.IsTerminal()
}

// RunFilter narrows a run listing. Empty fields do not filter.
type RunFilter struct {
	UserEmail string
	Status    RunStatus
	Pipeline  string
}

// TaskFilter narrows a task listing. Empty fields do not filter.
type TaskFilter struct {
	Status  string
	Process string
}
