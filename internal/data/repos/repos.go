package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/arc-reactor/internal/data/repos/runs"
	"github.com/yungbote/arc-reactor/internal/platform/logger"
)

type RunRepo = runs.RunRepo
type TaskRepo = runs.TaskRepo
type EventLogRepo = runs.EventLogRepo

func NewRunRepo(db *gorm.DB, baseLog *logger.Logger) RunRepo { return runs.NewRunRepo(db, baseLog) }
func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return runs.NewTaskRepo(db, baseLog)
}
func NewEventLogRepo(db *gorm.DB, baseLog *logger.Logger) EventLogRepo {
	return runs.NewEventLogRepo(db, baseLog)
}
