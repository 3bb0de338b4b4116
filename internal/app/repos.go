package app

import (
	"gorm.io/gorm"

	"github.com/yungbote/arc-reactor/internal/data/repos"
	"github.com/yungbote/arc-reactor/internal/platform/logger"
)

type Repos struct {
	Run      repos.RunRepo
	Task     repos.TaskRepo
	EventLog repos.EventLogRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Run:      repos.NewRunRepo(db, log),
		Task:     repos.NewTaskRepo(db, log),
		EventLog: repos.NewEventLogRepo(db, log),
	}
}
