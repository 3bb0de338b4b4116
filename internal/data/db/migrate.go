package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/arc-reactor/internal/domain/runs"
)

// Models lists every table owned by the service.
func Models() []any {
	return []any{
		&runs.Run{},
		&runs.Task{},
		&runs.EventLogRecord{},
	}
}

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	// Owner emails are stored lowercase.
	if err := db.Model(&runs.Run{}).
		Where("user_email <> LOWER(user_email)").
		Update("user_email", gorm.Expr("LOWER(user_email)")).Error; err != nil {
		return fmt.Errorf("normalize run owners: %w", err)
	}
	return nil
}
