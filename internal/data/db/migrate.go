package db

import (
	types "github.com/agentdeck/agentdeck-backend/internal/domain"
	"gorm.io/gorm"
)

// AutoMigrateAll applies the additive schema. Migrations never drop columns
// or rows; new columns carry non-NULL defaults.
func AutoMigrateAll(gormDB *gorm.DB) error {
	return gormDB.AutoMigrate(
		&types.Conversation{},
		&types.Message{},
		&types.Session{},
		&types.Event{},
		&types.IdempotencyRecord{},
	)
}

func (s *Service) AutoMigrateAll() error {
	return AutoMigrateAll(s.db)
}
