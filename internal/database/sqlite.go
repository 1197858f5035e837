package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/quire/internal/comments"
	"github.com/MarcoPoloResearchLab/quire/internal/documents"
	"github.com/MarcoPoloResearchLab/quire/internal/notify"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// AutoMigrate creates or updates every table the service owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&documents.Document{},
		&documents.Collaborator{},
		&comments.Comment{},
		&notify.Notification{},
		&users.Identity{},
		&migrationRecord{},
	)
}
