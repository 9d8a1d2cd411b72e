package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"burnkeeper/services/burnd/models"
)

// ErrDSNRequired is returned when no database DSN is configured.
var ErrDSNRequired = errors.New("burnd/storage: database dsn must be configured")

// Open connects to the configured driver and applies migrations.
func Open(driver, dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(trimmed)
	case "postgres":
		dialector = postgres.Open(trimmed)
	default:
		return nil, fmt.Errorf("burnd/storage: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("burnd/storage: open database: %w", err)
	}
	if dialector.Name() == "sqlite" {
		// sqlite permits one writer at a time.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("burnd/storage: sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("burnd/storage: migrate: %w", err)
	}
	return db, nil
}
