package data

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dcrodman/trackd/internal/core"
)

// Dialector picks the database driver for the engine named in cfg.
func Dialector(cfg *core.Config) (gorm.Dialector, error) {
	switch strings.ToLower(cfg.Database.Engine) {
	case "", "sqlite":
		filename := cfg.Database.Filename
		if filename == "" {
			filename = "trackd.db"
		}
		return sqlite.Open(filename), nil
	case "postgres":
		return postgres.Open(cfg.DatabaseURL()), nil
	default:
		return nil, fmt.Errorf("unsupported database engine: %s", cfg.Database.Engine)
	}
}

// Initialize connects to the configured database and migrates the schema.
func Initialize(cfg *core.Config) (*gorm.DB, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}

	// By default only log errors but enable full SQL query prints-to-console with debug mode
	log := logger.Default.LogMode(logger.Error)
	if cfg.Debugging.DatabaseLoggingEnabled {
		log = logger.Default.LogMode(logger.Info)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: log})
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}
	// SQLite allows a single writer; sessions would otherwise fail with SQLITE_BUSY.
	if dialector.Name() == "sqlite" {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	if err := db.AutoMigrate(&Device{}, &Event{}); err != nil {
		return nil, fmt.Errorf("error auto migrating db: %w", err)
	}
	return db, nil
}

func Shutdown(db *gorm.DB) error {
	database, err := db.DB()
	if err != nil {
		return fmt.Errorf("error while getting current connection: %w", err)
	}
	if err := database.Close(); err != nil {
		return fmt.Errorf("error while closing database connection: %w", err)
	}
	return nil
}
