package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/MarcoPoloResearchLab/pagesync/internal/config"
	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
)

// Open establishes a connection for the configured driver and performs schema migrations.
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	gormConfig := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case config.DriverSQLite, "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		db, err = gorm.Open(sqlite.Open(cfg.Path), gormConfig)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	case config.DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormConfig)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", cfg.Driver), zap.String("path", cfg.Path))
	}

	return db, nil
}

// Migrate creates the page tables and applies pending one-shot migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	models := append(pages.Models(), &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	if err := applyMigrations(db, logger); err != nil {
		return err
	}
	return recoverInterruptedSyncs(db, logger)
}
