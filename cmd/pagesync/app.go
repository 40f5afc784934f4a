package main

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/pagesync/internal/config"
	"github.com/MarcoPoloResearchLab/pagesync/internal/database"
	"github.com/MarcoPoloResearchLab/pagesync/internal/editing"
	"github.com/MarcoPoloResearchLab/pagesync/internal/filesync"
	"github.com/MarcoPoloResearchLab/pagesync/internal/locks"
	"github.com/MarcoPoloResearchLab/pagesync/internal/logging"
	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
	"github.com/MarcoPoloResearchLab/pagesync/internal/sanitize"
	"github.com/MarcoPoloResearchLab/pagesync/internal/server"
	"github.com/MarcoPoloResearchLab/pagesync/internal/threat"
	"github.com/MarcoPoloResearchLab/pagesync/internal/versions"
)

// application is the wired engine shared by the serve, worker, import and verify commands.
type application struct {
	config       config.AppConfig
	logger       *zap.Logger
	db           *gorm.DB
	siteFs       afero.Fs
	repo         *pages.Repository
	dispatcher   *server.RealtimeDispatcher
	locks        *locks.Manager
	gate         *versions.Gate
	validator    *threat.Validator
	synchronizer *filesync.Synchronizer
	editing      *editing.Service
}

func newLogger(cfg config.AppConfig) (*zap.Logger, error) {
	return logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
}

func openApplication(cfg config.AppConfig, logger *zap.Logger) (*application, error) {
	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	app := &application{config: cfg, logger: logger, db: db}
	if err := app.wire(); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *application) wire() error {
	cfg := a.config
	clock := time.Now

	repo, err := pages.NewRepository(pages.RepositoryConfig{
		Database:   a.db,
		Clock:      clock,
		IDProvider: pages.NewUUIDProvider(),
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	a.repo = repo
	a.siteFs = afero.NewBasePathFs(afero.NewOsFs(), cfg.Site.Root)
	a.dispatcher = server.NewRealtimeDispatcher()

	a.locks, err = locks.NewManager(locks.ManagerConfig{
		Store:      repo,
		DefaultTTL: cfg.Locks.DefaultTTL,
		MaxTTL:     cfg.Locks.MaxTTL,
		Clock:      clock,
		Publisher:  a.dispatcher,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	a.gate, err = versions.NewGate(versions.GateConfig{
		Store:      repo,
		MaxRetries: cfg.Versions.MaxRetries,
		RetryDelay: cfg.Versions.RetryDelay,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}

	baseline, err := loadBaseline(cfg.Validator.BaselinePath, a.logger)
	if err != nil {
		return err
	}
	a.validator, err = threat.NewValidator(threat.Config{
		Baseline:         baseline,
		BlockThreshold:   cfg.Validator.BlockThreshold,
		MonitorThreshold: cfg.Validator.MonitorThreshold,
		CacheSize:        cfg.Validator.CacheSize,
		Logger:           a.logger,
	})
	if err != nil {
		return err
	}

	a.synchronizer, err = filesync.NewSynchronizer(filesync.SynchronizerConfig{
		Store:       repo,
		SiteFs:      a.siteFs,
		Backups:     filesync.NewBackupStore(afero.NewOsFs(), cfg.Site.BackupDir, cfg.Site.BackupKeep, clock),
		Sanitizer:   sanitize.New(),
		Validator:   a.validator,
		MaxAttempts: cfg.Worker.MaxAttempts,
		Clock:       clock,
		Publisher:   a.dispatcher,
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}
	a.editing, err = editing.NewService(editing.ServiceConfig{
		Locks:       a.locks,
		Versions:    a.gate,
		Sync:        a.synchronizer,
		RequireLock: cfg.Locks.RequireForEdit,
		Logger:      a.logger,
	})
	return err
}

// loadBaseline reads the baseline file; a missing file starts the validator with no trusted
// patterns.
func loadBaseline(location string, logger *zap.Logger) (*threat.Baseline, error) {
	if location == "" {
		return threat.EmptyBaseline(), nil
	}
	baseline, err := threat.LoadBaseline(afero.NewOsFs(), location)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("threat baseline not found; every pattern is scored as new",
			zap.String("baseline_path", location))
		return threat.EmptyBaseline(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load baseline: %w", err)
	}
	logger.Info("threat baseline loaded",
		zap.String("baseline_path", location),
		zap.Int("patterns", len(baseline.Patterns)),
		zap.Int("files", len(baseline.Files)))
	return baseline, nil
}

func (a *application) Close() {
	if a.db == nil {
		return
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
