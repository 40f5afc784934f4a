package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
)

const (
	migrationBackfillPageVersions = "2024-03-01_backfill_page_versions"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillPageVersions, apply: backfillPageVersions},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillPageVersions records the current sections of pages that have no history row.
func backfillPageVersions(db *gorm.DB) error {
	var orphans []pages.Page
	err := db.Where("NOT EXISTS (SELECT 1 FROM page_versions WHERE page_versions.page_id = pages.id)").
		Find(&orphans).Error
	if err != nil {
		return err
	}
	ids := pages.NewUUIDProvider()
	for _, page := range orphans {
		versionID, err := ids.NewID()
		if err != nil {
			return err
		}
		record := pages.PageVersion{
			ID:          versionID,
			PageID:      page.ID,
			Version:     page.Version,
			Sections:    page.Sections,
			ChangedBy:   "migration",
			ChangeNote:  migrationBackfillPageVersions,
			CreatedAtMs: page.UpdatedAtMs,
		}
		if err := db.Create(&record).Error; err != nil {
			return err
		}
	}
	return nil
}

// recoverInterruptedSyncs marks pages left IN_PROGRESS by a crashed writer as FAILED. It runs on
// every start; no sync can be in flight before the process opens the database.
func recoverInterruptedSyncs(db *gorm.DB, logger *zap.Logger) error {
	result := db.Model(&pages.Page{}).
		Where("sync_status = ?", pages.SyncStateInProgress).
		Updates(map[string]any{
			"sync_status": pages.SyncStateFailed,
			"sync_error":  "sync interrupted before commit",
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 && logger != nil {
		logger.Warn("interrupted page syncs marked failed", zap.Int64("pages", result.RowsAffected))
	}
	return nil
}
