package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/pagesync/internal/config"
	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
)

func TestMigrateBackfillsHistoryAndFailsInterruptedSyncs(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(append(pages.Models(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	page := pages.Page{
		ID:          "legacy",
		FilePath:    "legacy.html",
		Sections:    pages.Sections{pages.TextSection("title", "h1", "Legacy")},
		Version:     4,
		LockStatus:  pages.LockStateUnlocked,
		SyncStatus:  pages.SyncStateInProgress,
		CreatedAtMs: 1,
		UpdatedAtMs: 2,
	}
	if err := database.Create(&page).Error; err != nil {
		testContext.Fatalf("failed to insert page: %v", err)
	}

	if err := Migrate(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	if err := Migrate(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}

	var history []pages.PageVersion
	if err := database.Where("page_id = ?", page.ID).Find(&history).Error; err != nil {
		testContext.Fatalf("failed to load history: %v", err)
	}
	if len(history) != 1 || history[0].Version != 4 {
		testContext.Fatalf("expected one backfilled version row at version 4, got %+v", history)
	}

	var stored pages.Page
	if err := database.Where("id = ?", page.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload page: %v", err)
	}
	if stored.SyncStatus != pages.SyncStateFailed {
		testContext.Fatalf("expected interrupted sync to be failed, got %s", stored.SyncStatus)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillPageVersions).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLite(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "open.db")
	db, err := Open(config.DatabaseConfig{Driver: config.DriverSQLite, Path: databasePath}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("open: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("sql db: %v", err)
	}
	defer sqlDB.Close()
	if !db.Migrator().HasTable(&pages.SyncJob{}) {
		testContext.Fatalf("expected sync job table")
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(config.DatabaseConfig{Driver: "mysql"}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}
