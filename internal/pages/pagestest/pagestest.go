// Package pagestest provides an in-memory repository and fixtures for package tests.
package pagestest

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
)

// Epoch is the default start of a test Clock.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced clock safe for concurrent use.
type Clock struct {
	nowMs atomic.Int64
}

// NewClock starts a Clock at start.
func NewClock(start time.Time) *Clock {
	clock := &Clock{}
	clock.nowMs.Store(start.UnixMilli())
	return clock
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	return time.UnixMilli(c.nowMs.Load()).UTC()
}

// Advance moves the clock forward.
func (c *Clock) Advance(delta time.Duration) {
	c.nowMs.Add(delta.Milliseconds())
}

// SequenceIDs issues predictable identifiers.
type SequenceIDs struct {
	Prefix  string
	counter atomic.Int64
}

// NewID returns the next identifier.
func (s *SequenceIDs) NewID() (string, error) {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "id"
	}
	return fmt.Sprintf("%s-%04d", prefix, s.counter.Add(1)), nil
}

// OpenDatabase opens a private in-memory sqlite database with the page tables migrated.
func OpenDatabase(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:pagestest_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(pages.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

// NewRepository returns a repository over a fresh database driven by clock.
func NewRepository(t testing.TB, clock *Clock) *pages.Repository {
	t.Helper()
	repo, err := pages.NewRepository(pages.RepositoryConfig{
		Database:   OpenDatabase(t),
		Clock:      clock.Now,
		IDProvider: &SequenceIDs{},
	})
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	return repo
}

// SeedPage inserts a page at version 1 with the provided sections.
func SeedPage(t testing.TB, repo *pages.Repository, id, filePath string, sections pages.Sections) pages.Page {
	t.Helper()
	page := pages.Page{ID: id, FilePath: filePath, Sections: sections}
	if err := repo.CreatePage(t.Context(), &page, "seed", "seed"); err != nil {
		t.Fatalf("failed to seed page %s: %v", id, err)
	}
	return page
}

// AdvanceVersion commits no-op updates until the page reaches target.
func AdvanceVersion(t testing.TB, repo *pages.Repository, id pages.PageID, target int64) {
	t.Helper()
	for {
		page, err := repo.GetPage(t.Context(), id)
		if err != nil {
			t.Fatalf("failed to load page %s: %v", id, err)
		}
		if page.Version >= target {
			return
		}
		applied, err := repo.UpdateSectionsIfVersion(t.Context(), pages.VersionedUpdate{
			PageID:          id,
			Sections:        page.Sections,
			ExpectedVersion: page.Version,
			ChangedBy:       "seed",
		})
		if err != nil || !applied {
			t.Fatalf("failed to advance page %s: applied=%v err=%v", id, applied, err)
		}
	}
}
