package pages

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type sequenceIDProvider struct {
	counter atomic.Int64
}

func (p *sequenceIDProvider) NewID() (string, error) {
	return fmt.Sprintf("id-%04d", p.counter.Add(1)), nil
}

type fixedClock struct {
	now atomic.Int64
}

func newFixedClock(start time.Time) *fixedClock {
	clock := &fixedClock{}
	clock.now.Store(start.UnixMilli())
	return clock
}

func (c *fixedClock) Now() time.Time {
	return time.UnixMilli(c.now.Load()).UTC()
}

func (c *fixedClock) Advance(delta time.Duration) {
	c.now.Add(delta.Milliseconds())
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:pages_repository_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestRepository(t *testing.T, clock *fixedClock) *Repository {
	t.Helper()
	repo, err := NewRepository(RepositoryConfig{
		Database:   openTestDatabase(t),
		Clock:      clock.Now,
		IDProvider: &sequenceIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	return repo
}

func mustPageID(t *testing.T, value string) PageID {
	t.Helper()
	id, err := NewPageID(value)
	if err != nil {
		t.Fatalf("unexpected page id error: %v", err)
	}
	return id
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func seedPage(t *testing.T, repo *Repository, id string) Page {
	t.Helper()
	page := Page{
		ID:       id,
		FilePath: id + ".html",
		Sections: Sections{
			TextSection("headline", "h1.title", "Welcome"),
			ImageSection("hero", "img#hero", "/img/hero.png", "Hero"),
		},
	}
	if err := repo.CreatePage(t.Context(), &page, "importer", "initial import"); err != nil {
		t.Fatalf("failed to seed page: %v", err)
	}
	return page
}
