package editing

import (
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/MarcoPoloResearchLab/pagesync/internal/filesync"
	"github.com/MarcoPoloResearchLab/pagesync/internal/locks"
	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
	"github.com/MarcoPoloResearchLab/pagesync/internal/pages/pagestest"
	"github.com/MarcoPoloResearchLab/pagesync/internal/sanitize"
	"github.com/MarcoPoloResearchLab/pagesync/internal/threat"
	"github.com/MarcoPoloResearchLab/pagesync/internal/versions"
)

const (
	pageID    = pages.PageID("about")
	alice     = pages.UserID("alice")
	bob       = pages.UserID("bob")
	aboutFile = `<html><body><h1 class="title">About us</h1><p id="lead">We make pages.</p></body></html>`
)

type editFixture struct {
	clock   *pagestest.Clock
	repo    *pages.Repository
	siteFs  afero.Fs
	locks   *locks.Manager
	service *Service
}

func newEditFixture(t *testing.T, requireLock bool) *editFixture {
	t.Helper()
	clock := pagestest.NewClock(pagestest.Epoch)
	repo := pagestest.NewRepository(t, clock)
	pagestest.SeedPage(t, repo, pageID.String(), "about.html", pages.Sections{
		pages.TextSection("title", "h1.title", "About us"),
		pages.TextSection("lead", "p#lead", "We make pages."),
	})
	siteFs := afero.NewMemMapFs()
	if err := afero.WriteFile(siteFs, "about.html", []byte(aboutFile), 0o644); err != nil {
		t.Fatalf("write page file: %v", err)
	}

	lockManager, err := locks.NewManager(locks.ManagerConfig{Store: repo, Clock: clock.Now})
	if err != nil {
		t.Fatalf("lock manager: %v", err)
	}
	gate, err := versions.NewGate(versions.GateConfig{Store: repo, MaxRetries: versions.NoRetries})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	validator, err := threat.NewValidator(threat.Config{})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	synchronizer, err := filesync.NewSynchronizer(filesync.SynchronizerConfig{
		Store:     repo,
		SiteFs:    siteFs,
		Backups:   filesync.NewBackupStore(afero.NewMemMapFs(), "/backups", 0, clock.Now),
		Sanitizer: sanitize.New(),
		Validator: validator,
		Clock:     clock.Now,
	})
	if err != nil {
		t.Fatalf("synchronizer: %v", err)
	}
	service, err := NewService(ServiceConfig{Locks: lockManager, Versions: gate, Sync: synchronizer, RequireLock: requireLock})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return &editFixture{clock: clock, repo: repo, siteFs: siteFs, locks: lockManager, service: service}
}

func (f *editFixture) mustAcquire(t *testing.T, userID pages.UserID) {
	t.Helper()
	if _, err := f.locks.Acquire(t.Context(), pageID, userID, 10*time.Minute, false); err != nil {
		t.Fatalf("acquire for %s: %v", userID, err)
	}
}

func (f *editFixture) fileContent(t *testing.T) string {
	t.Helper()
	content, err := afero.ReadFile(f.siteFs, "about.html")
	if err != nil {
		t.Fatalf("read page file: %v", err)
	}
	return string(content)
}

func titleEdit(text string) pages.Sections {
	return pages.Sections{{ID: "title", Text: &text}}
}

func TestSubmitEditCommitsForLockHolder(t *testing.T) {
	fixture := newEditFixture(t, true)
	fixture.mustAcquire(t, alice)

	result, err := fixture.service.SubmitEdit(t.Context(), EditRequest{
		PageID:          pageID,
		UserID:          alice,
		ExpectedVersion: 1,
		Sections:        titleEdit("About the team"),
		ChangeNote:      "rename",
	})
	if err != nil {
		t.Fatalf("submit edit: %v", err)
	}
	if result.Queued || result.Version != 2 || result.FileHash == "" {
		t.Fatalf("unexpected result %+v", result)
	}
	expected := `<html><body><h1 class="title">About the team</h1><p id="lead">We make pages.</p></body></html>`
	if content := fixture.fileContent(t); content != expected {
		t.Fatalf("unexpected file content %s", content)
	}
	versionsList, err := fixture.repo.ListVersions(t.Context(), pageID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if versionsList[0].ChangedBy != alice.String() || versionsList[0].ChangeNote != "rename" {
		t.Fatalf("unexpected history row %+v", versionsList[0])
	}
}

func TestSubmitEditRequiresLock(t *testing.T) {
	fixture := newEditFixture(t, true)

	_, err := fixture.service.SubmitEdit(t.Context(), EditRequest{PageID: pageID, UserID: alice, ExpectedVersion: 1, Sections: titleEdit("x")})
	if _, ok := pages.IsNotLockHolder(err); !ok {
		t.Fatalf("expected NotLockHolderError, got %v", err)
	}

	fixture.mustAcquire(t, bob)
	_, err = fixture.service.SubmitEdit(t.Context(), EditRequest{PageID: pageID, UserID: alice, ExpectedVersion: 1, Sections: titleEdit("x")})
	held, ok := pages.IsLockHeld(err)
	if !ok {
		t.Fatalf("expected LockHeldError, got %v", err)
	}
	if held.Holder != bob.String() {
		t.Fatalf("expected holder bob, got %s", held.Holder)
	}
	if content := fixture.fileContent(t); content != aboutFile {
		t.Fatalf("file changed after rejected edit")
	}
}

func TestSubmitEditRejectsExpiredLock(t *testing.T) {
	fixture := newEditFixture(t, true)
	fixture.mustAcquire(t, alice)
	fixture.clock.Advance(11 * time.Minute)

	_, err := fixture.service.SubmitEdit(t.Context(), EditRequest{PageID: pageID, UserID: alice, ExpectedVersion: 1, Sections: titleEdit("late")})
	if _, ok := pages.IsNotLockHolder(err); !ok {
		t.Fatalf("expected NotLockHolderError after expiry, got %v", err)
	}
}

func TestSubmitEditRejectsStaleVersion(t *testing.T) {
	fixture := newEditFixture(t, false)
	pagestest.AdvanceVersion(t, fixture.repo, pageID, 2)

	_, err := fixture.service.SubmitEdit(t.Context(), EditRequest{PageID: pageID, UserID: alice, ExpectedVersion: 1, Sections: titleEdit("stale")})
	conflict, ok := pages.IsVersionConflict(err)
	if !ok {
		t.Fatalf("expected VersionConflictError, got %v", err)
	}
	if conflict.Expected != 1 || conflict.Actual != 2 {
		t.Fatalf("unexpected conflict %+v", conflict)
	}
	if content := fixture.fileContent(t); content != aboutFile {
		t.Fatalf("file changed after stale edit")
	}
}

func TestSubmitEditQueuesAsyncEdit(t *testing.T) {
	fixture := newEditFixture(t, false)

	result, err := fixture.service.SubmitEdit(t.Context(), EditRequest{
		PageID:          pageID,
		UserID:          alice,
		ExpectedVersion: 1,
		Sections:        titleEdit("Later"),
		Async:           true,
	})
	if err != nil {
		t.Fatalf("submit edit: %v", err)
	}
	if !result.Queued || result.JobID == "" {
		t.Fatalf("expected queued result, got %+v", result)
	}
	page, err := fixture.repo.GetPage(t.Context(), pageID)
	if err != nil {
		t.Fatalf("get page: %v", err)
	}
	if page.SyncStatus != pages.SyncStatePending || page.Version != 1 {
		t.Fatalf("expected pending page at version 1, got %s v%d", page.SyncStatus, page.Version)
	}
	jobs, err := fixture.repo.ListJobs(t.Context(), pageID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Priority != pages.JobPriorityAsync {
		t.Fatalf("expected one async job, got %+v", jobs)
	}
	if content := fixture.fileContent(t); content != aboutFile {
		t.Fatalf("async edit must not touch the file before the worker runs")
	}
}

func TestSubmitEditRejectsEmptyEdit(t *testing.T) {
	fixture := newEditFixture(t, false)
	if _, err := fixture.service.SubmitEdit(t.Context(), EditRequest{PageID: pageID, UserID: alice, ExpectedVersion: 1}); err != ErrEmptyEdit {
		t.Fatalf("expected ErrEmptyEdit, got %v", err)
	}
}
