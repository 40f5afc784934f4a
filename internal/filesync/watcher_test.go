package filesync

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
)

type staticPages struct {
	mu    sync.Mutex
	pages map[string]pages.Page
}

func (s *staticPages) ListPages(context.Context) ([]pages.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]pages.Page, 0, len(s.pages))
	for _, page := range s.pages {
		list = append(list, page)
	}
	return list, nil
}

func (s *staticPages) GetPage(_ context.Context, pageID pages.PageID) (pages.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[pageID.String()]
	if !ok {
		return pages.Page{}, pages.ErrPageNotFound
	}
	return page, nil
}

// diskVerifier hashes files under root and compares them with the stored page hash.
type diskVerifier struct {
	root  string
	pages *staticPages
	calls atomic.Int32
}

func (v *diskVerifier) VerifyFileIntegrity(ctx context.Context, pageID pages.PageID) (IntegrityReport, error) {
	v.calls.Add(1)
	page, err := v.pages.GetPage(ctx, pageID)
	if err != nil {
		return IntegrityReport{}, err
	}
	content, err := os.ReadFile(filepath.Join(v.root, page.FilePath))
	if err != nil {
		return IntegrityReport{}, err
	}
	report := IntegrityReport{PageID: page.ID, FilePath: page.FilePath, StoredHash: page.FileHash, ActualHash: HashContent(content)}
	report.Match = report.StoredHash == report.ActualHash
	if !report.Match {
		return report, &IntegrityError{PageID: page.ID, FilePath: page.FilePath, Expected: report.StoredHash, Actual: report.ActualHash}
	}
	return report, nil
}

func writeSiteFile(t *testing.T, root, relative, content string) {
	t.Helper()
	target := filepath.Join(root, relative)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", relative, err)
	}
}

func TestWatcherReportsOutOfBandEdit(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	writeSiteFile(t, root, "blog/index.html", "<p>original</p>")
	store := &staticPages{pages: map[string]pages.Page{
		"blog": {ID: "blog", FilePath: "blog/index.html", FileHash: HashContent([]byte("<p>original</p>")), SyncStatus: pages.SyncStateSynced},
	}}
	verifier := &diskVerifier{root: root, pages: store}
	mismatches := make(chan IntegrityReport, 4)

	watcher, err := NewWatcher(WatcherConfig{
		Root:     root,
		Pages:    store,
		Verifier: verifier,
		Debounce: 20 * time.Millisecond,
		OnMismatch: func(report IntegrityReport) {
			mismatches <- report
		},
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := watcher.Start(t.Context()); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer watcher.Stop()

	writeSiteFile(t, root, "blog/other.html", "<p>untracked</p>")
	writeSiteFile(t, root, "blog/index.html", "<p>defaced</p>")

	select {
	case report := <-mismatches:
		if report.PageID != "blog" || report.Match {
			t.Fatalf("unexpected report %+v", report)
		}
		if report.ActualHash != HashContent([]byte("<p>defaced</p>")) {
			t.Fatalf("unexpected actual hash %s", report.ActualHash)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected a mismatch report")
	}
	watcher.Stop()
}

func TestWatcherSkipsPagesBeingSynced(t *testing.T) {
	store := &staticPages{pages: map[string]pages.Page{
		"home": {ID: "home", FilePath: "index.html", SyncStatus: pages.SyncStateInProgress},
	}}
	verifier := &diskVerifier{root: t.TempDir(), pages: store}
	watcher, err := NewWatcher(WatcherConfig{Root: verifier.root, Pages: store, Verifier: verifier})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}

	watcher.check(t.Context(), "home")

	if calls := verifier.calls.Load(); calls != 0 {
		t.Fatalf("expected no verification while syncing, got %d", calls)
	}
}

func TestWatcherStopWithoutStart(t *testing.T) {
	defer goleak.VerifyNone(t)
	watcher, err := NewWatcher(WatcherConfig{Root: t.TempDir(), Pages: &staticPages{}, Verifier: &diskVerifier{}})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	watcher.Stop()
	watcher.Stop()
}

func TestNewWatcherRequiresDependencies(t *testing.T) {
	if _, err := NewWatcher(WatcherConfig{}); err == nil {
		t.Fatalf("expected configuration error")
	}
}
