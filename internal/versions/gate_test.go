package versions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
	"github.com/MarcoPoloResearchLab/pagesync/internal/pages/pagestest"
)

func seededRepository(t *testing.T) *pages.Repository {
	t.Helper()
	repo := pagestest.NewRepository(t, pagestest.NewClock(pagestest.Epoch))
	pagestest.SeedPage(t, repo, "home", "index.html", pages.Sections{pages.TextSection("headline", "h1", "Welcome")})
	return repo
}

func newTestGate(t *testing.T, store Store, sleeps *[]time.Duration) *Gate {
	t.Helper()
	gate, err := NewGate(GateConfig{
		Store:      store,
		MaxRetries: NoRetries,
		RetryDelay: 10 * time.Millisecond,
		Sleep: func(_ context.Context, delay time.Duration) error {
			if sleeps != nil {
				*sleeps = append(*sleeps, delay)
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("failed to build gate: %v", err)
	}
	return gate
}

func headline(text string) pages.Sections {
	return pages.Sections{pages.TextSection("headline", "h1", text)}
}

func TestUpdateWithVersionConflictScenario(t *testing.T) {
	repo := seededRepository(t)
	pagestest.AdvanceVersion(t, repo, "home", 5)
	gate := newTestGate(t, repo, nil)

	version, err := gate.UpdateWithVersion(t.Context(), UpdateRequest{PageID: "home", Sections: headline("A"), ExpectedVersion: 5, ChangedBy: "client-a"})
	if err != nil {
		t.Fatalf("expected client A to succeed: %v", err)
	}
	if version != 6 {
		t.Fatalf("expected version 6, got %d", version)
	}

	_, err = gate.UpdateWithVersion(t.Context(), UpdateRequest{PageID: "home", Sections: headline("B"), ExpectedVersion: 5, ChangedBy: "client-b"})
	conflict, ok := pages.IsVersionConflict(err)
	if !ok {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if conflict.Expected != 5 || conflict.Actual != 6 {
		t.Fatalf("unexpected conflict: %#v", conflict)
	}

	page, err := repo.GetPage(t.Context(), "home")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	stored, _ := page.Sections.Find("headline")
	if *stored.Text != "A" {
		t.Fatalf("expected client A content to persist, got %q", *stored.Text)
	}
}

func TestUpdateWithVersionConcurrentCallersSingleWinner(t *testing.T) {
	repo := seededRepository(t)
	gate := newTestGate(t, repo, nil)

	const callers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []int64
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			version, err := gate.UpdateWithVersion(context.Background(), UpdateRequest{PageID: "home", Sections: headline("race"), ExpectedVersion: 1, ChangedBy: "racer"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, version)
				return
			}
			if _, ok := pages.IsVersionConflict(err); ok {
				conflicts++
				return
			}
			t.Errorf("unexpected error: %v", err)
		}()
	}
	wg.Wait()

	if len(winners) != 1 || winners[0] != 2 {
		t.Fatalf("expected one winner at version 2, got %v", winners)
	}
	if conflicts != callers-1 {
		t.Fatalf("expected %d conflicts, got %d", callers-1, conflicts)
	}
}

func TestUpdateWithVersionBacksOffBeforeConflict(t *testing.T) {
	repo := seededRepository(t)
	pagestest.AdvanceVersion(t, repo, "home", 3)
	var sleeps []time.Duration
	gate := newTestGate(t, repo, &sleeps)

	_, err := gate.UpdateWithVersion(t.Context(), UpdateRequest{PageID: "home", Sections: headline("x"), ExpectedVersion: 2}, WithRetries(3, 10*time.Millisecond))
	if _, ok := pages.IsVersionConflict(err); !ok {
		t.Fatalf("expected conflict after retries, got %v", err)
	}
	expected := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(sleeps) != len(expected) {
		t.Fatalf("expected %d sleeps, got %v", len(expected), sleeps)
	}
	for i := range expected {
		if sleeps[i] != expected[i] {
			t.Fatalf("unexpected backoff schedule: %v", sleeps)
		}
	}
}

type laggingStore struct {
	Store
	mu    sync.Mutex
	reads int
	stale int
}

func (s *laggingStore) GetPage(ctx context.Context, pageID pages.PageID) (pages.Page, error) {
	page, err := s.Store.GetPage(ctx, pageID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.reads <= s.stale {
		page.Version--
	}
	return page, err
}

func TestUpdateWithVersionRetriesStaleReads(t *testing.T) {
	repo := seededRepository(t)
	pagestest.AdvanceVersion(t, repo, "home", 2)
	store := &laggingStore{Store: repo, stale: 2}
	var sleeps []time.Duration
	gate := newTestGate(t, store, &sleeps)

	version, err := gate.UpdateWithVersion(t.Context(), UpdateRequest{PageID: "home", Sections: headline("late"), ExpectedVersion: 2}, WithRetries(2, 5*time.Millisecond))
	if err != nil {
		t.Fatalf("expected update to succeed after stale reads: %v", err)
	}
	if version != 3 {
		t.Fatalf("expected version 3, got %d", version)
	}
	if len(sleeps) != 2 {
		t.Fatalf("expected two backoffs, got %v", sleeps)
	}
}

func TestCheckVersionPropagatesMissingPage(t *testing.T) {
	gate := newTestGate(t, seededRepository(t), nil)
	if _, err := gate.CheckVersion(t.Context(), "ghost", 1); !errors.Is(err, pages.ErrPageNotFound) {
		t.Fatalf("expected ErrPageNotFound, got %v", err)
	}
	page, err := gate.CheckVersion(t.Context(), "home", 1)
	if err != nil || page.Version != 1 {
		t.Fatalf("expected matching version, got %d (%v)", page.Version, err)
	}
}

func TestNewGateRetryBudget(t *testing.T) {
	testCases := []struct {
		name       string
		maxRetries int
		sleeps     int
	}{
		{name: "zero uses default", maxRetries: 0, sleeps: DefaultMaxRetries},
		{name: "explicit budget", maxRetries: 1, sleeps: 1},
		{name: "disabled", maxRetries: NoRetries, sleeps: 0},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			repo := seededRepository(t)
			pagestest.AdvanceVersion(t, repo, "home", 3)
			var sleeps []time.Duration
			gate, err := NewGate(GateConfig{
				Store:      repo,
				MaxRetries: testCase.maxRetries,
				Sleep: func(_ context.Context, delay time.Duration) error {
					sleeps = append(sleeps, delay)
					return nil
				},
			})
			if err != nil {
				t.Fatalf("failed to build gate: %v", err)
			}
			if _, err := gate.CheckVersion(t.Context(), "home", 2); err == nil {
				t.Fatalf("expected conflict")
			}
			if len(sleeps) != testCase.sleeps {
				t.Fatalf("expected %d re-reads, got %v", testCase.sleeps, sleeps)
			}
		})
	}
}

func TestNewGateRequiresStore(t *testing.T) {
	_, err := NewGate(GateConfig{})
	var serviceErr *pages.ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "versions.new_gate.missing_store" {
		t.Fatalf("expected missing store error, got %v", err)
	}
}
