package locks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
	"github.com/MarcoPoloResearchLab/pagesync/internal/pages/pagestest"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []pages.Event
}

func (p *recordingPublisher) Publish(event pages.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []pages.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]pages.EventType, 0, len(p.events))
	for _, event := range p.events {
		result = append(result, event.Type)
	}
	return result
}

type lockFixture struct {
	clock     *pagestest.Clock
	repo      *pages.Repository
	manager   *Manager
	publisher *recordingPublisher
	logs      *observer.ObservedLogs
}

func newLockFixture(t *testing.T, pageIDs ...string) lockFixture {
	t.Helper()
	clock := pagestest.NewClock(pagestest.Epoch)
	repo := pagestest.NewRepository(t, clock)
	for _, id := range pageIDs {
		pagestest.SeedPage(t, repo, id, id+".html", pages.Sections{pages.TextSection("headline", "h1", id)})
	}
	core, logs := observer.New(zapcore.InfoLevel)
	publisher := &recordingPublisher{}
	manager, err := NewManager(ManagerConfig{
		Store:      repo,
		DefaultTTL: 10 * time.Minute,
		MaxTTL:     time.Hour,
		Clock:      clock.Now,
		Publisher:  publisher,
		Logger:     zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}
	return lockFixture{clock: clock, repo: repo, manager: manager, publisher: publisher, logs: logs}
}

func TestAcquireBlocksOtherUsersWhileLive(t *testing.T) {
	fx := newLockFixture(t, "home", "about")
	users := []pages.UserID{"alice", "bob", "carol"}
	for _, pageID := range []pages.PageID{"home", "about"} {
		for _, holder := range users {
			if _, err := fx.manager.Release(t.Context(), pageID, holder, true); err != nil {
				t.Fatalf("unexpected release error: %v", err)
			}
			if _, err := fx.manager.Acquire(t.Context(), pageID, holder, 0, false); err != nil {
				t.Fatalf("expected %s to acquire %s: %v", holder, pageID, err)
			}
			for _, other := range users {
				if other == holder {
					lease, err := fx.manager.Acquire(t.Context(), pageID, other, 0, false)
					if err != nil || !lease.Renewed {
						t.Fatalf("expected holder %s to renew, lease=%#v err=%v", other, lease, err)
					}
					continue
				}
				_, err := fx.manager.Acquire(t.Context(), pageID, other, 0, false)
				held, ok := pages.IsLockHeld(err)
				if !ok {
					t.Fatalf("expected LockHeld for %s on %s, got %v", other, pageID, err)
				}
				if held.Holder != holder.String() {
					t.Fatalf("expected holder %s in error, got %s", holder, held.Holder)
				}
				if held.Since.IsZero() || held.ExpiresAt.IsZero() {
					t.Fatalf("expected lock timestamps in error: %#v", held)
				}
			}
		}
	}
}

func TestExpiredLockIsFreeBeforeSweep(t *testing.T) {
	fx := newLockFixture(t, "home")
	if _, err := fx.manager.Acquire(t.Context(), "home", "alice", time.Minute, false); err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	fx.clock.Advance(time.Minute + time.Second)

	status, err := fx.manager.Status(t.Context(), "home")
	if err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	if status.Locked {
		t.Fatalf("expected expired lock to read as unlocked")
	}
	if status.StoredState != pages.LockStateLocked {
		t.Fatalf("expected stored state to still be LOCKED before sweep, got %s", status.StoredState)
	}

	lease, err := fx.manager.Acquire(t.Context(), "home", "bob", 0, false)
	if err != nil {
		t.Fatalf("expected bob to acquire expired lock: %v", err)
	}
	if lease.Holder != "bob" || lease.Renewed {
		t.Fatalf("unexpected lease: %#v", lease)
	}
	if !lease.ExpiresAt.Equal(fx.clock.Now().Add(10 * time.Minute)) {
		t.Fatalf("expected default ttl, got %s", lease.ExpiresAt)
	}
}

func TestRenewRequiresHolder(t *testing.T) {
	fx := newLockFixture(t, "home")
	if _, err := fx.manager.Acquire(t.Context(), "home", "alice", time.Minute, false); err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}

	_, err := fx.manager.Renew(t.Context(), "home", "bob", time.Minute)
	notHolder, ok := pages.IsNotLockHolder(err)
	if !ok || notHolder.Holder != "alice" {
		t.Fatalf("expected NotLockHolder naming alice, got %v", err)
	}

	fx.clock.Advance(30 * time.Second)
	lease, err := fx.manager.Renew(t.Context(), "home", "alice", 5*time.Hour)
	if err != nil {
		t.Fatalf("unexpected renew error: %v", err)
	}
	if !lease.ExpiresAt.Equal(fx.clock.Now().Add(time.Hour)) {
		t.Fatalf("expected renewal clamped to max ttl, got %s", lease.ExpiresAt)
	}
	if !lease.LockedAt.Equal(pagestest.Epoch) {
		t.Fatalf("expected locked_at to be preserved, got %s", lease.LockedAt)
	}

	fx.clock.Advance(2 * time.Hour)
	if _, err := fx.manager.Renew(t.Context(), "home", "alice", time.Minute); err == nil {
		t.Fatalf("expected renewal of expired lock to fail")
	}
}

func TestReleaseHolderConditioned(t *testing.T) {
	fx := newLockFixture(t, "home")
	released, err := fx.manager.Release(t.Context(), "home", "alice", false)
	if err != nil || released {
		t.Fatalf("expected release of unlocked page to be a no-op, released=%v err=%v", released, err)
	}
	if _, err := fx.manager.Acquire(t.Context(), "home", "alice", 0, false); err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	if _, err := fx.manager.Release(t.Context(), "home", "bob", false); err == nil {
		t.Fatalf("expected bob release to fail")
	} else if _, ok := pages.IsNotLockHolder(err); !ok {
		t.Fatalf("expected NotLockHolder, got %v", err)
	}
	released, err = fx.manager.Release(t.Context(), "home", "alice", false)
	if err != nil || !released {
		t.Fatalf("expected alice to release, released=%v err=%v", released, err)
	}
	status, _ := fx.manager.Status(t.Context(), "home")
	if status.Locked || status.StoredState != pages.LockStateUnlocked {
		t.Fatalf("unexpected status after release: %#v", status)
	}
}

func TestForcedTakeoverIsAudited(t *testing.T) {
	fx := newLockFixture(t, "home")
	if _, err := fx.manager.Acquire(t.Context(), "home", "alice", 0, false); err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	lease, err := fx.manager.Acquire(t.Context(), "home", "admin", 0, true)
	if err != nil {
		t.Fatalf("unexpected forced acquire error: %v", err)
	}
	if lease.Displaced != "alice" || lease.Holder != "admin" {
		t.Fatalf("unexpected forced lease: %#v", lease)
	}
	entries := fx.logs.FilterMessage("edit lock taken over").All()
	if len(entries) != 1 {
		t.Fatalf("expected one takeover log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel || entries[0].ContextMap()["displaced_holder"] != "alice" {
		t.Fatalf("unexpected takeover log: %#v", entries[0])
	}
	types := fx.publisher.types()
	if len(types) != 2 || types[0] != pages.EventLockAcquired || types[1] != pages.EventLockForced {
		t.Fatalf("unexpected events: %v", types)
	}
}

func TestRequireHolder(t *testing.T) {
	fx := newLockFixture(t, "home")
	if _, err := fx.manager.RequireHolder(t.Context(), "home", "alice"); err == nil {
		t.Fatalf("expected failure without lock")
	} else if _, ok := pages.IsNotLockHolder(err); !ok {
		t.Fatalf("expected NotLockHolder, got %v", err)
	}
	if _, err := fx.manager.Acquire(t.Context(), "home", "alice", 0, false); err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	if _, err := fx.manager.RequireHolder(t.Context(), "home", "alice"); err != nil {
		t.Fatalf("expected alice to hold: %v", err)
	}
	if _, err := fx.manager.RequireHolder(t.Context(), "home", "bob"); err == nil {
		t.Fatalf("expected bob to be rejected")
	} else if _, ok := pages.IsLockHeld(err); !ok {
		t.Fatalf("expected LockHeld, got %v", err)
	}
	if _, err := fx.manager.RequireHolder(t.Context(), "ghost", "bob"); !errors.Is(err, pages.ErrPageNotFound) {
		t.Fatalf("expected ErrPageNotFound, got %v", err)
	}
}

func TestSweepExpiresStaleLocks(t *testing.T) {
	fx := newLockFixture(t, "home", "about")
	if _, err := fx.manager.Acquire(t.Context(), "home", "alice", time.Minute, false); err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	if _, err := fx.manager.Acquire(t.Context(), "about", "bob", time.Hour, false); err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	fx.clock.Advance(5 * time.Minute)
	count, err := fx.manager.Sweep(t.Context())
	if err != nil || count != 1 {
		t.Fatalf("expected one swept lock, count=%d err=%v", count, err)
	}
	status, _ := fx.manager.Status(t.Context(), "home")
	if status.StoredState != pages.LockStateExpired {
		t.Fatalf("expected EXPIRED, got %s", status.StoredState)
	}
	if _, err := fx.manager.Acquire(t.Context(), "home", "carol", 0, false); err != nil {
		t.Fatalf("expected acquire after sweep: %v", err)
	}
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	fx := newLockFixture(t, "home")
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		fx.manager.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop")
	}
}

func TestConcurrentAcquireSingleHolder(t *testing.T) {
	fx := newLockFixture(t, "home")
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders []string
	)
	for _, user := range []pages.UserID{"u1", "u2", "u3", "u4", "u5", "u6"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := fx.manager.Acquire(context.Background(), "home", user, 0, false)
			if err != nil {
				if _, ok := pages.IsLockHeld(err); !ok {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			holders = append(holders, lease.Holder)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(holders) != 1 {
		t.Fatalf("expected exactly one holder, got %v", holders)
	}
}
