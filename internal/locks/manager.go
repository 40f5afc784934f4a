// Package locks implements per-page edit leases with TTL, renewal and forced takeover.
package locks

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
)

const (
	// DefaultTTL applies when a caller does not request a lease duration.
	DefaultTTL = 30 * time.Minute
	// DefaultMaxTTL caps requested lease durations.
	DefaultMaxTTL = 2 * time.Hour

	opNewManager = "locks.new_manager"
	opAcquire    = "locks.acquire"
	opRenew      = "locks.renew"
	opRelease    = "locks.release"
	opSweep      = "locks.sweep"

	reasonMissingStore = "missing_store"

	maxGrantAttempts = 2
)

var errMissingStore = errors.New("lock store is required")

// Store is the persistence the lock manager needs.
type Store interface {
	GetPage(ctx context.Context, pageID pages.PageID) (pages.Page, error)
	GrantLock(ctx context.Context, grant pages.LockGrant) (bool, error)
	ExtendLock(ctx context.Context, pageID pages.PageID, holder pages.UserID, nowMs, expiresAtMs int64) (bool, error)
	ClearLock(ctx context.Context, pageID pages.PageID, holder pages.UserID, force bool) (bool, error)
	ExpireLocks(ctx context.Context, nowMs int64) (int64, error)
}

// ManagerConfig describes the dependencies of a Manager.
type ManagerConfig struct {
	Store      Store
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	Clock      func() time.Time
	Publisher  pages.EventPublisher
	Logger     *zap.Logger
}

// Manager grants and revokes edit leases.
type Manager struct {
	store      Store
	defaultTTL time.Duration
	maxTTL     time.Duration
	clock      func() time.Time
	publisher  pages.EventPublisher
	logger     *zap.Logger
}

// NewManager validates the configuration and applies defaults.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, pages.NewServiceError(opNewManager, reasonMissingStore, errMissingStore)
	}
	defaultTTL := cfg.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	maxTTL := cfg.MaxTTL
	if maxTTL <= 0 {
		maxTTL = DefaultMaxTTL
	}
	if defaultTTL > maxTTL {
		defaultTTL = maxTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = pages.NopPublisher()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:      cfg.Store,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
		clock:      clock,
		publisher:  publisher,
		logger:     logger,
	}, nil
}

// Lease describes a granted lock.
type Lease struct {
	PageID    string    `json:"page_id"`
	Holder    string    `json:"holder"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
	// Renewed is set when the caller already held the lock.
	Renewed bool `json:"renewed"`
	// Displaced is the live holder replaced by a forced takeover.
	Displaced string `json:"displaced,omitempty"`
}

// Status is the derived lock state of a page.
type Status struct {
	PageID      string          `json:"page_id"`
	Locked      bool            `json:"locked"`
	Holder      string          `json:"holder,omitempty"`
	LockedAt    time.Time       `json:"locked_at,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at,omitempty"`
	Remaining   time.Duration   `json:"remaining"`
	StoredState pages.LockState `json:"stored_state"`
}

// StatusOf derives the lock status of page at now. A LOCKED row whose expiry has passed is
// reported unlocked.
func StatusOf(page pages.Page, now time.Time) Status {
	status := Status{PageID: page.ID, StoredState: page.LockStatus}
	if !page.LockIsLive(now.UnixMilli()) {
		return status
	}
	status.Locked = true
	status.Holder = page.LockedBy
	status.LockedAt = time.UnixMilli(page.LockedAtMs).UTC()
	status.ExpiresAt = time.UnixMilli(page.LockExpiresAtMs).UTC()
	status.Remaining = status.ExpiresAt.Sub(now)
	return status
}

func (m *Manager) leaseDuration(requested time.Duration) time.Duration {
	if requested <= 0 {
		return m.defaultTTL
	}
	if requested > m.maxTTL {
		return m.maxTTL
	}
	return requested
}

// Acquire grants the lock to userID. A caller that already holds the lock renews it. Another
// live holder yields *pages.LockHeldError unless force is set, in which case the lock is taken
// over and the takeover is logged and published.
func (m *Manager) Acquire(ctx context.Context, pageID pages.PageID, userID pages.UserID, duration time.Duration, force bool) (Lease, error) {
	ttl := m.leaseDuration(duration)
	for attempt := 0; attempt < maxGrantAttempts; attempt++ {
		before, err := m.store.GetPage(ctx, pageID)
		if err != nil {
			return Lease{}, err
		}
		now := m.clock().UTC()
		nowMs := now.UnixMilli()
		previous := StatusOf(before, now)

		granted, err := m.store.GrantLock(ctx, pages.LockGrant{
			PageID:      pageID,
			Holder:      userID,
			NowMs:       nowMs,
			ExpiresAtMs: now.Add(ttl).UnixMilli(),
			Force:       force,
		})
		if err != nil {
			return Lease{}, err
		}
		if !granted {
			after, err := m.store.GetPage(ctx, pageID)
			if err != nil {
				return Lease{}, err
			}
			current := StatusOf(after, m.clock().UTC())
			if current.Locked && current.Holder != userID.String() {
				return Lease{}, &pages.LockHeldError{
					PageID:    pageID.String(),
					Holder:    current.Holder,
					Since:     current.LockedAt,
					ExpiresAt: current.ExpiresAt,
				}
			}
			continue
		}

		after, err := m.store.GetPage(ctx, pageID)
		if err != nil {
			return Lease{}, err
		}
		lease := Lease{
			PageID:    pageID.String(),
			Holder:    userID.String(),
			LockedAt:  time.UnixMilli(after.LockedAtMs).UTC(),
			ExpiresAt: time.UnixMilli(after.LockExpiresAtMs).UTC(),
			Renewed:   previous.Locked && previous.Holder == userID.String(),
		}
		eventType := pages.EventLockAcquired
		if lease.Renewed {
			eventType = pages.EventLockRenewed
		}
		if force && previous.Locked && previous.Holder != userID.String() {
			lease.Displaced = previous.Holder
			eventType = pages.EventLockForced
			m.logger.Warn("edit lock taken over",
				zap.String("operation", opAcquire),
				zap.String("page_id", pageID.String()),
				zap.String("holder", userID.String()),
				zap.String("displaced_holder", previous.Holder),
				zap.Time("displaced_expires_at", previous.ExpiresAt))
		}
		m.publisher.Publish(pages.Event{PageID: pageID.String(), Type: eventType, Actor: userID.String(), Version: after.Version, Timestamp: now})
		return lease, nil
	}
	return Lease{}, &pages.LockHeldError{PageID: pageID.String()}
}

// Renew extends a lock the caller still holds. The holder check is part of the update itself.
func (m *Manager) Renew(ctx context.Context, pageID pages.PageID, userID pages.UserID, duration time.Duration) (Lease, error) {
	now := m.clock().UTC()
	expiresAt := now.Add(m.leaseDuration(duration))
	extended, err := m.store.ExtendLock(ctx, pageID, userID, now.UnixMilli(), expiresAt.UnixMilli())
	if err != nil {
		return Lease{}, err
	}
	page, err := m.store.GetPage(ctx, pageID)
	if err != nil {
		return Lease{}, err
	}
	if !extended {
		current := StatusOf(page, now)
		m.logger.Info("lock renewal rejected",
			zap.String("operation", opRenew),
			zap.String("page_id", pageID.String()),
			zap.String("user_id", userID.String()),
			zap.String("holder", current.Holder))
		return Lease{}, &pages.NotLockHolderError{PageID: pageID.String(), UserID: userID.String(), Holder: current.Holder}
	}
	m.publisher.Publish(pages.Event{PageID: pageID.String(), Type: pages.EventLockRenewed, Actor: userID.String(), Version: page.Version, Timestamp: now})
	return Lease{
		PageID:    pageID.String(),
		Holder:    userID.String(),
		LockedAt:  time.UnixMilli(page.LockedAtMs).UTC(),
		ExpiresAt: time.UnixMilli(page.LockExpiresAtMs).UTC(),
		Renewed:   true,
	}, nil
}

// Release unlocks the page. Without force only the holder may release; releasing a page that
// is not live-locked is a no-op. It reports whether a lock was cleared.
func (m *Manager) Release(ctx context.Context, pageID pages.PageID, userID pages.UserID, force bool) (bool, error) {
	before, err := m.store.GetPage(ctx, pageID)
	if err != nil {
		return false, err
	}
	now := m.clock().UTC()
	previous := StatusOf(before, now)
	if !force && !previous.Locked && before.LockStatus != pages.LockStateLocked {
		return false, nil
	}
	cleared, err := m.store.ClearLock(ctx, pageID, userID, force)
	if err != nil {
		return false, err
	}
	if !cleared {
		current, err := m.store.GetPage(ctx, pageID)
		if err != nil {
			return false, err
		}
		status := StatusOf(current, m.clock().UTC())
		if status.Locked && status.Holder != userID.String() {
			return false, &pages.NotLockHolderError{PageID: pageID.String(), UserID: userID.String(), Holder: status.Holder}
		}
		return false, nil
	}
	if force && previous.Locked && previous.Holder != userID.String() {
		m.logger.Warn("edit lock force-released",
			zap.String("operation", opRelease),
			zap.String("page_id", pageID.String()),
			zap.String("released_by", userID.String()),
			zap.String("displaced_holder", previous.Holder))
	}
	m.publisher.Publish(pages.Event{PageID: pageID.String(), Type: pages.EventLockReleased, Actor: userID.String(), Version: before.Version, Timestamp: now})
	return previous.Locked, nil
}

// Status reports the derived lock state of a page.
func (m *Manager) Status(ctx context.Context, pageID pages.PageID) (Status, error) {
	page, err := m.store.GetPage(ctx, pageID)
	if err != nil {
		return Status{}, err
	}
	return StatusOf(page, m.clock().UTC()), nil
}

// RequireHolder returns the page when userID holds a live lock on it. Another live holder
// yields *pages.LockHeldError; no live lock yields *pages.NotLockHolderError.
func (m *Manager) RequireHolder(ctx context.Context, pageID pages.PageID, userID pages.UserID) (pages.Page, error) {
	page, err := m.store.GetPage(ctx, pageID)
	if err != nil {
		return pages.Page{}, err
	}
	status := StatusOf(page, m.clock().UTC())
	switch {
	case status.Locked && status.Holder == userID.String():
		return page, nil
	case status.Locked:
		return pages.Page{}, &pages.LockHeldError{PageID: pageID.String(), Holder: status.Holder, Since: status.LockedAt, ExpiresAt: status.ExpiresAt}
	default:
		return pages.Page{}, &pages.NotLockHolderError{PageID: pageID.String(), UserID: userID.String()}
	}
}

// Sweep marks every expired lock EXPIRED and clears its holder fields.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	count, err := m.store.ExpireLocks(ctx, m.clock().UTC().UnixMilli())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.logger.Info("expired locks swept", zap.String("operation", opSweep), zap.Int64("count", count))
	}
	return count, nil
}

// RunSweeper sweeps every interval until ctx is cancelled. Sweep errors are logged.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("lock sweep failed", zap.String("operation", opSweep), zap.Error(err))
			}
		}
	}
}
