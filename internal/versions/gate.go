// Package versions guards structured page updates with an optimistic version check.
package versions

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
)

const (
	// DefaultMaxRetries is the number of re-reads allowed before a mismatch becomes a conflict.
	DefaultMaxRetries = 3
	// NoRetries disables re-reads: the first mismatch is a conflict.
	NoRetries = -1
	// DefaultRetryDelay is the base backoff between re-reads.
	DefaultRetryDelay = 100 * time.Millisecond

	opNewGate       = "versions.new_gate"
	opUpdateVersion = "versions.update_with_version"
	opCheckVersion  = "versions.check_version"

	reasonMissingStore = "missing_store"
)

var errMissingStore = errors.New("version store is required")

// Store is the persistence the gate needs.
type Store interface {
	GetPage(ctx context.Context, pageID pages.PageID) (pages.Page, error)
	UpdateSectionsIfVersion(ctx context.Context, update pages.VersionedUpdate) (bool, error)
}

// GateConfig describes the dependencies of a Gate.
type GateConfig struct {
	Store Store
	// MaxRetries of zero uses DefaultMaxRetries; NoRetries disables re-reads.
	MaxRetries int
	RetryDelay time.Duration
	// Sleep waits between re-reads; nil uses a context-aware timer.
	Sleep  func(ctx context.Context, delay time.Duration) error
	Logger *zap.Logger
}

// Gate performs compare-and-swap updates on the page version.
type Gate struct {
	store      Store
	maxRetries int
	retryDelay time.Duration
	sleep      func(ctx context.Context, delay time.Duration) error
	logger     *zap.Logger
}

// NewGate validates the configuration and applies defaults.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Store == nil {
		return nil, pages.NewServiceError(opNewGate, reasonMissingStore, errMissingStore)
	}
	maxRetries := cfg.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = DefaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		store:      cfg.Store,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		sleep:      sleep,
		logger:     logger,
	}, nil
}

// UpdateRequest is a versioned structured update.
type UpdateRequest struct {
	PageID          pages.PageID
	Sections        pages.Sections
	ExpectedVersion int64
	ChangedBy       string
	ChangeNote      string
}

type updateOptions struct {
	maxRetries int
	retryDelay time.Duration
}

// UpdateOption adjusts a single UpdateWithVersion call.
type UpdateOption func(*updateOptions)

// WithRetries overrides the re-read budget and base delay for one call.
func WithRetries(maxRetries int, retryDelay time.Duration) UpdateOption {
	return func(opts *updateOptions) {
		if maxRetries >= 0 {
			opts.maxRetries = maxRetries
		}
		if retryDelay > 0 {
			opts.retryDelay = retryDelay
		}
	}
}

// UpdateWithVersion applies req only when the stored version equals req.ExpectedVersion and
// returns the new version. Of any number of concurrent callers with the same expected version
// exactly one succeeds; the rest receive *pages.VersionConflictError.
func (g *Gate) UpdateWithVersion(ctx context.Context, req UpdateRequest, options ...UpdateOption) (int64, error) {
	opts := updateOptions{maxRetries: g.maxRetries, retryDelay: g.retryDelay}
	for _, option := range options {
		option(&opts)
	}
	if _, err := g.awaitVersion(ctx, req.PageID, req.ExpectedVersion, opts); err != nil {
		return 0, err
	}
	applied, err := g.store.UpdateSectionsIfVersion(ctx, pages.VersionedUpdate{
		PageID:          req.PageID,
		Sections:        req.Sections,
		ExpectedVersion: req.ExpectedVersion,
		ChangedBy:       req.ChangedBy,
		ChangeNote:      req.ChangeNote,
	})
	if err != nil {
		return 0, err
	}
	if !applied {
		current, readErr := g.store.GetPage(ctx, req.PageID)
		if readErr != nil {
			return 0, readErr
		}
		g.logger.Info("version compare-and-swap lost",
			zap.String("operation", opUpdateVersion),
			zap.String("page_id", req.PageID.String()),
			zap.Int64("expected_version", req.ExpectedVersion),
			zap.Int64("actual_version", current.Version))
		return 0, &pages.VersionConflictError{PageID: req.PageID.String(), Expected: req.ExpectedVersion, Actual: current.Version}
	}
	return req.ExpectedVersion + 1, nil
}

// CheckVersion runs the read-and-compare step alone with the configured retry budget and
// returns the page it read. Callers use it to reject stale edits before any file I/O.
func (g *Gate) CheckVersion(ctx context.Context, pageID pages.PageID, expectedVersion int64, options ...UpdateOption) (pages.Page, error) {
	opts := updateOptions{maxRetries: g.maxRetries, retryDelay: g.retryDelay}
	for _, option := range options {
		option(&opts)
	}
	return g.awaitVersion(ctx, pageID, expectedVersion, opts)
}

func (g *Gate) awaitVersion(ctx context.Context, pageID pages.PageID, expectedVersion int64, opts updateOptions) (pages.Page, error) {
	for attempt := 0; ; attempt++ {
		page, err := g.store.GetPage(ctx, pageID)
		if err != nil {
			return pages.Page{}, err
		}
		if page.Version == expectedVersion {
			return page, nil
		}
		if attempt >= opts.maxRetries {
			g.logger.Info("version check rejected",
				zap.String("operation", opCheckVersion),
				zap.String("page_id", pageID.String()),
				zap.Int64("expected_version", expectedVersion),
				zap.Int64("actual_version", page.Version),
				zap.Int("attempts", attempt+1))
			return pages.Page{}, &pages.VersionConflictError{PageID: pageID.String(), Expected: expectedVersion, Actual: page.Version}
		}
		if err := g.sleep(ctx, opts.retryDelay<<attempt); err != nil {
			return pages.Page{}, err
		}
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
