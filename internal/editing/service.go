// Package editing orchestrates an editor submission: lock ownership, the version gate and the
// dual write.
package editing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pagesync/internal/filesync"
	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
	"github.com/MarcoPoloResearchLab/pagesync/internal/versions"
)

const (
	opNewService = "editing.new_service"
	opSubmitEdit = "editing.submit_edit"

	reasonMissingDependency = "missing_dependency"
)

var (
	// ErrEmptyEdit indicates a submission without sections.
	ErrEmptyEdit = fmt.Errorf("%w: edit carries no sections", pages.ErrInvalidSection)

	errMissingDependency = errors.New("editing dependency is required")
)

// LockGuard confirms the editor holds the page lock.
type LockGuard interface {
	RequireHolder(ctx context.Context, pageID pages.PageID, userID pages.UserID) (pages.Page, error)
}

// VersionChecker rejects stale expected versions.
type VersionChecker interface {
	CheckVersion(ctx context.Context, pageID pages.PageID, expectedVersion int64, options ...versions.UpdateOption) (pages.Page, error)
}

// Syncer commits or queues the dual write.
type Syncer interface {
	SyncPageWithFile(ctx context.Context, req filesync.SyncRequest) (filesync.SyncResult, error)
	EnqueueSync(ctx context.Context, req filesync.SyncRequest) (pages.SyncJob, error)
}

// ServiceConfig describes the dependencies of the edit Service.
type ServiceConfig struct {
	Locks    LockGuard
	Versions VersionChecker
	Sync     Syncer
	// RequireLock rejects edits from users who do not hold a live lock.
	RequireLock bool
	Logger      *zap.Logger
}

// Service accepts editor submissions.
type Service struct {
	locks       LockGuard
	versions    VersionChecker
	sync        Syncer
	requireLock bool
	logger      *zap.Logger
}

// NewService validates the configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Locks == nil:
		return nil, pages.NewServiceError(opNewService, reasonMissingDependency, fmt.Errorf("%w: locks", errMissingDependency))
	case cfg.Versions == nil:
		return nil, pages.NewServiceError(opNewService, reasonMissingDependency, fmt.Errorf("%w: versions", errMissingDependency))
	case cfg.Sync == nil:
		return nil, pages.NewServiceError(opNewService, reasonMissingDependency, fmt.Errorf("%w: sync", errMissingDependency))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		locks:       cfg.Locks,
		versions:    cfg.Versions,
		sync:        cfg.Sync,
		requireLock: cfg.RequireLock,
		logger:      logger,
	}, nil
}

// EditRequest is one editor submission.
type EditRequest struct {
	PageID          pages.PageID
	UserID          pages.UserID
	ExpectedVersion int64
	Sections        pages.Sections
	ChangeNote      string
	Async           bool
}

// EditResult reports a committed or queued edit.
type EditResult struct {
	PageID     string    `json:"page_id"`
	Queued     bool      `json:"queued"`
	JobID      string    `json:"job_id,omitempty"`
	Version    int64     `json:"version"`
	FileHash   string    `json:"file_hash,omitempty"`
	BackupPath string    `json:"backup_path,omitempty"`
	SyncedAt   time.Time `json:"synced_at,omitzero"`
}

// SubmitEdit checks lock ownership and the expected version, then writes the page file and
// record together, or queues the write when req.Async is set.
func (s *Service) SubmitEdit(ctx context.Context, req EditRequest) (EditResult, error) {
	if len(req.Sections) == 0 {
		return EditResult{}, ErrEmptyEdit
	}
	if s.requireLock {
		if _, err := s.locks.RequireHolder(ctx, req.PageID, req.UserID); err != nil {
			return EditResult{}, err
		}
	}
	if _, err := s.versions.CheckVersion(ctx, req.PageID, req.ExpectedVersion); err != nil {
		return EditResult{}, err
	}

	syncRequest := filesync.SyncRequest{
		PageID:          req.PageID,
		Sections:        req.Sections,
		ExpectedVersion: req.ExpectedVersion,
		ChangedBy:       req.UserID.String(),
		ChangeNote:      req.ChangeNote,
	}
	if req.Async {
		job, err := s.sync.EnqueueSync(ctx, syncRequest)
		if err != nil {
			return EditResult{}, err
		}
		return EditResult{PageID: req.PageID.String(), Queued: true, JobID: job.ID, Version: req.ExpectedVersion}, nil
	}

	result, err := s.sync.SyncPageWithFile(ctx, syncRequest)
	if err != nil {
		return EditResult{}, err
	}
	s.logger.Info("page edit committed",
		zap.String("operation", opSubmitEdit),
		zap.String("page_id", result.PageID),
		zap.String("user_id", req.UserID.String()),
		zap.Int64("version", result.Version),
		zap.Int("sections", len(req.Sections)))
	return EditResult{
		PageID:     result.PageID,
		Version:    result.Version,
		FileHash:   result.FileHash,
		BackupPath: result.BackupPath,
		SyncedAt:   result.SyncedAt,
	}, nil
}
