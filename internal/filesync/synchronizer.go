// Package filesync mirrors page sections into static html files and the page store as one
// logical write, with backups, rollback and a retry queue.
package filesync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
	"github.com/MarcoPoloResearchLab/pagesync/internal/threat"
)

const (
	// DefaultMaxAttempts bounds the worker attempts of a queued sync job.
	DefaultMaxAttempts = 3

	opNewSynchronizer = "filesync.new_synchronizer"
	opSyncPage        = "filesync.sync_page"
	opEnqueueSync     = "filesync.enqueue_sync"
	opProcessJob      = "filesync.process_job"
	opVerifyIntegrity = "filesync.verify_integrity"

	reasonMissingDependency = "missing_dependency"
	reasonRestoreFailed     = "restore_failed"
	reasonEnqueueFailed     = "enqueue_failed"
	reasonStateFailed       = "state_update_failed"
	reasonInvalidPayload    = "invalid_payload"
)

var errMissingDependency = errors.New("synchronizer dependency is required")

// Store is the persistence the synchronizer needs.
type Store interface {
	GetPage(ctx context.Context, pageID pages.PageID) (pages.Page, error)
	CommitSync(ctx context.Context, commit pages.SyncCommit) (int64, error)
	SetSyncState(ctx context.Context, pageID pages.PageID, state pages.SyncState) error
	ClaimSync(ctx context.Context, pageID pages.PageID) (pages.SyncState, error)
	ReleaseSync(ctx context.Context, pageID pages.PageID, state pages.SyncState) error
	RecordSyncFailure(ctx context.Context, pageID pages.PageID, message string) error
	EnqueueJob(ctx context.Context, job *pages.SyncJob) error
}

// ContentSanitizer filters submitted sections.
type ContentSanitizer interface {
	SanitizeSection(section pages.Section) (pages.Section, error)
}

// DocumentValidator scores a rendered document for injected script.
type DocumentValidator interface {
	Validate(document, filePath string) threat.Result
}

// SynchronizerConfig describes the dependencies of a Synchronizer.
type SynchronizerConfig struct {
	Store Store
	// SiteFs is rooted at the site directory; page file paths are relative to it.
	SiteFs      afero.Fs
	Backups     *BackupStore
	Sanitizer   ContentSanitizer
	Validator   DocumentValidator
	MaxAttempts int
	Clock       func() time.Time
	Publisher   pages.EventPublisher
	Logger      *zap.Logger
}

// Synchronizer is the only writer of page files.
type Synchronizer struct {
	store       Store
	siteFs      afero.Fs
	backups     *BackupStore
	sanitizer   ContentSanitizer
	validator   DocumentValidator
	maxAttempts int
	clock       func() time.Time
	publisher   pages.EventPublisher
	logger      *zap.Logger
	fileLocks   keyedMutex
}

// NewSynchronizer validates the configuration and applies defaults.
func NewSynchronizer(cfg SynchronizerConfig) (*Synchronizer, error) {
	switch {
	case cfg.Store == nil:
		return nil, pages.NewServiceError(opNewSynchronizer, reasonMissingDependency, fmt.Errorf("%w: store", errMissingDependency))
	case cfg.SiteFs == nil:
		return nil, pages.NewServiceError(opNewSynchronizer, reasonMissingDependency, fmt.Errorf("%w: site filesystem", errMissingDependency))
	case cfg.Backups == nil:
		return nil, pages.NewServiceError(opNewSynchronizer, reasonMissingDependency, fmt.Errorf("%w: backup store", errMissingDependency))
	case cfg.Sanitizer == nil:
		return nil, pages.NewServiceError(opNewSynchronizer, reasonMissingDependency, fmt.Errorf("%w: sanitizer", errMissingDependency))
	case cfg.Validator == nil:
		return nil, pages.NewServiceError(opNewSynchronizer, reasonMissingDependency, fmt.Errorf("%w: validator", errMissingDependency))
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
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
	return &Synchronizer{
		store:       cfg.Store,
		siteFs:      cfg.SiteFs,
		backups:     cfg.Backups,
		sanitizer:   cfg.Sanitizer,
		validator:   cfg.Validator,
		maxAttempts: maxAttempts,
		clock:       clock,
		publisher:   publisher,
		logger:      logger,
	}, nil
}

// SyncRequest carries submitted sections for one page.
type SyncRequest struct {
	PageID   pages.PageID
	Sections pages.Sections
	// ExpectedVersion guards the commit; zero means the version read when the sync starts.
	ExpectedVersion int64
	ChangedBy       string
	ChangeNote      string
}

// SyncResult describes a committed dual write.
type SyncResult struct {
	PageID     string    `json:"page_id"`
	Version    int64     `json:"version"`
	FileHash   string    `json:"file_hash"`
	BackupPath string    `json:"backup_path"`
	SyncedAt   time.Time `json:"synced_at"`
}

// HashContent returns the hex sha256 of file content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// SyncPageWithFile writes the submitted sections into the page file and commits them with the
// next version. Rejected content, render failures and version conflicts stop before any byte is
// written. Any other failure restores the file from its backup, marks the page FAILED and queues
// a high-priority retry job. A page already being synced by another writer yields
// pages.ErrSyncInProgress.
func (s *Synchronizer) SyncPageWithFile(ctx context.Context, req SyncRequest) (SyncResult, error) {
	return s.sync(ctx, req, true)
}

// ProcessJob runs a queued sync job. Failures are returned to the worker, which owns the retry
// schedule, so no additional job is queued here. Rejections are recorded on the page, except
// version conflicts: the job is stale and a newer edit already committed.
func (s *Synchronizer) ProcessJob(ctx context.Context, job pages.SyncJob) error {
	if job.Operation != pages.JobOperationSyncPage {
		err := fmt.Errorf("%w: unsupported operation %q", pages.ErrInvalidSection, job.Operation)
		s.logError(opProcessJob, reasonInvalidPayload, err, zap.String("job_id", job.ID))
		return err
	}
	var payload pages.SyncPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		wrapped := fmt.Errorf("%w: payload: %v", pages.ErrInvalidSection, err)
		s.logError(opProcessJob, reasonInvalidPayload, wrapped, zap.String("job_id", job.ID))
		return wrapped
	}
	pageID, err := pages.NewPageID(job.PageID)
	if err != nil {
		return err
	}
	_, err = s.sync(ctx, SyncRequest{
		PageID:          pageID,
		Sections:        payload.Sections,
		ExpectedVersion: payload.ExpectedVersion,
		ChangedBy:       payload.ChangedBy,
		ChangeNote:      payload.ChangeNote,
	}, false)
	return err
}

// EnqueueSync validates the submitted sections against the page and queues a normal-priority
// job, marking the page PENDING.
func (s *Synchronizer) EnqueueSync(ctx context.Context, req SyncRequest) (pages.SyncJob, error) {
	page, err := s.store.GetPage(ctx, req.PageID)
	if err != nil {
		return pages.SyncJob{}, err
	}
	if _, _, err := page.Sections.Merge(req.Sections); err != nil {
		return pages.SyncJob{}, err
	}
	if req.ExpectedVersion == 0 {
		req.ExpectedVersion = page.Version
	}
	job, err := s.enqueue(ctx, page, req, pages.JobPriorityAsync, s.clock())
	if err != nil {
		return pages.SyncJob{}, err
	}
	if err := s.store.SetSyncState(ctx, req.PageID, pages.SyncStatePending); err != nil {
		return pages.SyncJob{}, err
	}
	s.publisher.Publish(pages.Event{PageID: page.ID, Type: pages.EventSyncQueued, Actor: req.ChangedBy, Version: page.Version, Timestamp: s.clock().UTC()})
	s.logger.Info("page sync queued",
		zap.String("operation", opEnqueueSync),
		zap.String("page_id", page.ID),
		zap.String("job_id", job.ID),
		zap.Int64("expected_version", req.ExpectedVersion))
	return job, nil
}

func (s *Synchronizer) enqueue(ctx context.Context, page pages.Page, req SyncRequest, priority int, scheduledAt time.Time) (pages.SyncJob, error) {
	payload, err := json.Marshal(pages.SyncPayload{
		FilePath:        page.FilePath,
		Sections:        req.Sections,
		ChangedBy:       req.ChangedBy,
		ChangeNote:      req.ChangeNote,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		return pages.SyncJob{}, pages.NewServiceError(opEnqueueSync, reasonInvalidPayload, err)
	}
	job := pages.SyncJob{
		PageID:        page.ID,
		Operation:     pages.JobOperationSyncPage,
		PayloadJSON:   string(payload),
		Priority:      priority,
		MaxAttempts:   s.maxAttempts,
		ScheduledAtMs: scheduledAt.UTC().UnixMilli(),
	}
	if err := s.store.EnqueueJob(ctx, &job); err != nil {
		return pages.SyncJob{}, err
	}
	return job, nil
}

type syncAttempt struct {
	page     pages.Page
	filePath string
	request  SyncRequest
	// prior is the sync status the claim replaced.
	prior      pages.SyncState
	original   []byte
	backupPath string
	written    bool
}

func (s *Synchronizer) sync(ctx context.Context, req SyncRequest, queueRetry bool) (SyncResult, error) {
	page, err := s.store.GetPage(ctx, req.PageID)
	if err != nil {
		return SyncResult{}, err
	}
	if req.ExpectedVersion == 0 {
		req.ExpectedVersion = page.Version
	}
	filePath, err := pages.CleanFilePath(page.FilePath)
	if err != nil {
		return SyncResult{}, err
	}

	unlock := s.fileLocks.lock(filePath)
	defer unlock()

	prior, err := s.store.ClaimSync(ctx, req.PageID)
	if err != nil {
		return SyncResult{}, err
	}
	attempt := &syncAttempt{page: page, filePath: filePath, request: req, prior: prior}
	result, err := s.write(ctx, attempt, queueRetry)
	var syncErr *FileSyncError
	if err != nil && !errors.As(err, &syncErr) {
		s.settleRejection(ctx, attempt, err, queueRetry)
	}
	return result, err
}

// write runs a claimed sync. FileSyncErrors have already ended the claim; every other error
// leaves it to settleRejection.
func (s *Synchronizer) write(ctx context.Context, attempt *syncAttempt, queueRetry bool) (SyncResult, error) {
	req, page, filePath := attempt.request, attempt.page, attempt.filePath
	merged, applied, err := page.Sections.Merge(req.Sections)
	if err != nil {
		return SyncResult{}, err
	}
	cleanApplied := make(pages.Sections, 0, len(applied))
	for _, section := range applied {
		clean, err := s.sanitizer.SanitizeSection(section)
		if err != nil {
			return SyncResult{}, &ContentRejectedError{SectionID: section.ID, Err: err}
		}
		cleanApplied = append(cleanApplied, clean)
	}
	merged, _, err = merged.Merge(cleanApplied)
	if err != nil {
		return SyncResult{}, err
	}

	original, err := afero.ReadFile(s.siteFs, filePath)
	if err != nil {
		return SyncResult{}, s.fail(ctx, attempt, StageRead, err, queueRetry)
	}
	attempt.original = original

	candidate, err := Render(original, cleanApplied)
	if err != nil {
		return SyncResult{}, &RenderError{PageID: page.ID, FilePath: filePath, Err: err}
	}
	if verdict := s.validator.Validate(string(candidate), filePath); !verdict.Valid {
		return SyncResult{}, verdict.Err()
	}

	current, err := s.store.GetPage(ctx, req.PageID)
	if err != nil {
		return SyncResult{}, err
	}
	if current.Version != req.ExpectedVersion {
		return SyncResult{}, &pages.VersionConflictError{PageID: page.ID, Expected: req.ExpectedVersion, Actual: current.Version}
	}

	backupPath, err := s.backups.Create(filePath, original)
	if backupPath == "" && err != nil {
		return SyncResult{}, s.fail(ctx, attempt, StageBackup, err, queueRetry)
	}
	if err != nil {
		s.logger.Warn("backup pruning failed", zap.String("operation", opSyncPage), zap.String("file_path", filePath), zap.Error(err))
	}
	attempt.backupPath = backupPath

	if len(candidate)*2 < len(original) {
		return SyncResult{}, s.fail(ctx, attempt, StageWrite, fmt.Errorf("%w: %d of %d bytes", ErrShrinkGuard, len(candidate), len(original)), queueRetry)
	}
	attempt.written = true
	if err := writeFileAtomic(s.siteFs, filePath, candidate); err != nil {
		return SyncResult{}, s.fail(ctx, attempt, StageWrite, err, queueRetry)
	}
	written, err := afero.ReadFile(s.siteFs, filePath)
	if err != nil {
		return SyncResult{}, s.fail(ctx, attempt, StageHash, err, queueRetry)
	}
	fileHash := HashContent(written)

	version, err := s.store.CommitSync(ctx, pages.SyncCommit{
		PageID:          req.PageID,
		Sections:        merged,
		ExpectedVersion: req.ExpectedVersion,
		FileHash:        fileHash,
		ChangedBy:       req.ChangedBy,
		ChangeNote:      req.ChangeNote,
	})
	if conflict, ok := pages.IsVersionConflict(err); ok {
		s.restore(attempt)
		return SyncResult{}, conflict
	}
	if err != nil {
		return SyncResult{}, s.fail(ctx, attempt, StageCommit, err, queueRetry)
	}

	syncedAt := s.clock().UTC()
	s.publisher.Publish(pages.Event{PageID: page.ID, Type: pages.EventSynced, Actor: req.ChangedBy, Version: version, Timestamp: syncedAt})
	s.logger.Info("page synced",
		zap.String("operation", opSyncPage),
		zap.String("page_id", page.ID),
		zap.String("file_path", filePath),
		zap.Int64("version", version),
		zap.String("file_hash", fileHash))
	return SyncResult{
		PageID:     page.ID,
		Version:    version,
		FileHash:   fileHash,
		BackupPath: backupPath,
		SyncedAt:   syncedAt,
	}, nil
}

// settleRejection ends the claim of a sync that stopped before writing. Queued jobs record the
// rejection on the page since no editor is waiting for it; version conflicts restore the
// previous status because the page already holds a newer commit.
func (s *Synchronizer) settleRejection(ctx context.Context, attempt *syncAttempt, cause error, queueRetry bool) {
	ctx = context.WithoutCancel(ctx)
	pageID := pages.PageID(attempt.page.ID)
	_, conflict := pages.IsVersionConflict(cause)
	if queueRetry || conflict {
		if err := s.store.ReleaseSync(ctx, pageID, attempt.prior); err != nil {
			s.logError(opSyncPage, reasonStateFailed, err, zap.String("page_id", attempt.page.ID))
		}
		return
	}
	if err := s.store.RecordSyncFailure(ctx, pageID, cause.Error()); err != nil {
		s.logError(opProcessJob, reasonStateFailed, err, zap.String("page_id", attempt.page.ID))
	}
}

// fail restores the file, records the failure on the page and, when requested, queues a retry.
func (s *Synchronizer) fail(ctx context.Context, attempt *syncAttempt, stage Stage, cause error, queueRetry bool) error {
	ctx = context.WithoutCancel(ctx)
	syncErr := &FileSyncError{PageID: attempt.page.ID, FilePath: attempt.filePath, Stage: stage, Err: cause}
	s.restore(attempt)

	if queueRetry {
		job, err := s.enqueue(ctx, attempt.page, attempt.request, pages.JobPriorityRetry, s.clock())
		if err != nil {
			s.logError(opSyncPage, reasonEnqueueFailed, err, zap.String("page_id", attempt.page.ID))
		} else {
			syncErr.RetryJobID = job.ID
		}
	}
	if err := s.store.RecordSyncFailure(ctx, pages.PageID(attempt.page.ID), syncErr.Error()); err != nil {
		s.logError(opSyncPage, reasonStateFailed, err, zap.String("page_id", attempt.page.ID))
	}
	s.publisher.Publish(pages.Event{PageID: attempt.page.ID, Type: pages.EventSyncFailed, Actor: attempt.request.ChangedBy, Version: attempt.page.Version, Timestamp: s.clock().UTC()})
	s.logger.Error("page sync failed",
		zap.String("operation", opSyncPage),
		zap.String("page_id", attempt.page.ID),
		zap.String("stage", string(stage)),
		zap.String("retry_job_id", syncErr.RetryJobID),
		zap.Error(cause))
	return syncErr
}

// restore puts the pre-sync bytes back when the file may have been touched.
func (s *Synchronizer) restore(attempt *syncAttempt) {
	if !attempt.written {
		return
	}
	content := attempt.original
	if attempt.backupPath != "" {
		if backup, err := s.backups.Read(attempt.backupPath); err == nil {
			content = backup
		} else {
			s.logError(opSyncPage, reasonRestoreFailed, err, zap.String("backup_path", attempt.backupPath))
		}
	}
	if err := writeFileAtomic(s.siteFs, attempt.filePath, content); err != nil {
		s.logError(opSyncPage, reasonRestoreFailed, err,
			zap.String("page_id", attempt.page.ID),
			zap.String("file_path", attempt.filePath),
			zap.String("backup_path", attempt.backupPath))
	}
}

// IntegrityReport compares the stored and on-disk hashes of a page file.
type IntegrityReport struct {
	PageID     string `json:"page_id"`
	FilePath   string `json:"file_path"`
	StoredHash string `json:"stored_hash"`
	ActualHash string `json:"actual_hash"`
	Match      bool   `json:"match"`
}

// VerifyFileIntegrity recomputes the on-disk hash of a page file. A mismatch returns the
// report together with an *IntegrityError.
func (s *Synchronizer) VerifyFileIntegrity(ctx context.Context, pageID pages.PageID) (IntegrityReport, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return IntegrityReport{}, err
	}
	filePath, err := pages.CleanFilePath(page.FilePath)
	if err != nil {
		return IntegrityReport{}, err
	}
	content, err := afero.ReadFile(s.siteFs, filePath)
	if err != nil {
		s.logError(opVerifyIntegrity, string(StageRead), err, zap.String("page_id", page.ID))
		return IntegrityReport{}, &FileSyncError{PageID: page.ID, FilePath: filePath, Stage: StageRead, Err: err}
	}
	report := IntegrityReport{
		PageID:     page.ID,
		FilePath:   filePath,
		StoredHash: page.FileHash,
		ActualHash: HashContent(content),
	}
	report.Match = report.StoredHash == report.ActualHash
	if !report.Match {
		return report, &IntegrityError{PageID: page.ID, FilePath: filePath, Expected: report.StoredHash, Actual: report.ActualHash}
	}
	return report, nil
}

func (s *Synchronizer) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("filesync error", attrs...)
}

// keyedMutex serializes writers per file path.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &sync.Mutex{}
		k.locks[key] = entry
	}
	k.mu.Unlock()
	entry.Lock()
	return entry.Unlock
}
