package pages

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opRepositoryNew     = "pages.repository.new"
	opCreatePage        = "pages.create_page"
	opGetPage           = "pages.get_page"
	opListPages         = "pages.list_pages"
	opListVersions      = "pages.list_versions"
	opGrantLock         = "pages.grant_lock"
	opExtendLock        = "pages.extend_lock"
	opClearLock         = "pages.clear_lock"
	opExpireLocks       = "pages.expire_locks"
	opUpdateIfVersion   = "pages.update_if_version"
	opCommitSync        = "pages.commit_sync"
	opSetSyncState      = "pages.set_sync_state"
	opClaimSync         = "pages.claim_sync"
	opReleaseSync       = "pages.release_sync"
	opRecordSyncFailure = "pages.record_sync_failure"
	opRecordFileHash    = "pages.record_file_hash"
	opEnqueueJob        = "pages.enqueue_job"
	opListDueJobs       = "pages.list_due_jobs"
	opClaimJob          = "pages.claim_job"
	opReclaimJobs       = "pages.reclaim_jobs"
	opFinishJob         = "pages.finish_job"
	opPurgeJobs         = "pages.purge_jobs"
	opCountJobs         = "pages.count_jobs"
	opListJobs          = "pages.list_jobs"

	fieldPageID = "page_id"
	fieldJobID  = "job_id"

	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonInvalidSections   = "invalid_sections"
	reasonIDGeneration      = "id_generation_failed"
	reasonInsertFailed      = "insert_failed"
	reasonQueryFailed       = "query_failed"
	reasonUpdateFailed      = "update_failed"
	reasonDeleteFailed      = "delete_failed"

	queryPageID            = "id = ?"
	queryPageVersion       = "id = ? AND version = ?"
	queryPageSyncState     = "id = ? AND sync_status = ?"
	queryPageNotSyncState  = "id = ? AND sync_status <> ?"
	queryLockAvailable     = "(lock_status <> ? OR lock_expires_at_ms < ? OR locked_by = ?)"
	queryLockHeldBy        = "id = ? AND lock_status = ? AND locked_by = ?"
	queryLockLiveHeldBy    = "id = ? AND lock_status = ? AND locked_by = ? AND lock_expires_at_ms >= ?"
	queryLockStale         = "lock_status = ? AND lock_expires_at_ms < ?"
	queryJobsDue           = "status = ? AND attempts < max_attempts AND scheduled_at_ms <= ?"
	queryJobStatus         = "id = ? AND status = ?"
	queryJobsFinishedStale = "status IN ? AND updated_at_ms < ?"
	queryJobsAbandoned     = "status = ? AND updated_at_ms < ?"
	orderJobsDue           = "priority ASC, scheduled_at_ms ASC"
	lockedAtKeepExpr       = "CASE WHEN lock_status = ? AND locked_by = ? AND lock_expires_at_ms >= ? THEN locked_at_ms ELSE ? END"
)

// RepositoryConfig describes the dependencies of the gorm-backed page repository.
type RepositoryConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Repository persists pages, their version history and the sync queue.
// Every mutation that the engine relies on for mutual exclusion is a single
// conditional statement or a single transaction.
type Repository struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewRepository validates the configuration and returns a Repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, NewServiceError(opRepositoryNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, NewServiceError(opRepositoryNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Repository{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Models lists every table owned by the repository, for migrations.
func Models() []any {
	return []any{&Page{}, &PageVersion{}, &SyncJob{}}
}

func (r *Repository) nowMs() int64 {
	return r.clock().UTC().UnixMilli()
}

// CreatePage inserts a new page together with its version 1 history row.
func (r *Repository) CreatePage(ctx context.Context, page *Page, changedBy, changeNote string) error {
	if err := page.Sections.Validate(); err != nil {
		return NewServiceError(opCreatePage, reasonInvalidSections, err)
	}
	versionID, err := r.idProvider.NewID()
	if err != nil {
		r.logError(opCreatePage, reasonIDGeneration, err, zap.String(fieldPageID, page.ID))
		return NewServiceError(opCreatePage, reasonIDGeneration, err)
	}
	now := r.nowMs()
	page.Version = 1
	if page.LockStatus == "" {
		page.LockStatus = LockStateUnlocked
	}
	if page.SyncStatus == "" {
		page.SyncStatus = SyncStateSynced
	}
	page.CreatedAtMs = now
	page.UpdatedAtMs = now
	if page.LastSyncedAtMs == 0 && page.SyncStatus == SyncStateSynced {
		page.LastSyncedAtMs = now
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(page).Error; err != nil {
			r.logError(opCreatePage, reasonInsertFailed, err, zap.String(fieldPageID, page.ID))
			return NewServiceError(opCreatePage, reasonInsertFailed, err)
		}
		record := PageVersion{
			ID:          versionID,
			PageID:      page.ID,
			Version:     page.Version,
			Sections:    page.Sections,
			ChangedBy:   changedBy,
			ChangeNote:  changeNote,
			CreatedAtMs: now,
		}
		if err := tx.Create(&record).Error; err != nil {
			r.logError(opCreatePage, reasonInsertFailed, err, zap.String(fieldPageID, page.ID))
			return NewServiceError(opCreatePage, reasonInsertFailed, err)
		}
		return nil
	})
}

// GetPage loads a page by id, returning ErrPageNotFound when it does not exist.
func (r *Repository) GetPage(ctx context.Context, pageID PageID) (Page, error) {
	var page Page
	err := r.db.WithContext(ctx).Where(queryPageID, pageID.String()).Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Page{}, ErrPageNotFound
	}
	if err != nil {
		r.logError(opGetPage, reasonQueryFailed, err, zap.String(fieldPageID, pageID.String()))
		return Page{}, NewServiceError(opGetPage, reasonQueryFailed, err)
	}
	return page, nil
}

// ListPages returns every page ordered by id.
func (r *Repository) ListPages(ctx context.Context) ([]Page, error) {
	var result []Page
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&result).Error; err != nil {
		r.logError(opListPages, reasonQueryFailed, err)
		return nil, NewServiceError(opListPages, reasonQueryFailed, err)
	}
	return result, nil
}

// ListVersions returns the version history of a page, newest first.
func (r *Repository) ListVersions(ctx context.Context, pageID PageID) ([]PageVersion, error) {
	var result []PageVersion
	if err := r.db.WithContext(ctx).
		Where("page_id = ?", pageID.String()).
		Order("version DESC").
		Find(&result).Error; err != nil {
		r.logError(opListVersions, reasonQueryFailed, err, zap.String(fieldPageID, pageID.String()))
		return nil, NewServiceError(opListVersions, reasonQueryFailed, err)
	}
	return result, nil
}

// LockGrant describes a lock write.
type LockGrant struct {
	PageID      PageID
	Holder      UserID
	NowMs       int64
	ExpiresAtMs int64
	// Force skips the availability predicate.
	Force bool
}

// GrantLock writes the lock when the page is unlocked, expired, or already held by the same
// holder. The availability check is part of the UPDATE predicate, so two racing grants cannot
// both succeed. A same-holder grant keeps the original locked_at timestamp.
func (r *Repository) GrantLock(ctx context.Context, grant LockGrant) (bool, error) {
	query := r.db.WithContext(ctx).Model(&Page{}).Where(queryPageID, grant.PageID.String())
	if !grant.Force {
		query = query.Where(queryLockAvailable, LockStateLocked, grant.NowMs, grant.Holder.String())
	}
	result := query.Updates(map[string]any{
		"lock_status":        LockStateLocked,
		"locked_by":          grant.Holder.String(),
		"locked_at_ms":       gorm.Expr(lockedAtKeepExpr, LockStateLocked, grant.Holder.String(), grant.NowMs, grant.NowMs),
		"lock_expires_at_ms": grant.ExpiresAtMs,
		"updated_at_ms":      grant.NowMs,
	})
	if result.Error != nil {
		r.logError(opGrantLock, reasonUpdateFailed, result.Error, zap.String(fieldPageID, grant.PageID.String()))
		return false, NewServiceError(opGrantLock, reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ExtendLock moves the expiry of a live lock held by holder.
func (r *Repository) ExtendLock(ctx context.Context, pageID PageID, holder UserID, nowMs, expiresAtMs int64) (bool, error) {
	result := r.db.WithContext(ctx).Model(&Page{}).
		Where(queryLockLiveHeldBy, pageID.String(), LockStateLocked, holder.String(), nowMs).
		Updates(map[string]any{
			"lock_expires_at_ms": expiresAtMs,
			"updated_at_ms":      nowMs,
		})
	if result.Error != nil {
		r.logError(opExtendLock, reasonUpdateFailed, result.Error, zap.String(fieldPageID, pageID.String()))
		return false, NewServiceError(opExtendLock, reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ClearLock unlocks a page. Unless force is set the holder must match in the predicate.
func (r *Repository) ClearLock(ctx context.Context, pageID PageID, holder UserID, force bool) (bool, error) {
	query := r.db.WithContext(ctx).Model(&Page{})
	if force {
		query = query.Where(queryPageID, pageID.String())
	} else {
		query = query.Where(queryLockHeldBy, pageID.String(), LockStateLocked, holder.String())
	}
	result := query.Updates(map[string]any{
		"lock_status":        LockStateUnlocked,
		"locked_by":          "",
		"locked_at_ms":       0,
		"lock_expires_at_ms": 0,
		"updated_at_ms":      r.nowMs(),
	})
	if result.Error != nil {
		r.logError(opClearLock, reasonUpdateFailed, result.Error, zap.String(fieldPageID, pageID.String()))
		return false, NewServiceError(opClearLock, reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ExpireLocks transitions every stale LOCKED row to EXPIRED and clears the holder fields.
func (r *Repository) ExpireLocks(ctx context.Context, nowMs int64) (int64, error) {
	result := r.db.WithContext(ctx).Model(&Page{}).
		Where(queryLockStale, LockStateLocked, nowMs).
		Updates(map[string]any{
			"lock_status":        LockStateExpired,
			"locked_by":          "",
			"locked_at_ms":       0,
			"lock_expires_at_ms": 0,
			"updated_at_ms":      nowMs,
		})
	if result.Error != nil {
		r.logError(opExpireLocks, reasonUpdateFailed, result.Error)
		return 0, NewServiceError(opExpireLocks, reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected, nil
}

// VersionedUpdate describes a structured-record update guarded by a version check.
type VersionedUpdate struct {
	PageID          PageID
	Sections        Sections
	ExpectedVersion int64
	ChangedBy       string
	ChangeNote      string
}

// UpdateSectionsIfVersion applies the update only when the stored version still equals
// ExpectedVersion, and appends the matching history row in the same transaction.
// It reports false when the compare-and-swap matched no row.
func (r *Repository) UpdateSectionsIfVersion(ctx context.Context, update VersionedUpdate) (bool, error) {
	if err := update.Sections.Validate(); err != nil {
		return false, NewServiceError(opUpdateIfVersion, reasonInvalidSections, err)
	}
	versionID, err := r.idProvider.NewID()
	if err != nil {
		r.logError(opUpdateIfVersion, reasonIDGeneration, err, zap.String(fieldPageID, update.PageID.String()))
		return false, NewServiceError(opUpdateIfVersion, reasonIDGeneration, err)
	}
	now := r.nowMs()
	nextVersion := update.ExpectedVersion + 1
	applied := false
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Page{}).
			Where(queryPageVersion, update.PageID.String(), update.ExpectedVersion).
			Updates(map[string]any{
				"sections_json": update.Sections,
				"version":       nextVersion,
				"updated_at_ms": now,
			})
		if result.Error != nil {
			r.logError(opUpdateIfVersion, reasonUpdateFailed, result.Error, zap.String(fieldPageID, update.PageID.String()))
			return NewServiceError(opUpdateIfVersion, reasonUpdateFailed, result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		record := PageVersion{
			ID:          versionID,
			PageID:      update.PageID.String(),
			Version:     nextVersion,
			Sections:    update.Sections,
			ChangedBy:   update.ChangedBy,
			ChangeNote:  update.ChangeNote,
			CreatedAtMs: now,
		}
		if err := tx.Create(&record).Error; err != nil {
			r.logError(opUpdateIfVersion, reasonInsertFailed, err, zap.String(fieldPageID, update.PageID.String()))
			return NewServiceError(opUpdateIfVersion, reasonInsertFailed, err)
		}
		applied = true
		return nil
	})
	if txErr != nil {
		return false, txErr
	}
	return applied, nil
}

// SyncCommit describes the database half of a dual write.
type SyncCommit struct {
	PageID          PageID
	Sections        Sections
	ExpectedVersion int64
	FileHash        string
	ChangedBy       string
	ChangeNote      string
}

// CommitSync records a successful file write: sections, SYNCED status, file hash and the next
// version, plus the history row, in one transaction. A stale ExpectedVersion yields a
// *VersionConflictError and nothing is written.
func (r *Repository) CommitSync(ctx context.Context, commit SyncCommit) (int64, error) {
	if err := commit.Sections.Validate(); err != nil {
		return 0, NewServiceError(opCommitSync, reasonInvalidSections, err)
	}
	versionID, err := r.idProvider.NewID()
	if err != nil {
		r.logError(opCommitSync, reasonIDGeneration, err, zap.String(fieldPageID, commit.PageID.String()))
		return 0, NewServiceError(opCommitSync, reasonIDGeneration, err)
	}
	now := r.nowMs()
	nextVersion := commit.ExpectedVersion + 1
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Page{}).
			Where(queryPageVersion, commit.PageID.String(), commit.ExpectedVersion).
			Updates(map[string]any{
				"sections_json":     commit.Sections,
				"version":           nextVersion,
				"sync_status":       SyncStateSynced,
				"file_hash":         commit.FileHash,
				"last_synced_at_ms": now,
				"sync_error":        "",
				"sync_retry_count":  0,
				"updated_at_ms":     now,
			})
		if result.Error != nil {
			r.logError(opCommitSync, reasonUpdateFailed, result.Error, zap.String(fieldPageID, commit.PageID.String()))
			return NewServiceError(opCommitSync, reasonUpdateFailed, result.Error)
		}
		if result.RowsAffected == 0 {
			var current Page
			lookupErr := tx.Select("version").Where(queryPageID, commit.PageID.String()).Take(&current).Error
			if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
				return ErrPageNotFound
			}
			if lookupErr != nil {
				r.logError(opCommitSync, reasonQueryFailed, lookupErr, zap.String(fieldPageID, commit.PageID.String()))
				return NewServiceError(opCommitSync, reasonQueryFailed, lookupErr)
			}
			return &VersionConflictError{PageID: commit.PageID.String(), Expected: commit.ExpectedVersion, Actual: current.Version}
		}
		record := PageVersion{
			ID:          versionID,
			PageID:      commit.PageID.String(),
			Version:     nextVersion,
			Sections:    commit.Sections,
			ChangedBy:   commit.ChangedBy,
			ChangeNote:  commit.ChangeNote,
			CreatedAtMs: now,
		}
		if err := tx.Create(&record).Error; err != nil {
			r.logError(opCommitSync, reasonInsertFailed, err, zap.String(fieldPageID, commit.PageID.String()))
			return NewServiceError(opCommitSync, reasonInsertFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	return nextVersion, nil
}

// SetSyncState overwrites the sync status of a page unless a writer holds its sync claim.
func (r *Repository) SetSyncState(ctx context.Context, pageID PageID, state SyncState) error {
	err := r.db.WithContext(ctx).Model(&Page{}).
		Where(queryPageNotSyncState, pageID.String(), SyncStateInProgress).
		Updates(map[string]any{
			"sync_status":   state,
			"updated_at_ms": r.nowMs(),
		}).Error
	if err != nil {
		r.logError(opSetSyncState, reasonUpdateFailed, err, zap.String(fieldPageID, pageID.String()))
		return NewServiceError(opSetSyncState, reasonUpdateFailed, err)
	}
	return nil
}

// ClaimSync moves a page to IN_PROGRESS and returns the status it replaced. Only one writer
// across processes holds the claim; the others get ErrSyncInProgress. The claim ends with
// CommitSync, RecordSyncFailure or ReleaseSync.
func (r *Repository) ClaimSync(ctx context.Context, pageID PageID) (SyncState, error) {
	var current Page
	err := r.db.WithContext(ctx).Select("sync_status").Where(queryPageID, pageID.String()).Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrPageNotFound
	}
	if err != nil {
		r.logError(opClaimSync, reasonQueryFailed, err, zap.String(fieldPageID, pageID.String()))
		return "", NewServiceError(opClaimSync, reasonQueryFailed, err)
	}
	if current.SyncStatus == SyncStateInProgress {
		return "", ErrSyncInProgress
	}
	result := r.db.WithContext(ctx).Model(&Page{}).
		Where(queryPageSyncState, pageID.String(), current.SyncStatus).
		Updates(map[string]any{
			"sync_status":   SyncStateInProgress,
			"updated_at_ms": r.nowMs(),
		})
	if result.Error != nil {
		r.logError(opClaimSync, reasonUpdateFailed, result.Error, zap.String(fieldPageID, pageID.String()))
		return "", NewServiceError(opClaimSync, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return "", ErrSyncInProgress
	}
	return current.SyncStatus, nil
}

// ReleaseSync ends a sync claim without a commit or failure, restoring state.
func (r *Repository) ReleaseSync(ctx context.Context, pageID PageID, state SyncState) error {
	err := r.db.WithContext(ctx).Model(&Page{}).
		Where(queryPageSyncState, pageID.String(), SyncStateInProgress).
		Updates(map[string]any{
			"sync_status":   state,
			"updated_at_ms": r.nowMs(),
		}).Error
	if err != nil {
		r.logError(opReleaseSync, reasonUpdateFailed, err, zap.String(fieldPageID, pageID.String()))
		return NewServiceError(opReleaseSync, reasonUpdateFailed, err)
	}
	return nil
}

// RecordSyncFailure marks the page FAILED, stores the error and bumps the retry counter.
func (r *Repository) RecordSyncFailure(ctx context.Context, pageID PageID, message string) error {
	err := r.db.WithContext(ctx).Model(&Page{}).
		Where(queryPageID, pageID.String()).
		Updates(map[string]any{
			"sync_status":      SyncStateFailed,
			"sync_error":       message,
			"sync_retry_count": gorm.Expr("sync_retry_count + 1"),
			"updated_at_ms":    r.nowMs(),
		}).Error
	if err != nil {
		r.logError(opRecordSyncFailure, reasonUpdateFailed, err, zap.String(fieldPageID, pageID.String()))
		return NewServiceError(opRecordSyncFailure, reasonUpdateFailed, err)
	}
	return nil
}

// RecordFileHash stores a freshly computed file hash and marks the page SYNCED.
func (r *Repository) RecordFileHash(ctx context.Context, pageID PageID, fileHash string) error {
	now := r.nowMs()
	err := r.db.WithContext(ctx).Model(&Page{}).
		Where(queryPageID, pageID.String()).
		Updates(map[string]any{
			"file_hash":         fileHash,
			"sync_status":       SyncStateSynced,
			"last_synced_at_ms": now,
			"updated_at_ms":     now,
		}).Error
	if err != nil {
		r.logError(opRecordFileHash, reasonUpdateFailed, err, zap.String(fieldPageID, pageID.String()))
		return NewServiceError(opRecordFileHash, reasonUpdateFailed, err)
	}
	return nil
}

// EnqueueJob inserts a pending job, assigning its id and timestamps.
func (r *Repository) EnqueueJob(ctx context.Context, job *SyncJob) error {
	jobID, err := r.idProvider.NewID()
	if err != nil {
		r.logError(opEnqueueJob, reasonIDGeneration, err, zap.String(fieldPageID, job.PageID))
		return NewServiceError(opEnqueueJob, reasonIDGeneration, err)
	}
	now := r.nowMs()
	job.ID = jobID
	job.Status = JobStatusPending
	job.CreatedAtMs = now
	job.UpdatedAtMs = now
	if job.ScheduledAtMs == 0 {
		job.ScheduledAtMs = now
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		r.logError(opEnqueueJob, reasonInsertFailed, err, zap.String(fieldPageID, job.PageID))
		return NewServiceError(opEnqueueJob, reasonInsertFailed, err)
	}
	return nil
}

// ListDueJobs returns pending jobs that still have attempts left and are due at nowMs,
// ordered by priority then schedule.
func (r *Repository) ListDueJobs(ctx context.Context, nowMs int64, limit int) ([]SyncJob, error) {
	var jobs []SyncJob
	if err := r.db.WithContext(ctx).
		Where(queryJobsDue, JobStatusPending, nowMs).
		Order(orderJobsDue).
		Limit(limit).
		Find(&jobs).Error; err != nil {
		r.logError(opListDueJobs, reasonQueryFailed, err)
		return nil, NewServiceError(opListDueJobs, reasonQueryFailed, err)
	}
	return jobs, nil
}

// ClaimJob moves a job from pending to processing; false means another claimant won.
func (r *Repository) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&SyncJob{}).
		Where(queryJobStatus, jobID, JobStatusPending).
		Updates(map[string]any{
			"status":        JobStatusProcessing,
			"updated_at_ms": r.nowMs(),
		})
	if result.Error != nil {
		r.logError(opClaimJob, reasonUpdateFailed, result.Error, zap.String(fieldJobID, jobID))
		return false, NewServiceError(opClaimJob, reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ReclaimAbandonedJobs settles processing jobs last touched before beforeMs, whose worker
// stopped or crashed mid-run. Each counts as a failed attempt: it returns to pending, or fails
// once its attempts are used up. It returns the number of jobs reclaimed.
func (r *Repository) ReclaimAbandonedJobs(ctx context.Context, beforeMs int64, lastError string) (int64, error) {
	now := r.nowMs()
	var reclaimed int64
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exhausted := tx.Model(&SyncJob{}).
			Where(queryJobsAbandoned, JobStatusProcessing, beforeMs).
			Where("attempts + 1 >= max_attempts").
			Updates(map[string]any{
				"status":        JobStatusFailed,
				"attempts":      gorm.Expr("attempts + 1"),
				"last_error":    lastError,
				"updated_at_ms": now,
			})
		if exhausted.Error != nil {
			return exhausted.Error
		}
		retried := tx.Model(&SyncJob{}).
			Where(queryJobsAbandoned, JobStatusProcessing, beforeMs).
			Updates(map[string]any{
				"status":          JobStatusPending,
				"attempts":        gorm.Expr("attempts + 1"),
				"scheduled_at_ms": now,
				"last_error":      lastError,
				"updated_at_ms":   now,
			})
		if retried.Error != nil {
			return retried.Error
		}
		reclaimed = exhausted.RowsAffected + retried.RowsAffected
		return nil
	})
	if txErr != nil {
		r.logError(opReclaimJobs, reasonUpdateFailed, txErr)
		return 0, NewServiceError(opReclaimJobs, reasonUpdateFailed, txErr)
	}
	return reclaimed, nil
}

// CompleteJob marks a processing job completed.
func (r *Repository) CompleteJob(ctx context.Context, jobID string) error {
	return r.finishJob(ctx, jobID, map[string]any{
		"status":     JobStatusCompleted,
		"last_error": "",
	})
}

// RescheduleJob returns a processing job to pending after a failed attempt.
func (r *Repository) RescheduleJob(ctx context.Context, jobID string, attempts int, scheduledAtMs int64, lastError string) error {
	return r.finishJob(ctx, jobID, map[string]any{
		"status":          JobStatusPending,
		"attempts":        attempts,
		"scheduled_at_ms": scheduledAtMs,
		"last_error":      lastError,
	})
}

// FailJob terminally fails a processing job.
func (r *Repository) FailJob(ctx context.Context, jobID string, attempts int, lastError string) error {
	return r.finishJob(ctx, jobID, map[string]any{
		"status":     JobStatusFailed,
		"attempts":   attempts,
		"last_error": lastError,
	})
}

func (r *Repository) finishJob(ctx context.Context, jobID string, updates map[string]any) error {
	updates["updated_at_ms"] = r.nowMs()
	err := r.db.WithContext(ctx).Model(&SyncJob{}).
		Where(queryJobStatus, jobID, JobStatusProcessing).
		Updates(updates).Error
	if err != nil {
		r.logError(opFinishJob, reasonUpdateFailed, err, zap.String(fieldJobID, jobID))
		return NewServiceError(opFinishJob, reasonUpdateFailed, err)
	}
	return nil
}

// PurgeFinishedJobs deletes completed and failed jobs last touched before beforeMs.
func (r *Repository) PurgeFinishedJobs(ctx context.Context, beforeMs int64) (int64, error) {
	result := r.db.WithContext(ctx).
		Where(queryJobsFinishedStale, []JobStatus{JobStatusCompleted, JobStatusFailed}, beforeMs).
		Delete(&SyncJob{})
	if result.Error != nil {
		r.logError(opPurgeJobs, reasonDeleteFailed, result.Error)
		return 0, NewServiceError(opPurgeJobs, reasonDeleteFailed, result.Error)
	}
	return result.RowsAffected, nil
}

// CountJobsByStatus returns the number of jobs per status.
func (r *Repository) CountJobsByStatus(ctx context.Context) (map[JobStatus]int64, error) {
	var rows []struct {
		Status JobStatus
		Total  int64
	}
	if err := r.db.WithContext(ctx).Model(&SyncJob{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error; err != nil {
		r.logError(opCountJobs, reasonQueryFailed, err)
		return nil, NewServiceError(opCountJobs, reasonQueryFailed, err)
	}
	counts := make(map[JobStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

// ListJobs returns the jobs recorded for a page, oldest first.
func (r *Repository) ListJobs(ctx context.Context, pageID PageID) ([]SyncJob, error) {
	var jobs []SyncJob
	if err := r.db.WithContext(ctx).
		Where("page_id = ?", pageID.String()).
		Order("created_at_ms ASC").
		Find(&jobs).Error; err != nil {
		r.logError(opListJobs, reasonQueryFailed, err, zap.String(fieldPageID, pageID.String()))
		return nil, NewServiceError(opListJobs, reasonQueryFailed, err)
	}
	return jobs, nil
}

func (r *Repository) loggerOrDefault() *zap.Logger {
	if r == nil || r.logger == nil {
		return noOpLogger
	}
	return r.logger
}

func (r *Repository) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.loggerOrDefault().Error("pages repository error", attrs...)
}
