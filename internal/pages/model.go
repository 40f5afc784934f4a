package pages

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidPageID indicates that a page identifier is empty or exceeds storage bounds.
	ErrInvalidPageID = errors.New("pages: invalid page id")
	// ErrInvalidUserID indicates that an editor identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("pages: invalid user id")
	// ErrInvalidFilePath indicates that a page file path is empty or escapes the site root.
	ErrInvalidFilePath = errors.New("pages: invalid file path")
)

// PageID represents a validated page identifier.
type PageID string

// NewPageID validates raw input and returns a PageID.
func NewPageID(rawInput string) (PageID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPageID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPageID, maxIdentifierLength)
	}
	return PageID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PageID) String() string {
	return string(id)
}

// UserID represents a validated editor identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// CleanFilePath normalizes a site-relative page path and rejects paths that leave the site root.
func CleanFilePath(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(rawInput, "\\", "/"))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFilePath)
	}
	cleaned := path.Clean("/" + trimmed)[1:]
	if cleaned == "" {
		return "", fmt.Errorf("%w: %q names the site root", ErrInvalidFilePath, rawInput)
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: %q escapes the site root", ErrInvalidFilePath, rawInput)
		}
	}
	return cleaned, nil
}

// LockState enumerates the stored lock status of a page.
type LockState string

const (
	LockStateUnlocked LockState = "UNLOCKED"
	LockStateLocked   LockState = "LOCKED"
	LockStateExpired  LockState = "EXPIRED"
)

// SyncState enumerates the file mirroring status of a page.
type SyncState string

const (
	SyncStateSynced     SyncState = "SYNCED"
	SyncStatePending    SyncState = "PENDING"
	SyncStateInProgress SyncState = "IN_PROGRESS"
	SyncStateFailed     SyncState = "FAILED"
)

// JobStatus enumerates the lifecycle states of a queued sync job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// JobOperationSyncPage mirrors submitted sections into the page file.
const JobOperationSyncPage = "sync_page"

const (
	// JobPriorityRetry is used for jobs enqueued after a failed synchronous sync.
	JobPriorityRetry = 1
	// JobPriorityAsync is used for jobs enqueued by async edit requests.
	JobPriorityAsync = 5
)

// Page models the authoritative record of an editable static page.
type Page struct {
	ID              string    `gorm:"column:id;primaryKey;size:190;not null"`
	FilePath        string    `gorm:"column:file_path;size:1024;not null;uniqueIndex"`
	Sections        Sections  `gorm:"column:sections_json;type:text;not null"`
	Version         int64     `gorm:"column:version;not null;default:1"`
	LockStatus      LockState `gorm:"column:lock_status;size:16;not null;default:UNLOCKED;index:idx_pages_lock,priority:1"`
	LockedBy        string    `gorm:"column:locked_by;size:190;not null;default:''"`
	LockedAtMs      int64     `gorm:"column:locked_at_ms;not null;default:0"`
	LockExpiresAtMs int64     `gorm:"column:lock_expires_at_ms;not null;default:0;index:idx_pages_lock,priority:2"`
	SyncStatus      SyncState `gorm:"column:sync_status;size:16;not null;default:SYNCED"`
	FileHash        string    `gorm:"column:file_hash;size:64;not null;default:''"`
	SyncError       string    `gorm:"column:sync_error;type:text;not null;default:''"`
	SyncRetryCount  int       `gorm:"column:sync_retry_count;not null;default:0"`
	LastSyncedAtMs  int64     `gorm:"column:last_synced_at_ms;not null;default:0"`
	CreatedAtMs     int64     `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs     int64     `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Page) TableName() string {
	return "pages"
}

// LockIsLive reports whether the stored lock is still held at nowMs.
// Liveness is derived from the expiry timestamp; the stored status alone is never trusted.
func (p Page) LockIsLive(nowMs int64) bool {
	return p.LockStatus == LockStateLocked && p.LockExpiresAtMs >= nowMs
}

// PageVersion captures an append-only snapshot for every committed update.
type PageVersion struct {
	ID          string   `gorm:"column:id;primaryKey;size:190;not null"`
	PageID      string   `gorm:"column:page_id;size:190;not null;uniqueIndex:idx_page_versions_page_version,priority:1"`
	Version     int64    `gorm:"column:version;not null;uniqueIndex:idx_page_versions_page_version,priority:2"`
	Sections    Sections `gorm:"column:sections_json;type:text;not null"`
	ChangedBy   string   `gorm:"column:changed_by;size:190;not null"`
	ChangeNote  string   `gorm:"column:change_note;type:text;not null;default:''"`
	CreatedAtMs int64    `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PageVersion) TableName() string {
	return "page_versions"
}

// SyncJob is a queued request to mirror page sections into the page file.
type SyncJob struct {
	ID            string    `gorm:"column:id;primaryKey;size:190;not null"`
	PageID        string    `gorm:"column:page_id;size:190;not null;index"`
	Operation     string    `gorm:"column:operation;size:32;not null"`
	PayloadJSON   string    `gorm:"column:payload_json;type:text;not null"`
	Priority      int       `gorm:"column:priority;not null;default:5;index:idx_sync_jobs_due,priority:2"`
	Attempts      int       `gorm:"column:attempts;not null;default:0"`
	MaxAttempts   int       `gorm:"column:max_attempts;not null;default:3"`
	Status        JobStatus `gorm:"column:status;size:16;not null;index:idx_sync_jobs_due,priority:1"`
	ScheduledAtMs int64     `gorm:"column:scheduled_at_ms;not null;index:idx_sync_jobs_due,priority:3"`
	LastError     string    `gorm:"column:last_error;type:text;not null;default:''"`
	CreatedAtMs   int64     `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs   int64     `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncJob) TableName() string {
	return "sync_queue_jobs"
}

// SyncPayload is the JSON document stored in SyncJob.PayloadJSON.
type SyncPayload struct {
	FilePath        string   `json:"file_path"`
	Sections        Sections `json:"sections"`
	ChangedBy       string   `json:"changed_by"`
	ChangeNote      string   `json:"change_note"`
	ExpectedVersion int64    `json:"expected_version"`
}
