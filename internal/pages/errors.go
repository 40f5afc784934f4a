package pages

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPageNotFound indicates that no page exists for the requested identifier.
	ErrPageNotFound = errors.New("pages: page not found")
	// ErrSyncInProgress indicates that another writer holds the sync claim of the page.
	ErrSyncInProgress = errors.New("pages: page sync already in progress")
)

// ServiceError carries a stable "<operation>.<reason>" code for infrastructure failures.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

// NewServiceError builds a ServiceError for the provided operation and reason.
func NewServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// LockHeldError reports that another editor holds a live lock on the page.
type LockHeldError struct {
	PageID    string
	Holder    string
	Since     time.Time
	ExpiresAt time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("page %s is locked by %s since %s", e.PageID, e.Holder, e.Since.UTC().Format(time.RFC3339))
}

// Permanent marks lock contention as not retryable by the sync worker.
func (e *LockHeldError) Permanent() bool { return true }

// NotLockHolderError reports that the caller does not hold the lock it tried to use.
type NotLockHolderError struct {
	PageID string
	UserID string
	// Holder is the current live holder, empty when the page is not locked.
	Holder string
}

func (e *NotLockHolderError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("user %s does not hold a lock on page %s", e.UserID, e.PageID)
	}
	return fmt.Sprintf("user %s does not hold the lock on page %s (held by %s)", e.UserID, e.PageID, e.Holder)
}

// Permanent marks holder mismatches as not retryable by the sync worker.
func (e *NotLockHolderError) Permanent() bool { return true }

// VersionConflictError reports a failed optimistic version check.
type VersionConflictError struct {
	PageID   string
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on page %s: expected %d, actual %d", e.PageID, e.Expected, e.Actual)
}

// Permanent marks version conflicts as not retryable by the sync worker.
func (e *VersionConflictError) Permanent() bool { return true }

// IsLockHeld reports whether err carries a LockHeldError.
func IsLockHeld(err error) (*LockHeldError, bool) {
	var target *LockHeldError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// IsNotLockHolder reports whether err carries a NotLockHolderError.
func IsNotLockHolder(err error) (*NotLockHolderError, bool) {
	var target *NotLockHolderError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// IsVersionConflict reports whether err carries a VersionConflictError.
func IsVersionConflict(err error) (*VersionConflictError, bool) {
	var target *VersionConflictError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// IsPermanent reports whether retrying the operation that produced err cannot succeed.
// Errors opt in by implementing Permanent() bool; malformed input sentinels are always permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var marker interface{ Permanent() bool }
	if errors.As(err, &marker) {
		return marker.Permanent()
	}
	for _, sentinel := range []error{ErrPageNotFound, ErrUnknownSection, ErrInvalidSection, ErrInvalidFilePath, ErrInvalidPageID, ErrInvalidUserID} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
