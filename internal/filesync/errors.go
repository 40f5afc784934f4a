package filesync

import (
	"errors"
	"fmt"
)

// ErrShrinkGuard indicates a rendered document that lost more than half of its bytes.
var ErrShrinkGuard = errors.New("filesync: rendered file shrank below half of the original")

// Stage names the step of a dual write that failed.
type Stage string

const (
	StageRead   Stage = "read"
	StageBackup Stage = "backup"
	StageWrite  Stage = "write"
	StageHash   Stage = "hash"
	StageCommit Stage = "commit"
)

// FileSyncError reports a failed dual write. The file has been restored from its backup and,
// outside the worker, a retry job has been queued.
type FileSyncError struct {
	PageID     string
	FilePath   string
	Stage      Stage
	RetryJobID string
	Err        error
}

func (e *FileSyncError) Error() string {
	return fmt.Sprintf("sync of page %s failed at %s: %v", e.PageID, e.Stage, e.Err)
}

func (e *FileSyncError) Unwrap() error {
	return e.Err
}

// ContentRejectedError reports a submitted section the sanitizer refused.
type ContentRejectedError struct {
	SectionID string
	Err       error
}

func (e *ContentRejectedError) Error() string {
	return fmt.Sprintf("section %s rejected: %v", e.SectionID, e.Err)
}

func (e *ContentRejectedError) Unwrap() error {
	return e.Err
}

// Permanent marks rejected content as not retryable.
func (e *ContentRejectedError) Permanent() bool { return true }

// RenderError reports submitted sections that cannot be applied to the page file, such as a
// selector that no longer matches. Rendering is deterministic, so a retry cannot succeed.
type RenderError struct {
	PageID   string
	FilePath string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("page %s sections cannot be applied to %s: %v", e.PageID, e.FilePath, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// Permanent marks render failures as not retryable.
func (e *RenderError) Permanent() bool { return true }

// IntegrityError reports a page file whose on-disk hash differs from the stored hash.
type IntegrityError struct {
	PageID   string
	FilePath string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("page %s file %s modified out of band: stored hash %s, on-disk hash %s", e.PageID, e.FilePath, e.Expected, e.Actual)
}
