// Package queue drains the sync job table in the background.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
)

const (
	DefaultPollInterval    = 5 * time.Second
	DefaultBatchSize       = 10
	DefaultRetryDelay      = 30 * time.Second
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultCleanupInterval = time.Hour
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxAttempts     = 3
	// DefaultAbandonAfter is how long a job may stay processing before a poll reclaims it.
	DefaultAbandonAfter = 15 * time.Minute

	// unhealthyPollFactor is the number of missed poll intervals after which the worker is unhealthy.
	unhealthyPollFactor = 3

	opNewWorker = "queue.new_worker"
	opPoll      = "queue.poll"
	opRunJob    = "queue.run_job"
	opCleanup   = "queue.cleanup"
	opReclaim   = "queue.reclaim"
	opHealth    = "queue.health"

	reasonMissingDependency = "missing_dependency"
	reasonClaimFailed       = "claim_failed"
	reasonFinishFailed      = "finish_failed"
	reasonListFailed        = "list_failed"
	reasonPurgeFailed       = "purge_failed"
	reasonCountFailed       = "count_failed"
	reasonReclaimFailed     = "reclaim_failed"

	abandonedJobError = "worker stopped before the job finished"
)

var (
	// ErrAlreadyRunning indicates Start was called on a running worker.
	ErrAlreadyRunning = errors.New("queue: worker already running")
	// ErrShutdownTimeout indicates the in-flight batch did not finish before the shutdown deadline.
	ErrShutdownTimeout = errors.New("queue: shutdown timed out waiting for in-flight jobs")

	errMissingStore     = errors.New("job store is required")
	errMissingProcessor = errors.New("job processor is required")
)

// Store is the job persistence the worker drives.
type Store interface {
	ListDueJobs(ctx context.Context, nowMs int64, limit int) ([]pages.SyncJob, error)
	ClaimJob(ctx context.Context, jobID string) (bool, error)
	ReclaimAbandonedJobs(ctx context.Context, beforeMs int64, lastError string) (int64, error)
	CompleteJob(ctx context.Context, jobID string) error
	RescheduleJob(ctx context.Context, jobID string, attempts int, scheduledAtMs int64, lastError string) error
	FailJob(ctx context.Context, jobID string, attempts int, lastError string) error
	PurgeFinishedJobs(ctx context.Context, beforeMs int64) (int64, error)
	CountJobsByStatus(ctx context.Context) (map[pages.JobStatus]int64, error)
}

// Processor executes one claimed job.
type Processor interface {
	ProcessJob(ctx context.Context, job pages.SyncJob) error
}

// Config describes the dependencies and schedule of a Worker.
type Config struct {
	Store           Store
	Processor       Processor
	PollInterval    time.Duration
	BatchSize       int
	RetryDelay      time.Duration
	Retention       time.Duration
	CleanupInterval time.Duration
	ShutdownTimeout time.Duration
	// AbandonAfter bounds how long a job may stay processing before it is reclaimed.
	AbandonAfter time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Health is a point-in-time report of the worker.
type Health struct {
	Healthy    bool                      `json:"healthy"`
	Running    bool                      `json:"running"`
	LastPollAt time.Time                 `json:"last_poll_at"`
	Jobs       map[pages.JobStatus]int64 `json:"jobs"`
}

// Worker polls due jobs, runs them one at a time and applies the retry state machine.
type Worker struct {
	store           Store
	processor       Processor
	pollInterval    time.Duration
	batchSize       int
	retryDelay      time.Duration
	retention       time.Duration
	cleanupInterval time.Duration
	shutdownTimeout time.Duration
	abandonAfter    time.Duration
	clock           func() time.Time
	logger          *zap.Logger

	mu         sync.Mutex
	running    bool
	lastPollAt time.Time
	stopPoll   context.CancelFunc
	cancelJobs context.CancelFunc
	done       chan struct{}
}

// NewWorker validates the configuration and applies defaults.
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Store == nil {
		return nil, pages.NewServiceError(opNewWorker, reasonMissingDependency, errMissingStore)
	}
	if cfg.Processor == nil {
		return nil, pages.NewServiceError(opNewWorker, reasonMissingDependency, errMissingProcessor)
	}
	worker := &Worker{
		store:           cfg.Store,
		processor:       cfg.Processor,
		pollInterval:    orDefault(cfg.PollInterval, DefaultPollInterval),
		batchSize:       cfg.BatchSize,
		retryDelay:      orDefault(cfg.RetryDelay, DefaultRetryDelay),
		retention:       orDefault(cfg.Retention, DefaultRetention),
		cleanupInterval: orDefault(cfg.CleanupInterval, DefaultCleanupInterval),
		shutdownTimeout: orDefault(cfg.ShutdownTimeout, DefaultShutdownTimeout),
		abandonAfter:    orDefault(cfg.AbandonAfter, DefaultAbandonAfter),
		clock:           cfg.Clock,
		logger:          cfg.Logger,
	}
	if worker.batchSize <= 0 {
		worker.batchSize = DefaultBatchSize
	}
	if worker.clock == nil {
		worker.clock = time.Now
	}
	if worker.logger == nil {
		worker.logger = zap.NewNop()
	}
	return worker, nil
}

func orDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// Start reclaims jobs left processing by a previous run and launches the polling loop. Jobs
// keep running on a context detached from ctx so that cancelling ctx stops polling without
// aborting the in-flight batch.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrAlreadyRunning
	}
	w.reclaim(ctx, w.clock().Add(time.Millisecond))
	pollCtx, stopPoll := context.WithCancel(ctx)
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	w.stopPoll = stopPoll
	w.cancelJobs = cancelJobs
	w.done = make(chan struct{})
	w.running = true
	go w.loop(pollCtx, jobCtx, w.done)
	w.logger.Info("sync worker started",
		zap.Duration("poll_interval", w.pollInterval),
		zap.Int("batch_size", w.batchSize))
	return nil
}

// Stop ends polling and waits up to the shutdown timeout for the in-flight batch.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	stopPoll, cancelJobs, done := w.stopPoll, w.cancelJobs, w.done
	w.mu.Unlock()

	stopPoll()
	timer := time.NewTimer(w.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		cancelJobs()
		w.logger.Info("sync worker stopped")
		return nil
	case <-timer.C:
		cancelJobs()
		w.logger.Warn("sync worker shutdown timed out", zap.Duration("timeout", w.shutdownTimeout))
		return ErrShutdownTimeout
	}
}

func (w *Worker) loop(pollCtx, jobCtx context.Context, done chan struct{}) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		close(done)
	}()
	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()
	cleanup := time.NewTicker(w.cleanupInterval)
	defer cleanup.Stop()

	w.pollOnce(pollCtx, jobCtx)
	for {
		select {
		case <-pollCtx.Done():
			return
		case <-poll.C:
			w.pollOnce(pollCtx, jobCtx)
		case <-cleanup.C:
			w.cleanup(jobCtx)
		}
	}
}

// pollOnce runs one batch of due jobs and returns how many were run. Cancelling pollCtx stops
// the batch between jobs.
func (w *Worker) pollOnce(pollCtx, jobCtx context.Context) int {
	now := w.clock()
	w.mu.Lock()
	w.lastPollAt = now
	w.mu.Unlock()

	w.reclaim(jobCtx, now.Add(-w.abandonAfter))
	jobs, err := w.store.ListDueJobs(jobCtx, now.UTC().UnixMilli(), w.batchSize)
	if err != nil {
		w.logError(opPoll, reasonListFailed, err)
		return 0
	}
	ran := 0
	for _, job := range jobs {
		if pollCtx.Err() != nil {
			break
		}
		if w.runJob(jobCtx, job) {
			ran++
		}
	}
	return ran
}

// runJob claims and executes one job. It reports false when another claimant won the job.
func (w *Worker) runJob(ctx context.Context, job pages.SyncJob) bool {
	claimed, err := w.store.ClaimJob(ctx, job.ID)
	if err != nil {
		w.logError(opRunJob, reasonClaimFailed, err, zap.String("job_id", job.ID))
		return false
	}
	if !claimed {
		return false
	}

	started := w.clock()
	procErr := w.invoke(ctx, job)
	// the outcome is recorded even when Stop cancelled the job
	ctx = context.WithoutCancel(ctx)
	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("page_id", job.PageID),
		zap.Int("priority", job.Priority),
		zap.Duration("elapsed", w.clock().Sub(started)),
	}
	if procErr == nil {
		if err := w.store.CompleteJob(ctx, job.ID); err != nil {
			w.logError(opRunJob, reasonFinishFailed, err, fields...)
			return true
		}
		w.logger.Info("sync job completed", fields...)
		return true
	}

	attempts := job.Attempts + 1
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	fields = append(fields, zap.Int("attempts", attempts), zap.Int("max_attempts", maxAttempts), zap.Error(procErr))
	permanent := pages.IsPermanent(procErr)
	if permanent || attempts >= maxAttempts {
		if err := w.store.FailJob(ctx, job.ID, attempts, procErr.Error()); err != nil {
			w.logError(opRunJob, reasonFinishFailed, err, fields...)
			return true
		}
		w.logger.Error("sync job failed", append(fields, zap.Bool("permanent", permanent))...)
		return true
	}
	retryAt := w.clock().Add(w.retryDelay)
	if err := w.store.RescheduleJob(ctx, job.ID, attempts, retryAt.UTC().UnixMilli(), procErr.Error()); err != nil {
		w.logError(opRunJob, reasonFinishFailed, err, fields...)
		return true
	}
	w.logger.Warn("sync job rescheduled", append(fields, zap.Time("retry_at", retryAt))...)
	return true
}

func (w *Worker) invoke(ctx context.Context, job pages.SyncJob) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("queue: job %s panicked: %v", job.ID, recovered)
		}
	}()
	return w.processor.ProcessJob(ctx, job)
}

// reclaim returns jobs stuck in processing since before cutoff to the retry state machine.
func (w *Worker) reclaim(ctx context.Context, cutoff time.Time) {
	reclaimed, err := w.store.ReclaimAbandonedJobs(ctx, cutoff.UTC().UnixMilli(), abandonedJobError)
	if err != nil {
		w.logError(opReclaim, reasonReclaimFailed, err)
		return
	}
	if reclaimed > 0 {
		w.logger.Warn("abandoned sync jobs reclaimed", zap.Int64("jobs", reclaimed), zap.Time("cutoff", cutoff))
	}
}

func (w *Worker) cleanup(ctx context.Context) {
	cutoff := w.clock().Add(-w.retention)
	purged, err := w.store.PurgeFinishedJobs(ctx, cutoff.UTC().UnixMilli())
	if err != nil {
		w.logError(opCleanup, reasonPurgeFailed, err)
		return
	}
	if purged > 0 {
		w.logger.Info("finished sync jobs purged", zap.Int64("purged", purged), zap.Time("cutoff", cutoff))
	}
}

// HealthCheck reports whether the loop is running and polling on schedule, with job counts.
func (w *Worker) HealthCheck(ctx context.Context) (Health, error) {
	w.mu.Lock()
	health := Health{Running: w.running, LastPollAt: w.lastPollAt}
	w.mu.Unlock()

	stale := w.clock().Sub(health.LastPollAt) > unhealthyPollFactor*w.pollInterval
	health.Healthy = health.Running && !health.LastPollAt.IsZero() && !stale

	counts, err := w.store.CountJobsByStatus(ctx)
	if err != nil {
		w.logError(opHealth, reasonCountFailed, err)
		health.Healthy = false
		return health, err
	}
	health.Jobs = counts
	return health, nil
}

func (w *Worker) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	w.logger.Error("queue error", attrs...)
}
