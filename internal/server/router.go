package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pagesync/internal/auth"
	"github.com/MarcoPoloResearchLab/pagesync/internal/editing"
	"github.com/MarcoPoloResearchLab/pagesync/internal/filesync"
	"github.com/MarcoPoloResearchLab/pagesync/internal/locks"
	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
	"github.com/MarcoPoloResearchLab/pagesync/internal/queue"
	"github.com/MarcoPoloResearchLab/pagesync/internal/threat"
)

const (
	userIDContextKey = "pagesync_user_id"

	defaultHeartbeatInterval = 25 * time.Second

	errorCodeInvalidRequest    = "invalid_request"
	errorCodeUnauthorized      = "unauthorized"
	errorCodeNotFound          = "page_not_found"
	errorCodeLockHeld          = "lock_held"
	errorCodeNotLockHolder     = "not_lock_holder"
	errorCodeVersionConflict   = "version_conflict"
	errorCodeValidationFailed  = "validation_failed"
	errorCodeInvalidSections   = "invalid_sections"
	errorCodeSyncFailed        = "sync_failed"
	errorCodeSyncInProgress    = "sync_in_progress"
	errorCodeRenderFailed      = "render_failed"
	errorCodeIntegrityMismatch = "integrity_mismatch"
	errorCodeInternal          = "internal_error"
)

var (
	errMissingPageStore     = errors.New("page store dependency required")
	errMissingLockService   = errors.New("lock service dependency required")
	errMissingEditService   = errors.New("edit service dependency required")
	errMissingIntegrity     = errors.New("integrity verifier dependency required")
	errMissingSessions      = errors.New("session validator dependency required")
	errMissingRealtime      = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization = errors.New("session cookie or bearer token missing or invalid")
)

// PageStore reads page records.
type PageStore interface {
	GetPage(ctx context.Context, pageID pages.PageID) (pages.Page, error)
	ListPages(ctx context.Context) ([]pages.Page, error)
	ListVersions(ctx context.Context, pageID pages.PageID) ([]pages.PageVersion, error)
}

// LockService manages edit locks.
type LockService interface {
	Acquire(ctx context.Context, pageID pages.PageID, userID pages.UserID, duration time.Duration, force bool) (locks.Lease, error)
	Renew(ctx context.Context, pageID pages.PageID, userID pages.UserID, duration time.Duration) (locks.Lease, error)
	Release(ctx context.Context, pageID pages.PageID, userID pages.UserID, force bool) (bool, error)
	Status(ctx context.Context, pageID pages.PageID) (locks.Status, error)
}

// EditService applies editor submissions.
type EditService interface {
	SubmitEdit(ctx context.Context, req editing.EditRequest) (editing.EditResult, error)
}

// IntegrityVerifier compares stored and on-disk page hashes.
type IntegrityVerifier interface {
	VerifyFileIntegrity(ctx context.Context, pageID pages.PageID) (filesync.IntegrityReport, error)
}

// HealthReporter reports background worker health.
type HealthReporter interface {
	HealthCheck(ctx context.Context) (queue.Health, error)
}

// SessionAuthenticator identifies the editor behind a request.
type SessionAuthenticator interface {
	Authenticate(r *http.Request) (auth.EditorClaims, error)
}

type Dependencies struct {
	Pages     PageStore
	Locks     LockService
	Editing   EditService
	Integrity IntegrityVerifier
	Sessions  SessionAuthenticator
	Realtime  *RealtimeDispatcher
	// Health is optional; without it /healthz reports the worker as disabled.
	Health            HealthReporter
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Pages == nil:
		return nil, errMissingPageStore
	case deps.Locks == nil:
		return nil, errMissingLockService
	case deps.Editing == nil:
		return nil, errMissingEditService
	case deps.Integrity == nil:
		return nil, errMissingIntegrity
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Realtime == nil:
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		pages:     deps.Pages,
		locks:     deps.Locks,
		editing:   deps.Editing,
		integrity: deps.Integrity,
		sessions:  deps.Sessions,
		realtime:  deps.Realtime,
		health:    deps.Health,
		heartbeat: heartbeat,
		clock:     clock,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/pages")
	protected.Use(handler.authorizeRequest)
	protected.GET("", handler.handleListPages)
	protected.GET("/:id", handler.handleGetPage)
	protected.GET("/:id/versions", handler.handleListVersions)
	protected.GET("/:id/lock", handler.handleLockStatus)
	protected.POST("/:id/lock", handler.handleAcquireLock)
	protected.POST("/:id/lock/renew", handler.handleRenewLock)
	protected.DELETE("/:id/lock", handler.handleReleaseLock)
	protected.PUT("/:id/content", handler.handleSubmitContent)
	protected.GET("/:id/integrity", handler.handleIntegrity)
	protected.GET("/:id/events", handler.handleEvents)

	return router, nil
}

// corsMiddleware allows every origin without credentials, or the listed origins with the
// session cookie.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	pages     PageStore
	locks     LockService
	editing   EditService
	integrity IntegrityVerifier
	sessions  SessionAuthenticator
	realtime  *RealtimeDispatcher
	health    HealthReporter
	heartbeat time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

type pagePayload struct {
	ID             string          `json:"id"`
	FilePath       string          `json:"file_path"`
	Version        int64           `json:"version"`
	Sections       pages.Sections  `json:"sections"`
	SyncStatus     pages.SyncState `json:"sync_status"`
	FileHash       string          `json:"file_hash,omitempty"`
	SyncError      string          `json:"sync_error,omitempty"`
	SyncRetryCount int             `json:"sync_retry_count"`
	LastSyncedAt   time.Time       `json:"last_synced_at,omitzero"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Lock           locks.Status    `json:"lock"`
}

func newPagePayload(page pages.Page, now time.Time) pagePayload {
	payload := pagePayload{
		ID:             page.ID,
		FilePath:       page.FilePath,
		Version:        page.Version,
		Sections:       page.Sections,
		SyncStatus:     page.SyncStatus,
		FileHash:       page.FileHash,
		SyncError:      page.SyncError,
		SyncRetryCount: page.SyncRetryCount,
		UpdatedAt:      time.UnixMilli(page.UpdatedAtMs).UTC(),
		Lock:           locks.StatusOf(page, now),
	}
	if page.LastSyncedAtMs > 0 {
		payload.LastSyncedAt = time.UnixMilli(page.LastSyncedAtMs).UTC()
	}
	return payload
}

type versionPayload struct {
	Version    int64          `json:"version"`
	Sections   pages.Sections `json:"sections"`
	ChangedBy  string         `json:"changed_by"`
	ChangeNote string         `json:"change_note,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type lockRequestPayload struct {
	DurationSeconds int64 `json:"duration_seconds"`
	Force           bool  `json:"force"`
}

type contentRequestPayload struct {
	ExpectedVersion int64          `json:"expected_version"`
	Sections        pages.Sections `json:"sections"`
	ChangeNote      string         `json:"change_note"`
	Async           bool           `json:"async"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "worker": "disabled"})
		return
	}
	health, err := h.health.HealthCheck(c.Request.Context())
	if err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	if !health.Healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "worker": health})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "worker": health})
}

func (h *httpHandler) handleListPages(c *gin.Context) {
	records, err := h.pages.ListPages(c.Request.Context())
	if err != nil {
		h.respondError(c, "list_pages", err)
		return
	}
	now := h.clock()
	response := make([]pagePayload, 0, len(records))
	for _, page := range records {
		response = append(response, newPagePayload(page, now))
	}
	c.JSON(http.StatusOK, gin.H{"pages": response})
}

func (h *httpHandler) handleGetPage(c *gin.Context) {
	pageID, ok := h.pageIDParam(c)
	if !ok {
		return
	}
	page, err := h.pages.GetPage(c.Request.Context(), pageID)
	if err != nil {
		h.respondError(c, "get_page", err)
		return
	}
	status, err := h.locks.Status(c.Request.Context(), pageID)
	if err != nil {
		h.respondError(c, "get_page", err)
		return
	}
	payload := newPagePayload(page, h.clock())
	payload.Lock = status
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	pageID, ok := h.pageIDParam(c)
	if !ok {
		return
	}
	if _, err := h.pages.GetPage(c.Request.Context(), pageID); err != nil {
		h.respondError(c, "list_versions", err)
		return
	}
	history, err := h.pages.ListVersions(c.Request.Context(), pageID)
	if err != nil {
		h.respondError(c, "list_versions", err)
		return
	}
	response := make([]versionPayload, 0, len(history))
	for _, version := range history {
		response = append(response, versionPayload{
			Version:    version.Version,
			Sections:   version.Sections,
			ChangedBy:  version.ChangedBy,
			ChangeNote: version.ChangeNote,
			CreatedAt:  time.UnixMilli(version.CreatedAtMs).UTC(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"page_id": pageID.String(), "versions": response})
}

func (h *httpHandler) handleLockStatus(c *gin.Context) {
	pageID, ok := h.pageIDParam(c)
	if !ok {
		return
	}
	status, err := h.locks.Status(c.Request.Context(), pageID)
	if err != nil {
		h.respondError(c, "lock_status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleAcquireLock(c *gin.Context) {
	pageID, userID, ok := h.pageAndUser(c)
	if !ok {
		return
	}
	var request lockRequestPayload
	if !bindOptionalJSON(c, &request) {
		return
	}
	lease, err := h.locks.Acquire(c.Request.Context(), pageID, userID, time.Duration(request.DurationSeconds)*time.Second, request.Force)
	if err != nil {
		h.respondError(c, "acquire_lock", err)
		return
	}
	c.JSON(http.StatusOK, lease)
}

func (h *httpHandler) handleRenewLock(c *gin.Context) {
	pageID, userID, ok := h.pageAndUser(c)
	if !ok {
		return
	}
	var request lockRequestPayload
	if !bindOptionalJSON(c, &request) {
		return
	}
	lease, err := h.locks.Renew(c.Request.Context(), pageID, userID, time.Duration(request.DurationSeconds)*time.Second)
	if err != nil {
		h.respondError(c, "renew_lock", err)
		return
	}
	c.JSON(http.StatusOK, lease)
}

func (h *httpHandler) handleReleaseLock(c *gin.Context) {
	pageID, userID, ok := h.pageAndUser(c)
	if !ok {
		return
	}
	force := false
	if raw := c.Query("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest, "message": "force must be a boolean"})
			return
		}
		force = parsed
	}
	released, err := h.locks.Release(c.Request.Context(), pageID, userID, force)
	if err != nil {
		h.respondError(c, "release_lock", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"page_id": pageID.String(), "released": released})
}

func (h *httpHandler) handleSubmitContent(c *gin.Context) {
	pageID, userID, ok := h.pageAndUser(c)
	if !ok {
		return
	}
	var request contentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest, "message": err.Error()})
		return
	}
	if request.ExpectedVersion <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest, "message": "expected_version must be positive"})
		return
	}
	result, err := h.editing.SubmitEdit(c.Request.Context(), editing.EditRequest{
		PageID:          pageID,
		UserID:          userID,
		ExpectedVersion: request.ExpectedVersion,
		Sections:        request.Sections,
		ChangeNote:      request.ChangeNote,
		Async:           request.Async,
	})
	if err != nil {
		h.respondError(c, "submit_content", err)
		return
	}
	if result.Queued {
		c.JSON(http.StatusAccepted, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleIntegrity(c *gin.Context) {
	pageID, ok := h.pageIDParam(c)
	if !ok {
		return
	}
	report, err := h.integrity.VerifyFileIntegrity(c.Request.Context(), pageID)
	var mismatch *filesync.IntegrityError
	if errors.As(err, &mismatch) {
		h.logger.Warn("page file modified out of band",
			zap.String("page_id", mismatch.PageID),
			zap.String("file_path", mismatch.FilePath),
			zap.String("stored_hash", mismatch.Expected),
			zap.String("actual_hash", mismatch.Actual))
		c.JSON(http.StatusConflict, gin.H{"error": errorCodeIntegrityMismatch, "report": report})
		return
	}
	if err != nil {
		h.respondError(c, "verify_integrity", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	pageID, ok := h.pageIDParam(c)
	if !ok {
		return
	}
	if _, err := h.pages.GetPage(c.Request.Context(), pageID); err != nil {
		h.respondError(c, "page_events", err)
		return
	}

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), pageID.String())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(realtimeEventHeartbeat, gin.H{"page_id": pageID.String(), "source": realtimeSource})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, message)
			return true
		case now := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"page_id": pageID.String(), "source": realtimeSource, "timestamp": now.UTC()})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.Authenticate(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrNoSession) || errors.Is(err, auth.ErrSessionExpired) {
			h.logger.Info("session validation failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized, "message": errInvalidAuthorization.Error()})
		return
	}
	c.Set(userIDContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) pageIDParam(c *gin.Context) (pages.PageID, bool) {
	pageID, err := pages.NewPageID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest, "message": err.Error()})
		return "", false
	}
	return pageID, true
}

func (h *httpHandler) pageAndUser(c *gin.Context) (pages.PageID, pages.UserID, bool) {
	pageID, ok := h.pageIDParam(c)
	if !ok {
		return "", "", false
	}
	userID, err := pages.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return "", "", false
	}
	return pageID, userID, true
}

// bindOptionalJSON decodes a JSON body when one is present.
func bindOptionalJSON(c *gin.Context, target any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(target); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest, "message": err.Error()})
		return false
	}
	return true
}

// respondError maps domain errors onto HTTP statuses and carries the state a client needs to
// recover: the current holder, the current version or the blocking findings.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	if held, ok := pages.IsLockHeld(err); ok {
		c.JSON(http.StatusLocked, gin.H{
			"error":      errorCodeLockHeld,
			"message":    held.Error(),
			"holder":     held.Holder,
			"since":      held.Since,
			"expires_at": held.ExpiresAt,
		})
		return
	}
	if notHolder, ok := pages.IsNotLockHolder(err); ok {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   errorCodeNotLockHolder,
			"message": notHolder.Error(),
			"holder":  notHolder.Holder,
		})
		return
	}
	if conflict, ok := pages.IsVersionConflict(err); ok {
		c.JSON(http.StatusConflict, gin.H{
			"error":    errorCodeVersionConflict,
			"message":  conflict.Error(),
			"expected": conflict.Expected,
			"actual":   conflict.Actual,
		})
		return
	}
	var validation *threat.ValidationError
	if errors.As(err, &validation) {
		h.logger.Warn("edit rejected by threat validator",
			zap.String("operation", operation),
			zap.String("risk", string(validation.Risk)),
			zap.String("reason", validation.Reason),
			zap.Int("findings", len(validation.Findings)))
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":    errorCodeValidationFailed,
			"message":  validation.Error(),
			"risk":     validation.Risk,
			"reason":   validation.Reason,
			"findings": validation.Findings,
		})
		return
	}
	var rejected *filesync.ContentRejectedError
	if errors.As(err, &rejected) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      errorCodeValidationFailed,
			"message":    rejected.Error(),
			"section_id": rejected.SectionID,
		})
		return
	}
	var renderFailure *filesync.RenderError
	if errors.As(err, &renderFailure) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": errorCodeRenderFailed, "message": renderFailure.Error()})
		return
	}
	if errors.Is(err, pages.ErrSyncInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": errorCodeSyncInProgress, "message": err.Error()})
		return
	}
	if errors.Is(err, pages.ErrInvalidSection) || errors.Is(err, pages.ErrUnknownSection) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": errorCodeInvalidSections, "message": err.Error()})
		return
	}
	if errors.Is(err, pages.ErrPageNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": errorCodeNotFound})
		return
	}
	if errors.Is(err, pages.ErrInvalidPageID) || errors.Is(err, pages.ErrInvalidUserID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest, "message": err.Error()})
		return
	}
	var syncFailure *filesync.FileSyncError
	if errors.As(err, &syncFailure) {
		h.logger.Error("page sync failed",
			zap.String("operation", operation),
			zap.String("page_id", syncFailure.PageID),
			zap.String("stage", string(syncFailure.Stage)),
			zap.String("retry_job_id", syncFailure.RetryJobID),
			zap.Error(syncFailure.Err))
		c.JSON(http.StatusBadGateway, gin.H{
			"error":        errorCodeSyncFailed,
			"message":      syncFailure.Error(),
			"stage":        syncFailure.Stage,
			"retry_job_id": syncFailure.RetryJobID,
		})
		return
	}

	h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	response := gin.H{"error": errorCodeInternal}
	var serviceErr *pages.ServiceError
	if errors.As(err, &serviceErr) {
		response["code"] = serviceErr.Code()
	}
	c.JSON(http.StatusInternalServerError, response)
}
