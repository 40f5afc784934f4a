package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarcoPoloResearchLab/pagesync/internal/auth"
)

func TestAuthorizeRequestLogsExpiredSessionAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/pages", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubAuthenticator{err: auth.ErrSessionExpired},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired session, got %s", entry.Level)
	}
	if entry.Message != "session validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrSessionExpired) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired session error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsForgedSessionAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/pages", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubAuthenticator{err: auth.ErrSessionRejected},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for forged session, got %s", entries[0].Level)
	}
}

func TestAuthorizeRequestStoresEditorIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/pages", http.NoBody)

	handler := &httpHandler{
		sessions: stubAuthenticator{claims: auth.EditorClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}}},
		logger:   zap.NewNop(),
	}

	handler.authorizeRequest(ctx)

	if ctx.IsAborted() {
		t.Fatalf("expected request to proceed, got status %d", recorder.Code)
	}
	if got := ctx.GetString(userIDContextKey); got != "alice" {
		t.Fatalf("expected user id alice, got %q", got)
	}
}

type stubAuthenticator struct {
	claims auth.EditorClaims
	err    error
}

func (s stubAuthenticator) Authenticate(*http.Request) (auth.EditorClaims, error) {
	return s.claims, s.err
}
