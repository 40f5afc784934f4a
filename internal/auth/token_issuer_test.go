package auth

import (
	"testing"
	"time"
)

func TestTokenIssuerIssuesEditorTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return clockNow }
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresAt, err := issuer.IssueEditorToken(t.Context(), EditorIdentity{
		UserID: "editor-1",
		Email:  "editor@example.com",
		Roles:  []string{"editor"},
	})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	sessions, err := NewSessions(SessionConfig{
		SigningSecret: []byte("super-secret"),
		CookieName:    "app_session",
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct sessions: %v", err)
	}
	claims, err := sessions.ParseToken(tokenString)
	if err != nil {
		t.Fatalf("issued token failed validation: %v", err)
	}
	if claims.Subject != "editor-1" || claims.Email != "editor@example.com" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.Issuer != DefaultSessionIssuer {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{TokenTTL: 30 * time.Minute}); err == nil {
		t.Fatalf("expected error when signing secret is missing")
	}
}

func TestTokenIssuerRejectsMissingEditor(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret")})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.IssueEditorToken(t.Context(), EditorIdentity{UserID: "  "}); err == nil {
		t.Fatalf("expected missing editor error")
	}
}
