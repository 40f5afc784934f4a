package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MarcoPoloResearchLab/pagesync/internal/pages"
)

// DefaultSessionIssuer is the issuer expected when none is configured.
const DefaultSessionIssuer = "pagesync"

const bearerScheme = "Bearer"

var (
	// ErrNoSession reports a request or token string without a session.
	ErrNoSession = errors.New("auth: no editor session")
	// ErrSessionExpired reports a session past its expiry.
	ErrSessionExpired = errors.New("auth: editor session expired")
	// ErrSessionRejected reports a session that failed signature or claim checks.
	ErrSessionRejected = errors.New("auth: editor session rejected")

	errMissingCookieName = errors.New("session cookie name must be provided")
)

// EditorClaims is the JWT payload of an editor session. The subject is the editor id.
type EditorClaims struct {
	Email       string   `json:"email,omitempty"`
	DisplayName string   `json:"name,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Editor returns the validated editor id carried in the subject.
func (c EditorClaims) Editor() (pages.UserID, error) {
	return pages.NewUserID(c.Subject)
}

// SessionConfig configures Sessions.
type SessionConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// Sessions authenticates editors from HS256 session tokens. It never logs anyone in; tokens come
// from the site's identity provider or TokenIssuer.
type Sessions struct {
	secret     []byte
	cookieName string
	parser     *jwt.Parser
}

// NewSessions builds a Sessions bound to one signing secret and issuer.
func NewSessions(cfg SessionConfig) (*Sessions, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, errMissingCookieName
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Sessions{
		secret:     append([]byte(nil), cfg.SigningSecret...),
		cookieName: cookieName,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(clock),
		),
	}, nil
}

// CookieName is the cookie Authenticate reads first.
func (s *Sessions) CookieName() string {
	return s.cookieName
}

// Authenticate returns the claims of the session attached to r: the session cookie when present,
// otherwise a bearer Authorization header.
func (s *Sessions) Authenticate(r *http.Request) (EditorClaims, error) {
	if r == nil {
		return EditorClaims{}, ErrNoSession
	}
	return s.ParseToken(s.requestToken(r))
}

// ParseToken verifies a raw session token.
func (s *Sessions) ParseToken(raw string) (EditorClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return EditorClaims{}, ErrNoSession
	}
	var claims EditorClaims
	if _, err := s.parser.ParseWithClaims(raw, &claims, s.signingKey); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return EditorClaims{}, ErrSessionExpired
		}
		return EditorClaims{}, fmt.Errorf("%w: %w", ErrSessionRejected, err)
	}
	if _, err := claims.Editor(); err != nil {
		return EditorClaims{}, fmt.Errorf("%w: %w", ErrSessionRejected, err)
	}
	return claims, nil
}

func (s *Sessions) requestToken(r *http.Request) string {
	if cookie, err := r.Cookie(s.cookieName); err == nil {
		return cookie.Value
	}
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, bearerScheme) {
		return ""
	}
	return token
}

func (s *Sessions) signingKey(*jwt.Token) (any, error) {
	return s.secret, nil
}
