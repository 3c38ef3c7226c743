package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrAuthDisabled is returned when token operations run without a secret.
	ErrAuthDisabled = errors.New("auth disabled")
	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("invalid token")
)

// JWTAuth signs and verifies connection tokens for the websocket endpoint.
type JWTAuth struct {
	secret []byte
	expiry time.Duration
}

// NewJWTAuth builds a token helper. An empty secret disables auth.
func NewJWTAuth(secret string, expiry time.Duration) *JWTAuth {
	if secret == "" {
		return nil
	}
	return &JWTAuth{secret: []byte(secret), expiry: expiry}
}

// Enabled reports whether tokens are required on connect.
func (a *JWTAuth) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

type tokenClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed token for the given subject.
func (a *JWTAuth) Generate(subject, name string) (string, error) {
	if !a.Enabled() {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject is required")
	}

	claims := tokenClaims{
		Name: strings.TrimSpace(name),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if a.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(a.expiry))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Validate parses a token and returns its subject.
func (a *JWTAuth) Validate(token string) (string, error) {
	if !a.Enabled() {
		return "", ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// authenticateRequest extracts and validates a bearer token from the header
// or the token query parameter. Returns the subject, or "" when unauthorized.
func (a *JWTAuth) authenticateRequest(r *http.Request) string {
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		if rest, found := strings.CutPrefix(header, "Bearer "); found {
			token = rest
		}
	}
	if token == "" {
		return ""
	}
	subject, err := a.Validate(token)
	if err != nil {
		return ""
	}
	return subject
}
