// Package auth verifies bearer tokens and carries the resulting
// identity through request contexts.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AdminRole is the role that grants read and delete access to other
// users' resources and access to the analytics query surface.
const AdminRole = "admin"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Identity is the verified content of a bearer token.
type Identity struct {
	Subject   string
	Roles     []string
	ExpiresAt time.Time
}

// IsAdmin reports whether the identity carries the admin role.
func (id *Identity) IsAdmin() bool {
	return id != nil && slices.Contains(id.Roles, AdminRole)
}

// Claims is the JWT claim set understood by the verifier.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens against a process-wide key.
// It is stateless and safe for concurrent use. Every component that
// validates tokens must share the same key; an empty key is a
// configuration error caught at construction.
type Verifier struct {
	key []byte
}

// NewVerifier builds a Verifier. The key must be non-empty.
func NewVerifier(key string) (*Verifier, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("auth: verification key is empty")
	}
	return &Verifier{key: []byte(key)}, nil
}

// Verify parses and validates a token and returns the identity embedded
// in it. Expired tokens return ErrExpiredToken; every other failure is
// ErrInvalidToken.
func (v *Verifier) Verify(token string) (*Identity, error) {
	if v == nil || len(v.key) == 0 {
		return nil, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}

	id := &Identity{
		Subject: claims.Subject,
		Roles:   claims.Roles,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// Issue signs a token for the given subject and roles. Used by tests
// and by operator tooling; the platform itself only verifies.
func (v *Verifier) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	if v == nil || len(v.key) == 0 {
		return "", errors.New("auth: verifier not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("auth: subject required")
	}

	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}
