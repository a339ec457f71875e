package identity

import (
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the payload of a backend-issued device token.
type TokenClaims struct {
	OwnerID      string   `json:"owner_id"`
	Capabilities []string `json:"capabilities,omitempty"`
	jwtlib.RegisteredClaims
}

// Token wraps a raw signed token together with its decoded claims. The agent
// only inspects claims; the backend is the party that verifies signatures.
type Token struct {
	Raw    string
	Claims TokenClaims
}

// ParseToken decodes claims from a raw JWT without verifying the signature.
func ParseToken(raw string) (*Token, error) {
	var claims TokenClaims
	parser := jwtlib.NewParser()
	if _, _, err := parser.ParseUnverified(raw, &claims); err != nil {
		return nil, fmt.Errorf("decode device token: %w", err)
	}
	return &Token{Raw: raw, Claims: claims}, nil
}

// DeviceID returns the token subject.
func (t *Token) DeviceID() string {
	return t.Claims.Subject
}

// ExpiresAt returns the token expiry, or the zero time when absent.
func (t *Token) ExpiresAt() time.Time {
	if t.Claims.ExpiresAt == nil {
		return time.Time{}
	}
	return t.Claims.ExpiresAt.Time
}

// ValidAt reports whether the token is usable at the given instant, leaving
// the supplied skew as a safety margin before the actual expiry.
func (t *Token) ValidAt(now time.Time, skew time.Duration) bool {
	exp := t.ExpiresAt()
	if exp.IsZero() {
		return false
	}
	return now.Before(exp.Add(-skew))
}

// ExpiresWithin reports whether the token expires inside the given span.
func (t *Token) ExpiresWithin(now time.Time, span time.Duration) bool {
	exp := t.ExpiresAt()
	if exp.IsZero() {
		return true
	}
	return exp.Before(now.Add(span))
}
