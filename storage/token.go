package storage

import (
	"time"
)

// Kind identifies what a token value grants.
type Kind int

const (
	// KindCode is a single-use authorization code.
	KindCode Kind = iota + 1
	// KindAccess is a bearer access token presented to resource servers.
	KindAccess
	// KindRefresh is a refresh token used to obtain new access tokens.
	KindRefresh
)

// String returns the lowercase name used in logs and metric attributes.
func (k Kind) String() string {
	switch k {
	case KindCode:
		return "code"
	case KindAccess:
		return "access"
	case KindRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// Principal is the authenticated subject a grant is made for.
// A principal never holds tokens itself; stores index token values by Principal.ID.
type Principal struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id,omitempty"`
}

// Token is an issued credential record. Records are immutable once issued:
// stores hand out clones and produce a new record when the pairing changes.
type Token struct {
	Value     string    `json:"value"`
	Kind      Kind      `json:"kind"`
	Owner     Principal `json:"owner"`
	Scope     Scope     `json:"scope,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"` // zero means unlimited
	GrantID   string    `json:"grant_id,omitempty"`

	// RefreshValue is set on an access token that was issued together with a refresh token.
	RefreshValue string `json:"refresh_value,omitempty"`

	// AccessValue is set on a refresh token to the currently paired access token.
	// Stores maintain it; callers never set it directly.
	AccessValue string `json:"access_value,omitempty"`
}

// Unlimited reports whether the token never expires.
func (t *Token) Unlimited() bool {
	return t.ExpiresAt.IsZero()
}

// Expired reports whether now is strictly after the expiry instant.
// A token is valid up to and including ExpiresAt.
func (t *Token) Expired(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return now.After(t.ExpiresAt)
}

// ExpiresIn returns the remaining lifetime in whole seconds, rounded up.
// Unlimited tokens return 0.
func (t *Token) ExpiresIn(now time.Time) int64 {
	if t.ExpiresAt.IsZero() {
		return 0
	}
	remaining := t.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	secs := int64(remaining / time.Second)
	if remaining%time.Second != 0 {
		secs++
	}
	return secs
}

// Clone returns a deep copy of the record.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	c.Scope = t.Scope.Clone()
	return &c
}
