// Package generator mints opaque token values and builds the records the
// server stores for codes, access tokens and refresh tokens.
package generator

import (
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-issuer/storage"
)

// Unlimited is the lifetime, in seconds, of tokens that never expire.
// Unlimited access tokens are issued without a refresh token.
const Unlimited int64 = 0

// MaxLifetime is the longest lifetime, in seconds, that fits a time.Duration.
const MaxLifetime = math.MaxInt64 / int64(time.Second)

// ErrInvalidConfiguration is returned for negative or oversized lifetimes.
var ErrInvalidConfiguration = errors.New("invalid token configuration")

// Source produces a new opaque token value on each call.
// Implementations must be safe for concurrent use.
type Source func() string

// DefaultSource returns 32 bytes from crypto/rand encoded as unpadded
// base64url (43 characters), the same encoding as a PKCE verifier.
func DefaultSource() string {
	return oauth2.GenerateVerifier()
}

// Pair is the result of a token grant: an access token and, for limited
// lifetimes, the refresh token paired with it.
type Pair struct {
	Access  *storage.Token
	Refresh *storage.Token // nil for unlimited access tokens
}

// Generator builds token records. It holds no mutable state and is safe for
// concurrent use.
type Generator struct {
	source Source
	now    func() time.Time
}

// Option configures a Generator
type Option func(*Generator)

// WithSource replaces the value source
func WithSource(src Source) Option {
	return func(g *Generator) {
		if src != nil {
			g.source = src
		}
	}
}

// WithClock replaces the clock used for IssuedAt and ExpiresAt
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// New creates a Generator using crypto/rand values and the wall clock unless
// overridden by options.
func New(opts ...Option) *Generator {
	g := &Generator{
		source: DefaultSource,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GenerateValue returns a fresh opaque value
func (g *Generator) GenerateValue() string {
	return g.source()
}

// GenerateCode returns a fresh authorization code value for the principal.
// The principal is not encoded in the value.
func (g *Generator) GenerateCode(_ storage.Principal) string {
	return g.source()
}

// GenerateRecord builds a single record of the given kind. ttlSeconds of
// Unlimited leaves ExpiresAt zero.
func (g *Generator) GenerateRecord(kind storage.Kind, owner storage.Principal, scope storage.Scope, ttlSeconds int64) (*storage.Token, error) {
	if err := CheckLifetime(ttlSeconds); err != nil {
		return nil, err
	}

	now := g.now()
	tok := &storage.Token{
		Value:    g.source(),
		Kind:     kind,
		Owner:    owner,
		Scope:    scope.Clone(),
		IssuedAt: now,
	}
	if ttlSeconds != Unlimited {
		tok.ExpiresAt = now.Add(time.Duration(ttlSeconds) * time.Second)
	}
	return tok, nil
}

// GenerateToken builds an access token for the principal. When ttlSeconds is
// positive a refresh token with refreshTTLSeconds lifetime is built as well
// and linked through Access.RefreshValue. Nothing is stored.
func (g *Generator) GenerateToken(owner storage.Principal, scope storage.Scope, ttlSeconds, refreshTTLSeconds int64) (*Pair, error) {
	if err := CheckLifetime(ttlSeconds); err != nil {
		return nil, err
	}
	if err := CheckLifetime(refreshTTLSeconds); err != nil {
		return nil, err
	}

	access, err := g.GenerateRecord(storage.KindAccess, owner, scope, ttlSeconds)
	if err != nil {
		return nil, err
	}
	if ttlSeconds == Unlimited {
		return &Pair{Access: access}, nil
	}

	refresh, err := g.GenerateRecord(storage.KindRefresh, owner, scope, refreshTTLSeconds)
	if err != nil {
		return nil, err
	}
	refresh.IssuedAt = access.IssuedAt
	if refreshTTLSeconds != Unlimited {
		refresh.ExpiresAt = access.IssuedAt.Add(time.Duration(refreshTTLSeconds) * time.Second)
	}
	access.RefreshValue = refresh.Value

	return &Pair{Access: access, Refresh: refresh}, nil
}

// CheckLifetime rejects lifetimes that are negative or exceed MaxLifetime
func CheckLifetime(seconds int64) error {
	switch {
	case seconds < 0:
		return fmt.Errorf("%w: negative lifetime %d", ErrInvalidConfiguration, seconds)
	case seconds > MaxLifetime:
		return fmt.Errorf("%w: lifetime %d exceeds %d seconds", ErrInvalidConfiguration, seconds, MaxLifetime)
	}
	return nil
}
