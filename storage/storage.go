package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTokenNotFound is returned when a token value is unknown. A value that
	// never existed and one that was removed are indistinguishable.
	ErrTokenNotFound = errors.New("token not found")

	// ErrDuplicateToken is returned when inserting a value that is already stored.
	ErrDuplicateToken = errors.New("duplicate token value")

	// ErrStaleToken is returned by Replace when the refresh token is no longer
	// paired with the access token the caller expected to swap out.
	ErrStaleToken = errors.New("stale token pairing")

	// ErrClientNotFound is returned when a client ID is not registered.
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidClientCredentials is returned when client authentication fails.
	ErrInvalidClientCredentials = errors.New("invalid client credentials")
)

// TokenStore maps token values to their records.
// Implementations must be safe for concurrent use and every method must be
// atomic with respect to the others.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// Put inserts a new record. It fails with ErrDuplicateToken if the value
	// already exists. When tok is an access token with RefreshValue set and
	// that refresh token is stored, the refresh record is re-paired to tok in
	// the same step.
	Put(ctx context.Context, tok *Token) error

	// Get returns a copy of the record for value, or ErrTokenNotFound.
	Get(ctx context.Context, value string) (*Token, error)

	// Remove deletes the record for value. Removing an unknown value is not an
	// error. Removing an access token clears its refresh token's pairing when
	// that pairing still points to it.
	Remove(ctx context.Context, value string) error

	// Replace atomically swaps oldValue for newTok.
	//
	// For a paired access token (newTok.Kind == KindAccess with RefreshValue
	// set) the refresh record must exist and be paired with oldValue, where ""
	// means "no live access token"; otherwise ErrStaleToken is returned.
	//
	// Otherwise oldValue must exist. When a refresh token is replaced by
	// another refresh token, the access token paired with the old one is
	// removed in the same step.
	//
	// ErrDuplicateToken is returned if newTok.Value is already stored.
	Replace(ctx context.Context, oldValue string, newTok *Token) error

	// Take atomically returns and deletes the record for value.
	// Only one concurrent caller can succeed for a given value.
	Take(ctx context.Context, value string) (*Token, error)
}

// OwnerIndex is implemented by stores that index token values by principal.
// This is optional - the server falls back to ErrUnsupported for bulk operations.
type OwnerIndex interface {
	// ValuesByOwner returns every live token value held by the principal.
	ValuesByOwner(ctx context.Context, principalID string) ([]string, error)

	// RemoveByOwner deletes every token held by the principal and returns the
	// removed records.
	RemoveByOwner(ctx context.Context, principalID string) ([]*Token, error)
}

// ClientStore defines the interface for managing registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error
}

// Client represents a registered OAuth client
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash
	ClientType       string // "public" or "confidential"
	ClientName       string
	Scopes           []string
	CreatedAt        time.Time
}

// Client types
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)
