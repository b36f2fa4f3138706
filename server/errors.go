package server

import (
	"errors"

	"github.com/giantswarm/oauth-issuer/generator"
	"github.com/giantswarm/oauth-issuer/storage"
)

// OAuth 2.0 error codes from RFC 6749 and RFC 6750.
// Note: These are intentionally duplicated from errors.go in the root package
// to avoid circular imports (root package imports server, server can't import root).
// Keep these in sync with errors.go.
const (
	ErrorCodeInvalidGrant      = "invalid_grant"
	ErrorCodeInvalidToken      = "invalid_token"
	ErrorCodeInvalidClient     = "invalid_client"
	ErrorCodeInvalidScope      = "invalid_scope"
	ErrorCodeInsufficientScope = "insufficient_scope"
)

// Grant types recorded in metrics, audit events and spans
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

var (
	// ErrInvalidGrant is returned for every failed code or refresh exchange:
	// unknown, expired, already consumed or of the wrong kind. The sub-case is
	// logged but never returned.
	ErrInvalidGrant = errors.New(ErrorCodeInvalidGrant)

	// ErrTokenNotFound is returned by Validate for unknown or revoked values.
	ErrTokenNotFound = storage.ErrTokenNotFound

	// ErrTokenExpired is returned by Validate for a token past its lifetime.
	ErrTokenExpired = errors.New("token expired")

	// ErrInsufficientScope is returned by Validate when the required scope is
	// not a subset of the token's scope.
	ErrInsufficientScope = errors.New(ErrorCodeInsufficientScope)

	// ErrInvalidClient is returned when client authentication fails.
	ErrInvalidClient = errors.New(ErrorCodeInvalidClient)

	// ErrInvalidScope is returned when a requested scope is not allowed.
	ErrInvalidScope = errors.New(ErrorCodeInvalidScope)

	// ErrRateLimited is returned when a principal exceeds the password grant rate.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrUnsupported is returned when the configured store lacks a capability
	// an operation needs.
	ErrUnsupported = errors.New("operation not supported by token store")

	// ErrInvalidConfiguration is returned for negative lifetimes.
	ErrInvalidConfiguration = generator.ErrInvalidConfiguration
)
