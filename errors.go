package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/oauth-issuer/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeInsufficientScope    = "insufficient_scope"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
	ErrorCodeTemporarilyUnavail   = "temporarily_unavailable"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Response converts the error into its JSON body form.
func (e *OAuthError) Response() ErrorResponse {
	return ErrorResponse{
		Error:            e.Code,
		ErrorDescription: e.Description,
	}
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable instances
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidScope indicates the requested scope is invalid or unsupported
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the access token is unknown or expired (RFC 6750 Section 3.1)
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrInsufficientScope indicates the token is valid but lacks a required scope (RFC 6750 Section 3.1)
	ErrInsufficientScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInsufficientScope, desc, http.StatusForbidden)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrRateLimitExceeded indicates the caller exceeded its request budget
	ErrRateLimitExceeded = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrTemporarilyUnavailable indicates the request was cancelled or timed out
	ErrTemporarilyUnavailable = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeTemporarilyUnavail, desc, http.StatusServiceUnavailable)
	}
)

// ToOAuthError maps an error returned by the server package to the OAuth
// error a token or resource endpoint should answer with. Internal failures
// are reported as server_error without leaking their text. A nil error maps
// to nil.
func ToOAuthError(err error) *OAuthError {
	if err == nil {
		return nil
	}

	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe
	}

	switch {
	case errors.Is(err, server.ErrInvalidGrant):
		return ErrInvalidGrant("The provided grant is invalid, expired or revoked")
	case errors.Is(err, server.ErrTokenExpired):
		return ErrInvalidToken("The access token expired")
	case errors.Is(err, server.ErrTokenNotFound):
		return ErrInvalidToken("The access token is invalid")
	case errors.Is(err, server.ErrInsufficientScope):
		return ErrInsufficientScope("The access token does not grant the required scope")
	case errors.Is(err, server.ErrInvalidClient):
		return ErrInvalidClient("Client authentication failed")
	case errors.Is(err, server.ErrInvalidScope):
		return ErrInvalidScope("The requested scope is invalid")
	case errors.Is(err, server.ErrRateLimited):
		return ErrRateLimitExceeded("Too many requests")
	case errors.Is(err, server.ErrUnsupported):
		return ErrUnsupportedGrantType("The grant type is not supported by this server")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrTemporarilyUnavailable("The request did not complete in time")
	default:
		return ErrServerError("Internal server error")
	}
}
