package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/giantswarm/oauth-issuer/server"
)

func TestOAuthError_Error(t *testing.T) {
	e := NewOAuthError(ErrorCodeInvalidGrant, "code already used", http.StatusBadRequest)
	if got, want := e.Error(), "invalid_grant: code already used"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	var target *OAuthError
	if !errors.As(fmt.Errorf("exchange: %w", e), &target) || target != e {
		t.Error("wrapped OAuthError not found by errors.As")
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		ctor   func(string) *OAuthError
		code   string
		status int
	}{
		{ErrInvalidRequest, "invalid_request", http.StatusBadRequest},
		{ErrInvalidGrant, "invalid_grant", http.StatusBadRequest},
		{ErrInvalidClient, "invalid_client", http.StatusUnauthorized},
		{ErrInvalidScope, "invalid_scope", http.StatusBadRequest},
		{ErrInvalidToken, "invalid_token", http.StatusUnauthorized},
		{ErrInsufficientScope, "insufficient_scope", http.StatusForbidden},
		{ErrUnsupportedGrantType, "unsupported_grant_type", http.StatusBadRequest},
		{ErrServerError, "server_error", http.StatusInternalServerError},
		{ErrRateLimitExceeded, "rate_limit_exceeded", http.StatusTooManyRequests},
		{ErrTemporarilyUnavailable, "temporarily_unavailable", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := tt.ctor("details")
			if err.Code != tt.code || err.Status != tt.status || err.Description != "details" {
				t.Errorf("got {%q %q %d}, want {%q %q %d}",
					err.Code, err.Description, err.Status, tt.code, "details", tt.status)
			}
		})
	}
}

func TestToOAuthError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"invalid grant", server.ErrInvalidGrant, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"token not found", server.ErrTokenNotFound, ErrorCodeInvalidToken, http.StatusUnauthorized},
		{"token expired", server.ErrTokenExpired, ErrorCodeInvalidToken, http.StatusUnauthorized},
		{"insufficient scope", fmt.Errorf("%w: need write", server.ErrInsufficientScope), ErrorCodeInsufficientScope, http.StatusForbidden},
		{"invalid client", fmt.Errorf("%w: bad secret", server.ErrInvalidClient), ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"invalid scope", fmt.Errorf("%w: admin", server.ErrInvalidScope), ErrorCodeInvalidScope, http.StatusBadRequest},
		{"rate limited", server.ErrRateLimited, ErrorCodeRateLimitExceeded, http.StatusTooManyRequests},
		{"unsupported", fmt.Errorf("revoke all: %w", server.ErrUnsupported), ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{"cancelled", context.Canceled, ErrorCodeTemporarilyUnavail, http.StatusServiceUnavailable},
		{"deadline", fmt.Errorf("store: %w", context.DeadlineExceeded), ErrorCodeTemporarilyUnavail, http.StatusServiceUnavailable},
		{"internal", errors.New("connection refused"), ErrorCodeServerError, http.StatusInternalServerError},
		{"already mapped", ErrInvalidRequest("missing code"), ErrorCodeInvalidRequest, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToOAuthError(tt.err)
			if got == nil {
				t.Fatal("ToOAuthError() = nil")
			}
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", got.Status, tt.wantStatus)
			}
		})
	}
}

func TestToOAuthError_Nil(t *testing.T) {
	if got := ToOAuthError(nil); got != nil {
		t.Errorf("ToOAuthError(nil) = %v, want nil", got)
	}
}

func TestToOAuthError_HidesInternalText(t *testing.T) {
	got := ToOAuthError(errors.New("dial tcp 10.0.0.1:6379: connection refused"))
	if got.Description != "Internal server error" {
		t.Errorf("Description = %q, internal error text leaked", got.Description)
	}
}

func TestOAuthError_Response(t *testing.T) {
	resp := ErrInvalidGrant("code already used").Response()
	if resp.Error != ErrorCodeInvalidGrant {
		t.Errorf("Error = %q, want %q", resp.Error, ErrorCodeInvalidGrant)
	}
	if resp.ErrorDescription != "code already used" {
		t.Errorf("ErrorDescription = %q", resp.ErrorDescription)
	}
}
