package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/giantswarm/oauth-issuer/server"
	"github.com/giantswarm/oauth-issuer/storage"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid", "Bearer abc123", "abc123", false},
		{"lowercase scheme", "bearer abc123", "abc123", false},
		{"missing", "", "", true},
		{"basic scheme", "Basic dXNlcjpwYXNz", "", true},
		{"no token", "Bearer", "", true},
		{"blank token", "Bearer   ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/resource", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}

			got, oerr := BearerToken(r)
			if (oerr != nil) != tt.wantErr {
				t.Fatalf("BearerToken() error = %v, wantErr %v", oerr, tt.wantErr)
			}
			if oerr != nil && oerr.Code != ErrorCodeInvalidToken {
				t.Errorf("error code = %q, want %q", oerr.Code, ErrorCodeInvalidToken)
			}
			if got != tt.want {
				t.Errorf("BearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteTokenResponse(t *testing.T) {
	w := httptest.NewRecorder()

	WriteTokenResponse(w, &server.TokenGrant{
		AccessToken:  "access-value",
		RefreshToken: "refresh-value",
		ExpiresIn:    3600,
		Scope:        storage.NewScope("read"),
	})

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}

	var body TokenResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.AccessToken != "access-value" || body.ExpiresIn != 3600 || body.Scope != "read" {
		t.Errorf("body = %+v", body)
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantStatus    int
		wantCode      string
		wantChallenge bool
	}{
		{"invalid grant", server.ErrInvalidGrant, http.StatusBadRequest, ErrorCodeInvalidGrant, false},
		{"expired token", server.ErrTokenExpired, http.StatusUnauthorized, ErrorCodeInvalidToken, true},
		{"insufficient scope", fmt.Errorf("%w: write", server.ErrInsufficientScope), http.StatusForbidden, ErrorCodeInsufficientScope, true},
		{"rate limited", server.ErrRateLimited, http.StatusTooManyRequests, ErrorCodeRateLimitExceeded, false},
		{"internal", errors.New("boom"), http.StatusInternalServerError, ErrorCodeServerError, false},
		{"nil", nil, http.StatusInternalServerError, ErrorCodeServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}

			var body ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error != tt.wantCode {
				t.Errorf("error = %q, want %q", body.Error, tt.wantCode)
			}

			challenge := w.Header().Get("WWW-Authenticate")
			if tt.wantChallenge {
				if !strings.HasPrefix(challenge, "Bearer ") || !strings.Contains(challenge, `error="`+tt.wantCode+`"`) {
					t.Errorf("WWW-Authenticate = %q", challenge)
				}
			} else if challenge != "" {
				t.Errorf("unexpected WWW-Authenticate = %q", challenge)
			}
		})
	}
}

func TestWriteIntrospectionResponse(t *testing.T) {
	tok := &storage.Token{
		Value: "access-value",
		Kind:  storage.KindAccess,
		Owner: storage.Principal{ID: "alice"},
	}

	tests := []struct {
		name       string
		tok        *storage.Token
		err        error
		wantActive bool
	}{
		{"valid", tok, nil, true},
		{"expired", nil, server.ErrTokenExpired, false},
		{"insufficient scope", nil, server.ErrInsufficientScope, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteIntrospectionResponse(w, tt.tok, tt.err)

			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", w.Code)
			}
			var body IntrospectionResponse
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Active != tt.wantActive {
				t.Errorf("active = %v, want %v", body.Active, tt.wantActive)
			}
		})
	}
}
