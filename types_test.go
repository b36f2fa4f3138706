package oauth

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oauth-issuer/server"
	"github.com/giantswarm/oauth-issuer/storage"
)

func TestNewTokenResponse(t *testing.T) {
	grant := &server.TokenGrant{
		AccessToken:  "access-value",
		RefreshToken: "refresh-value",
		ExpiresIn:    3600,
		Scope:        storage.NewScope("write", "read"),
		GrantID:      "grant-1",
	}

	resp := NewTokenResponse(grant)

	if resp.AccessToken != grant.AccessToken {
		t.Errorf("AccessToken = %q, want %q", resp.AccessToken, grant.AccessToken)
	}
	if resp.TokenType != TokenTypeBearer {
		t.Errorf("TokenType = %q, want %q", resp.TokenType, TokenTypeBearer)
	}
	if resp.RefreshToken != grant.RefreshToken {
		t.Errorf("RefreshToken = %q, want %q", resp.RefreshToken, grant.RefreshToken)
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", resp.ExpiresIn)
	}
	if resp.Scope != "read write" {
		t.Errorf("Scope = %q, want %q", resp.Scope, "read write")
	}

	if NewTokenResponse(nil) != nil {
		t.Error("NewTokenResponse(nil) should be nil")
	}
}

// An unlimited grant has neither a lifetime nor a refresh token on the wire
func TestTokenResponse_UnlimitedJSON(t *testing.T) {
	resp := NewTokenResponse(&server.TokenGrant{AccessToken: "access-value"})

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	body := string(data)
	for _, field := range []string{"expires_in", "refresh_token", "scope"} {
		if strings.Contains(body, field) {
			t.Errorf("unlimited response contains %q: %s", field, body)
		}
	}
	if !strings.Contains(body, `"token_type":"Bearer"`) {
		t.Errorf("token_type missing: %s", body)
	}
}

func TestTokenResponse_OAuth2Token(t *testing.T) {
	received := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	resp := &TokenResponse{
		AccessToken:  "access-value",
		TokenType:    TokenTypeBearer,
		RefreshToken: "refresh-value",
		ExpiresIn:    60,
		Scope:        "read",
	}
	tok := resp.OAuth2Token(received)

	if tok.AccessToken != "access-value" || tok.RefreshToken != "refresh-value" {
		t.Errorf("token values not carried over: %+v", tok)
	}
	if want := received.Add(time.Minute); !tok.Expiry.Equal(want) {
		t.Errorf("Expiry = %v, want %v", tok.Expiry, want)
	}
	if got := tok.Extra("scope"); got != "read" {
		t.Errorf("Extra(scope) = %v, want read", got)
	}

	unlimited := (&TokenResponse{AccessToken: "a", TokenType: TokenTypeBearer}).OAuth2Token(received)
	if !unlimited.Expiry.IsZero() {
		t.Errorf("unlimited Expiry = %v, want zero", unlimited.Expiry)
	}
}

func TestNewIntrospectionResponse(t *testing.T) {
	issued := time.Unix(1700000000, 0)

	tests := []struct {
		name    string
		tok     *storage.Token
		want    IntrospectionResponse
		wantExp bool
	}{
		{
			name: "active",
			tok: &storage.Token{
				Value:     "access-value",
				Kind:      storage.KindAccess,
				Owner:     storage.Principal{ID: "alice", ClientID: "cli"},
				Scope:     storage.NewScope("read"),
				IssuedAt:  issued,
				ExpiresAt: issued.Add(time.Hour),
			},
			want: IntrospectionResponse{
				Active:    true,
				Scope:     "read",
				ClientID:  "cli",
				Subject:   "alice",
				TokenType: TokenTypeBearer,
				IssuedAt:  issued.Unix(),
				ExpiresAt: issued.Add(time.Hour).Unix(),
			},
		},
		{
			name: "unlimited",
			tok: &storage.Token{
				Value:    "access-value",
				Kind:     storage.KindAccess,
				Owner:    storage.Principal{ID: "alice"},
				IssuedAt: issued,
			},
			want: IntrospectionResponse{
				Active:    true,
				Subject:   "alice",
				TokenType: TokenTypeBearer,
				IssuedAt:  issued.Unix(),
			},
		},
		{
			name: "inactive",
			tok:  nil,
			want: IntrospectionResponse{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewIntrospectionResponse(tt.tok)
			if *got != tt.want {
				t.Errorf("NewIntrospectionResponse() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestIntrospectionResponse_InactiveJSON(t *testing.T) {
	data, err := json.Marshal(NewIntrospectionResponse(nil))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `{"active":false}` {
		t.Errorf("inactive body = %s, want {\"active\":false}", data)
	}
}
