package oauth

import (
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-issuer/server"
	"github.com/giantswarm/oauth-issuer/storage"
)

// TokenTypeBearer is the only token type issued
const TokenTypeBearer = "Bearer"

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`

	// ErrorURI points to error documentation
	ErrorURI string `json:"error_uri,omitempty"`
}

// TokenResponse is the successful token endpoint body (RFC 6749 Section 5.1)
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresIn is omitted for tokens that never expire
	ExpiresIn int64 `json:"expires_in,omitempty"`

	Scope string `json:"scope,omitempty"`
}

// NewTokenResponse builds the wire form of a grant.
func NewTokenResponse(grant *server.TokenGrant) *TokenResponse {
	if grant == nil {
		return nil
	}
	return &TokenResponse{
		AccessToken:  grant.AccessToken,
		TokenType:    TokenTypeBearer,
		RefreshToken: grant.RefreshToken,
		ExpiresIn:    grant.ExpiresIn,
		Scope:        grant.Scope.String(),
	}
}

// OAuth2Token converts the response into the client-side token type used by
// golang.org/x/oauth2, relative to the time the response was received.
func (r *TokenResponse) OAuth2Token(received time.Time) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
		ExpiresIn:    r.ExpiresIn,
	}
	if r.ExpiresIn > 0 {
		tok.Expiry = received.Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return tok.WithExtra(map[string]any{"scope": r.Scope})
}

// IntrospectionResponse describes a validated access token (RFC 7662 Section 2.2).
// Inactive tokens carry only Active=false.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// NewIntrospectionResponse builds the introspection body for the result of
// server.Validate. A nil token, as returned alongside any error, is inactive.
func NewIntrospectionResponse(tok *storage.Token) *IntrospectionResponse {
	if tok == nil {
		return &IntrospectionResponse{}
	}
	resp := &IntrospectionResponse{
		Active:    true,
		Scope:     tok.Scope.String(),
		ClientID:  tok.Owner.ClientID,
		Subject:   tok.Owner.ID,
		TokenType: TokenTypeBearer,
		IssuedAt:  tok.IssuedAt.Unix(),
	}
	if !tok.Unlimited() {
		resp.ExpiresAt = tok.ExpiresAt.Unix()
	}
	return resp
}
