package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/server"
	"github.com/giantswarm/oauth-issuer/storage"
)

// BearerToken extracts the token from an "Authorization: Bearer <token>" header
// (RFC 6750 Section 2.1). The scheme is matched case-insensitively.
func BearerToken(r *http.Request) (string, *OAuthError) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrInvalidToken("Missing Authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], TokenTypeBearer) {
		return "", ErrInvalidToken("Invalid Authorization header format")
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrInvalidToken("Empty bearer token")
	}
	return token, nil
}

// WriteTokenResponse writes a successful token endpoint response.
func WriteTokenResponse(w http.ResponseWriter, grant *server.TokenGrant) {
	security.SetTokenHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(NewTokenResponse(grant))
}

// WriteIntrospectionResponse writes the introspection body for the outcome
// of server.Validate. Validation failures are reported as inactive tokens,
// not as errors.
func WriteIntrospectionResponse(w http.ResponseWriter, tok *storage.Token, err error) {
	if err != nil {
		tok = nil
	}
	security.SetTokenHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(NewIntrospectionResponse(tok))
}

// WriteError maps err to its OAuth error and writes it. Resource errors
// (401 and 403) carry a Bearer challenge in WWW-Authenticate.
func WriteError(w http.ResponseWriter, err error) {
	oe := ToOAuthError(err)
	if oe == nil {
		oe = ErrServerError("Internal server error")
	}

	security.SetTokenHeaders(w)
	if oe.Code == ErrorCodeInvalidToken || oe.Code == ErrorCodeInsufficientScope {
		w.Header().Set("WWW-Authenticate", bearerChallenge(oe))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oe.Status)
	_ = json.NewEncoder(w).Encode(oe.Response())
}

func bearerChallenge(oe *OAuthError) string {
	return fmt.Sprintf(`%s error=%q, error_description=%q`, TokenTypeBearer, oe.Code, oe.Description)
}
