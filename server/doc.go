// Package server implements the token issuance and lifecycle engine of an
// OAuth 2.0 authorization server.
//
// The Server coordinates three components:
//   - a generator that mints opaque values (generator package)
//   - a token store that owns every live record (storage package)
//   - an expiry scheduler that removes records when their lifetime ends (expiry package)
//
// It is called by an HTTP layer that has already authenticated the resource
// owner and parsed the request. Every operation returns a typed error the
// HTTP layer can map to an OAuth error response.
//
// Each grant moves through the states
//
//	requested -> code_issued -> token_issued -> refreshed* -> expired | revoked
//
// and revocation takes precedence over a pending expiry.
//
// Refresh tokens are kept across refreshes by default: each refresh swaps the
// access token atomically and the previous access token stops validating.
// Set Config.RotateRefreshTokens to replace the refresh token on every use.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, nil, nil, &server.Config{MaxTokenTime: 3600}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Stop()
//
//	code, _ := srv.IssueCode(ctx, storage.Principal{ID: "alice", ClientID: "app"}, storage.ParseScope("read"))
//	grant, _ := srv.ExchangeCode(ctx, code)
//	_, err = srv.Validate(ctx, grant.AccessToken, storage.ParseScope("read"))
package server
