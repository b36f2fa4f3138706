// Package oauth is the wire edge of the token issuer.
//
// The engine itself lives in the server package and reports failures as
// sentinel errors. This package translates them into OAuth 2.0 error
// responses (RFC 6749 Section 5.2, RFC 6750 Section 3.1) and renders grants
// and validation results in their JSON forms, so that an HTTP layer owned by
// the embedding application can stay thin:
//
//	grant, err := srv.ExchangeCode(r.Context(), r.PostForm.Get("code"))
//	if err != nil {
//		oauth.WriteError(w, err)
//		return
//	}
//	oauth.WriteTokenResponse(w, grant)
//
// Resource servers validate bearer tokens the same way:
//
//	value, oerr := oauth.BearerToken(r)
//	if oerr != nil {
//		oauth.WriteError(w, oerr)
//		return
//	}
//	if _, err := srv.Validate(r.Context(), value, storage.NewScope("read")); err != nil {
//		oauth.WriteError(w, err)
//		return
//	}
package oauth
