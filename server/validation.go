package server

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/storage"
)

// Validation results recorded in metrics and spans
const (
	ValidationValid             = "valid"
	ValidationNotFound          = "not_found"
	ValidationExpired           = "expired"
	ValidationInsufficientScope = "insufficient_scope"
)

// Validate checks an access token against the scope a resource requires.
// It returns the token record on success, or exactly one of
// ErrTokenNotFound, ErrTokenExpired and ErrInsufficientScope.
// Codes and refresh tokens are not bearer tokens and are reported as not found.
func (s *Server) Validate(ctx context.Context, accessValue string, required storage.Scope) (tok *storage.Token, err error) {
	ctx, span := s.startSpan(ctx, "validate")
	result := ValidationValid
	defer func() {
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrValidation, result))
		if m := s.metrics(); m != nil {
			m.RecordTokenValidation(ctx, result)
		}
		endSpan(span, err)
	}()

	tok, err = s.store.Get(ctx, accessValue)
	if err != nil {
		if !errors.Is(err, storage.ErrTokenNotFound) {
			result = "error"
			return nil, fmt.Errorf("failed to look up token: %w", err)
		}
		if kind, ok := s.tombstones.Get(accessValue); ok && kind == storage.KindAccess {
			result = ValidationExpired
			return nil, ErrTokenExpired
		}
		result = ValidationNotFound
		return nil, ErrTokenNotFound
	}

	if tok.Kind != storage.KindAccess {
		result = ValidationNotFound
		return nil, ErrTokenNotFound
	}

	// The timer may not have fired yet
	if tok.Expired(s.now()) {
		result = ValidationExpired
		return nil, ErrTokenExpired
	}

	instrumentation.AddGrantAttributes(span, tok.Owner.ClientID, tok.Owner.ID, "")
	instrumentation.SetSpanAttributes(span, attribute.Int64(instrumentation.AttrExpiresIn, tok.ExpiresIn(s.now())))

	if !tok.Scope.Contains(required) {
		result = ValidationInsufficientScope
		return nil, fmt.Errorf("%w: requires %q, token grants %q", ErrInsufficientScope, required.String(), tok.Scope.String())
	}

	return tok, nil
}

// validateScopes validates that requested scopes are supported by the server
func (s *Server) validateScopes(scope storage.Scope) error {
	// If no scopes configured, allow all
	if len(s.Config.SupportedScopes) == 0 {
		return nil
	}

	supported := storage.NewScope(s.Config.SupportedScopes...)
	for _, v := range scope.Values() {
		if !supported.Has(v) {
			return fmt.Errorf("%w: unsupported scope: %s", ErrInvalidScope, v)
		}
	}
	return nil
}

// validateClientScopes validates that requested scopes are allowed for the specific client.
//
// Behavior:
// - If clientScopes is empty: Allow all scopes
// - Otherwise the requested scope MUST be a subset of clientScopes
func validateClientScopes(requested storage.Scope, clientScopes []string) error {
	if len(clientScopes) == 0 {
		return nil
	}
	if !storage.NewScope(clientScopes...).Contains(requested) {
		// Don't reveal which scope is unauthorized
		return fmt.Errorf("%w: client is not authorized for one or more requested scopes", ErrInvalidScope)
	}
	return nil
}
