package server

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/giantswarm/oauth-issuer/internal/util"
	"github.com/giantswarm/oauth-issuer/storage"
)

// Revoke removes a code, access token or refresh token together with the
// other half of its access/refresh pair and cancels their expiry timers.
// The grant ends in the Revoked state even if a timer was about to fire.
// Revoking an unknown value is not an error.
func (s *Server) Revoke(ctx context.Context, value string) (err error) {
	ctx, span := s.startSpan(ctx, "revoke")
	defer func() { endSpan(span, err) }()

	tok, err := s.store.Take(ctx, value)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			s.Logger.Debug("Revocation of unknown token", "token_prefix", util.TokenPrefix(value))
			return nil
		}
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	removed := []*storage.Token{tok}

	// Take returns the pairing as of removal, so an access token paired by a
	// concurrent refresh is found as well
	switch tok.Kind {
	case storage.KindAccess:
		if tok.RefreshValue != "" {
			if rt, err := s.store.Take(ctx, tok.RefreshValue); err == nil {
				removed = append(removed, rt)
				if rt.AccessValue != "" {
					if at, err := s.store.Take(ctx, rt.AccessValue); err == nil {
						removed = append(removed, at)
					}
				}
			}
		}
	case storage.KindRefresh:
		if tok.AccessValue != "" {
			if at, err := s.store.Take(ctx, tok.AccessValue); err == nil {
				removed = append(removed, at)
			}
		}
	}

	s.retire(ctx, removed)
	s.grants.advance(tok.GrantID, GrantRevoked)
	s.Auditor.LogTokenRevoked(tok.Owner.ID, tok.Owner.ClientID, tok.GrantID, tok.Kind.String())

	s.Logger.Info("Revoked token",
		"kind", tok.Kind.String(),
		"user_id", tok.Owner.ID,
		"grant_id", tok.GrantID,
		"removed", len(removed))
	return nil
}

// RevokeAll removes every token held by the principal and returns how many
// were removed. It requires a store implementing storage.OwnerIndex.
func (s *Server) RevokeAll(ctx context.Context, principalID string) (n int, err error) {
	ctx, span := s.startSpan(ctx, "revoke_all")
	defer func() { endSpan(span, err) }()

	idx, ok := s.store.(storage.OwnerIndex)
	if !ok {
		return 0, ErrUnsupported
	}

	removed, err := idx.RemoveByOwner(ctx, principalID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens: %w", err)
	}

	s.retire(ctx, removed)
	for _, tok := range removed {
		s.grants.advance(tok.GrantID, GrantRevoked)
	}
	s.Auditor.LogAllTokensRevoked(principalID, len(removed))

	s.Logger.Info("Revoked all tokens for principal",
		"user_id", principalID,
		"count", len(removed))
	return len(removed), nil
}

// TokensFor returns the live token values held by the principal, sorted.
// It requires a store implementing storage.OwnerIndex.
func (s *Server) TokensFor(ctx context.Context, principalID string) ([]string, error) {
	idx, ok := s.store.(storage.OwnerIndex)
	if !ok {
		return nil, ErrUnsupported
	}
	values, err := idx.ValuesByOwner(ctx, principalID)
	if err != nil {
		return nil, err
	}
	sort.Strings(values)
	return values, nil
}

// retire cancels the timers of removed tokens and counts the revocations
func (s *Server) retire(ctx context.Context, removed []*storage.Token) {
	m := s.metrics()
	for _, tok := range removed {
		s.cancelExpiry(tok.Value)
		if m != nil {
			m.RecordTokenRevocation(ctx, tok.Kind.String())
		}
	}
}
