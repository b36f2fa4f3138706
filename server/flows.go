package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-issuer/generator"
	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/internal/util"
	"github.com/giantswarm/oauth-issuer/storage"
)

// IssueCode mints a single-use authorization code for a principal that the
// caller has already authenticated and that consented to scope.
func (s *Server) IssueCode(ctx context.Context, p storage.Principal, scope storage.Scope) (code string, err error) {
	ctx, span := s.startSpan(ctx, "issue_code")
	defer func() { endSpan(span, err) }()
	instrumentation.AddGrantAttributes(span, p.ClientID, p.ID, scope.String())

	if p.ID == "" {
		return "", fmt.Errorf("principal ID is required")
	}
	if err = s.validateScopes(scope); err != nil {
		s.Auditor.LogAuthFailure(p.ID, p.ClientID, ErrorCodeInvalidScope)
		return "", err
	}

	rec, err := s.generator.GenerateRecord(storage.KindCode, p, scope, s.Config.CodeTTL)
	if err != nil {
		return "", err
	}
	rec.GrantID = uuid.NewString()

	if err = s.store.Put(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}

	s.grants.start(rec.GrantID)
	s.grants.advance(rec.GrantID, GrantCodeIssued)
	s.armExpiry(rec)

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantID, rec.GrantID))
	if m := s.metrics(); m != nil {
		m.RecordTokenIssued(ctx, storage.KindCode.String(), GrantTypeAuthorizationCode)
	}
	s.Auditor.LogCodeIssued(p.ID, p.ClientID, rec.GrantID, scope.String())

	s.Logger.Debug("Issued authorization code",
		"user_id", p.ID,
		"client_id", p.ClientID,
		"grant_id", rec.GrantID,
		"code_prefix", util.TokenPrefix(rec.Value))

	return rec.Value, nil
}

// ExchangeCode consumes an authorization code and issues an access token,
// plus a refresh token when access tokens have a limited lifetime.
// Unknown, expired, already used and non-code values all fail with ErrInvalidGrant.
func (s *Server) ExchangeCode(ctx context.Context, code string) (grant *TokenGrant, err error) {
	ctx, span := s.startSpan(ctx, "exchange_code")
	defer func() { endSpan(span, err) }()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, GrantTypeAuthorizationCode))

	defer func() {
		if m := s.metrics(); m != nil {
			m.RecordCodeExchange(ctx, err == nil)
		}
	}()

	// Look before taking: a non-code value must not be consumed
	tok, err := s.store.Get(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, s.invalidGrant("code_not_found", "", code)
		}
		return nil, fmt.Errorf("failed to look up authorization code: %w", err)
	}
	if tok.Kind != storage.KindCode {
		return nil, s.invalidGrant("not_an_authorization_code", tok.Owner.ClientID, code)
	}

	// Only one concurrent exchange can take the code
	tok, err = s.store.Take(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, s.invalidGrant("code_already_used", "", code)
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	s.cancelExpiry(code)

	if tok.Expired(s.now()) {
		s.grants.advance(tok.GrantID, GrantExpired)
		return nil, s.invalidGrant("code_expired", tok.Owner.ClientID, code)
	}

	instrumentation.AddGrantAttributes(span, tok.Owner.ClientID, tok.Owner.ID, tok.Scope.String())
	return s.issue(ctx, tok.Owner, tok.Scope, tok.GrantID, GrantTypeAuthorizationCode, true)
}

// ExchangePassword issues tokens for a principal authenticated with its
// resource owner credentials by the caller (password grant). The client is
// authenticated when a ClientStore is configured.
func (s *Server) ExchangePassword(ctx context.Context, p storage.Principal, creds ClientCredentials, scope storage.Scope) (grant *TokenGrant, err error) {
	ctx, span := s.startSpan(ctx, "exchange_password")
	defer func() { endSpan(span, err) }()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, GrantTypePassword))
	instrumentation.AddGrantAttributes(span, creds.ClientID, p.ID, scope.String())

	if p.ID == "" {
		return nil, fmt.Errorf("principal ID is required")
	}
	if p.ClientID == "" {
		p.ClientID = creds.ClientID
	}

	if s.RateLimiter != nil && !s.RateLimiter.Allow(p.ID) {
		s.Auditor.LogRateLimitExceeded(p.ID, p.ClientID)
		if m := s.metrics(); m != nil {
			m.RecordRateLimitExceeded(ctx, "password_grant")
		}
		s.Logger.Warn("Password grant rate limit exceeded", "user_id", p.ID, "client_id", p.ClientID)
		return nil, ErrRateLimited
	}

	if p.ClientID != creds.ClientID && creds.ClientID != "" {
		s.Auditor.LogAuthFailure(p.ID, creds.ClientID, "client_mismatch")
		return nil, ErrInvalidClient
	}
	if err = s.authenticateClient(ctx, creds, scope); err != nil {
		return nil, err
	}
	if err = s.validateScopes(scope); err != nil {
		s.Auditor.LogAuthFailure(p.ID, p.ClientID, ErrorCodeInvalidScope)
		return nil, err
	}

	grantID := uuid.NewString()
	s.grants.start(grantID)
	return s.issue(ctx, p, scope, grantID, GrantTypePassword, true)
}

// ExchangeClientCredentials issues an access token to a confidential client
// acting on its own behalf. No refresh token is issued. It requires a
// ClientStore and fails with ErrUnsupported otherwise.
func (s *Server) ExchangeClientCredentials(ctx context.Context, creds ClientCredentials, scope storage.Scope) (grant *TokenGrant, err error) {
	ctx, span := s.startSpan(ctx, "exchange_client_credentials")
	defer func() { endSpan(span, err) }()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, GrantTypeClientCredentials))
	instrumentation.AddGrantAttributes(span, creds.ClientID, "", scope.String())

	if s.clientStore == nil {
		return nil, fmt.Errorf("%w: client credentials grant requires a client store", ErrUnsupported)
	}

	client, err := s.clientStore.GetClient(ctx, creds.ClientID)
	if err == nil && client.ClientType == storage.ClientTypePublic {
		s.Auditor.LogAuthFailure("", creds.ClientID, "public_client_credentials_grant")
		return nil, ErrInvalidClient
	}
	if err = s.authenticateClient(ctx, creds, scope); err != nil {
		return nil, err
	}
	if err = s.validateScopes(scope); err != nil {
		s.Auditor.LogAuthFailure("", creds.ClientID, ErrorCodeInvalidScope)
		return nil, err
	}

	owner := storage.Principal{ID: ClientPrincipalPrefix + creds.ClientID, ClientID: creds.ClientID}
	grantID := uuid.NewString()
	s.grants.start(grantID)
	return s.issue(ctx, owner, scope, grantID, GrantTypeClientCredentials, false)
}

// Refresh issues a new access token for a refresh token and invalidates the
// access token it replaces. With RotateRefreshTokens the refresh token is
// replaced as well and the presented one stops working.
func (s *Server) Refresh(ctx context.Context, refreshValue string) (grant *TokenGrant, err error) {
	ctx, span := s.startSpan(ctx, "refresh")
	defer func() { endSpan(span, err) }()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, GrantTypeRefreshToken),
		attribute.Bool(instrumentation.AttrRotated, s.Config.RotateRefreshTokens))

	rt, err := s.store.Get(ctx, refreshValue)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, s.invalidGrant("refresh_token_not_found", "", refreshValue)
		}
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}
	if rt.Kind != storage.KindRefresh {
		return nil, s.invalidGrant("not_a_refresh_token", rt.Owner.ClientID, refreshValue)
	}
	if rt.Expired(s.now()) {
		return nil, s.invalidGrant("refresh_token_expired", rt.Owner.ClientID, refreshValue)
	}
	instrumentation.AddGrantAttributes(span, rt.Owner.ClientID, rt.Owner.ID, rt.Scope.String())

	if s.Config.RotateRefreshTokens {
		grant, err = s.rotate(ctx, rt)
	} else {
		grant, err = s.refreshAccess(ctx, rt)
	}
	if err != nil {
		return nil, err
	}

	s.grants.advance(rt.GrantID, GrantRefreshed)
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, rt.Owner.ClientID, s.Config.RotateRefreshTokens)
		m.RecordTokenIssued(ctx, storage.KindAccess.String(), GrantTypeRefreshToken)
	}
	s.Auditor.LogTokenRefreshed(rt.Owner.ID, rt.Owner.ClientID, rt.GrantID, s.Config.RotateRefreshTokens)

	s.Logger.Debug("Refreshed access token",
		"user_id", rt.Owner.ID,
		"client_id", rt.Owner.ClientID,
		"grant_id", rt.GrantID,
		"rotated", s.Config.RotateRefreshTokens)

	return grant, nil
}

// refreshAccess swaps the access token paired with rt for a new one, keeping rt.
// The swap is a compare-and-swap on the pairing, retried when a concurrent
// refresh of the same token won.
func (s *Server) refreshAccess(ctx context.Context, rt *storage.Token) (*TokenGrant, error) {
	ttl := s.maxTokenTime.Load()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		access, err := s.generator.GenerateRecord(storage.KindAccess, rt.Owner, rt.Scope, ttl)
		if err != nil {
			return nil, err
		}
		access.GrantID = rt.GrantID
		access.RefreshValue = rt.Value

		oldAccess := rt.AccessValue
		err = s.store.Replace(ctx, oldAccess, access)
		switch {
		case err == nil:
			s.cancelExpiry(oldAccess)
			s.armExpiry(access)
			return &TokenGrant{
				AccessToken:  access.Value,
				RefreshToken: rt.Value,
				ExpiresIn:    ttl,
				Scope:        access.Scope.Clone(),
				GrantID:      rt.GrantID,
				Owner:        rt.Owner,
			}, nil

		case errors.Is(err, storage.ErrStaleToken):
			rt, err = s.store.Get(ctx, rt.Value)
			if err != nil {
				if errors.Is(err, storage.ErrTokenNotFound) {
					return nil, s.invalidGrant("refresh_token_removed", "", access.RefreshValue)
				}
				return nil, fmt.Errorf("failed to reload refresh token: %w", err)
			}
			if rt.Expired(s.now()) {
				return nil, s.invalidGrant("refresh_token_expired", rt.Owner.ClientID, rt.Value)
			}

		case errors.Is(err, storage.ErrTokenNotFound):
			return nil, s.invalidGrant("refresh_token_removed", rt.Owner.ClientID, rt.Value)

		default:
			return nil, fmt.Errorf("failed to replace access token: %w", err)
		}
	}
}

// rotate replaces rt with a new refresh token, which retires rt's access
// token in the same step, then pairs a new access token with it.
func (s *Server) rotate(ctx context.Context, rt *storage.Token) (*TokenGrant, error) {
	ttl := s.maxTokenTime.Load()

	refresh, err := s.generator.GenerateRecord(storage.KindRefresh, rt.Owner, rt.Scope, s.Config.RefreshTokenTTL)
	if err != nil {
		return nil, err
	}
	refresh.GrantID = rt.GrantID

	if err := s.store.Replace(ctx, rt.Value, refresh); err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			// A concurrent refresh rotated it first
			return nil, s.invalidGrant("refresh_token_already_rotated", rt.Owner.ClientID, rt.Value)
		}
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	s.cancelExpiry(rt.Value)
	s.cancelExpiry(rt.AccessValue)

	access, err := s.generator.GenerateRecord(storage.KindAccess, rt.Owner, rt.Scope, ttl)
	if err != nil {
		return nil, err
	}
	access.GrantID = rt.GrantID
	access.RefreshValue = refresh.Value

	if err := s.store.Put(ctx, access); err != nil {
		// The presented refresh token and its access token are gone already
		if rmErr := s.store.Remove(ctx, refresh.Value); rmErr != nil {
			s.Logger.Warn("Failed to remove orphaned refresh token", "error", rmErr)
		}
		err = fmt.Errorf("failed to store access token: %w", err)
		s.abandonGrant(rt.GrantID, err)
		return nil, err
	}

	s.armExpiry(refresh)
	s.armExpiry(access)

	if m := s.metrics(); m != nil {
		m.RecordTokenIssued(ctx, storage.KindRefresh.String(), GrantTypeRefreshToken)
	}

	return &TokenGrant{
		AccessToken:  access.Value,
		RefreshToken: refresh.Value,
		ExpiresIn:    ttl,
		Scope:        access.Scope.Clone(),
		GrantID:      rt.GrantID,
		Owner:        rt.Owner,
	}, nil
}

// issue generates, stores and arms the tokens of a new grant. Values are
// generated before anything is stored; the refresh token is stored first so
// the access token is paired with it on insert.
// A grant that fails here holds no tokens and is finished as revoked.
func (s *Server) issue(ctx context.Context, owner storage.Principal, scope storage.Scope, grantID, grantType string, withRefresh bool) (_ *TokenGrant, err error) {
	defer func() {
		if err != nil {
			s.abandonGrant(grantID, err)
		}
	}()

	ttl := s.maxTokenTime.Load()

	var pair *generator.Pair
	if withRefresh {
		p, err := s.generator.GenerateToken(owner, scope, ttl, s.Config.RefreshTokenTTL)
		if err != nil {
			return nil, err
		}
		pair = p
	} else {
		access, err := s.generator.GenerateRecord(storage.KindAccess, owner, scope, ttl)
		if err != nil {
			return nil, err
		}
		pair = &generator.Pair{Access: access}
	}

	pair.Access.GrantID = grantID
	if pair.Refresh != nil {
		pair.Refresh.GrantID = grantID
		if err := s.store.Put(ctx, pair.Refresh); err != nil {
			return nil, fmt.Errorf("failed to store refresh token: %w", err)
		}
	}
	if err := s.store.Put(ctx, pair.Access); err != nil {
		if pair.Refresh != nil {
			if rmErr := s.store.Remove(ctx, pair.Refresh.Value); rmErr != nil {
				s.Logger.Warn("Failed to remove orphaned refresh token", "error", rmErr)
			}
		}
		return nil, fmt.Errorf("failed to store access token: %w", err)
	}

	s.grants.advance(grantID, GrantTokenIssued)
	s.armExpiry(pair.Access)

	grant := &TokenGrant{
		AccessToken: pair.Access.Value,
		ExpiresIn:   ttl,
		Scope:       pair.Access.Scope.Clone(),
		GrantID:     grantID,
		Owner:       owner,
	}
	if pair.Refresh != nil {
		s.armExpiry(pair.Refresh)
		grant.RefreshToken = pair.Refresh.Value
	}

	if m := s.metrics(); m != nil {
		m.RecordTokenIssued(ctx, storage.KindAccess.String(), grantType)
		if pair.Refresh != nil {
			m.RecordTokenIssued(ctx, storage.KindRefresh.String(), grantType)
		}
	}
	s.Auditor.LogTokenIssued(owner.ID, owner.ClientID, grantID, grantType, scope.String())

	s.Logger.Debug("Issued access token",
		"user_id", owner.ID,
		"client_id", owner.ClientID,
		"grant_id", grantID,
		"grant_type", grantType,
		"expires_in", ttl,
		"has_refresh_token", pair.Refresh != nil)

	return grant, nil
}

// authenticateClient checks the client secret and the client's scope
// restriction when a ClientStore is configured.
func (s *Server) authenticateClient(ctx context.Context, creds ClientCredentials, scope storage.Scope) error {
	if s.clientStore == nil {
		return nil
	}

	if err := s.clientStore.ValidateClientSecret(ctx, creds.ClientID, creds.ClientSecret); err != nil {
		s.Auditor.LogAuthFailure("", creds.ClientID, "invalid_client_credentials")
		s.Logger.Debug("Client authentication failed", "client_id", creds.ClientID, "reason", err.Error())
		return ErrInvalidClient
	}

	client, err := s.clientStore.GetClient(ctx, creds.ClientID)
	if err != nil {
		return ErrInvalidClient
	}
	if err := validateClientScopes(scope, client.Scopes); err != nil {
		s.Auditor.LogAuthFailure("", creds.ClientID, ErrorCodeInvalidScope)
		return err
	}
	return nil
}

// abandonGrant finishes a grant that was left without live tokens by a failed step
func (s *Server) abandonGrant(grantID string, cause error) {
	if s.grants.advance(grantID, GrantRevoked) {
		s.Logger.Debug("Abandoned grant after failed issuance",
			"grant_id", grantID,
			"error", cause)
	}
}

// invalidGrant logs the detailed reason and returns the uniform error
func (s *Server) invalidGrant(reason, clientID, value string) error {
	s.Logger.Debug("Grant exchange failed",
		"reason", reason,
		"client_id", clientID,
		"token_prefix", util.TokenPrefix(value))
	s.Auditor.LogAuthFailure("", clientID, reason)
	return ErrInvalidGrant
}
