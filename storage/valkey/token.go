package valkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-issuer/internal/util"
	"github.com/giantswarm/oauth-issuer/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// Put inserts a new token record
func (s *Store) Put(ctx context.Context, tok *storage.Token) error {
	ctx, span := s.startStorageSpan(ctx, "put")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "put", err, startTime)
	}()

	if err = validateToken(tok); err != nil {
		return err
	}

	args, err := s.recordArgs(tok)
	if err != nil {
		return err
	}
	h := hashValue(tok.Value)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaPut).
			Numkeys(1).
			Key(s.tokenKey(h)).
			Arg(s.prefix, h).
			Arg(args...).
			Build(),
	).ToString()
	if err != nil {
		err = fmt.Errorf("failed to store token: %w", err)
		return err
	}

	if result == "DUPLICATE" {
		err = fmt.Errorf("%w: %s", storage.ErrDuplicateToken, util.TokenPrefix(tok.Value))
		return err
	}

	s.logger.Debug("Stored token",
		"kind", tok.Kind.String(),
		"user_id", tok.Owner.ID,
		"token_prefix", util.TokenPrefix(tok.Value))
	return nil
}

// Get returns the record for value
func (s *Store) Get(ctx context.Context, value string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "get")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get", err, startTime)
	}()

	tok, err := s.getByHash(ctx, hashValue(value))
	return tok, err
}

// Remove deletes the record for value. Unknown values are ignored.
func (s *Store) Remove(ctx context.Context, value string) error {
	ctx, span := s.startStorageSpan(ctx, "remove")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "remove", err, startTime)
	}()

	if _, err = s.take(ctx, value); err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			err = nil
			return nil
		}
		return err
	}

	s.logger.Debug("Removed token", "token_prefix", util.TokenPrefix(value))
	return nil
}

// Replace atomically swaps oldValue for newTok
func (s *Store) Replace(ctx context.Context, oldValue string, newTok *storage.Token) error {
	ctx, span := s.startStorageSpan(ctx, "replace")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "replace", err, startTime)
	}()

	if err = validateToken(newTok); err != nil {
		return err
	}

	args, err := s.recordArgs(newTok)
	if err != nil {
		return err
	}

	oldHash := ""
	if oldValue != "" {
		oldHash = hashValue(oldValue)
	}
	newHash := hashValue(newTok.Value)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaReplace).
			Numkeys(1).
			Key(s.tokenKey(newHash)).
			Arg(s.prefix, oldHash, newHash).
			Arg(args...).
			Build(),
	).ToString()
	if err != nil {
		err = fmt.Errorf("failed to replace token: %w", err)
		return err
	}

	switch result {
	case "DUPLICATE":
		err = fmt.Errorf("%w: %s", storage.ErrDuplicateToken, util.TokenPrefix(newTok.Value))
		return err
	case "NOT_FOUND":
		missing := oldValue
		if newTok.Kind == storage.KindAccess && newTok.RefreshValue != "" {
			missing = newTok.RefreshValue
		}
		err = fmt.Errorf("%w: %s", storage.ErrTokenNotFound, util.TokenPrefix(missing))
		return err
	case "STALE":
		err = storage.ErrStaleToken
		return err
	}

	s.logger.Debug("Replaced token",
		"kind", newTok.Kind.String(),
		"old_prefix", util.TokenPrefix(oldValue),
		"new_prefix", util.TokenPrefix(newTok.Value))
	return nil
}

// Take atomically returns and deletes the record for value
func (s *Store) Take(ctx context.Context, value string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "take")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "take", err, startTime)
	}()

	tok, err := s.take(ctx, value)
	return tok, err
}

// ============================================================
// OwnerIndex Implementation
// ============================================================

// ValuesByOwner returns every live token value held by the principal.
// Members whose record already expired out of Valkey are pruned.
func (s *Store) ValuesByOwner(ctx context.Context, principalID string) ([]string, error) {
	ownerKey := s.ownerKey(principalID)

	hashes, err := s.client.Do(ctx, s.client.B().Smembers().Key(ownerKey).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens for principal: %w", err)
	}

	values := make([]string, 0, len(hashes))
	for _, h := range hashes {
		tok, err := s.getByHash(ctx, h)
		if errors.Is(err, storage.ErrTokenNotFound) {
			if err := s.client.Do(ctx, s.client.B().Srem().Key(ownerKey).Member(h).Build()).Error(); err != nil {
				s.logger.Warn("Failed to prune owner index", "user_id", principalID, "error", err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		values = append(values, tok.Value)
	}
	return values, nil
}

// RemoveByOwner deletes every token held by the principal
func (s *Store) RemoveByOwner(ctx context.Context, principalID string) ([]*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "remove_by_owner")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "remove_by_owner", err, startTime)
	}()

	flat, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRemoveByOwner).
			Numkeys(1).
			Key(s.ownerKey(principalID)).
			Arg(s.prefix).
			Build(),
	).AsStrSlice()
	if err != nil {
		err = fmt.Errorf("failed to remove tokens for principal: %w", err)
		return nil, err
	}

	removed := make([]*storage.Token, 0, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		tok, openErr := s.openToken(flat[i], flat[i+1])
		if openErr != nil {
			// The record is already gone; report what can be decoded
			s.logger.Warn("Failed to decode removed token", "user_id", principalID, "error", openErr)
			continue
		}
		removed = append(removed, tok)
	}

	if len(removed) > 0 {
		s.logger.Info("Removed all tokens for principal",
			"user_id", principalID,
			"count", len(removed))
	}
	return removed, nil
}

// ============================================================
// Internal helpers
// ============================================================

// recordArgs renders the script arguments shared by Put and Replace:
// data, kind, owner, rh, expireAtMs, sealed value.
func (s *Store) recordArgs(tok *storage.Token) ([]string, error) {
	data, err := s.sealToken(tok)
	if err != nil {
		return nil, err
	}

	sealedValue, err := s.getEncryptor().Seal([]byte(tok.Value))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt token value: %w", err)
	}

	rh := ""
	if tok.Kind == storage.KindAccess && tok.RefreshValue != "" {
		rh = hashValue(tok.RefreshValue)
	}

	return []string{data, tok.Kind.String(), tok.Owner.ID, rh, s.expireAtArg(tok), sealedValue}, nil
}

func (s *Store) getByHash(ctx context.Context, h string) (*storage.Token, error) {
	res, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaGet).
			Numkeys(1).
			Key(s.tokenKey(h)).
			Arg(s.prefix, h).
			Build(),
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return s.decodeResult(res)
}

func (s *Store) take(ctx context.Context, value string) (*storage.Token, error) {
	h := hashValue(value)

	res, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaTake).
			Numkeys(1).
			Key(s.tokenKey(h)).
			Arg(s.prefix, h).
			Build(),
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to take token: %w", err)
	}
	return s.decodeResult(res)
}

// decodeResult interprets the {status, data, av} reply of luaGet and luaTake
func (s *Store) decodeResult(res []string) (*storage.Token, error) {
	if len(res) == 0 || res[0] == "NOT_FOUND" {
		return nil, storage.ErrTokenNotFound
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("unexpected script reply with %d elements", len(res))
	}
	return s.openToken(res[1], res[2])
}
