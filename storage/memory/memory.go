// Package memory provides an in-memory implementation of the storage interfaces.
// It is the reference backend and is suitable for tests and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/internal/util"
	"github.com/giantswarm/oauth-issuer/storage"
)

const (
	// DefaultCleanupInterval is how often orphaned expired records are swept
	DefaultCleanupInterval = time.Minute

	// expiredRetention is how long an expired record may linger before the
	// sweeper removes it. Expiry timers normally remove records well before this.
	expiredRetention = time.Minute

	// dummyHash is a bcrypt hash compared against for unknown clients so that
	// lookups of missing and existing clients take the same time.
	dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
)

// Store is an in-memory implementation of TokenStore, OwnerIndex and ClientStore.
type Store struct {
	mu sync.RWMutex

	// value -> record
	tokens map[string]*storage.Token

	// principal ID -> set of token values
	owners map[string]map[string]struct{}

	clients map[string]*storage.Client

	// Swapped as a whole so operations never observe a half-set pair
	telemetry atomic.Pointer[storeTelemetry]

	// Atomic counters for metrics (lock-free access during metric collection)
	codesCount   atomic.Int64
	accessCount  atomic.Int64
	refreshCount atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

type storeTelemetry struct {
	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.OwnerIndex  = (*Store)(nil)
	_ storage.ClientStore = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(DefaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	s := &Store{
		tokens:          make(map[string]*storage.Token),
		owners:          make(map[string]map[string]struct{}),
		clients:         make(map[string]*storage.Client),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		s.telemetry.Store(nil)
		return
	}
	s.telemetry.Store(&storeTelemetry{inst: inst, tracer: inst.Tracer("storage")})

	err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return s.codesCount.Load() },
		func() int64 { return s.accessCount.Load() },
		func() int64 { return s.refreshCount.Load() },
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Count returns the number of live records of the given kind
func (s *Store) Count(kind storage.Kind) int64 {
	if c := s.counter(kind); c != nil {
		return c.Load()
	}
	return 0
}

// Len returns the total number of live records
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

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

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[tok.Value]; exists {
		err = fmt.Errorf("%w: %s", storage.ErrDuplicateToken, util.TokenPrefix(tok.Value))
		return err
	}

	s.insertLocked(tok)

	if tok.Kind == storage.KindAccess && tok.RefreshValue != "" {
		s.pairLocked(tok.RefreshValue, tok.Value)
	}

	s.logger.Debug("Stored token",
		"kind", tok.Kind.String(),
		"user_id", tok.Owner.ID,
		"token_prefix", util.TokenPrefix(tok.Value))
	return nil
}

// Get returns a copy of the record for value
func (s *Store) Get(ctx context.Context, value string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "get")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.tokens[value]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	return tok.Clone(), nil
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if removed := s.removeLocked(value); removed != nil {
		s.logger.Debug("Removed token",
			"kind", removed.Kind.String(),
			"token_prefix", util.TokenPrefix(value))
	}
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[newTok.Value]; exists {
		err = fmt.Errorf("%w: %s", storage.ErrDuplicateToken, util.TokenPrefix(newTok.Value))
		return err
	}

	// Paired access swap: compare-and-swap on the refresh token's pairing
	if newTok.Kind == storage.KindAccess && newTok.RefreshValue != "" {
		rt, ok := s.tokens[newTok.RefreshValue]
		if !ok || rt.Kind != storage.KindRefresh {
			err = fmt.Errorf("%w: refresh token %s", storage.ErrTokenNotFound, util.TokenPrefix(newTok.RefreshValue))
			return err
		}
		if rt.AccessValue != oldValue {
			err = storage.ErrStaleToken
			return err
		}
		if oldValue != "" {
			s.removeLocked(oldValue)
		}
		s.insertLocked(newTok)
		s.pairLocked(newTok.RefreshValue, newTok.Value)
		return nil
	}

	old, ok := s.tokens[oldValue]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrTokenNotFound, util.TokenPrefix(oldValue))
		return err
	}

	// Refresh rotation also retires the access token paired with the old refresh token
	if old.Kind == storage.KindRefresh && newTok.Kind == storage.KindRefresh && old.AccessValue != "" {
		s.removeLocked(old.AccessValue)
	}
	s.removeLocked(oldValue)
	s.insertLocked(newTok)

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

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.removeLocked(value)
	if removed == nil {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	return removed, nil
}

// ============================================================
// OwnerIndex Implementation
// ============================================================

// ValuesByOwner returns every live token value held by the principal
func (s *Store) ValuesByOwner(ctx context.Context, principalID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make([]string, 0, len(s.owners[principalID]))
	for v := range s.owners[principalID] {
		values = append(values, v)
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

	s.mu.Lock()
	defer s.mu.Unlock()

	values := s.owners[principalID]
	removed := make([]*storage.Token, 0, len(values))
	for v := range values {
		if tok := s.removeLocked(v); tok != nil {
			removed = append(removed, tok)
		}
	}

	if len(removed) > 0 {
		s.logger.Info("Removed all tokens for principal",
			"user_id", principalID,
			"count", len(removed))
	}
	return removed, nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("client ID cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *client
	c.Scopes = append([]string(nil), client.Scopes...)
	s.clients[client.ClientID] = &c

	s.logger.Debug("Saved client", "client_id", client.ClientID, "client_type", client.ClientType)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	c := *client
	return &c, nil
}

// ValidateClientSecret validates a client's secret using bcrypt
// Uses constant-time operations to prevent timing attacks
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)

	// Always perform a bcrypt comparison so missing and existing clients
	// cannot be told apart by timing
	hashToCompare := dummyHash
	isPublicClient := false

	if err == nil {
		if client.ClientType == storage.ClientTypePublic {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if isPublicClient {
		return nil
	}
	if err != nil || bcryptErr != nil {
		return storage.ErrInvalidClientCredentials
	}
	return nil
}

// ============================================================
// Internal helpers (callers hold s.mu)
// ============================================================

func validateToken(tok *storage.Token) error {
	if tok == nil {
		return fmt.Errorf("token cannot be nil")
	}
	if tok.Value == "" {
		return fmt.Errorf("token value cannot be empty")
	}
	switch tok.Kind {
	case storage.KindCode, storage.KindAccess, storage.KindRefresh:
	default:
		return fmt.Errorf("invalid token kind %d", tok.Kind)
	}
	return nil
}

func (s *Store) insertLocked(tok *storage.Token) {
	c := tok.Clone()
	if c.Kind == storage.KindRefresh {
		// Pairing is maintained by the store only
		c.AccessValue = ""
	}
	s.tokens[c.Value] = c

	set, ok := s.owners[c.Owner.ID]
	if !ok {
		set = make(map[string]struct{})
		s.owners[c.Owner.ID] = set
	}
	set[c.Value] = struct{}{}

	if ctr := s.counter(c.Kind); ctr != nil {
		ctr.Add(1)
	}
}

// removeLocked deletes a record and returns it, or nil if it was not stored.
func (s *Store) removeLocked(value string) *storage.Token {
	tok, ok := s.tokens[value]
	if !ok {
		return nil
	}
	delete(s.tokens, value)

	if set, ok := s.owners[tok.Owner.ID]; ok {
		delete(set, value)
		if len(set) == 0 {
			delete(s.owners, tok.Owner.ID)
		}
	}

	if ctr := s.counter(tok.Kind); ctr != nil {
		ctr.Add(-1)
	}

	// An access token leaving the store unpairs its refresh token
	if tok.Kind == storage.KindAccess && tok.RefreshValue != "" {
		if rt, ok := s.tokens[tok.RefreshValue]; ok && rt.AccessValue == value {
			s.pairLocked(tok.RefreshValue, "")
		}
	}

	return tok
}

// pairLocked swaps in a new refresh record pointing at accessValue.
// Records are never mutated in place, so clones handed out earlier stay stable.
func (s *Store) pairLocked(refreshValue, accessValue string) {
	rt, ok := s.tokens[refreshValue]
	if !ok || rt.Kind != storage.KindRefresh {
		return
	}
	next := rt.Clone()
	next.AccessValue = accessValue
	s.tokens[refreshValue] = next
}

func (s *Store) counter(kind storage.Kind) *atomic.Int64 {
	switch kind {
	case storage.KindCode:
		return &s.codesCount
	case storage.KindAccess:
		return &s.accessCount
	case storage.KindRefresh:
		return &s.refreshCount
	default:
		return nil
	}
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup sweeps records whose expiry passed more than expiredRetention ago.
// These are records nothing scheduled a timer for, e.g. after the scheduler stopped.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-expiredRetention)
	cleaned := 0

	for value, tok := range s.tokens {
		if tok.Expired(cutoff) {
			s.removeLocked(value)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired tokens", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
// Returns a context with the span attached and the span itself
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	tel := s.telemetry.Load()
	if tel == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := tel.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	tel := s.telemetry.Load()
	if tel == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	tel.inst.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
