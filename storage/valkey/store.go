package valkey

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "issuer:"

	// DefaultExpiryMargin is how long a record outlives its expiry in Valkey.
	// The server's expiry timers remove records first; the key TTL only
	// reclaims records whose timer never ran, e.g. after a restart.
	DefaultExpiryMargin = time.Minute

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength is the maximum allowed length for token values (512 bytes)
	MaxTokenLength = 512

	// MaxIDLength is the maximum allowed length for principal and client identifiers
	MaxIDLength = 256

	// MaxTokenDataSize is the maximum size of a serialized record (64KB)
	MaxTokenDataSize = 64 * 1024
)

var errInputTooLarge = fmt.Errorf("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "issuer:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// ExpiryMargin is added to each record's expiry to form its key TTL
	// (default 1 minute)
	ExpiryMargin time.Duration
}

// Store is a Valkey-backed implementation of TokenStore, OwnerIndex and ClientStore.
type Store struct {
	client       valkeygo.Client
	prefix       string
	logger       *slog.Logger
	expiryMargin time.Duration

	// encryptor seals record payloads at rest.
	// Access must be synchronized via encryptorMu
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex

	telemetry atomic.Pointer[storeTelemetry]
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

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	margin := cfg.ExpiryMargin
	if margin <= 0 {
		margin = DefaultExpiryMargin
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:       client,
		prefix:       prefix,
		logger:       logger,
		expiryMargin: margin,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetEncryptor sets the encryptor used to seal record payloads at rest.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Token encryption at rest enabled for Valkey storage")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		s.telemetry.Store(nil)
		return
	}
	s.telemetry.Store(&storeTelemetry{inst: inst, tracer: inst.Tracer("storage")})
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// ============================================================
// Key Helpers
// ============================================================

// hashValue derives the key component for a token value so that raw values
// never appear in the keyspace.
func hashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// tokenKey returns the key for a token record: {prefix}token:{sha256(value)}
func (s *Store) tokenKey(hash string) string {
	return s.prefix + "token:" + hash
}

// ownerKey returns the key for a principal's token set: {prefix}owner:{principalID}
func (s *Store) ownerKey(principalID string) string {
	return s.prefix + "owner:" + principalID
}

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

// ============================================================
// Serialization
// ============================================================

// tokenJSON is the stored form of a record. Pairing lives outside the record.
type tokenJSON struct {
	Value        string            `json:"value"`
	Kind         storage.Kind      `json:"kind"`
	Owner        storage.Principal `json:"owner"`
	Scope        []string          `json:"scope,omitempty"`
	IssuedAt     int64             `json:"issued_at"`
	ExpiresAt    int64             `json:"expires_at,omitempty"`
	GrantID      string            `json:"grant_id,omitempty"`
	RefreshValue string            `json:"refresh_value,omitempty"`
}

func toTokenJSON(tok *storage.Token) *tokenJSON {
	j := &tokenJSON{
		Value:        tok.Value,
		Kind:         tok.Kind,
		Owner:        tok.Owner,
		Scope:        tok.Scope.Values(),
		IssuedAt:     tok.IssuedAt.UnixNano(),
		GrantID:      tok.GrantID,
		RefreshValue: tok.RefreshValue,
	}
	if !tok.ExpiresAt.IsZero() {
		j.ExpiresAt = tok.ExpiresAt.UnixNano()
	}
	return j
}

func fromTokenJSON(j *tokenJSON) *storage.Token {
	tok := &storage.Token{
		Value:        j.Value,
		Kind:         j.Kind,
		Owner:        j.Owner,
		Scope:        storage.NewScope(j.Scope...),
		IssuedAt:     time.Unix(0, j.IssuedAt),
		GrantID:      j.GrantID,
		RefreshValue: j.RefreshValue,
	}
	if j.ExpiresAt != 0 {
		tok.ExpiresAt = time.Unix(0, j.ExpiresAt)
	}
	return tok
}

// sealToken serializes and optionally encrypts a record
func (s *Store) sealToken(tok *storage.Token) (string, error) {
	data, err := json.Marshal(toTokenJSON(tok))
	if err != nil {
		return "", fmt.Errorf("failed to marshal token: %w", err)
	}
	if len(data) > MaxTokenDataSize {
		return "", errInputTooLarge
	}
	return s.getEncryptor().Seal(data)
}

// openToken reverses sealToken and attaches the pairing held alongside it
func (s *Store) openToken(sealed, sealedAccess string) (*storage.Token, error) {
	enc := s.getEncryptor()

	data, err := enc.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt token: %w", err)
	}

	var j tokenJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	tok := fromTokenJSON(&j)

	if sealedAccess != "" && tok.Kind == storage.KindRefresh {
		access, err := enc.Open(sealedAccess)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt paired access token: %w", err)
		}
		tok.AccessValue = string(access)
	}
	return tok, nil
}

// expireAtArg renders the key deadline in Unix milliseconds, "0" for no TTL
func (s *Store) expireAtArg(tok *storage.Token) string {
	if tok.Unlimited() {
		return "0"
	}
	return strconv.FormatInt(tok.ExpiresAt.Add(s.expiryMargin).UnixMilli(), 10)
}

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
	if err := validateStringLength(tok.Value, MaxTokenLength, "token value"); err != nil {
		return err
	}
	if err := validateStringLength(tok.RefreshValue, MaxTokenLength, "refresh value"); err != nil {
		return err
	}
	if tok.Owner.ID == "" {
		return fmt.Errorf("token owner cannot be empty")
	}
	if err := validateStringLength(tok.Owner.ID, MaxIDLength, "principal ID"); err != nil {
		return err
	}
	return validateStringLength(tok.Owner.ClientID, MaxIDLength, "client ID")
}

// validateStringLength checks if a string exceeds the maximum allowed length
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%w: %s exceeds maximum length of %d bytes", errInputTooLarge, fieldName, maxLen)
	}
	return nil
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	tel := s.telemetry.Load()
	if tel == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return tel.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "valkey"),
		))
}

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
