package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-issuer/generator"
	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/storage"
)

// Default configuration values
const (
	DefaultMaxTokenTime    int64 = 3600 // 1 hour
	DefaultCodeTTL         int64 = 600  // 10 minutes
	DefaultExpiryWorkers         = 16
	DefaultExpiryQueueSize       = 10000
	DefaultTombstoneTTL          = 10 * time.Minute
	DefaultTombstoneSize         = 100000
	DefaultGrantHistorySize      = 100000
)

// Config holds token server configuration
type Config struct {
	// MaxTokenTime is the lifetime of newly issued access tokens.
	// It can be changed at runtime with SetMaxTokenTime.
	MaxTokenTime int64 // seconds, default: 3600 (1 hour)

	// UnlimitedTokens starts the server issuing access tokens that never
	// expire, as if SetMaxTokenTime(0) had been called.
	// Unlimited access tokens are issued without a refresh token.
	UnlimitedTokens bool // default: false

	// CodeTTL is how long authorization codes are valid
	CodeTTL int64 // seconds, default: 600 (10 minutes)

	// RefreshTokenTTL is how long refresh tokens are valid.
	// 0 means refresh tokens never expire on their own.
	RefreshTokenTTL int64 // seconds, default: 0

	// RotateRefreshTokens issues a new refresh token on every refresh and
	// retires the presented one. When false the refresh token stays valid
	// and only the access token is replaced.
	// Default: false
	RotateRefreshTokens bool

	// ExpiryWorkers bounds the number of expiry callbacks running at once
	ExpiryWorkers int // default: 16

	// ExpiryQueueSize is the number of fired expiry callbacks that may wait for a worker
	ExpiryQueueSize int // default: 10000

	// TombstoneTTL is how long expired token values and finished grants are
	// remembered, so Validate can report ErrTokenExpired and GrantState can
	// report the terminal state.
	TombstoneTTL time.Duration // default: 10 minutes

	// TombstoneSize caps the number of remembered expired values
	TombstoneSize int // default: 100000

	// GrantHistorySize caps the number of remembered finished grants
	GrantHistorySize int // default: 100000

	// PasswordGrantRate is the number of password grants per second allowed
	// per principal. 0 disables rate limiting.
	PasswordGrantRate float64

	// PasswordGrantBurst is the burst size of the password grant limiter
	PasswordGrantBurst int // default: 5 when PasswordGrantRate is set

	// SupportedScopes lists the scopes that are allowed for clients
	// If empty, all scopes are allowed
	SupportedScopes []string

	// EnableAuditLogging emits security audit events for every grant,
	// refresh, revocation and expiry
	EnableAuditLogging bool // default: false

	// ClientStore authenticates clients on password and client credentials
	// grants. When nil, password grants are not client-checked and client
	// credentials grants are unsupported.
	ClientStore storage.ClientStore

	// Instrumentation enables metrics and tracing for the server and the
	// scheduler it creates
	Instrumentation *instrumentation.Instrumentation
}

// DefaultConfig returns a Config with every default applied
func DefaultConfig() *Config {
	return applyDefaults(&Config{}, slog.Default())
}

// applyDefaults fills unset fields with defaults and logs notable settings
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	if config.MaxTokenTime == 0 && !config.UnlimitedTokens {
		config.MaxTokenTime = DefaultMaxTokenTime
	}
	if config.UnlimitedTokens {
		config.MaxTokenTime = 0
	}
	if config.CodeTTL == 0 {
		config.CodeTTL = DefaultCodeTTL
	}
	if config.ExpiryWorkers <= 0 {
		config.ExpiryWorkers = DefaultExpiryWorkers
	}
	if config.ExpiryQueueSize <= 0 {
		config.ExpiryQueueSize = DefaultExpiryQueueSize
	}
	if config.TombstoneTTL <= 0 {
		config.TombstoneTTL = DefaultTombstoneTTL
	}
	if config.TombstoneSize <= 0 {
		config.TombstoneSize = DefaultTombstoneSize
	}
	if config.GrantHistorySize <= 0 {
		config.GrantHistorySize = DefaultGrantHistorySize
	}
	if config.PasswordGrantRate > 0 && config.PasswordGrantBurst <= 0 {
		config.PasswordGrantBurst = 5
	}

	if config.UnlimitedTokens {
		logger.Warn("⚠️  CONFIGURATION NOTICE: Access tokens never expire",
			"risk", "Leaked tokens stay valid until revoked",
			"recommendation", "Set MaxTokenTime to a finite lifetime")
	}
	if config.RefreshTokenTTL == 0 && !config.RotateRefreshTokens {
		logger.Debug("Refresh tokens never expire and are reused across refreshes")
	}

	return config
}

// validate rejects configurations the server cannot run with
func (c *Config) validate() error {
	for name, seconds := range map[string]int64{
		"MaxTokenTime":    c.MaxTokenTime,
		"CodeTTL":         c.CodeTTL,
		"RefreshTokenTTL": c.RefreshTokenTTL,
	} {
		if err := generator.CheckLifetime(seconds); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.PasswordGrantRate < 0 {
		return fmt.Errorf("%w: PasswordGrantRate must not be negative", ErrInvalidConfiguration)
	}
	return nil
}
