package security

// Audit event types, used as the "event_type" of audit log lines and of the
// issuer.audit.events.total counter.
const (
	// Grant lifecycle

	EventAuthorizationCodeIssued = "authorization_code_issued"
	EventTokenIssued             = "token_issued"
	EventTokenRefreshed          = "token_refreshed"
	EventTokenExpired            = "token_expired"

	// EventTokenRevoked covers single revocations; a cascade to the paired
	// token is part of the same event.
	EventTokenRevoked = "token_revoked"

	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // event name, not a credential

	// Rejections

	// EventAuthFailure records a rejected grant, client or scope check
	EventAuthFailure       = "auth_failure"
	EventRateLimitExceeded = "rate_limit_exceeded"
)
