// Package security provides security-related functionality for the issuer,
// including audit logging, rate limiting and encryption of stored tokens.
//
// # Audit Logging
//
// Auditor writes security events (issued, refreshed, revoked and expired
// tokens, authentication failures, rate limit violations) through slog.
// User identifiers are hashed before they are logged.
//
// # Rate Limiting
//
// The RateLimiter provides per-identifier rate limiting using a token bucket algorithm
// (golang.org/x/time/rate) with memory bounded by an LRU of limiters.
// The server uses it to throttle password grant attempts per principal.
//
// Default configuration:
//   - MaxEntries: 10,000 unique identifiers
//   - CleanupInterval: 5 minutes
//   - IdleTimeout: 30 minutes
//
// ## Example Usage
//
//	limiter, err := security.NewRateLimiter(5, 10, logger)
//	if err != nil {
//	    return err
//	}
//	defer limiter.Stop()
//
//	if !limiter.Allow(principalID) {
//	    // Rate limit exceeded
//	}
//
//	stats := limiter.GetStats()
//	if stats.MemoryPressure > 80.0 {
//	    logger.Warn("Rate limiter memory pressure high",
//	        "pressure", stats.MemoryPressure,
//	        "current_entries", stats.CurrentEntries)
//	}
//
// # Encryption
//
// Encryptor seals token payloads with AES-256-GCM before they are written to a
// shared backend such as Valkey. An Encryptor built from an empty key is
// disabled and passes data through.
package security
