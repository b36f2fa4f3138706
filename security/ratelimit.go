package security

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxLimiterEntries bounds the number of identifiers tracked at once
	DefaultMaxLimiterEntries = 10000

	defaultLimiterCleanupInterval = 5 * time.Minute
	defaultLimiterMaxIdle         = 30 * time.Minute
)

// rateLimiterEntry tracks a rate limiter and its last access time
type rateLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier rate limiting using token bucket algorithm
// with LRU eviction to prevent unbounded memory growth.
type RateLimiter struct {
	mu       sync.Mutex
	limiters *simplelru.LRU[string, *rateLimiterEntry]

	rate       rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	// cleaning suppresses eviction accounting while idle entries are removed
	cleaning bool

	// Statistics
	totalEvictions int64
	totalCleanups  int64
}

// NewRateLimiter creates a new rate limiter with automatic cleanup and LRU eviction.
// Default max entries is 10,000. Use NewRateLimiterWithConfig for custom max entries.
func NewRateLimiter(requestsPerSecond float64, burst int, logger *slog.Logger) (*RateLimiter, error) {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, DefaultMaxLimiterEntries, logger)
}

// NewRateLimiterWithConfig creates a new rate limiter with custom max entries configuration.
// maxEntries controls the maximum number of unique identifiers tracked simultaneously.
// When limit is reached, least recently used entries are evicted.
func NewRateLimiterWithConfig(requestsPerSecond float64, burst, maxEntries int, logger *slog.Logger) (*RateLimiter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if requestsPerSecond <= 0 {
		return nil, fmt.Errorf("requests per second must be positive, got %v", requestsPerSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	if maxEntries <= 0 {
		logger.Warn("Invalid maxEntries, using default", "maxEntries", maxEntries)
		maxEntries = DefaultMaxLimiterEntries
	}

	rl := &RateLimiter{
		rate:            rate.Limit(requestsPerSecond),
		burst:           burst,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: defaultLimiterCleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	lru, err := simplelru.NewLRU[string, *rateLimiterEntry](maxEntries, rl.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create limiter cache: %w", err)
	}
	rl.limiters = lru

	go rl.cleanupLoop()

	return rl, nil
}

// onEvict is called by the LRU with rl.mu held.
func (rl *RateLimiter) onEvict(identifier string, _ *rateLimiterEntry) {
	if rl.cleaning {
		return
	}
	rl.totalEvictions++
	rl.logger.Debug("Rate limiter LRU eviction",
		"identifier", identifier,
		"total_evictions", rl.totalEvictions)
}

// Allow checks if a request from the given identifier is allowed.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters.Get(identifier)
	if !ok {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters.Add(identifier, entry)
	}
	entry.lastAccess = now
	return entry.limiter.AllowN(now, 1)
}

// cleanupLoop periodically removes inactive rate limiters
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(defaultLimiterMaxIdle)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes limiters that haven't been accessed for the given duration.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0

	rl.cleaning = true
	for _, id := range rl.limiters.Keys() {
		entry, ok := rl.limiters.Peek(id)
		if ok && now.Sub(entry.lastAccess) > maxIdleTime {
			rl.limiters.Remove(id)
			removed++
		}
	}
	rl.cleaning = false

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", rl.limiters.Len(),
			"total_cleanups", rl.totalCleanups)
	}
}

// Stop gracefully stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Stats holds rate limiter statistics for monitoring
type Stats struct {
	CurrentEntries int     // Current number of tracked identifiers
	MaxEntries     int     // Maximum allowed entries
	TotalEvictions int64   // Total number of LRU evictions
	TotalCleanups  int64   // Total number of cleanup operations
	MemoryPressure float64 // Percentage of max capacity used (0-100)
}

// GetStats returns current rate limiter statistics for monitoring and alerting.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	stats := Stats{
		CurrentEntries: rl.limiters.Len(),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
	}
	stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxEntries) * 100.0

	return stats
}
