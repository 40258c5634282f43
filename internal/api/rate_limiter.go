package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// RATE LIMITER - guards the dangerous restart endpoints
// Prevents a misbehaving caller from hammering start/cancel/validate
// =============================================================================

// RateLimiterConfig configures the rate limiter
type RateLimiterConfig struct {
	// Rate limiting
	MaxAttempts   int           // Max attempts per window
	WindowSize    time.Duration // Time window
	BlockDuration time.Duration // Block duration after max attempts

	// Cleanup
	CleanupInterval time.Duration // Interval to clean expired entries
}

// RestartRateLimiterConfig returns the config guarding
// /api/rolling-restart/{start,cancel,validate} — loose enough that a normal
// operator retrying a failed precondition check doesn't get blocked, tight
// enough to stop a scripted retry loop from hammering the orchestrator.
func RestartRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxAttempts:     20,
		WindowSize:      5 * time.Minute,
		BlockDuration:   5 * time.Minute,
		CleanupInterval: 1 * time.Minute,
	}
}

// ipRecord tracks attempts for an IP address
type ipRecord struct {
	Attempts  int
	FirstSeen time.Time
	BlockedAt time.Time
	IsBlocked bool
}

// RateLimiter implements IP-based rate limiting
type RateLimiter struct {
	config  RateLimiterConfig
	records map[string]*ipRecord
	mu      sync.RWMutex
	stopCh  chan struct{}
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		records: make(map[string]*ipRecord),
		stopCh:  make(chan struct{}),
	}

	// Start cleanup goroutine
	go rl.cleanupLoop()

	return rl
}

// Allow checks if the IP is allowed to make a request
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	record, exists := rl.records[ip]

	if !exists {
		// First request from this IP
		rl.records[ip] = &ipRecord{
			Attempts:  1,
			FirstSeen: now,
		}
		return true
	}

	// Check if blocked
	if record.IsBlocked {
		if now.Sub(record.BlockedAt) > rl.config.BlockDuration {
			// Unblock
			record.IsBlocked = false
			record.Attempts = 1
			record.FirstSeen = now
			return true
		}
		return false
	}

	// Check if window has expired
	if now.Sub(record.FirstSeen) > rl.config.WindowSize {
		// Reset window
		record.Attempts = 1
		record.FirstSeen = now
		return true
	}

	// Increment attempts
	record.Attempts++

	// Check if max attempts exceeded
	if record.Attempts > rl.config.MaxAttempts {
		record.IsBlocked = true
		record.BlockedAt = now
		return false
	}

	return true
}

// GetBlockedUntil returns when the IP will be unblocked
func (rl *RateLimiter) GetBlockedUntil(ip string) time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	record, exists := rl.records[ip]
	if !exists || !record.IsBlocked {
		return time.Time{}
	}

	return record.BlockedAt.Add(rl.config.BlockDuration)
}

// cleanupLoop periodically removes expired records
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// cleanup removes expired records
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	expiry := rl.config.WindowSize + rl.config.BlockDuration

	for ip, record := range rl.records {
		if now.Sub(record.FirstSeen) > expiry {
			delete(rl.records, ip)
		}
	}
}

// Stop stops the rate limiter cleanup goroutine
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// =============================================================================
// GIN MIDDLEWARE
// =============================================================================

// RateLimitMiddleware returns a Gin middleware for rate limiting
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()

		if !rl.Allow(ip) {
			blockedUntil := rl.GetBlockedUntil(ip)
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":         "Too many requests",
				"message":       "You have exceeded the rate limit. Please try again later.",
				"blocked_until": blockedUntil.UTC(),
				"retry_after":   int(time.Until(blockedUntil).Seconds()),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// RestartRateLimitMiddleware rate-limits the dangerous restart endpoints
// per caller IP.
func RestartRateLimitMiddleware() gin.HandlerFunc {
	rl := NewRateLimiter(RestartRateLimiterConfig())
	return RateLimitMiddleware(rl)
}
