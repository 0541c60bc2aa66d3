package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// LoginAttempt tracks login attempts from an IP
type LoginAttempt struct {
	Count    int
	FirstAt  time.Time
	LockedAt time.Time
	IsLocked bool
}

// RateLimiter manages rate limiting for login attempts
type RateLimiter struct {
	mu           sync.RWMutex
	attempts     map[string]*LoginAttempt
	maxAttempts  int
	windowPeriod time.Duration
	lockDuration time.Duration
}

// NewRateLimiter creates a rate limiter allowing maxAttempts per windowPeriod
// before locking an IP out for lockDuration
func NewRateLimiter(maxAttempts int, windowPeriod, lockDuration time.Duration) *RateLimiter {
	rl := &RateLimiter{
		attempts:     make(map[string]*LoginAttempt),
		maxAttempts:  maxAttempts,
		windowPeriod: windowPeriod,
		lockDuration: lockDuration,
	}
	go rl.startCleanup()
	return rl
}

func (rl *RateLimiter) startCleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	for range ticker.C {
		rl.cleanup()
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, attempt := range rl.attempts {
		if attempt.IsLocked && now.Sub(attempt.LockedAt) > rl.lockDuration {
			delete(rl.attempts, ip)
		} else if !attempt.IsLocked && now.Sub(attempt.FirstAt) > rl.windowPeriod {
			delete(rl.attempts, ip)
		}
	}
}

// Allow reports whether the IP may attempt a login right now
func (rl *RateLimiter) Allow(ip string) (bool, time.Duration) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	attempt, ok := rl.attempts[ip]
	if !ok {
		return true, 0
	}
	if attempt.IsLocked {
		remaining := rl.lockDuration - time.Since(attempt.LockedAt)
		if remaining > 0 {
			return false, remaining
		}
	}
	return true, 0
}

// RecordFailure counts a failed attempt, locking the IP when the window is
// exhausted
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	attempt, ok := rl.attempts[ip]
	if !ok || now.Sub(attempt.FirstAt) > rl.windowPeriod {
		rl.attempts[ip] = &LoginAttempt{Count: 1, FirstAt: now}
		return
	}

	attempt.Count++
	if attempt.Count >= rl.maxAttempts {
		attempt.IsLocked = true
		attempt.LockedAt = now
	}
}

// RecordSuccess clears recorded failures for the IP
func (rl *RateLimiter) RecordSuccess(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// LoginRateLimitMiddleware rejects login requests from locked-out IPs
func LoginRateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		allowed, retryAfter := rl.Allow(ip)
		if !allowed {
			c.Header("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "Too many login attempts, try again later",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
