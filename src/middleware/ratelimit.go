package middleware

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// RateLimiter caps requests per caller per fixed window. Callers are
// identified by trader id when present so one user cannot starve the
// gateway for everyone behind the same proxy.
type RateLimiter struct {
	maxRequests int
	window      time.Duration
	counters    map[string]int
	mu          sync.Mutex
}

func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		counters:    make(map[string]int),
	}
}

func (rl *RateLimiter) callerID(c *fiber.Ctx) string {
	if user := c.Get("X-User-Id"); user != "" {
		return "u:" + user
	}
	ip := c.Get("X-Forwarded-For")
	if ip == "" {
		ip = c.Get("X-Real-IP")
	}
	if ip == "" {
		ip = c.IP()
	}
	return "ip:" + ip
}

func (rl *RateLimiter) windowKey(caller string, now time.Time) string {
	windowNumber := now.Unix() / int64(rl.window.Seconds())
	return fmt.Sprintf("%s_%d", caller, windowNumber)
}

func (rl *RateLimiter) Allow(caller string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	key := rl.windowKey(caller, now)

	count, exists := rl.counters[key]
	if !exists {
		// edge case: drop the caller's stale windows when a new one opens
		rl.dropOldWindows(caller, key)
		rl.counters[key] = 1
		return true
	}

	if count >= rl.maxRequests {
		return false
	}

	rl.counters[key] = count + 1
	return true
}

func (rl *RateLimiter) dropOldWindows(caller, currentKey string) {
	prefix := caller + "_"
	for key := range rl.counters {
		if key == currentKey {
			continue
		}
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(rl.counters, key)
		}
	}
}

func (rl *RateLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		caller := rl.callerID(c)

		if !rl.Allow(caller) {
			log.Warn().
				Str("caller", caller).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Int("max_requests", rl.maxRequests).
				Msg("Rate limit exceeded")
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Rate limit exceeded, try again later",
				"kind":  "RateLimited",
			})
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(rl.maxRequests))
		c.Set("X-RateLimit-Window", rl.window.String())

		return c.Next()
	}
}

func DefaultRateLimiter() *RateLimiter {
	return NewRateLimiter(100, time.Second)
}
