package mgmt

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	RPS   int // requests per second
	Burst int // burst size
}

const (
	limiterSweepEvery = 5 * time.Minute
	limiterIdleAfter  = 10 * time.Minute
)

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type rateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	rps       rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	return &rateLimiter{
		clients:   make(map[string]*clientLimiter),
		rps:       rate.Limit(cfg.RPS),
		burst:     cfg.Burst,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > limiterSweepEvery {
		for k, v := range rl.clients {
			if now.Sub(v.lastSeen) > limiterIdleAfter {
				delete(rl.clients, k)
			}
		}
		rl.lastSweep = now
	}

	cl, ok := rl.clients[key]
	if !ok {
		cl = &clientLimiter{lim: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.lim.AllowN(now, 1)
}

// NewRateLimitMiddleware returns a per-client token-bucket rate limiter.
func NewRateLimitMiddleware(cfg RateLimitConfig) fiber.Handler {
	rl := newRateLimiter(cfg)

	return func(c *fiber.Ctx) error {
		if isProbe(c.Path()) {
			return c.Next()
		}

		if !rl.allow(c.IP()) {
			return problemResponse(c, fiber.StatusTooManyRequests,
				"rate_limit_exceeded", "Too Many Requests",
				"Rate limit exceeded. Please try again later.")
		}

		return c.Next()
	}
}
