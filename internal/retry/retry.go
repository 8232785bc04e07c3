// Package retry provides exponential backoff for external calls made on
// behalf of a room: metadata-store writes and LLM requests.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	perrors "github.com/p-blackswan/collabhub/internal/errors"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool

	// OnRetry, if set, is called before each backoff sleep with the
	// 1-based attempt that just failed.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// PersistConfig is tuned for local store writes: short delays, few attempts.
func PersistConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
		Jitter:      true,
	}
}

// Do executes fn with exponential backoff. Only retries if the error is retryable.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !perrors.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		delay := backoff(cfg, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func backoff(cfg Config, attempt int) time.Duration {
	delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(2, float64(attempt)))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	}
	return delay
}
