package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/qualivox/pkg/provider/s2s"
)

// Default dial parameters.
const (
	DefaultMaxRetries = 10
	DefaultBackoff    = 1 * time.Second
	DefaultMaxBackoff = 30 * time.Second
)

// DialConfig controls how [Dial] retries a failed connect.
type DialConfig struct {
	// MaxRetries is the number of attempts after the first failure.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the wait before the first retry. It doubles on every
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the wait between attempts. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// Logger receives attempt logs. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c DialConfig) withDefaults() DialConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = c.Backoff
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Dial connects to p with exponential backoff. It gives up when ctx is done
// or every attempt has failed, returning the last connect error.
func Dial(ctx context.Context, p s2s.Provider, sc s2s.SessionConfig, cfg DialConfig) (s2s.SessionHandle, error) {
	cfg = cfg.withDefaults()
	log := cfg.Logger.With("component", "session")
	backoff := cfg.Backoff

	var lastErr error
	attempts := cfg.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("session: dial: %w", err)
		}

		h, err := p.Connect(ctx, sc)
		if err == nil {
			if attempt > 1 {
				log.Info("session connected after retry", "attempt", attempt)
			}
			return h, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		log.Warn("session connect failed", "attempt", attempt, "max_attempts", attempts, "backoff", backoff, "err", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("session: dial: %w", ctx.Err())
		case <-timer.C:
		}

		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	log.Error("session connect failed after max retries", "attempts", attempts, "err", lastErr)
	return nil, fmt.Errorf("session: dial: giving up after %d attempts: %w", attempts, lastErr)
}
