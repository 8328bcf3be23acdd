package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig configures the breaker created for each entry of a
// [FallbackGroup]. The per-entry Name is filled in by the group.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary value and zero or more fallbacks of the same
// type, each behind its own breaker. Entries are tried in registration order.
//
// Entries must be added before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
	log     *slog.Logger
}

// NewFallbackGroup creates a group with primary as its first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{
		cfg: cfg,
		log: slog.Default().With("component", "resilience"),
	}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Names returns the entry names in try order.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Breaker returns the breaker guarding the named entry, or nil.
func (fg *FallbackGroup[T]) Breaker(name string) *CircuitBreaker {
	for _, e := range fg.entries {
		if e.name == name {
			return e.breaker
		}
	}
	return nil
}

// Execute tries fn against each entry until one succeeds.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry of fg until one succeeds and
// returns its result. Entries with an open breaker are skipped. Once ctx is
// done no further entry is tried and ctx's error is returned. When every
// entry fails the error wraps both [ErrAllFailed] and the last failure.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			fg.log.Debug("skipping backend with open circuit", "backend", entry.name)
			continue
		}
		if ctx.Err() != nil {
			return zero, err
		}
		fg.log.Warn("backend failed, trying next", "backend", entry.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
