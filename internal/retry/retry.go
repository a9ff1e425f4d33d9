// Package retry wraps slow, fallible provider calls with bounded
// retries, exponential backoff, and error classification. The wrapper
// is stateless across calls: all attempt bookkeeping is local to one
// Do invocation.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/storyloom/storyloom-api/internal/generation"
)

// Classification buckets an error into a retry decision.
type Classification int

const (
	// Transient failures (network, timeout, 5xx) are retried with
	// exponential backoff.
	Transient Classification = iota

	// Fatal failures (bad request, auth, blocked content) abort
	// immediately and surface the original error.
	Fatal

	// RateLimited failures are retried like transient ones but honor a
	// server-provided retry-after hint when present, taking the max of
	// the computed delay and the hint.
	RateLimited
)

// String returns the classification label used in logs.
func (c Classification) String() string {
	switch c {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	case RateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Classifier maps an error from the wrapped call to a Classification.
type Classifier func(error) Classification

// ClassifyGeneration is the default classifier for generation-provider
// errors, keyed off the sentinel taxonomy in internal/generation.
// Unknown errors are assumed transient, matching how provider SDK
// failures without structure are treated.
func ClassifyGeneration(err error) Classification {
	switch {
	case errors.Is(err, generation.ErrFatal):
		return Fatal
	case errors.Is(err, generation.ErrRateLimited):
		return RateLimited
	default:
		return Transient
	}
}

// ExhaustedError is returned when all attempts failed. It wraps the
// last underlying error and records the attempt count.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap returns the last underlying error so callers can still use
// errors.Is against the provider taxonomy.
func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Config controls one Do invocation.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt; subsequent
	// delays grow by BackoffFactor, capped at MaxDelay.
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration

	// PerAttemptTimeout bounds each individual attempt. Zero disables
	// the per-attempt bound (the caller's context still applies).
	PerAttemptTimeout time.Duration

	// Endpoint is the primary endpoint handed to the operation.
	// FallbackEndpoint, when non-empty, receives every attempt after a
	// transient failure against the primary; an attempt never mixes
	// endpoints.
	Endpoint         string
	FallbackEndpoint string

	// Sleep is injectable for deterministic tests. Nil uses a
	// context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 2
	}
	if c.Sleep == nil {
		c.Sleep = sleepContext
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Operation is one external invocation. The endpoint is the base URL
// selected by the retrier for this attempt; operations that have no
// endpoint concept may ignore it.
type Operation[T any] func(ctx context.Context, endpoint string) (T, error)

// Do invokes op with bounded retries. Fatal errors abort immediately
// and surface unchanged. Transient and rate-limited errors schedule a
// retry after baseDelay * factor^(attempt-1), capped at MaxDelay;
// rate-limited errors additionally honor the provider's retry-after
// hint. After MaxAttempts are exhausted an *ExhaustedError wrapping the
// last cause is returned.
func Do[T any](ctx context.Context, cfg Config, logger *slog.Logger, classify Classifier, op Operation[T]) (T, error) {
	var zero T

	cfg = cfg.withDefaults()
	if classify == nil {
		classify = ClassifyGeneration
	}

	endpoint := cfg.Endpoint
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if cfg.PerAttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.PerAttemptTimeout)
		}

		start := time.Now()
		result, err := op(attemptCtx, endpoint)
		elapsed := time.Since(start)
		cancel()

		if err == nil {
			logger.Info("call succeeded",
				"attempt", attempt,
				"max_attempts", cfg.MaxAttempts,
				"elapsed", elapsed,
				"endpoint", endpoint)
			return result, nil
		}

		lastErr = err
		class := classify(err)

		logger.Warn("call failed",
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"elapsed", elapsed,
			"endpoint", endpoint,
			"classification", class.String(),
			"error", err)

		if class == Fatal {
			return zero, err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		// A transient failure against the primary moves every
		// subsequent attempt to the fallback endpoint.
		if class == Transient && cfg.FallbackEndpoint != "" && endpoint == cfg.Endpoint {
			logger.Warn("switching to fallback endpoint",
				"primary", cfg.Endpoint,
				"fallback", cfg.FallbackEndpoint)
			endpoint = cfg.FallbackEndpoint
		}

		delay := backoffDelay(cfg, attempt)
		if class == RateLimited {
			if hint := generation.RetryAfterHint(err); hint > delay {
				delay = hint
			}
		}

		logger.Info("retrying after delay",
			"attempt", attempt,
			"delay", delay)

		if err := cfg.Sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}
	}

	return zero, &ExhaustedError{Attempts: cfg.MaxAttempts, Err: lastErr}
}

// backoffDelay computes baseDelay * factor^(attempt-1), capped at
// MaxDelay.
func backoffDelay(cfg Config, attempt int) time.Duration {
	d := time.Duration(float64(cfg.BaseDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-1)))
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}
