// Package ratelimit implements sliding-window admission control for
// the expensive enqueue endpoints. Request timestamps are kept in a
// per-identity log; only timestamps inside the trailing window count
// toward the limit, and stale entries are pruned lazily on each check.
//
// Two interchangeable backing stores exist behind the Store interface:
// an in-process map for single-instance deployments and a shared Redis
// store for multi-instance ones. The limiter prefers the shared store
// and transparently falls back to the in-process one when Redis is
// unreachable, logging the degradation exactly once per outage.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrAdmissionDenied is the sentinel for rejected requests.
var ErrAdmissionDenied = errors.New("admission denied by rate limiter")

// DeniedError carries the retry-after duration for a denied request.
type DeniedError struct {
	RetryAfter time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%v: retry after %s", ErrAdmissionDenied, e.RetryAfter)
}

// Unwrap makes errors.Is(err, ErrAdmissionDenied) hold.
func (e *DeniedError) Unwrap() error {
	return ErrAdmissionDenied
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// Store records a request attempt against an identity's sliding window
// and reports the decision. Implementations must be safe for
// concurrent use and must synchronize per identity, never globally.
type Store interface {
	Take(ctx context.Context, identity string, limit int, window time.Duration, now time.Time) (Decision, error)
}

// Limiter checks admission against a preferred store with transparent
// fallback. A backing-store error is treated as allow (fail-open) so
// infrastructure trouble never cascades into denial of service.
type Limiter struct {
	primary  Store // optional shared store, may be nil
	fallback Store
	logger   *slog.Logger
	degraded atomic.Bool
	clock    func() time.Time
}

// NewLimiter builds a Limiter. primary may be nil, in which case every
// check goes to the fallback store directly.
func NewLimiter(primary, fallback Store, logger *slog.Logger) *Limiter {
	return &Limiter{
		primary:  primary,
		fallback: fallback,
		logger:   logger.With("component", "admission_limiter"),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the limiter's time source. Tests use this to drive
// the window deterministically.
func (l *Limiter) SetClock(clock func() time.Time) {
	l.clock = clock
}

// Allow checks whether the identity may make another request. It
// returns allowed=false together with the time until the window frees
// a slot when the identity is over its limit.
func (l *Limiter) Allow(ctx context.Context, identity string, limit int, window time.Duration) Decision {
	now := l.clock()

	if l.primary != nil {
		decision, err := l.primary.Take(ctx, identity, limit, window, now)
		if err == nil {
			if l.degraded.CompareAndSwap(true, false) {
				l.logger.Info("shared rate limit store recovered, leaving degraded mode")
			}
			return decision
		}

		// One degradation log per outage, then silent fallback.
		if l.degraded.CompareAndSwap(false, true) {
			l.logger.Warn("shared rate limit store unreachable, degrading to in-process store",
				"error", err)
		}
	}

	decision, err := l.fallback.Take(ctx, identity, limit, window, now)
	if err != nil {
		l.logger.Warn("rate limit store error, failing open",
			"identity", identity,
			"error", err)
		return Decision{Allowed: true, Remaining: 0, ResetIn: window}
	}
	return decision
}

// Degraded reports whether the limiter is currently running on the
// in-process fallback. Exposed for health reporting.
func (l *Limiter) Degraded() bool {
	return l.degraded.Load()
}
