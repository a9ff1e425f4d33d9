package middleware

import (
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom-api/internal/api/shared"
	"github.com/storyloom/storyloom-api/internal/ratelimit"
)

// RateLimitMiddleware gates expensive endpoints behind the sliding
// window admission limiter, keyed by the authenticated user. Apply it
// after Authenticate.
type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	limit   int
	window  time.Duration
}

// NewRateLimitMiddleware creates a RateLimitMiddleware with the given
// per-user limit and window.
func NewRateLimitMiddleware(limiter *ratelimit.Limiter, limit int, window time.Duration) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		limit:   limit,
		window:  window,
	}
}

// Limit rejects over-limit requests with 429, reporting when the
// window frees a slot in both the Retry-After header and the body's
// retry_after_seconds field.
func (m *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := r.Context().Value(shared.UserIDContextKey).(uuid.UUID)
		if !ok || userID == uuid.Nil {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "User ID not found or invalid")
			return
		}

		decision := m.limiter.Allow(r.Context(), userID.String(), m.limit, m.window)
		if !decision.Allowed {
			retryAfter := int(math.Ceil(decision.ResetIn.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}

			err := &ratelimit.DeniedError{RetryAfter: decision.ResetIn}
			shared.RespondWithRateLimited(w, r,
				"Too many book requests, slow down", retryAfter, err)
			return
		}

		next.ServeHTTP(w, r)
	})
}
