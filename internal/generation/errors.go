package generation

import (
	"errors"
	"fmt"
	"time"
)

// Common errors returned by generation providers. The retry layer
// classifies provider failures against these sentinels.
var (
	// ErrTransient is returned for temporary failures (network errors,
	// timeouts, 5xx responses) that might resolve on retry.
	ErrTransient = errors.New("transient error calling generation provider")

	// ErrRateLimited is returned when the provider rejects the call for
	// quota reasons (429-equivalent). Retryable with backoff; the error
	// may carry a server-provided retry-after hint.
	ErrRateLimited = errors.New("generation provider rate limited the call")

	// ErrFatal is returned for permanent failures (bad request, auth,
	// content blocked by safety filters). Never retried.
	ErrFatal = errors.New("fatal error calling generation provider")

	// ErrInvalidResponse is returned when the provider response cannot
	// be parsed or is malformed. Treated as fatal.
	ErrInvalidResponse = fmt.Errorf("%w: invalid response from provider", ErrFatal)

	// ErrContentBlocked is returned when the provider blocks the
	// content due to safety filters. Treated as fatal.
	ErrContentBlocked = fmt.Errorf("%w: content blocked by safety filters", ErrFatal)

	// ErrInvalidConfig is returned when the generator configuration is
	// invalid.
	ErrInvalidConfig = errors.New("invalid generator configuration")
)

// RateLimitError wraps ErrRateLimited with the provider's retry-after
// hint, when one was supplied.
type RateLimitError struct {
	Hint time.Duration
	Err  error
}

// NewRateLimitError builds a RateLimitError carrying the given hint.
func NewRateLimitError(hint time.Duration, err error) *RateLimitError {
	return &RateLimitError{Hint: hint, Err: err}
}

func (e *RateLimitError) Error() string {
	msg := ErrRateLimited.Error()
	if e.Hint > 0 {
		msg = fmt.Sprintf("%v (retry after %s)", ErrRateLimited, e.Hint)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the sentinel and the provider cause, so
// errors.Is(err, ErrRateLimited) and matching against the underlying
// provider error both hold.
func (e *RateLimitError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrRateLimited, e.Err}
	}
	return []error{ErrRateLimited}
}

// RetryAfterHint extracts the provider's retry-after hint from an
// error chain. Returns zero when no hint is present.
func RetryAfterHint(err error) time.Duration {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.Hint
	}
	return 0
}
