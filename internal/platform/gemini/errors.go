package gemini

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/storyloom/storyloom-api/internal/generation"
)

// mapProviderError translates a Gemini SDK error into the generation
// sentinel taxonomy. Client errors (auth, bad request) are fatal, quota
// rejections are rate limited with the server's retry hint when one is
// attached, and everything else is assumed transient.
func mapProviderError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", generation.ErrTransient, err)
	}

	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		return generation.NewRateLimitError(retryDelayFromDetails(apiErr.Details), err)
	case apiErr.Code >= 400 && apiErr.Code < 500:
		return fmt.Errorf("%w: provider rejected request (%d %s)",
			generation.ErrFatal, apiErr.Code, apiErr.Status)
	default:
		return fmt.Errorf("%w: provider error (%d %s): %v",
			generation.ErrTransient, apiErr.Code, apiErr.Status, err)
	}
}

// retryDelayFromDetails extracts the RetryInfo delay that Gemini
// attaches to quota errors. Returns zero when no usable hint exists.
func retryDelayFromDetails(details []map[string]any) time.Duration {
	for _, detail := range details {
		kind, _ := detail["@type"].(string)
		if kind != "type.googleapis.com/google.rpc.RetryInfo" {
			continue
		}
		raw, _ := detail["retryDelay"].(string)
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return 0
}
