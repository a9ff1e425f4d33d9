package push

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom-api/internal/domain"
)

// DefaultPollInterval is the status poll cadence when none is
// configured.
const DefaultPollInterval = 3 * time.Second

// ErrNilStatusFetcher indicates a poller was constructed without a
// status source.
var ErrNilStatusFetcher = errors.New("status fetcher cannot be nil")

// StatusFetcher reads a job's current state, typically through the
// HTTP status endpoint.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, jobID uuid.UUID) (*domain.Job, error)
}

// Poller is the degraded-mode fallback when the push connection is
// unavailable. It reads the job status on a fixed interval and stops
// on its own once it observes a terminal status, so an abandoned
// browser tab does not poll a finished job forever.
type Poller struct {
	fetcher  StatusFetcher
	interval time.Duration
	logger   *slog.Logger
}

// NewPoller creates a poller with the given cadence. A non-positive
// interval uses DefaultPollInterval.
func NewPoller(fetcher StatusFetcher, interval time.Duration, logger *slog.Logger) (*Poller, error) {
	if fetcher == nil {
		return nil, ErrNilStatusFetcher
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		fetcher:  fetcher,
		interval: interval,
		logger:   logger.With("component", "status_poller"),
	}, nil
}

// Run polls the job until it reaches a terminal status or the context
// is cancelled. onStatus fires after every successful fetch, including
// the terminal one. Fetch errors are logged and skipped; the next tick
// tries again.
func (p *Poller) Run(ctx context.Context, jobID uuid.UUID, onStatus func(*domain.Job)) error {
	logger := p.logger.With("job_id", jobID)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		job, err := p.fetcher.FetchStatus(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("status poll failed", "error", err)
			continue
		}

		if onStatus != nil {
			onStatus(job)
		}
		if job.Status.Terminal() {
			logger.Info("job reached terminal status, stopping poller",
				"status", job.Status)
			return nil
		}
	}
}
