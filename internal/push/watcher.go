package push

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom-api/internal/domain"
)

// WatchHandlers are the watcher's callbacks, forwarded to whichever
// delivery mode is active.
type WatchHandlers struct {
	// OnEvent receives push events while the stream is healthy.
	OnEvent func(domain.ProgressEvent)

	// OnStatus receives poll results after the watcher degrades.
	OnStatus func(*domain.Job)

	// OnStateChange mirrors the manager's state transitions.
	OnStateChange func(State)

	// OnDegraded fires once if the push connection fails permanently
	// and the watcher falls back to polling.
	OnDegraded func(error)
}

// Watcher follows one job to completion. It prefers the push stream
// and degrades to status polling only when the stream fails for good;
// exactly one delivery mode is active at a time.
type Watcher struct {
	dialer  Dialer
	fetcher StatusFetcher
	cfg     Config
	logger  *slog.Logger
}

// NewWatcher wires a watcher from a stream dialer and a poll fallback.
func NewWatcher(dialer Dialer, fetcher StatusFetcher, cfg Config, logger *slog.Logger) (*Watcher, error) {
	if dialer == nil {
		return nil, errors.New("dialer cannot be nil")
	}
	if fetcher == nil {
		return nil, ErrNilStatusFetcher
	}
	return &Watcher{
		dialer:  dialer,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger.With("component", "job_watcher"),
	}, nil
}

// Watch blocks until the job finishes or the context is cancelled. It
// returns nil when a terminal stage or status was observed through
// either delivery mode.
func (w *Watcher) Watch(ctx context.Context, jobID uuid.UUID, handlers WatchHandlers) error {
	var permanentErr error
	manager := NewManager(w.dialer, w.cfg, Handlers{
		OnEvent:       handlers.OnEvent,
		OnStateChange: handlers.OnStateChange,
		OnPermanentFailure: func(err error) {
			permanentErr = err
		},
	}, w.logger)

	err := manager.Run(ctx, jobID)
	if err == nil || ctx.Err() != nil {
		return err
	}
	if !errors.Is(err, ErrReconnectExhausted) {
		return err
	}

	w.logger.Warn("push stream failed permanently, degrading to polling",
		"job_id", jobID,
		"error", permanentErr)
	if handlers.OnDegraded != nil {
		handlers.OnDegraded(permanentErr)
	}

	poller, perr := NewPoller(w.fetcher, DefaultPollInterval, w.logger)
	if perr != nil {
		return perr
	}
	return poller.Run(ctx, jobID, handlers.OnStatus)
}
