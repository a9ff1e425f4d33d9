// Package progress fans generation progress out from the worker pool to
// in-process consumers. Each job has its own append-only stream: the
// bus stamps every published event with the job's next sequence number,
// keeps a bounded replay buffer, and delivers to any number of
// subscribers without letting a slow one block the publisher.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom-api/internal/domain"
)

const (
	// maxHistory bounds the replay buffer per job. A full pipeline run
	// emits a handful of stage events plus one per page, so this is
	// generous headroom before the oldest events are trimmed.
	maxHistory = 256

	// subscriberBuffer is the live-delivery headroom per subscriber
	// beyond whatever replay it requested.
	subscriberBuffer = 64
)

// subscriber is one registered consumer of a job's stream.
type subscriber struct {
	ch chan domain.ProgressEvent
}

// stream holds one job's sequence counter, replay buffer and consumers.
// All fields are guarded by mu; sequence assignment and fan-out happen
// under the same critical section so subscribers always observe
// strictly increasing sequence numbers.
type stream struct {
	mu         sync.Mutex
	nextSeq    uint64
	history    []domain.ProgressEvent
	subs       []*subscriber
	terminal   bool
	terminalAt time.Time
}

// Bus routes progress events from publishers to subscribers keyed by
// job ID. Terminal streams are retained for a grace period so late
// subscribers and reconnecting clients can still replay the ending.
type Bus struct {
	mu      sync.RWMutex
	streams map[uuid.UUID]*stream
	logger  *slog.Logger
	clock   func() time.Time
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		streams: make(map[uuid.UUID]*stream),
		logger:  logger.With("component", "progress_bus"),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the bus's time source. Tests use this to drive
// terminal-stream retention deterministically.
func (b *Bus) SetClock(clock func() time.Time) {
	b.clock = clock
}

func (b *Bus) stream(jobID uuid.UUID) *stream {
	b.mu.RLock()
	s, ok := b.streams[jobID]
	b.mu.RUnlock()
	if ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok = b.streams[jobID]; !ok {
		s = &stream{}
		b.streams[jobID] = s
	}
	return s
}

// Publish stamps the event with the job's next sequence number and
// timestamp, records it in the replay buffer, and delivers it to all
// current subscribers. The caller supplies everything except Sequence
// and Timestamp. Events published after a terminal stage are dropped.
func (b *Bus) Publish(jobID uuid.UUID, stage domain.Stage, percent int, detail string) domain.ProgressEvent {
	s := b.stream(jobID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminal {
		b.logger.Warn("dropping event published after terminal stage",
			"job_id", jobID,
			"stage", stage.Kind)
		return domain.ProgressEvent{}
	}

	s.nextSeq++
	event := domain.ProgressEvent{
		JobID:     jobID,
		Sequence:  s.nextSeq,
		Stage:     stage,
		Percent:   percent,
		Detail:    detail,
		Timestamp: b.clock(),
	}

	s.history = append(s.history, event)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}

	for _, sub := range s.subs {
		select {
		case sub.ch <- event:
		default:
			// A subscriber that cannot keep up loses the event; it can
			// recover the gap by resubscribing with its last sequence.
			b.logger.Warn("subscriber channel full, dropping event",
				"job_id", jobID,
				"sequence", event.Sequence)
		}
	}

	if stage.Kind.Terminal() {
		s.terminal = true
		s.terminalAt = b.clock()
		for _, sub := range s.subs {
			close(sub.ch)
		}
		s.subs = nil
	}

	return event
}

// Subscribe registers a consumer for the job's stream. Buffered events
// with a sequence greater than after are replayed onto the returned
// channel before any live event, in order. If the stream already ended
// the replay still happens and the channel is closed immediately after.
//
// The returned cancel function must be called once the consumer is
// done; it is safe to call after the channel has closed.
func (b *Bus) Subscribe(jobID uuid.UUID, after uint64) (<-chan domain.ProgressEvent, func()) {
	s := b.stream(jobID)

	s.mu.Lock()
	defer s.mu.Unlock()

	var replay []domain.ProgressEvent
	for _, ev := range s.history {
		if ev.Sequence > after {
			replay = append(replay, ev)
		}
	}

	ch := make(chan domain.ProgressEvent, len(replay)+subscriberBuffer)
	for _, ev := range replay {
		ch <- ev
	}

	if s.terminal {
		close(ch)
		return ch, func() {}
	}

	sub := &subscriber{ch: ch}
	s.subs = append(s.subs, sub)

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, existing := range s.subs {
			if existing == sub {
				close(existing.ch)
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

// LastSequence reports the highest sequence number assigned for the
// job, zero when nothing has been published yet.
func (b *Bus) LastSequence(jobID uuid.UUID) uint64 {
	b.mu.RLock()
	s, ok := b.streams[jobID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// SweepTerminal drops streams whose terminal event is older than the
// grace period and returns how many were removed. Streams for running
// jobs are never touched.
func (b *Bus) SweepTerminal(grace time.Duration) int {
	cutoff := b.clock().Add(-grace)

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for jobID, s := range b.streams {
		s.mu.Lock()
		expired := s.terminal && s.terminalAt.Before(cutoff)
		s.mu.Unlock()
		if expired {
			delete(b.streams, jobID)
			removed++
		}
	}
	if removed > 0 {
		b.logger.Debug("swept terminal progress streams", "count", removed)
	}
	return removed
}
