package progress

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom-api/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func stage(kind domain.StageKind) domain.Stage {
	return domain.Stage{Kind: kind}
}

func collect(ch <-chan domain.ProgressEvent, n int) []domain.ProgressEvent {
	out := make([]domain.ProgressEvent, 0, n)
	for ev := range ch {
		out = append(out, ev)
		if len(out) == n {
			break
		}
	}
	return out
}

func TestBus_SequencesAreMonotonicPerJob(t *testing.T) {
	t.Parallel()

	bus := NewBus(testLogger())
	jobA := uuid.New()
	jobB := uuid.New()

	e1 := bus.Publish(jobA, stage(domain.StageInitializing), 0, "")
	e2 := bus.Publish(jobA, stage(domain.StageGeneratingText), 10, "")
	e3 := bus.Publish(jobB, stage(domain.StageInitializing), 0, "")

	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, uint64(2), e2.Sequence)
	assert.Equal(t, uint64(1), e3.Sequence, "sequence counters are per job")
	assert.Equal(t, uint64(2), bus.LastSequence(jobA))
}

func TestBus_SubscriberReceivesLiveEvents(t *testing.T) {
	t.Parallel()

	bus := NewBus(testLogger())
	jobID := uuid.New()

	ch, cancel := bus.Subscribe(jobID, 0)
	defer cancel()

	bus.Publish(jobID, stage(domain.StageInitializing), 0, "")
	bus.Publish(jobID, stage(domain.StageGeneratingText), 10, "")

	got := collect(ch, 2)
	require.Len(t, got, 2)
	assert.Equal(t, domain.StageInitializing, got[0].Stage.Kind)
	assert.Equal(t, domain.StageGeneratingText, got[1].Stage.Kind)
}

func TestBus_ReplayFromCursor(t *testing.T) {
	t.Parallel()

	bus := NewBus(testLogger())
	jobID := uuid.New()

	bus.Publish(jobID, stage(domain.StageInitializing), 0, "")
	bus.Publish(jobID, stage(domain.StageGeneratingText), 10, "")
	bus.Publish(jobID, domain.Stage{Kind: domain.StageGeneratingPage, Page: 1, TotalPages: 2}, 60, "")

	// A subscriber that already saw sequence 1 gets only 2 and 3.
	ch, cancel := bus.Subscribe(jobID, 1)
	defer cancel()

	got := collect(ch, 2)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].Sequence)
	assert.Equal(t, uint64(3), got[1].Sequence)
}

func TestBus_ReplayThenLive(t *testing.T) {
	t.Parallel()

	bus := NewBus(testLogger())
	jobID := uuid.New()

	bus.Publish(jobID, stage(domain.StageInitializing), 0, "")

	ch, cancel := bus.Subscribe(jobID, 0)
	defer cancel()

	bus.Publish(jobID, stage(domain.StageGeneratingText), 10, "")

	got := collect(ch, 2)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Sequence, "replayed event arrives before the live one")
	assert.Equal(t, uint64(2), got[1].Sequence)
}

func TestBus_TerminalEventClosesSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewBus(testLogger())
	jobID := uuid.New()

	ch, cancel := bus.Subscribe(jobID, 0)
	defer cancel()

	bus.Publish(jobID, stage(domain.StageCompleted), 100, "")

	ev, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, domain.StageCompleted, ev.Stage.Kind)

	_, ok = <-ch
	assert.False(t, ok, "channel closes after the terminal event")
}

func TestBus_PublishAfterTerminalIsDropped(t *testing.T) {
	t.Parallel()

	bus := NewBus(testLogger())
	jobID := uuid.New()

	bus.Publish(jobID, stage(domain.StageFailed), 10, "provider unavailable")
	dropped := bus.Publish(jobID, stage(domain.StagePersisting), 90, "")

	assert.Zero(t, dropped.Sequence)
	assert.Equal(t, uint64(1), bus.LastSequence(jobID))
}

func TestBus_SubscribeAfterTerminalReplaysAndCloses(t *testing.T) {
	t.Parallel()

	bus := NewBus(testLogger())
	jobID := uuid.New()

	bus.Publish(jobID, stage(domain.StageInitializing), 0, "")
	bus.Publish(jobID, stage(domain.StageCompleted), 100, "")

	ch, cancel := bus.Subscribe(jobID, 0)
	defer cancel()

	var got []domain.ProgressEvent
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, domain.StageCompleted, got[1].Stage.Kind)
}

func TestBus_IndependentSubscriberCursors(t *testing.T) {
	t.Parallel()

	bus := NewBus(testLogger())
	jobID := uuid.New()

	bus.Publish(jobID, stage(domain.StageInitializing), 0, "")
	bus.Publish(jobID, stage(domain.StageGeneratingText), 10, "")

	fresh, cancelFresh := bus.Subscribe(jobID, 0)
	defer cancelFresh()
	resumed, cancelResumed := bus.Subscribe(jobID, 1)
	defer cancelResumed()

	assert.Len(t, collect(fresh, 2), 2)
	got := collect(resumed, 1)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].Sequence)
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	t.Parallel()

	bus := NewBus(testLogger())
	jobID := uuid.New()

	ch, cancel := bus.Subscribe(jobID, 0)
	cancel()

	_, ok := <-ch
	assert.False(t, ok, "cancel closes the channel")

	// Publishing afterwards must not panic on the closed channel.
	bus.Publish(jobID, stage(domain.StageInitializing), 0, "")
}

func TestBus_SweepTerminalRespectsGrace(t *testing.T) {
	t.Parallel()

	bus := NewBus(testLogger())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bus.SetClock(func() time.Time { return now })

	doneJob := uuid.New()
	runningJob := uuid.New()
	bus.Publish(doneJob, stage(domain.StageCompleted), 100, "")
	bus.Publish(runningJob, stage(domain.StageInitializing), 0, "")

	// Inside the grace period nothing is swept.
	assert.Zero(t, bus.SweepTerminal(time.Minute))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, bus.SweepTerminal(time.Minute))
	assert.Zero(t, bus.LastSequence(doneJob), "swept stream starts over")
	assert.Equal(t, uint64(1), bus.LastSequence(runningJob))
}

func TestBus_ConcurrentPublishersKeepOrdering(t *testing.T) {
	t.Parallel()

	bus := NewBus(testLogger())
	jobID := uuid.New()

	const events = 50
	var wg sync.WaitGroup
	for i := 0; i < events; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(jobID, stage(domain.StageGeneratingText), 10, "")
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(events), bus.LastSequence(jobID))

	ch, cancel := bus.Subscribe(jobID, 0)
	defer cancel()
	got := collect(ch, events)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Sequence, got[i-1].Sequence)
	}
}
