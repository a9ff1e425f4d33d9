package ratelimit

import (
	"context"
	"sync"
	"time"
)

// identityLog holds one identity's recent request timestamps. Each log
// carries its own mutex so unrelated identities never serialize on a
// shared lock.
type identityLog struct {
	mu    sync.Mutex
	times []time.Time
}

// MemoryStore is the in-process sliding-window store used for
// single-instance deployments and as the fallback when the shared
// store is unreachable.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string]*identityLog
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs: make(map[string]*identityLog),
	}
}

// Take implements Store. The map lock is held only long enough to look
// up or create the identity's log; pruning and counting happen under
// the per-identity lock.
func (s *MemoryStore) Take(_ context.Context, identity string, limit int, window time.Duration, now time.Time) (Decision, error) {
	s.mu.RLock()
	log, ok := s.logs[identity]
	s.mu.RUnlock()

	if !ok {
		s.mu.Lock()
		if log, ok = s.logs[identity]; !ok {
			log = &identityLog{}
			s.logs[identity] = log
		}
		s.mu.Unlock()
	}

	log.mu.Lock()
	defer log.mu.Unlock()

	// Lazily evict timestamps that fell out of the trailing window.
	cutoff := now.Add(-window)
	kept := log.times[:0]
	for _, t := range log.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	log.times = kept

	if len(log.times) >= limit {
		return Decision{
			Allowed:   false,
			Remaining: 0,
			ResetIn:   log.times[0].Add(window).Sub(now),
		}, nil
	}

	log.times = append(log.times, now)
	resetIn := log.times[0].Add(window).Sub(now)
	return Decision{
		Allowed:   true,
		Remaining: limit - len(log.times),
		ResetIn:   resetIn,
	}, nil
}
