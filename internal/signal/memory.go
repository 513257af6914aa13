package signal

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps envelopes in a process-local map. It backs tests
// and in-process use; semantics match the redis store.
type MemoryStore struct {
	ttl time.Duration

	mu   sync.RWMutex
	envs map[string]Envelope
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:  ttl,
		envs: make(map[string]Envelope),
	}
}

func (s *MemoryStore) Put(_ context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := env.Key()
	if _, exists := s.envs[key]; exists {
		// Same peer, same millisecond: the earlier envelope wins,
		// never overwrite.
		return nil
	}
	s.envs[key] = env
	return nil
}

func (s *MemoryStore) List(_ context.Context, roomID string, kind Kind) ([]Envelope, error) {
	cutoff := time.Now().Add(-s.ttl).UnixMilli()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Envelope
	for _, env := range s.envs {
		if env.RoomID != roomID {
			continue
		}
		if kind != KindAny && env.Kind != kind {
			continue
		}
		if env.CreatedAt < cutoff {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.envs, key)
	return nil
}

func (s *MemoryStore) EvictOlderThan(_ context.Context, cutoff time.Time) error {
	cutoffMs := cutoff.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, env := range s.envs {
		if env.CreatedAt < cutoffMs {
			delete(s.envs, key)
		}
	}
	return nil
}
