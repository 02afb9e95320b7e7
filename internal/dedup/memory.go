package dedup

import (
	"context"
	"sync"
	"time"

	"taskplanner/internal/reminder"
)

// memoryStore keeps records in a map. It backs tests and the degraded
// "no persistence configured" mode; restarts lose its history.
type memoryStore struct {
	mu    sync.Mutex
	fired map[reminder.Key]time.Time
}

// NewMemory returns a volatile Store.
func NewMemory() Store {
	return &memoryStore{fired: map[reminder.Key]time.Time{}}
}

func (s *memoryStore) HasFired(ctx context.Context, k reminder.Key) (bool, error) {
	_ = ctx
	s.mu.Lock()
	_, ok := s.fired[k]
	s.mu.Unlock()
	return ok, nil
}

func (s *memoryStore) MarkFired(ctx context.Context, k reminder.Key, firedAt time.Time) error {
	_ = ctx
	s.mu.Lock()
	if _, ok := s.fired[k]; !ok {
		s.fired[k] = firedAt
	}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Invalidate(ctx context.Context, taskID string) error {
	_ = ctx
	s.mu.Lock()
	for k := range s.fired {
		if k.TaskID == taskID {
			delete(s.fired, k)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Close() error { return nil }
