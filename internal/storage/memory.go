package storage

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu     sync.Mutex
	tasks  []TaskRecord
	fires  []FireEntry
	closed bool
}

// NewMemory returns a process-local Store.
func NewMemory() Store { return &memoryStore{} }

func (s *memoryStore) LoadTasks(ctx context.Context) ([]TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return cloneRecords(s.tasks), nil
}

func (s *memoryStore) SaveTasks(ctx context.Context, tasks []TaskRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.tasks = cloneRecords(tasks)
	return nil
}

func (s *memoryStore) AppendFire(ctx context.Context, e FireEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.fires = append(s.fires, e)
	return nil
}

func (s *memoryStore) RecentFires(ctx context.Context, limit int) ([]FireEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return newestFirst(s.fires, limit), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
