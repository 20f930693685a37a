package state

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore implements StateStore using in-memory storage.
// Useful for testing and single-process scenarios.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*entry
	revision uint64
	closed   atomic.Bool
}

type entry struct {
	value    []byte
	revision uint64
	created  time.Time
	modified time.Time
}

// NewMemoryStore creates a new in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*entry),
	}
}

// Get retrieves a record by key.
func (s *MemoryStore) Get(ctx context.Context, key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}

	return &KeyValue{
		Key:      key,
		Value:    copyBytes(e.value),
		Revision: e.revision,
		Created:  e.created,
		Modified: e.modified,
	}, nil
}

// Keys returns all keys matching a pattern, sorted.
func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.data {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Commit applies all operations under the store lock, or none of them.
func (s *MemoryStore) Commit(ctx context.Context, ops ...Op) error {
	if err := ValidateOps(ops); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}

	for _, op := range ops {
		var have uint64
		if e, ok := s.data[op.Key]; ok {
			have = e.revision
		}
		if have != op.Revision {
			return &ConflictError{Key: op.Key, Want: op.Revision, Have: have}
		}
	}

	now := time.Now()
	s.revision++
	rev := s.revision
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			created := now
			if existing, ok := s.data[op.Key]; ok {
				created = existing.created
			}
			s.data[op.Key] = &entry{
				value:    copyBytes(op.Value),
				revision: rev,
				created:  created,
				modified: now,
			}
		case OpDelete:
			delete(s.data, op.Key)
		}
	}
	return nil
}

// Close shuts down the store.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	return nil
}
