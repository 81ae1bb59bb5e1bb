package history

import (
	"context"
	"sync"
)

// InMemoryStore keeps history in process memory; used when no MongoDB is
// configured and in tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty history store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Record implements Store.
func (s *InMemoryStore) Record(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// Recent implements Store. Entries come back newest first.
func (s *InMemoryStore) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		entry := s.entries[i]
		if sessionID != "" && entry.SessionID != sessionID {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Ping implements Store.
func (s *InMemoryStore) Ping(ctx context.Context) error { return nil }
