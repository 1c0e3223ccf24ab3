package history

import (
	"context"
	"sync"
	"time"

	"github.com/stateflowio/stateflow/pkg/persistence"
)

// MemoryStore is an in-memory archive paired with a persistence provider.
// ArchiveMove holds the store lock across the insert and the active-record
// delete, which gives the same never-in-both guarantee as the SQL
// transaction within a single process.
type MemoryStore struct {
	entries map[string]Entry
	active  persistence.Provider
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty archive backed by the given active
// provider.
func NewMemoryStore(active persistence.Provider) *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry), active: active}
}

func (s *MemoryStore) ArchiveMove(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ArchivedAt.IsZero() {
		entry.ArchivedAt = time.Now()
	}
	entry.Context = append([]byte(nil), entry.Context...)
	s.entries[entry.MachineID] = entry
	if s.active == nil {
		return nil
	}
	if err := s.active.Delete(ctx, entry.MachineID); err != nil {
		delete(s.entries, entry.MachineID)
		return err
	}
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, machineID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[machineID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	entry.Context = append([]byte(nil), entry.Context...)
	return entry, nil
}

func (s *MemoryStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, entry := range s.entries {
		if entry.ArchivedAt.Before(cutoff) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of archived entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
