package persistence

import (
	"context"
	"sync"
	"time"
)

// MemoryProvider is an in-memory Provider for tests and single-process
// deployments without durability requirements.
type MemoryProvider struct {
	records map[string]Record
	mu      sync.RWMutex
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{records: make(map[string]Record)}
}

// Save upserts the record.
func (p *MemoryProvider) Save(ctx context.Context, rec Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if existing, ok := p.records[rec.MachineID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Context = append([]byte(nil), rec.Context...)
	p.records[rec.MachineID] = rec
	return nil
}

// Load returns the stored record or ErrNotFound.
func (p *MemoryProvider) Load(ctx context.Context, machineID string) (Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rec, ok := p.records[machineID]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Context = append([]byte(nil), rec.Context...)
	return rec, nil
}

// Delete removes the record; deleting a missing id is not an error.
func (p *MemoryProvider) Delete(ctx context.Context, machineID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, machineID)
	return nil
}

// Exists reports whether a record is stored for the id.
func (p *MemoryProvider) Exists(ctx context.Context, machineID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.records[machineID]
	return ok, nil
}

// ListComplete returns all records flagged complete.
func (p *MemoryProvider) ListComplete(ctx context.Context) ([]Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []Record
	for _, rec := range p.records {
		if rec.IsComplete {
			rec.Context = append([]byte(nil), rec.Context...)
			out = append(out, rec)
		}
	}
	return out, nil
}

// Close is a no-op.
func (p *MemoryProvider) Close() error { return nil }

// Len returns the number of stored records.
func (p *MemoryProvider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.records)
}
