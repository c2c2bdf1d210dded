package fleet

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry implements Registry in process memory, for tests.
type MemoryRegistry struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

// NewMemoryRegistry constructs a MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string]Record), now: time.Now}
}

// SetNow overrides the clock, for tests.
func (r *MemoryRegistry) SetNow(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Register creates or replaces the worker's record.
func (r *MemoryRegistry) Register(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.ID] = record
	return nil
}

// Heartbeat refreshes the worker's last-heartbeat time.
func (r *MemoryRegistry) Heartbeat(ctx context.Context, workerID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[workerID]
	if !ok {
		return ErrNotRegistered
	}
	record.LastHeartbeat = at.UTC()
	r.records[workerID] = record
	return nil
}

// Deregister removes the worker's record.
func (r *MemoryRegistry) Deregister(ctx context.Context, workerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, workerID)
	return nil
}

// List returns all current records.
func (r *MemoryRegistry) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	records := make([]Record, 0, len(r.records))
	for _, record := range r.records {
		records = append(records, record)
	}
	return records, nil
}

// Reap deletes records whose heartbeat is older than the threshold.
func (r *MemoryRegistry) Reap(ctx context.Context, threshold time.Duration) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	var reaped []string
	for id, record := range r.records {
		if record.Stale(now, threshold) {
			delete(r.records, id)
			reaped = append(reaped, id)
		}
	}
	return reaped, nil
}

var _ Registry = (*MemoryRegistry)(nil)
