package fleet

import (
	"context"
	"errors"
	"time"
)

// ErrNotRegistered indicates the worker id has no record in the registry.
var ErrNotRegistered = errors.New("worker not registered")

// Record is one worker's ephemeral registry entry, keyed by worker id.
// Writes never conflict across workers because each worker only writes its
// own key.
type Record struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Environments  []string  `json:"environments"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Stale reports whether the record's heartbeat is older than the liveness
// threshold at the given instant.
func (r Record) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(r.LastHeartbeat) > threshold
}

// Registry tracks liveness for all workers sharing one rate budget. It is
// used for diagnostics and for deciding which in-progress claims are
// abandoned.
type Registry interface {
	// Register creates or replaces the worker's record.
	Register(ctx context.Context, record Record) error

	// Heartbeat refreshes the worker's last-heartbeat time.
	Heartbeat(ctx context.Context, workerID string, at time.Time) error

	// Deregister removes the worker's record on graceful stop.
	Deregister(ctx context.Context, workerID string) error

	// List returns all current records.
	List(ctx context.Context) ([]Record, error)

	// Reap deletes records whose heartbeat is older than the threshold and
	// returns the reaped worker ids. Any worker may run it.
	Reap(ctx context.Context, threshold time.Duration) ([]string, error)
}

// AliveIDs returns the ids of records that are not stale at now.
func AliveIDs(records []Record, now time.Time, threshold time.Duration) []string {
	alive := make([]string, 0, len(records))
	for _, record := range records {
		if !record.Stale(now, threshold) {
			alive = append(alive, record.ID)
		}
	}
	return alive
}
