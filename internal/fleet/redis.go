package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"registre-backend/internal/shared/telemetry"
)

const workersKey = "workers:registry"

// RedisRegistry implements Registry over one shared Redis hash, field per
// worker id.
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry constructs a RedisRegistry.
func NewRedisRegistry(client *redis.Client) (*RedisRegistry, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisRegistry{client: client}, nil
}

// Register creates or replaces the worker's record.
func (r *RedisRegistry) Register(ctx context.Context, record Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal worker record: %w", err)
	}
	if err := r.client.HSet(ctx, workersKey, record.ID, payload).Err(); err != nil {
		return fmt.Errorf("register worker %s: %w", record.ID, err)
	}
	return nil
}

// Heartbeat refreshes the worker's last-heartbeat time.
func (r *RedisRegistry) Heartbeat(ctx context.Context, workerID string, at time.Time) error {
	raw, err := r.client.HGet(ctx, workersKey, workerID).Result()
	if err == redis.Nil {
		return ErrNotRegistered
	}
	if err != nil {
		return fmt.Errorf("heartbeat read %s: %w", workerID, err)
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return fmt.Errorf("heartbeat decode %s: %w", workerID, err)
	}
	record.LastHeartbeat = at.UTC()
	return r.Register(ctx, record)
}

// Deregister removes the worker's record.
func (r *RedisRegistry) Deregister(ctx context.Context, workerID string) error {
	if err := r.client.HDel(ctx, workersKey, workerID).Err(); err != nil {
		return fmt.Errorf("deregister worker %s: %w", workerID, err)
	}
	return nil
}

// List returns all current records. Records that fail to decode are
// skipped with a log line rather than failing the whole listing.
func (r *RedisRegistry) List(ctx context.Context) ([]Record, error) {
	raw, err := r.client.HGetAll(ctx, workersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	records := make([]Record, 0, len(raw))
	for id, payload := range raw {
		var record Record
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			telemetry.Warn("fleet.record_decode_failed", map[string]any{
				"worker_id": id,
				"error":     err.Error(),
			})
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Reap deletes records whose heartbeat is older than the threshold.
func (r *RedisRegistry) Reap(ctx context.Context, threshold time.Duration) ([]string, error) {
	records, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var reaped []string
	for _, record := range records {
		if !record.Stale(now, threshold) {
			continue
		}
		if err := r.Deregister(ctx, record.ID); err != nil {
			return reaped, err
		}
		reaped = append(reaped, record.ID)
	}
	return reaped, nil
}

var _ Registry = (*RedisRegistry)(nil)
