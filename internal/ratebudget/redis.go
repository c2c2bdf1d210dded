package ratebudget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	requestsKey = "ratebudget:requests"
	tokensKey   = "ratebudget:tokens"
	resetAtKey  = "ratebudget:reset_at"
)

// RedisBudget implements Budget over two shared Redis counters. All
// workers pointed at the same Redis share one window.
type RedisBudget struct {
	client *redis.Client
	limits Limits
}

// NewRedisBudget constructs a RedisBudget with the given enforced ceilings.
func NewRedisBudget(client *redis.Client, limits Limits) (*RedisBudget, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limits.SafeRPM <= 0 || limits.SafeTPM <= 0 {
		return nil, fmt.Errorf("safe ceilings must be positive, got rpm=%d tpm=%d", limits.SafeRPM, limits.SafeTPM)
	}
	if limits.Window <= 0 {
		limits.Window = DefaultWindow
	}
	return &RedisBudget{client: client, limits: limits}, nil
}

// TryReserve reads both counters and decides. Read-before-increment by
// design: the decision races other workers and the safe-ceiling headroom
// absorbs the overlap.
func (b *RedisBudget) TryReserve(ctx context.Context, estimatedTokens int) (Decision, error) {
	requests, err := b.getCounter(ctx, requestsKey)
	if err != nil {
		return Decision{}, fmt.Errorf("read request counter: %w", err)
	}
	tokens, err := b.getCounter(ctx, tokensKey)
	if err != nil {
		return Decision{}, fmt.Errorf("read token counter: %w", err)
	}

	allowed := requests+1 <= b.limits.SafeRPM && tokens+int64(estimatedTokens) <= b.limits.SafeTPM
	return Decision{Allowed: allowed, CurrentRPM: requests, CurrentTPM: tokens}, nil
}

// Commit increments both counters unconditionally with the actual usage.
func (b *RedisBudget) Commit(ctx context.Context, actualTokens int) error {
	pipe := b.client.TxPipeline()
	pipe.IncrBy(ctx, requestsKey, 1)
	if actualTokens > 0 {
		pipe.IncrBy(ctx, tokensKey, int64(actualTokens))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("commit usage: %w", err)
	}
	return nil
}

// ResetWindow zeroes the counters once per window. The stored stamp is
// the guard: a call landing before the window has elapsed is a no-op, so
// N workers with out-of-phase timers still grant exactly one budget per
// window. The stamp is read under WATCH so only one concurrent resetter
// wins; losers see the transaction fail and treat it as already done.
func (b *RedisBudget) ResetWindow(ctx context.Context) error {
	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, resetAtKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		var last time.Time
		if err == nil {
			if ts, perr := time.Parse(time.RFC3339, raw); perr == nil {
				last = ts
			}
		}
		if !windowElapsed(last, time.Now().UTC(), b.limits.Window) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, requestsKey, 0, 0)
			pipe.Set(ctx, tokensKey, 0, 0)
			pipe.Set(ctx, resetAtKey, time.Now().UTC().Format(time.RFC3339), 0)
			return nil
		})
		return err
	}, resetAtKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reset window: %w", err)
	}
	return nil
}

// Snapshot returns the current window counters.
func (b *RedisBudget) Snapshot(ctx context.Context) (Snapshot, error) {
	requests, err := b.getCounter(ctx, requestsKey)
	if err != nil {
		return Snapshot{}, err
	}
	tokens, err := b.getCounter(ctx, tokensKey)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Requests: requests,
		Tokens:   tokens,
		SafeRPM:  b.limits.SafeRPM,
		SafeTPM:  b.limits.SafeTPM,
	}
	raw, err := b.client.Get(ctx, resetAtKey).Result()
	if err == nil {
		if ts, perr := time.Parse(time.RFC3339, raw); perr == nil {
			snap.ResetAt = ts
		}
	} else if !errors.Is(err, redis.Nil) {
		return Snapshot{}, err
	}
	return snap, nil
}

func (b *RedisBudget) getCounter(ctx context.Context, key string) (int64, error) {
	val, err := b.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

var _ Budget = (*RedisBudget)(nil)
