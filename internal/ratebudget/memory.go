package ratebudget

import (
	"context"
	"sync"
	"time"
)

// MemoryBudget implements Budget in process memory. It exists for tests
// and single-process development; production workers must share a
// RedisBudget instead.
type MemoryBudget struct {
	mu       sync.Mutex
	requests int64
	tokens   int64
	resetAt  time.Time
	limits   Limits
	now      func() time.Time
}

// NewMemoryBudget constructs a MemoryBudget with the given ceilings.
func NewMemoryBudget(limits Limits) *MemoryBudget {
	if limits.Window <= 0 {
		limits.Window = DefaultWindow
	}
	return &MemoryBudget{limits: limits, now: time.Now}
}

// TryReserve reads both counters and decides, without consuming budget.
func (b *MemoryBudget) TryReserve(ctx context.Context, estimatedTokens int) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	allowed := b.requests+1 <= b.limits.SafeRPM && b.tokens+int64(estimatedTokens) <= b.limits.SafeTPM
	return Decision{Allowed: allowed, CurrentRPM: b.requests, CurrentTPM: b.tokens}, nil
}

// Commit records a completed call with the actual usage.
func (b *MemoryBudget) Commit(ctx context.Context, actualTokens int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests++
	if actualTokens > 0 {
		b.tokens += int64(actualTokens)
	}
	return nil
}

// ResetWindow zeroes the counters once per window; mid-window calls are
// no-ops, matching the RedisBudget guard.
func (b *MemoryBudget) ResetWindow(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !windowElapsed(b.resetAt, b.now().UTC(), b.limits.Window) {
		return nil
	}
	b.requests = 0
	b.tokens = 0
	b.resetAt = b.now().UTC()
	return nil
}

// Snapshot returns the current window counters.
func (b *MemoryBudget) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Requests: b.requests,
		Tokens:   b.tokens,
		ResetAt:  b.resetAt,
		SafeRPM:  b.limits.SafeRPM,
		SafeTPM:  b.limits.SafeTPM,
	}, nil
}

var _ Budget = (*MemoryBudget)(nil)
