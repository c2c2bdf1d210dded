package ratebudget

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryBudgetDeniesBeforeCeiling(t *testing.T) {
	ctx := context.Background()
	budget := NewMemoryBudget(Limits{SafeRPM: 3, SafeTPM: 1000})

	// Estimates match actuals throughout, so the counters must never pass
	// the safe ceiling and denial must come before it would be crossed.
	for i := 0; i < 3; i++ {
		decision, err := budget.TryReserve(ctx, 100)
		if err != nil {
			t.Fatalf("TryReserve: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("call %d denied below ceiling (rpm=%d tpm=%d)", i, decision.CurrentRPM, decision.CurrentTPM)
		}
		if err := budget.Commit(ctx, 100); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	decision, err := budget.TryReserve(ctx, 100)
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	if decision.Allowed {
		t.Fatal("fourth call allowed past SafeRPM=3")
	}

	snap, err := budget.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Requests > 3 || snap.Tokens > 1000 {
		t.Fatalf("counters exceeded ceiling: %+v", snap)
	}
}

func TestMemoryBudgetTokenCeiling(t *testing.T) {
	ctx := context.Background()
	budget := NewMemoryBudget(Limits{SafeRPM: 100, SafeTPM: 500})

	decision, err := budget.TryReserve(ctx, 600)
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	if decision.Allowed {
		t.Fatal("oversized estimate allowed past SafeTPM")
	}

	if err := budget.Commit(ctx, 400); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	decision, _ = budget.TryReserve(ctx, 200)
	if decision.Allowed {
		t.Fatal("reserve allowed when tokens+estimate exceeds SafeTPM")
	}
	decision, _ = budget.TryReserve(ctx, 100)
	if !decision.Allowed {
		t.Fatal("reserve denied when tokens+estimate fits SafeTPM")
	}
}

func TestResetWindowIdempotent(t *testing.T) {
	ctx := context.Background()
	budget := NewMemoryBudget(Limits{SafeRPM: 10, SafeTPM: 1000})

	for i := 0; i < 4; i++ {
		if err := budget.Commit(ctx, 50); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	// Two workers firing the reset timer at almost the same moment must
	// leave the counters at zero with no further side effects.
	if err := budget.ResetWindow(ctx); err != nil {
		t.Fatalf("ResetWindow: %v", err)
	}
	if err := budget.ResetWindow(ctx); err != nil {
		t.Fatalf("ResetWindow twice: %v", err)
	}

	snap, err := budget.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Requests != 0 || snap.Tokens != 0 {
		t.Fatalf("after double reset: %+v, want zero counters", snap)
	}

	decision, err := budget.TryReserve(ctx, 10)
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("reserve denied immediately after reset")
	}
}

func TestResetWindowIsNoOpMidWindow(t *testing.T) {
	ctx := context.Background()
	budget := NewMemoryBudget(Limits{SafeRPM: 10, SafeTPM: 10_000, Window: time.Minute})
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	budget.now = func() time.Time { return clock }

	if err := budget.ResetWindow(ctx); err != nil {
		t.Fatalf("open window: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := budget.Commit(ctx, 100); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	// A second worker's timer fires twenty seconds into the window. The
	// stamp says the window is still open, so nothing may be zeroed.
	clock = base.Add(20 * time.Second)
	if err := budget.ResetWindow(ctx); err != nil {
		t.Fatalf("mid-window reset: %v", err)
	}
	snap, err := budget.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Requests != 10 {
		t.Fatalf("requests = %d after mid-window reset, want 10", snap.Requests)
	}

	clock = base.Add(61 * time.Second)
	if err := budget.ResetWindow(ctx); err != nil {
		t.Fatalf("due reset: %v", err)
	}
	snap, _ = budget.Snapshot(ctx)
	if snap.Requests != 0 {
		t.Fatalf("requests = %d after elapsed window, want 0", snap.Requests)
	}
}

func TestStaggeredResetsDoNotMultiplyBudget(t *testing.T) {
	ctx := context.Background()
	budget := NewMemoryBudget(Limits{SafeRPM: 10, SafeTPM: 100_000, Window: time.Minute})
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	budget.now = func() time.Time { return clock }

	if err := budget.ResetWindow(ctx); err != nil {
		t.Fatalf("open window: %v", err)
	}

	// Two workers share the budget with reset timers half a window out of
	// phase. Across one true window the fleet must land at most SafeRPM
	// requests, no matter how many timers fire.
	committed := 0
	commitAllowed := func() {
		for {
			decision, err := budget.TryReserve(ctx, 100)
			if err != nil {
				t.Fatalf("TryReserve: %v", err)
			}
			if !decision.Allowed {
				return
			}
			if err := budget.Commit(ctx, 100); err != nil {
				t.Fatalf("Commit: %v", err)
			}
			committed++
		}
	}

	commitAllowed()
	clock = base.Add(30 * time.Second)
	if err := budget.ResetWindow(ctx); err != nil {
		t.Fatalf("staggered reset: %v", err)
	}
	commitAllowed()

	if committed != 10 {
		t.Fatalf("fleet committed %d requests inside one window with SafeRPM=10", committed)
	}
}

func TestCommitUsesActualTokens(t *testing.T) {
	ctx := context.Background()
	budget := NewMemoryBudget(Limits{SafeRPM: 10, SafeTPM: 1000})

	decision, err := budget.TryReserve(ctx, 100)
	if err != nil || !decision.Allowed {
		t.Fatalf("TryReserve: allowed=%v err=%v", decision.Allowed, err)
	}
	// Actual usage came back higher than the estimate; commit records the
	// actual, letting the window run hot relative to plan.
	if err := budget.Commit(ctx, 950); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snap, _ := budget.Snapshot(ctx)
	if snap.Tokens != 950 {
		t.Fatalf("tokens = %d, want actual 950", snap.Tokens)
	}
	next, _ := budget.TryReserve(ctx, 100)
	if next.Allowed {
		t.Fatal("reserve allowed although actual usage filled the window")
	}
}

func TestWaitForReservationBacksOffThenExhausts(t *testing.T) {
	ctx := context.Background()
	budget := NewMemoryBudget(Limits{SafeRPM: 1, SafeTPM: 100})
	if err := budget.Commit(ctx, 10); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	start := time.Now()
	_, err := WaitForReservation(ctx, budget, 10, BackoffConfig{MaxAttempts: 3, Delay: 5 * time.Millisecond})
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("err = %v, want ErrBudgetExhausted", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("elapsed = %v, want at least three delays", elapsed)
	}
}

func TestWaitForReservationRecoversAfterReset(t *testing.T) {
	ctx := context.Background()
	budget := NewMemoryBudget(Limits{SafeRPM: 1, SafeTPM: 100})
	if err := budget.Commit(ctx, 10); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = budget.ResetWindow(context.Background())
	}()

	decision, err := WaitForReservation(ctx, budget, 10, BackoffConfig{MaxAttempts: 20, Delay: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("WaitForReservation: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("decision not allowed after window reset")
	}
}

func TestWaitForReservationHonorsContext(t *testing.T) {
	budget := NewMemoryBudget(Limits{SafeRPM: 1, SafeTPM: 100})
	if err := budget.Commit(context.Background(), 10); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := WaitForReservation(ctx, budget, 10, BackoffConfig{MaxAttempts: 100, Delay: 50 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context deadline", err)
	}
}
