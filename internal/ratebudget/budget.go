package ratebudget

import (
	"context"
	"errors"
	"time"

	"registre-backend/internal/shared/metrics"
)

// ErrBudgetExhausted is returned by WaitForReservation when the backoff
// budget runs out before the window admits the call.
var ErrBudgetExhausted = errors.New("rate budget exhausted after backoff")

// Decision is the outcome of a reservation attempt, with the counter
// values observed at decision time for diagnostics.
type Decision struct {
	Allowed    bool
	CurrentRPM int64
	CurrentTPM int64
}

// Snapshot reports the shared window state for the ops endpoint.
type Snapshot struct {
	Requests int64     `json:"requests"`
	Tokens   int64     `json:"tokens"`
	ResetAt  time.Time `json:"reset_at"`
	SafeRPM  int64     `json:"safe_rpm"`
	SafeTPM  int64     `json:"safe_tpm"`
}

// Budget is the shared per-window request/token budget that every worker
// consults before any external AI call. Counters live in a store outside
// worker memory so the whole fleet shares one window.
//
// Enforcement is optimistic: TryReserve reads counters and decides without
// cross-worker locking, so concurrent reservations can briefly overshoot.
// The safe ceilings are a configured fraction of the provider's hard limits
// and absorb that slop.
type Budget interface {
	// TryReserve reports whether one more call with the estimated token
	// cost fits the window. It does not consume budget; Commit does.
	TryReserve(ctx context.Context, estimatedTokens int) (Decision, error)

	// Commit records a completed call with the actual token usage from the
	// provider response, which may differ from the estimate.
	Commit(ctx context.Context, actualTokens int) error

	// ResetWindow zeroes both counters and stamps the reset time, but
	// only when the configured window has elapsed since the stored stamp.
	// Any worker may run it on its own timer; calls that land mid-window
	// are no-ops, so redundant timers never multiply the budget.
	ResetWindow(ctx context.Context) error

	// Snapshot returns the current window counters.
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Limits holds the enforced ceilings for one window. Window is the
// reset period; zero means one minute.
type Limits struct {
	SafeRPM int64
	SafeTPM int64
	Window  time.Duration
}

// DefaultWindow is the reset period when Limits.Window is zero.
const DefaultWindow = time.Minute

// windowElapsed reports whether a reset stamped at last is due again at
// now. The five-percent slack absorbs ticker drift: the stamp is written
// a moment after the winning ticker fires, so the next tick lands just
// short of a full window.
func windowElapsed(last, now time.Time, window time.Duration) bool {
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= window-window/20
}

// BackoffConfig bounds the retry loop around a denied reservation.
type BackoffConfig struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultBackoff waits ten seconds between attempts, long enough for a
// window reset to land.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{MaxAttempts: 12, Delay: 10 * time.Second}
}

// WaitForReservation retries TryReserve with a fixed delay until allowed,
// the context ends, or the attempt budget runs out. Denial is a scheduling
// signal, not an error, so the loop sleeps instead of failing the job.
func WaitForReservation(ctx context.Context, budget Budget, estimatedTokens int, cfg BackoffConfig) (Decision, error) {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultBackoff()
	}
	var last Decision
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		decision, err := budget.TryReserve(ctx, estimatedTokens)
		if err != nil {
			return Decision{}, err
		}
		if decision.Allowed {
			return decision, nil
		}
		metrics.IncBudgetDenied()
		last = decision
		select {
		case <-time.After(cfg.Delay):
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
	return last, ErrBudgetExhausted
}
