package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"registre-backend/internal/fleet"
	"registre-backend/internal/jobs"
	"registre-backend/internal/ratebudget"
	"registre-backend/internal/shared/metrics"
	"registre-backend/internal/shared/telemetry"
)

// State is the worker process state.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StatePolling      State = "POLLING"
	StateProcessing   State = "PROCESSING"
	StateStopping     State = "STOPPING"
	StateStopped      State = "STOPPED"
)

// Config tunes one worker's lifecycle.
type Config struct {
	ID   string
	Kind string

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	LivenessThreshold time.Duration
	RateWindow        time.Duration
	// RecoveryInterval spaces the periodic abandoned-claim scans.
	// Defaults to the liveness threshold.
	RecoveryInterval time.Duration
	// MaxAttempts caps retries: a retryable failure on a job that already
	// burned this many attempts goes FAILED_FATAL instead of back to
	// waiting. Zero disables the cap.
	MaxAttempts int

	Environments []string
}

// Processor runs one claimed job to its terminal write. Implementations
// write Complete or MarkStageTwo themselves on success; the lifecycle
// owns the rollback path on error.
type Processor interface {
	Process(ctx context.Context, claimed jobs.Claimed) error
}

// Lifecycle is the state machine driving one worker process: register,
// poll/claim, process one job at a time, recover abandoned claims, stop
// gracefully. Steps are exposed individually so tests can drive
// transitions without wall-clock timers.
type Lifecycle struct {
	cfg       Config
	queue     *jobs.Queue
	envs      []jobs.EnvStore
	registry  fleet.Registry
	budget    ratebudget.Budget
	processor Processor

	mu    sync.Mutex
	state State

	now func() time.Time
}

// New builds a lifecycle. The queue and envs must cover the same
// environments in the same priority order.
func New(cfg Config, queue *jobs.Queue, envs []jobs.EnvStore, registry fleet.Registry, budget ratebudget.Budget, processor Processor) (*Lifecycle, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("new lifecycle: worker id is required")
	}
	if queue == nil || registry == nil || budget == nil || processor == nil {
		return nil, fmt.Errorf("new lifecycle: queue, registry, budget and processor are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.LivenessThreshold <= 0 {
		cfg.LivenessThreshold = 3 * cfg.HeartbeatInterval
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = cfg.LivenessThreshold
	}
	return &Lifecycle{
		cfg:       cfg,
		queue:     queue,
		envs:      envs,
		registry:  registry,
		budget:    budget,
		processor: processor,
		state:     StateInitializing,
		now:       time.Now,
	}, nil
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) setState(s State) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()
	if prev != s {
		telemetry.Info("worker.state", map[string]any{
			"worker_id": l.cfg.ID,
			"from":      string(prev),
			"to":        string(s),
		})
	}
}

// Init registers the worker, runs the startup abandoned-claim scan, and
// moves the lifecycle to POLLING.
func (l *Lifecycle) Init(ctx context.Context) error {
	now := l.now().UTC()
	err := l.registry.Register(ctx, fleet.Record{
		ID:            l.cfg.ID,
		Kind:          l.cfg.Kind,
		Environments:  l.cfg.Environments,
		StartedAt:     now,
		LastHeartbeat: now,
	})
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	if _, err := l.RecoverAbandoned(ctx); err != nil {
		telemetry.Error("worker.recovery_failed", map[string]any{
			"worker_id": l.cfg.ID,
			"error":     err.Error(),
		})
	}

	l.setState(StatePolling)
	return nil
}

// Run drives the full lifecycle until ctx is cancelled. Cancellation is
// graceful: an in-flight job is run to its terminal write before the
// worker deregisters. Forced exit on a second signal is the entrypoint's
// concern and leaves the claim to the recovery scan.
func (l *Lifecycle) Run(ctx context.Context) error {
	if err := l.Init(ctx); err != nil {
		return err
	}
	defer l.Shutdown(context.WithoutCancel(ctx))

	// The background loops run past the stop signal, until the poll loop
	// has returned and any in-flight job has drained. A draining job must
	// keep heartbeating: going stale mid-drain would let a peer's
	// recovery scan reset the held claim and hand the same document to a
	// second worker.
	loopCtx, stopLoops := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); l.heartbeatLoop(loopCtx) }()
	go func() { defer wg.Done(); l.windowResetLoop(loopCtx) }()
	go func() { defer wg.Done(); l.recoveryLoop(loopCtx) }()
	defer wg.Wait()
	defer stopLoops()

	for {
		if ctx.Err() != nil {
			return nil
		}
		claimed, err := l.PollOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			telemetry.Error("worker.poll_failed", map[string]any{
				"worker_id": l.cfg.ID,
				"error":     err.Error(),
			})
		}
		if claimed {
			continue
		}
		select {
		case <-time.After(l.cfg.PollInterval):
		case <-ctx.Done():
			return nil
		}
	}
}

// PollOnce attempts one claim pass and, on success, processes the job to
// its terminal write. It reports whether a job was claimed. An in-flight
// job keeps running on a detached context so a stop signal drains rather
// than aborts it.
func (l *Lifecycle) PollOnce(ctx context.Context) (bool, error) {
	claimed, err := l.queue.ClaimNext(ctx)
	if errors.Is(err, jobs.ErrNoJobs) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	l.setState(StateProcessing)
	l.processClaimed(context.WithoutCancel(ctx), claimed)
	l.setState(StatePolling)
	return true, nil
}

// Shutdown moves the worker through STOPPING to STOPPED, removing its
// registry record.
func (l *Lifecycle) Shutdown(ctx context.Context) {
	l.setState(StateStopping)
	if err := l.registry.Deregister(ctx, l.cfg.ID); err != nil {
		telemetry.Error("worker.deregister_failed", map[string]any{
			"worker_id": l.cfg.ID,
			"error":     err.Error(),
		})
	}
	l.setState(StateStopped)
}

// processClaimed runs the processor and guarantees the claim is resolved:
// terminal write on success, rollback or fatal write on error, rollback
// on panic.
func (l *Lifecycle) processClaimed(ctx context.Context, claimed jobs.Claimed) {
	start := l.now()
	defer func() {
		if r := recover(); r != nil {
			telemetry.Error("worker.processor_panic", map[string]any{
				"worker_id": l.cfg.ID,
				"job_id":    claimed.Job.ID.String(),
				"panic":     fmt.Sprint(r),
			})
			l.resolveFailure(ctx, claimed, fmt.Errorf("processor panic: %v", r))
		}
	}()

	if err := l.processor.Process(ctx, claimed); err != nil {
		l.resolveFailure(ctx, claimed, err)
		return
	}

	metrics.IncJobsCompleted()
	metrics.ObserveJobDurationMs(float64(l.now().Sub(start).Milliseconds()))
	telemetry.Info("worker.job_done", map[string]any{
		"worker_id":   l.cfg.ID,
		"job_id":      claimed.Job.ID.String(),
		"env":         claimed.Job.Env,
		"duration_ms": l.now().Sub(start).Milliseconds(),
	})
}

// resolveFailure writes the failed claim back: fatal failures and
// exhausted attempt budgets end the job, anything else returns it to its
// waiting status for another worker.
func (l *Lifecycle) resolveFailure(ctx context.Context, claimed jobs.Claimed, procErr error) {
	job := claimed.Job
	fields := map[string]any{
		"worker_id": l.cfg.ID,
		"job_id":    job.ID.String(),
		"env":       job.Env,
		"attempts":  job.Attempts,
		"error":     procErr.Error(),
	}

	var terminal jobs.Status
	switch {
	case IsFatal(procErr):
		terminal = jobs.StatusFailedFatal
	case l.cfg.MaxAttempts > 0 && job.Attempts >= l.cfg.MaxAttempts:
		terminal = jobs.StatusFailedFatal
		procErr = fmt.Errorf("attempts exhausted (%d): %w", job.Attempts, procErr)
	default:
		waiting := jobs.ReleaseTargetFor(l.queue.ClaimedStatus())
		if err := claimed.Store.Release(ctx, job.ID, l.cfg.ID, waiting, procErr.Error()); err != nil {
			fields["release_error"] = err.Error()
			telemetry.Error("worker.release_failed", fields)
			return
		}
		metrics.IncJobsReleased()
		telemetry.Warn("worker.job_released", fields)
		return
	}

	if err := claimed.Store.Fail(ctx, job.ID, l.cfg.ID, terminal, procErr.Error()); err != nil {
		fields["fail_error"] = err.Error()
		telemetry.Error("worker.fail_write_failed", fields)
		return
	}
	metrics.IncJobsFailed()
	telemetry.Error("worker.job_failed", fields)
}

// RecoverAbandoned reaps stale registry records, then resets every
// in-progress row owned by a worker that is no longer alive. Any worker
// may run it; concurrent runs are safe.
func (l *Lifecycle) RecoverAbandoned(ctx context.Context) (int, error) {
	if reaped, err := l.registry.Reap(ctx, l.cfg.LivenessThreshold); err != nil {
		telemetry.Error("worker.reap_failed", map[string]any{
			"worker_id": l.cfg.ID,
			"error":     err.Error(),
		})
	} else if len(reaped) > 0 {
		telemetry.Warn("worker.reaped_stale", map[string]any{
			"worker_id": l.cfg.ID,
			"reaped":    reaped,
		})
	}

	records, err := l.registry.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list workers: %w", err)
	}
	alive := fleet.AliveIDs(records, l.now().UTC(), l.cfg.LivenessThreshold)

	total := 0
	for _, env := range l.envs {
		n, err := env.Store.ResetAbandoned(ctx, alive)
		if err != nil {
			return total, fmt.Errorf("reset abandoned in %s: %w", env.Env, err)
		}
		total += n
		if n > 0 {
			telemetry.Warn("worker.recovered_claims", map[string]any{
				"worker_id": l.cfg.ID,
				"env":       env.Env,
				"count":     n,
			})
		}
	}
	metrics.IncJobsRecovered(total)
	return total, nil
}

func (l *Lifecycle) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.registry.Heartbeat(ctx, l.cfg.ID, l.now().UTC()); err != nil {
				telemetry.Error("worker.heartbeat_failed", map[string]any{
					"worker_id": l.cfg.ID,
					"error":     err.Error(),
				})
			}
		}
	}
}

// windowResetLoop fires ResetWindow on its interval. Every worker runs
// it so the window survives any single worker dying; the budget's own
// stamp guard makes mid-window firings no-ops, so out-of-phase timers
// never grant extra budget.
func (l *Lifecycle) windowResetLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.RateWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.budget.ResetWindow(ctx); err != nil {
				telemetry.Error("worker.window_reset_failed", map[string]any{
					"worker_id": l.cfg.ID,
					"error":     err.Error(),
				})
			}
		}
	}
}

func (l *Lifecycle) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.RecoverAbandoned(ctx); err != nil {
				telemetry.Error("worker.recovery_failed", map[string]any{
					"worker_id": l.cfg.ID,
					"error":     err.Error(),
				})
			}
		}
	}
}
