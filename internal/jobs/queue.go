package jobs

import (
	"context"
	"errors"
	"fmt"

	"registre-backend/internal/shared/metrics"
	"registre-backend/internal/shared/telemetry"
)

// EnvStore pairs an environment name with its jobs store.
type EnvStore struct {
	Env   string
	Store Store
}

// Claimed is a job held exclusively by this worker, together with the
// store it must be written back through.
type Claimed struct {
	Job   Job
	Store Store
}

// Queue polls a fixed priority order of environments and claims the next
// available job for one worker. Priority is a policy ordering, not a
// fairness guarantee: a lower-priority environment is only tried when every
// higher-priority one has no claimable row.
type Queue struct {
	workerID   string
	workerKind string
	envs       []EnvStore
	waiting    Status
	claimed    Status
}

// NewQueue builds a queue for one worker over the given environments,
// which must already be in priority order.
func NewQueue(workerID, workerKind string, envs []EnvStore) (*Queue, error) {
	if len(envs) == 0 {
		return nil, fmt.Errorf("new queue: at least one environment is required")
	}
	waiting, err := WaitingStatusFor(workerKind)
	if err != nil {
		return nil, fmt.Errorf("new queue: %w", err)
	}
	claimed, err := ClaimedStatusFor(workerKind)
	if err != nil {
		return nil, fmt.Errorf("new queue: %w", err)
	}
	return &Queue{
		workerID:   workerID,
		workerKind: workerKind,
		envs:       envs,
		waiting:    waiting,
		claimed:    claimed,
	}, nil
}

// ClaimNext attempts one claim pass across all environments. It returns
// ErrNoJobs when nothing is claimable anywhere. A lost claim race is the
// expected, frequent case under contention: the candidate is discarded and
// selection retried immediately within the same environment.
func (q *Queue) ClaimNext(ctx context.Context) (Claimed, error) {
	for _, env := range q.envs {
		for {
			if err := ctx.Err(); err != nil {
				return Claimed{}, err
			}

			job, err := env.Store.NextClaimable(ctx, q.waiting)
			if errors.Is(err, ErrNoJobs) {
				break
			}
			if err != nil {
				return Claimed{}, fmt.Errorf("poll %s: %w", env.Env, err)
			}

			won, err := env.Store.Claim(ctx, job.ID, q.waiting, q.claimed, q.workerID)
			if err != nil {
				return Claimed{}, fmt.Errorf("claim %s in %s: %w", job.ID, env.Env, err)
			}
			if !won {
				metrics.IncClaimRaceLost()
				continue
			}

			claimed, err := env.Store.GetByID(ctx, job.ID)
			if err != nil {
				return Claimed{}, fmt.Errorf("reload %s in %s: %w", job.ID, env.Env, err)
			}
			claimed.Env = env.Env

			metrics.IncJobsClaimed()
			telemetry.Info("queue.claimed", map[string]any{
				"job_id":    claimed.ID.String(),
				"env":       env.Env,
				"kind":      string(claimed.Kind),
				"attempts":  claimed.Attempts,
				"worker_id": q.workerID,
			})
			return Claimed{Job: claimed, Store: env.Store}, nil
		}
	}
	return Claimed{}, ErrNoJobs
}

// WaitingStatus returns the status this queue claims from.
func (q *Queue) WaitingStatus() Status { return q.waiting }

// ClaimedStatus returns the in-progress status this queue claims into.
func (q *Queue) ClaimedStatus() Status { return q.claimed }
