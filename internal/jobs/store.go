package jobs

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound indicates the job row does not exist.
var ErrNotFound = errors.New("job not found")

// ErrNoJobs indicates no claimable row matched the poll.
var ErrNoJobs = errors.New("no claimable jobs")

// ErrNotOwner indicates a write was attempted on a row the worker does not hold.
var ErrNotOwner = errors.New("job not owned by this worker")

// Store is the contract over one environment's jobs table. Claim is the
// only coordination primitive: a conditional update keyed on
// (id, expected status, null worker) that either takes exclusive ownership
// or reports the race was lost.
type Store interface {
	Insert(ctx context.Context, job Job) error
	GetByID(ctx context.Context, id uuid.UUID) (Job, error)

	// NextClaimable returns the oldest ownerless row in the given waiting
	// status. This is a read, not a reservation; callers must Claim.
	NextClaimable(ctx context.Context, waiting Status) (Job, error)

	// Claim attempts the conditional update WAITING->claimed. It returns
	// false (and no error) when another worker won the race. On success the
	// attempt counter has been incremented and started_at stamped.
	Claim(ctx context.Context, id uuid.UUID, waiting, claimed Status, workerID string) (bool, error)

	// Release rolls a held claim back to its waiting status with the worker
	// cleared, so the job becomes claimable again.
	Release(ctx context.Context, id uuid.UUID, workerID string, waiting Status, errorMessage string) error

	// MarkStageTwo hands a held stage-1 job off to OCR workers: status
	// READY_FOR_STAGE_2, worker cleared, source artifact recorded.
	MarkStageTwo(ctx context.Context, id uuid.UUID, workerID, sourcePath string) error

	// Complete writes the terminal DONE status with the OCR payloads.
	Complete(ctx context.Context, id uuid.UUID, workerID, rawText, correctedText string, result []byte) error

	// Fail writes a terminal failure status with a human-readable message.
	Fail(ctx context.Context, id uuid.UUID, workerID string, terminal Status, errorMessage string) error

	// ResetAbandoned releases every in-progress row whose owner is not in
	// alive, returning the number of rows recovered. Run by any worker at
	// startup and periodically; safe to run concurrently.
	ResetAbandoned(ctx context.Context, alive []string) (int, error)
}
