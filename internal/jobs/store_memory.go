package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore stores jobs in memory and is safe for concurrent use. It
// mirrors the PG store's claim semantics so lifecycle tests can exercise
// contention without a database.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[uuid.UUID]Job
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[uuid.UUID]Job)}
}

// Insert stores a new waiting job.
func (s *MemoryStore) Insert(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := job.Lookup.Validate(job.Kind); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[job.ID]; exists {
		return fmt.Errorf("insert job: duplicate id %s", job.ID)
	}
	s.byID[job.ID] = job
	return nil
}

// GetByID returns a job by ID.
func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.byID[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

// NextClaimable returns the oldest ownerless job in the waiting status.
func (s *MemoryStore) NextClaimable(ctx context.Context, waiting Status) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []Job
	for _, job := range s.byID {
		if job.Status == waiting && job.WorkerID == nil {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return Job{}, ErrNoJobs
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0], nil
}

// Claim performs the conditional status+owner update atomically under the lock.
func (s *MemoryStore) Claim(ctx context.Context, id uuid.UUID, waiting, claimed Status, workerID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.byID[id]
	if !ok || job.Status != waiting || job.WorkerID != nil {
		return false, nil
	}
	now := time.Now().UTC()
	job.Status = claimed
	job.WorkerID = &workerID
	job.Attempts++
	job.StartedAt = &now
	job.ErrorMessage = nil
	s.byID[id] = job
	return true, nil
}

// Release rolls a held claim back to the waiting status.
func (s *MemoryStore) Release(ctx context.Context, id uuid.UUID, workerID string, waiting Status, errorMessage string) error {
	return s.ownedWrite(ctx, id, workerID, func(job *Job) {
		job.Status = waiting
		job.WorkerID = nil
		if errorMessage != "" {
			job.ErrorMessage = &errorMessage
		} else {
			job.ErrorMessage = nil
		}
	})
}

// MarkStageTwo hands a held stage-1 job off to OCR workers.
func (s *MemoryStore) MarkStageTwo(ctx context.Context, id uuid.UUID, workerID, sourcePath string) error {
	return s.ownedWrite(ctx, id, workerID, func(job *Job) {
		job.Status = StatusStageTwo
		job.WorkerID = nil
		job.SourcePath = &sourcePath
		job.ErrorMessage = nil
	})
}

// Complete writes the terminal DONE status with the OCR payloads.
func (s *MemoryStore) Complete(ctx context.Context, id uuid.UUID, workerID, rawText, correctedText string, result []byte) error {
	return s.ownedWrite(ctx, id, workerID, func(job *Job) {
		job.Status = StatusDone
		job.WorkerID = nil
		job.RawText = &rawText
		job.CorrectedText = &correctedText
		job.Result = result
		job.ErrorMessage = nil
	})
}

// Fail writes a terminal failure status.
func (s *MemoryStore) Fail(ctx context.Context, id uuid.UUID, workerID string, terminal Status, errorMessage string) error {
	if !terminal.IsTerminal() {
		return fmt.Errorf("fail job: %s is not a terminal status", terminal)
	}
	return s.ownedWrite(ctx, id, workerID, func(job *Job) {
		job.Status = terminal
		job.WorkerID = nil
		job.ErrorMessage = &errorMessage
	})
}

// ResetAbandoned releases every in-progress job whose owner is not in alive.
func (s *MemoryStore) ResetAbandoned(ctx context.Context, alive []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	aliveSet := make(map[string]struct{}, len(alive))
	for _, id := range alive {
		aliveSet[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reset := 0
	for id, job := range s.byID {
		if !job.Status.IsClaimed() || job.WorkerID == nil {
			continue
		}
		if _, ok := aliveSet[*job.WorkerID]; ok {
			continue
		}
		msg := "claim abandoned by stale worker"
		job.Status = ReleaseTargetFor(job.Status)
		job.WorkerID = nil
		job.ErrorMessage = &msg
		s.byID[id] = job
		reset++
	}
	return reset, nil
}

func (s *MemoryStore) ownedWrite(ctx context.Context, id uuid.UUID, workerID string, mutate func(*Job)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if job.WorkerID == nil || *job.WorkerID != workerID {
		return ErrNotOwner
	}
	mutate(&job)
	s.byID[id] = job
	return nil
}
