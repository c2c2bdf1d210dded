package jobs

import (
	"context"
	"errors"
	"testing"
)

func TestQueueEnvironmentPriority(t *testing.T) {
	ctx := context.Background()
	prod := NewMemoryStore()
	staging := NewMemoryStore()

	prodJob := newWaitingJob(t)
	stagingJob := newWaitingJob(t)
	if err := prod.Insert(ctx, prodJob); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := staging.Insert(ctx, stagingJob); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	q, err := NewQueue("worker-1", WorkerKindExtractor, []EnvStore{
		{Env: "prod", Store: prod},
		{Env: "staging", Store: staging},
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}

	first, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if first.Job.Env != "prod" || first.Job.ID != prodJob.ID {
		t.Fatalf("first claim env = %s id = %s, want prod %s", first.Job.Env, first.Job.ID, prodJob.ID)
	}

	second, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if second.Job.Env != "staging" || second.Job.ID != stagingJob.ID {
		t.Fatalf("second claim env = %s, want staging", second.Job.Env)
	}

	if _, err := q.ClaimNext(ctx); !errors.Is(err, ErrNoJobs) {
		t.Fatalf("third claim err = %v, want ErrNoJobs", err)
	}
}

// racingStore loses the first claim to a simulated competitor, forcing the
// queue to discard the candidate and re-select.
type racingStore struct {
	*MemoryStore
	competitor string
	raced      bool
}

func (r *racingStore) NextClaimable(ctx context.Context, waiting Status) (Job, error) {
	job, err := r.MemoryStore.NextClaimable(ctx, waiting)
	if err != nil {
		return Job{}, err
	}
	if !r.raced {
		r.raced = true
		if won, cerr := r.MemoryStore.Claim(ctx, job.ID, waiting, StatusExtracting, r.competitor); cerr != nil || !won {
			return Job{}, errors.New("competitor claim failed")
		}
	}
	return job, nil
}

func TestQueueRetriesAfterLostRace(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	older := newWaitingJob(t)
	newer := newWaitingJob(t)
	newer.CreatedAt = older.CreatedAt.Add(1)
	if err := mem.Insert(ctx, older); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := mem.Insert(ctx, newer); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	store := &racingStore{MemoryStore: mem, competitor: "rival"}
	q, err := NewQueue("worker-1", WorkerKindExtractor, []EnvStore{{Env: "prod", Store: store}})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}

	claimed, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed.Job.ID != newer.ID {
		t.Fatalf("claimed %s, want the re-selected job %s", claimed.Job.ID, newer.ID)
	}
	if claimed.Job.WorkerID == nil || *claimed.Job.WorkerID != "worker-1" {
		t.Fatalf("worker id = %v", claimed.Job.WorkerID)
	}
}

func TestQueueRejectsUnknownKind(t *testing.T) {
	_, err := NewQueue("w", "mailer", []EnvStore{{Env: "dev", Store: NewMemoryStore()}})
	if err == nil {
		t.Fatal("NewQueue accepted unknown worker kind")
	}
	_, err = NewQueue("w", WorkerKindOCR, nil)
	if err == nil {
		t.Fatal("NewQueue accepted empty environment list")
	}
}

func TestQueueStageTwoClaim(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	job := newWaitingJob(t)
	if err := store.Insert(ctx, job); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if won, _ := store.Claim(ctx, job.ID, StatusWaiting, StatusExtracting, "extract-1"); !won {
		t.Fatal("stage-1 claim")
	}
	if err := store.MarkStageTwo(ctx, job.ID, "extract-1", "prod/doc.pdf"); err != nil {
		t.Fatalf("MarkStageTwo: %v", err)
	}

	q, err := NewQueue("ocr-1", WorkerKindOCR, []EnvStore{{Env: "prod", Store: store}})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	claimed, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed.Job.ID != job.ID {
		t.Fatalf("claimed %s, want %s", claimed.Job.ID, job.ID)
	}
	if claimed.Job.Status != StatusOCRProcessing {
		t.Fatalf("status = %s, want OCR_PROCESSING", claimed.Job.Status)
	}
	if claimed.Job.SourcePath == nil || *claimed.Job.SourcePath != "prod/doc.pdf" {
		t.Fatalf("source path = %v", claimed.Job.SourcePath)
	}
	if claimed.Job.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2 (one per stage claim)", claimed.Job.Attempts)
	}
}
