package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PGStore implements Store using Postgres.
type PGStore struct {
	DB *sql.DB
}

const jobColumns = `
id, kind, document_number, circonscription, cadastre, lot, acte_type,
status, worker_id, attempts, error_message, source_path, raw_text,
corrected_text, result, created_at, started_at`

// Insert stores a new waiting job.
func (s *PGStore) Insert(ctx context.Context, job Job) error {
	if err := job.Lookup.Validate(job.Kind); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	const query = `
INSERT INTO jobs (
	id, kind, document_number, circonscription, cadastre, lot, acte_type,
	status, attempts, created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.DB.ExecContext(ctx, query,
		job.ID,
		string(job.Kind),
		nullIfEmpty(job.Lookup.DocumentNumber),
		job.Lookup.Circonscription,
		nullIfEmpty(job.Lookup.Cadastre),
		nullIfEmpty(job.Lookup.Lot),
		nullIfEmpty(job.Lookup.ActeType),
		string(job.Status),
		job.Attempts,
		job.CreatedAt,
	)
	return err
}

// GetByID returns a job by ID.
func (s *PGStore) GetByID(ctx context.Context, id uuid.UUID) (Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 LIMIT 1`
	row := s.DB.QueryRowContext(ctx, query, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return job, err
}

// NextClaimable returns the oldest ownerless row in the waiting status.
func (s *PGStore) NextClaimable(ctx context.Context, waiting Status) (Job, error) {
	query := `SELECT ` + jobColumns + `
FROM jobs
WHERE status = $1 AND worker_id IS NULL
ORDER BY created_at ASC
LIMIT 1`
	row := s.DB.QueryRowContext(ctx, query, string(waiting))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNoJobs
	}
	return job, err
}

// Claim performs the conditional update that establishes exclusive
// ownership. Zero affected rows means another worker won the race.
func (s *PGStore) Claim(ctx context.Context, id uuid.UUID, waiting, claimed Status, workerID string) (bool, error) {
	const query = `
UPDATE jobs
SET status = $1, worker_id = $2, attempts = attempts + 1, started_at = now(), error_message = NULL
WHERE id = $3 AND status = $4 AND worker_id IS NULL`
	res, err := s.DB.ExecContext(ctx, query, string(claimed), workerID, id, string(waiting))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Release rolls a held claim back to the waiting status with the worker cleared.
func (s *PGStore) Release(ctx context.Context, id uuid.UUID, workerID string, waiting Status, errorMessage string) error {
	const query = `
UPDATE jobs
SET status = $1, worker_id = NULL, error_message = NULLIF($2, '')
WHERE id = $3 AND worker_id = $4`
	return s.ownedWrite(ctx, query, string(waiting), errorMessage, id, workerID)
}

// MarkStageTwo hands a held stage-1 job off to OCR workers.
func (s *PGStore) MarkStageTwo(ctx context.Context, id uuid.UUID, workerID, sourcePath string) error {
	const query = `
UPDATE jobs
SET status = $1, worker_id = NULL, source_path = $2, error_message = NULL
WHERE id = $3 AND worker_id = $4`
	return s.ownedWrite(ctx, query, string(StatusStageTwo), sourcePath, id, workerID)
}

// Complete writes the terminal DONE status with the OCR payloads.
func (s *PGStore) Complete(ctx context.Context, id uuid.UUID, workerID, rawText, correctedText string, result []byte) error {
	const query = `
UPDATE jobs
SET status = $1, worker_id = NULL, raw_text = $2, corrected_text = $3, result = $4, error_message = NULL
WHERE id = $5 AND worker_id = $6`
	return s.ownedWrite(ctx, query, string(StatusDone), rawText, correctedText, result, id, workerID)
}

// Fail writes a terminal failure status with a human-readable message.
func (s *PGStore) Fail(ctx context.Context, id uuid.UUID, workerID string, terminal Status, errorMessage string) error {
	if !terminal.IsTerminal() {
		return fmt.Errorf("fail job: %s is not a terminal status", terminal)
	}
	const query = `
UPDATE jobs
SET status = $1, worker_id = NULL, error_message = $2
WHERE id = $3 AND worker_id = $4`
	return s.ownedWrite(ctx, query, string(terminal), errorMessage, id, workerID)
}

// ResetAbandoned releases every in-progress row whose owner is not in alive.
// EXTRACTING rows return to WAITING, OCR_PROCESSING rows to READY_FOR_STAGE_2.
func (s *PGStore) ResetAbandoned(ctx context.Context, alive []string) (int, error) {
	if alive == nil {
		alive = []string{}
	}
	const query = `
UPDATE jobs
SET status = CASE WHEN status = $1 THEN $2 ELSE $3 END,
    worker_id = NULL,
    error_message = 'claim abandoned by stale worker'
WHERE status IN ($1, $4) AND worker_id IS NOT NULL AND worker_id <> ALL($5)`
	res, err := s.DB.ExecContext(ctx, query,
		string(StatusExtracting),
		string(StatusWaiting),
		string(StatusStageTwo),
		string(StatusOCRProcessing),
		alive,
	)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *PGStore) ownedWrite(ctx context.Context, query string, args ...any) error {
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotOwner
	}
	return nil
}

func scanJob(row *sql.Row) (Job, error) {
	var (
		job            Job
		kind           string
		status         string
		documentNumber sql.NullString
		cadastre       sql.NullString
		lot            sql.NullString
		acteType       sql.NullString
		workerID       sql.NullString
		errorMessage   sql.NullString
		sourcePath     sql.NullString
		rawText        sql.NullString
		correctedText  sql.NullString
		result         []byte
		startedAt      sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&kind,
		&documentNumber,
		&job.Lookup.Circonscription,
		&cadastre,
		&lot,
		&acteType,
		&status,
		&workerID,
		&job.Attempts,
		&errorMessage,
		&sourcePath,
		&rawText,
		&correctedText,
		&result,
		&job.CreatedAt,
		&startedAt,
	)
	if err != nil {
		return Job{}, err
	}
	job.Kind = Kind(kind)
	job.Status = Status(status)
	job.Lookup.DocumentNumber = documentNumber.String
	job.Lookup.Cadastre = cadastre.String
	job.Lookup.Lot = lot.String
	job.Lookup.ActeType = acteType.String
	job.Result = result
	if workerID.Valid {
		job.WorkerID = &workerID.String
	}
	if errorMessage.Valid {
		job.ErrorMessage = &errorMessage.String
	}
	if sourcePath.Valid {
		job.SourcePath = &sourcePath.String
	}
	if rawText.Valid {
		job.RawText = &rawText.String
	}
	if correctedText.Valid {
		job.CorrectedText = &correctedText.String
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	return job, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
