package jobs

import "fmt"

// Status is the canonical status for rows in the jobs table.
// Stable values (store these exact strings in DB).
type Status string

const (
	StatusWaiting       Status = "WAITING"           // claimable by an extractor worker
	StatusExtracting    Status = "EXTRACTING"        // claimed, stage 1 in progress
	StatusStageTwo      Status = "READY_FOR_STAGE_2" // stage 1 done, claimable by an OCR worker
	StatusOCRProcessing Status = "OCR_PROCESSING"    // claimed, stage 2 in progress
	StatusDone          Status = "DONE"              // terminal success
	StatusFailedRetry   Status = "FAILED_RETRYABLE"  // terminal, operator may requeue
	StatusFailedFatal   Status = "FAILED_FATAL"      // terminal, not retried automatically
)

// Worker kinds. Each kind claims a different waiting status, which is how a
// job moves between stages without losing its identity.
const (
	WorkerKindExtractor = "extractor"
	WorkerKindOCR       = "ocr"
)

// WaitingStatusFor returns the status a worker of the given kind claims from.
func WaitingStatusFor(workerKind string) (Status, error) {
	switch workerKind {
	case WorkerKindExtractor:
		return StatusWaiting, nil
	case WorkerKindOCR:
		return StatusStageTwo, nil
	default:
		return "", fmt.Errorf("unknown worker kind %q", workerKind)
	}
}

// ClaimedStatusFor returns the in-progress status a worker of the given
// kind moves a claimed job into.
func ClaimedStatusFor(workerKind string) (Status, error) {
	switch workerKind {
	case WorkerKindExtractor:
		return StatusExtracting, nil
	case WorkerKindOCR:
		return StatusOCRProcessing, nil
	default:
		return "", fmt.Errorf("unknown worker kind %q", workerKind)
	}
}

// ReleaseTargetFor returns the waiting status an abandoned or failed claim
// rolls back to, derived from its in-progress status.
func ReleaseTargetFor(claimed Status) Status {
	if claimed == StatusOCRProcessing {
		return StatusStageTwo
	}
	return StatusWaiting
}

// IsTerminal reports whether a status ends the job's lifecycle.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailedRetry, StatusFailedFatal:
		return true
	}
	return false
}

// IsClaimed reports whether a status means some worker holds the job.
func (s Status) IsClaimed() bool {
	return s == StatusExtracting || s == StatusOCRProcessing
}
