package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the document source a job pulls from. The set is closed;
// anything else is rejected before insertion.
type Kind string

const (
	// KindIndex is an index aux immeubles page set for one lot.
	KindIndex Kind = "index"
	// KindActe is a published act looked up by its registration number.
	KindActe Kind = "acte"
	// KindPlan is a cadastral plan sheet.
	KindPlan Kind = "plan"
)

// Lookup carries the kind-specific fields used to locate a document in the
// registry. Fields are validated together as a unit per kind.
type Lookup struct {
	DocumentNumber  string
	Circonscription string
	Cadastre        string
	Lot             string
	ActeType        string
}

// Validate checks the lookup against the requirements of the given kind.
func (l Lookup) Validate(kind Kind) error {
	if strings.TrimSpace(l.Circonscription) == "" {
		return fmt.Errorf("circonscription is required")
	}
	switch kind {
	case KindIndex:
		if strings.TrimSpace(l.Cadastre) == "" {
			return fmt.Errorf("cadastre is required for kind %s", kind)
		}
		if strings.TrimSpace(l.Lot) == "" {
			return fmt.Errorf("lot is required for kind %s", kind)
		}
	case KindActe:
		if strings.TrimSpace(l.DocumentNumber) == "" {
			return fmt.Errorf("document number is required for kind %s", kind)
		}
		if strings.TrimSpace(l.ActeType) == "" {
			return fmt.Errorf("acte type is required for kind %s", kind)
		}
	case KindPlan:
		if strings.TrimSpace(l.DocumentNumber) == "" {
			return fmt.Errorf("document number is required for kind %s", kind)
		}
	default:
		return fmt.Errorf("unknown job kind %q", kind)
	}
	return nil
}

// Job is one unit of work in the shared jobs table. The same shape exists
// in every environment's store; Env is assigned by whichever environment
// the row was claimed from and is never persisted.
type Job struct {
	ID            uuid.UUID
	Env           string
	Kind          Kind
	Lookup        Lookup
	Status        Status
	WorkerID      *string
	Attempts      int
	ErrorMessage  *string
	SourcePath    *string
	RawText       *string
	CorrectedText *string
	Result        []byte
	CreatedAt     time.Time
	StartedAt     *time.Time
}

// NewJob builds a validated waiting job.
func NewJob(kind Kind, lookup Lookup) (Job, error) {
	if err := lookup.Validate(kind); err != nil {
		return Job{}, fmt.Errorf("new job: %w", err)
	}
	return Job{
		ID:        uuid.New(),
		Kind:      kind,
		Lookup:    lookup,
		Status:    StatusWaiting,
		CreatedAt: time.Now().UTC(),
	}, nil
}
