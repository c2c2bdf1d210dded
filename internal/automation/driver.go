// Package automation declares the contract with the page-automation
// layer that drives the registry web site. The driver itself (browser
// control, form filling, download capture) lives outside this module;
// extractor workers only need a document back, or a structured failure.
package automation

import (
	"context"
	"errors"
	"fmt"
	"io"

	"registre-backend/internal/jobs"
)

// Artifact is one downloaded registry document.
type Artifact struct {
	FileName string
	MimeType string
	Content  io.ReadCloser
}

// DriveError is a structured failure from the automation layer.
// Retryable failures (session expired, site slow) send the job back to
// waiting; the rest are fatal (document does not exist, lookup refused).
type DriveError struct {
	Stage     string
	Message   string
	Retryable bool
}

func (e *DriveError) Error() string {
	return fmt.Sprintf("automation %s: %s", e.Stage, e.Message)
}

// IsRetryable reports whether err is a DriveError marked retryable.
// Unknown error types are treated as retryable; only an explicit
// non-retryable DriveError is final.
func IsRetryable(err error) bool {
	var de *DriveError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return true
}

// PageDriver fetches one document from the registry site for a validated
// lookup. Implementations own their session handling and must honor ctx.
type PageDriver interface {
	FetchDocument(ctx context.Context, kind jobs.Kind, lookup jobs.Lookup) (Artifact, error)
}
