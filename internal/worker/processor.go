package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"registre-backend/internal/automation"
	"registre-backend/internal/jobs"
	"registre-backend/internal/pipeline"
	"registre-backend/internal/shared/storage/object"
	"registre-backend/internal/shared/telemetry"
)

// ExtractProcessor runs stage 1: drive the registry site for the job's
// lookup, store the downloaded document, and hand the job off to OCR
// workers.
type ExtractProcessor struct {
	WorkerID string
	Driver   automation.PageDriver
	Objects  object.ObjectStore
}

func (p ExtractProcessor) Process(ctx context.Context, claimed jobs.Claimed) error {
	job := claimed.Job

	artifact, err := p.Driver.FetchDocument(ctx, job.Kind, job.Lookup)
	if err != nil {
		return fmt.Errorf("fetch document: %w", err)
	}
	defer artifact.Content.Close()

	fileName := strings.TrimSpace(artifact.FileName)
	if fileName == "" {
		fileName = job.ID.String() + ".pdf"
	}
	clean, err := object.SanitizeFileName(fileName)
	if err != nil {
		return fmt.Errorf("artifact file name: %w", err)
	}

	key, size, mime, err := p.Objects.Save(ctx, job.Env, job.ID.String()+"_"+clean, artifact.Content)
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	telemetry.Info("extract.stored", map[string]any{
		"job_id":      job.ID.String(),
		"env":         job.Env,
		"storage_key": key,
		"size_bytes":  size,
		"mime_type":   mime,
	})

	if err := claimed.Store.MarkStageTwo(ctx, job.ID, p.WorkerID, key); err != nil {
		return fmt.Errorf("mark stage two: %w", err)
	}
	return nil
}

// OCRProcessor runs stage 2: the full OCR pipeline, then the completion
// write with the raw, corrected and structured payloads.
type OCRProcessor struct {
	WorkerID string
	Pipeline *pipeline.Pipeline
}

func (p OCRProcessor) Process(ctx context.Context, claimed jobs.Claimed) error {
	res, err := p.Pipeline.Run(ctx, claimed.Job)
	if err != nil {
		return err
	}
	if err := claimed.Store.Complete(ctx, claimed.Job.ID, p.WorkerID, res.RawText, res.CorrectedText, res.ResultJSON); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// NewProcessor selects the processor for a worker kind.
func NewProcessor(kind, workerID string, driver automation.PageDriver, objects object.ObjectStore, pl *pipeline.Pipeline) (Processor, error) {
	switch kind {
	case jobs.WorkerKindExtractor:
		if driver == nil {
			return nil, fmt.Errorf("extractor worker requires a page-automation driver and none was configured")
		}
		return ExtractProcessor{WorkerID: workerID, Driver: driver, Objects: objects}, nil
	case jobs.WorkerKindOCR:
		if pl == nil {
			return nil, fmt.Errorf("ocr worker requires a pipeline")
		}
		return OCRProcessor{WorkerID: workerID, Pipeline: pl}, nil
	default:
		return nil, fmt.Errorf("unknown worker kind %q", kind)
	}
}

// IsFatal classifies a processing failure. Only explicitly non-retryable
// automation failures and unusable pipeline input end a job; everything
// else goes back to waiting for another attempt.
func IsFatal(err error) bool {
	if errors.Is(err, pipeline.ErrUnparseable) || errors.Is(err, pipeline.ErrNoSource) {
		return true
	}
	var de *automation.DriveError
	if errors.As(err, &de) {
		return !de.Retryable
	}
	return false
}
