package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"registre-backend/internal/jobs"
	"registre-backend/internal/llm"
	"registre-backend/internal/ratebudget"
	"registre-backend/internal/shared/metrics"
	"registre-backend/internal/shared/storage/object"
	"registre-backend/internal/shared/telemetry"
)

// ErrNoSource means the job reached the OCR stage without a stored
// source artifact.
var ErrNoSource = errors.New("job has no source artifact")

// ErrIncompletePages means at least one page failed a provider stage and
// the pipeline is configured to require every page.
var ErrIncompletePages = errors.New("document has incomplete pages")

const transcribeInstruction = `Transcris intégralement cette page de l'index aux immeubles. ` +
	`Commence par les champs "Circonscription foncière:", "Cadastre:" et "Lot:". ` +
	`Reproduis ensuite chaque rangée du tableau sous la forme ` +
	`"Ligne N: Date de présentation: ... Numéro d'inscription: ... Nature de l'acte: ... ` +
	`Nom des parties: ... Qualité: ... Remarques: ... Radiations: ...". ` +
	`Écris [Vide] pour toute case vide. Termine ta réponse par [FIN].`

const boostInstruction = `Voici la transcription brute d'une page de l'index aux immeubles. ` +
	`Corrige-la en la comparant avec l'image: noms propres, numéros d'inscription, dates, ` +
	`natures d'acte. Conserve exactement le même format ligne par ligne, avec [Vide] pour ` +
	`les cases vides. Termine ta réponse par [FIN].`

// Pipeline runs the OCR stages for one claimed job: fetch the stored PDF,
// rasterize it, transcribe and boost each page through the AI provider,
// then sanitize the corrected text into a structured Document. Every
// provider call reserves rate budget first and commits actual usage after.
type Pipeline struct {
	Store  object.ObjectStore
	Raster *Rasterizer
	Client llm.Client

	Budget  ratebudget.Budget
	Backoff ratebudget.BackoffConfig

	// RequireAllPages makes a single failed page fail the whole job
	// instead of returning a partial document.
	RequireAllPages bool
}

// Result is what the completion write persists on the job row.
type Result struct {
	Document      Document
	RawText       string
	CorrectedText string
	ResultJSON    []byte
}

type pageOutcome struct {
	raw       string
	corrected string
	complete  bool
	failure   string
}

// Run executes the full pipeline for one job.
func (p *Pipeline) Run(ctx context.Context, job jobs.Job) (Result, error) {
	if job.SourcePath == nil || strings.TrimSpace(*job.SourcePath) == "" {
		return Result{}, ErrNoSource
	}

	pdfPath, cleanup, err := p.fetch(ctx, *job.SourcePath)
	if err != nil {
		return Result{}, fmt.Errorf("fetch source: %w", err)
	}
	defer cleanup()

	if declared, err := CountPages(pdfPath); err != nil {
		log.Printf("page count unavailable job=%s error=%v", job.ID, err)
	} else {
		telemetry.Info("pipeline.document", map[string]any{
			"job_id": job.ID.String(),
			"pages":  declared,
		})
	}

	images, err := p.Raster.Rasterize(ctx, pdfPath)
	if err != nil {
		return Result{}, fmt.Errorf("rasterize: %w", err)
	}

	outcomes := make([]pageOutcome, len(images))
	failed := 0
	for i, img := range images {
		outcome, err := p.processPage(ctx, img)
		if err != nil {
			// Budget exhaustion and cancellation abort the job; a
			// provider failure only degrades this page.
			if errors.Is(err, ratebudget.ErrBudgetExhausted) || ctx.Err() != nil {
				return Result{}, fmt.Errorf("page %d: %w", i+1, err)
			}
			outcome = pageOutcome{failure: err.Error()}
			failed++
			telemetry.Error("pipeline.page_failed", map[string]any{
				"job_id": job.ID.String(),
				"page":   i + 1,
				"error":  err.Error(),
			})
		}
		outcomes[i] = outcome
	}
	if failed == len(images) {
		return Result{}, fmt.Errorf("all %d pages failed", len(images))
	}

	rawParts := make([]string, len(outcomes))
	correctedParts := make([]string, len(outcomes))
	for i, o := range outcomes {
		rawParts[i] = o.raw
		correctedParts[i] = o.corrected
	}
	separator := "\n" + PageDelimiter + "\n"
	rawText := strings.Join(rawParts, separator)
	correctedText := strings.Join(correctedParts, separator)

	doc, err := Sanitize(correctedText)
	if err != nil {
		return Result{}, fmt.Errorf("sanitize: %w", err)
	}
	for i := range doc.Pages {
		if i >= len(outcomes) {
			break
		}
		doc.Pages[i].Complete = outcomes[i].complete
		if outcomes[i].failure != "" {
			doc.Pages[i].Diagnostics = append(doc.Pages[i].Diagnostics, outcomes[i].failure)
		}
	}
	if p.RequireAllPages && failed > 0 {
		return Result{}, fmt.Errorf("%d of %d pages failed: %w", failed, len(images), ErrIncompletePages)
	}

	resultJSON, err := json.Marshal(doc)
	if err != nil {
		return Result{}, fmt.Errorf("marshal document: %w", err)
	}
	return Result{
		Document:      doc,
		RawText:       rawText,
		CorrectedText: correctedText,
		ResultJSON:    resultJSON,
	}, nil
}

// fetch copies the stored artifact to a local temp file, since pdftoppm
// works on paths.
func (p *Pipeline) fetch(ctx context.Context, storageKey string) (string, func(), error) {
	src, err := p.Store.Open(ctx, storageKey)
	if err != nil {
		return "", nil, err
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "registre-src-*.pdf")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() {
		if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
			log.Printf("warning: failed to remove temp file %q: %v", tmp.Name(), err)
		}
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		cleanup()
		return "", nil, err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return tmp.Name(), cleanup, nil
}

func (p *Pipeline) processPage(ctx context.Context, img []byte) (pageOutcome, error) {
	raw, err := p.runStage(ctx, img, transcribeInstruction)
	if err != nil {
		return pageOutcome{}, fmt.Errorf("transcribe: %w", err)
	}
	corrected, err := p.runStage(ctx, img, boostInstruction+"\n\n"+raw)
	if err != nil {
		return pageOutcome{}, fmt.Errorf("boost: %w", err)
	}
	return pageOutcome{raw: raw, corrected: corrected, complete: true}, nil
}

// runStage makes one budgeted provider call and, when the response lacks
// the completion marker, exactly one budgeted continuation call. The
// continuation's text is appended to the partial output; if it is still
// unterminated the stage returns what it has.
func (p *Pipeline) runStage(ctx context.Context, img []byte, instruction string) (string, error) {
	text, err := p.call(ctx, llm.Request{
		Image:           img,
		Instruction:     instruction,
		EstimatedTokens: estimateTokens(img),
	})
	if err != nil {
		return "", err
	}
	if hasMarker(text) {
		return stripMarker(text), nil
	}

	metrics.IncContinuation()
	more, err := p.call(ctx, llm.Request{
		Image:           img,
		Instruction:     instruction,
		Continuation:    text,
		EstimatedTokens: estimateTokens(img),
	})
	if err != nil {
		if errors.Is(err, ratebudget.ErrBudgetExhausted) || ctx.Err() != nil {
			return "", err
		}
		// Keep the partial transcript rather than losing the page.
		return stripMarker(text), nil
	}
	return stripMarker(text) + "\n" + stripMarker(more), nil
}

func (p *Pipeline) call(ctx context.Context, req llm.Request) (string, error) {
	if _, err := ratebudget.WaitForReservation(ctx, p.Budget, req.EstimatedTokens, p.Backoff); err != nil {
		return "", err
	}

	metrics.IncProviderCall()
	resp, err := p.Client.Transcribe(ctx, req)
	if err != nil {
		metrics.IncProviderError()
		return "", err
	}
	if err := p.Budget.Commit(ctx, resp.Usage.TotalTokens); err != nil {
		log.Printf("budget commit failed tokens=%d error=%v", resp.Usage.TotalTokens, err)
	}
	return resp.Text, nil
}

// estimateTokens sizes the reservation for one vision call: a fixed
// prompt-plus-output floor and a per-kilobyte image term.
func estimateTokens(img []byte) int {
	return 1500 + len(img)/1024
}

func hasMarker(text string) bool {
	return strings.Contains(text, CompletionMarker)
}

func stripMarker(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, CompletionMarker, ""))
}
