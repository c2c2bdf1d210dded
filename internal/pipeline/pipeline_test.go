package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"registre-backend/internal/jobs"
	"registre-backend/internal/llm"
	"registre-backend/internal/ratebudget"
)

type memObjectStore map[string][]byte

func (m memObjectStore) Save(ctx context.Context, env, fileName string, r io.Reader) (string, int64, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, "", err
	}
	key := env + "/" + fileName
	m[key] = data
	return key, int64(len(data)), "application/pdf", nil
}

func (m memObjectStore) Open(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	data, ok := m[storageKey]
	if !ok {
		return nil, fmt.Errorf("no object %q", storageKey)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// fakeRunner pretends to be pdftoppm: it drops one PNG per page under the
// output prefix it is handed.
type fakeRunner struct{ pages int }

func (f fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	prefix := args[len(args)-1]
	for i := 1; i <= f.pages; i++ {
		if err := os.WriteFile(fmt.Sprintf("%s-%d.png", prefix, i), []byte(fmt.Sprintf("png-page-%d", i)), 0o644); err != nil {
			return nil, nil, err
		}
	}
	return nil, nil, nil
}

type step struct {
	text string
	err  error
}

// scriptedClient replays a fixed sequence of provider responses and
// records every request it sees.
type scriptedClient struct {
	steps []step
	calls []llm.Request
}

func (c *scriptedClient) Transcribe(ctx context.Context, req llm.Request) (llm.Response, error) {
	c.calls = append(c.calls, req)
	if len(c.steps) == 0 {
		return llm.Response{}, fmt.Errorf("unexpected provider call %d", len(c.calls))
	}
	s := c.steps[0]
	c.steps = c.steps[1:]
	if s.err != nil {
		return llm.Response{}, s.err
	}
	return llm.Response{Text: s.text, Usage: llm.Usage{TotalTokens: 100}}, nil
}

func (c *scriptedClient) continuations() int {
	n := 0
	for _, call := range c.calls {
		if call.Continuation != "" {
			n++
		}
	}
	return n
}

func pageText(lot string) string {
	return "Circonscription foncière: Montréal\nCadastre: Cité de Montréal\nLot: " + lot + "\n" +
		"Ligne 1: Date de présentation: 1998-03-02 Numéro d'inscription: 5042113 " +
		"Nature de l'acte: Vente Nom des parties: THIBODEAU, GUY Qualité: 1ere partie " +
		"Remarques: [Vide] Radiations: [Vide]\n" + CompletionMarker
}

func newTestPipeline(t *testing.T, pages int, client llm.Client, budget ratebudget.Budget) (*Pipeline, jobs.Job) {
	t.Helper()
	store := memObjectStore{}
	key, _, _, err := store.Save(context.Background(), "dev", "doc.pdf", strings.NewReader("not really a pdf"))
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}

	job, err := jobs.NewJob(jobs.KindIndex, jobs.Lookup{
		Circonscription: "Montréal",
		Cadastre:        "Cité de Montréal",
		Lot:             "1234-5",
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	job.SourcePath = &key

	if budget == nil {
		budget = ratebudget.NewMemoryBudget(ratebudget.Limits{SafeRPM: 1000, SafeTPM: 1_000_000})
	}
	return &Pipeline{
		Store:   store,
		Raster:  &Rasterizer{Runner: fakeRunner{pages: pages}, PdftoppmPath: "pdftoppm", DPI: 150},
		Client:  client,
		Budget:  budget,
		Backoff: ratebudget.BackoffConfig{MaxAttempts: 1, Delay: time.Millisecond},
	}, job
}

func TestRunHappyPath(t *testing.T) {
	client := &scriptedClient{steps: []step{
		{text: pageText("100-1")}, // page 1 transcribe
		{text: pageText("100-1")}, // page 1 boost
		{text: pageText("200-2")}, // page 2 transcribe
		{text: pageText("200-2")}, // page 2 boost
	}}
	budget := ratebudget.NewMemoryBudget(ratebudget.Limits{SafeRPM: 1000, SafeTPM: 1_000_000})
	p, job := newTestPipeline(t, 2, client, budget)

	res, err := p.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Document.Pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(res.Document.Pages))
	}
	for i, page := range res.Document.Pages {
		if !page.Complete {
			t.Errorf("page %d not complete", i+1)
		}
	}
	if !strings.Contains(res.CorrectedText, PageDelimiter) {
		t.Errorf("corrected text missing page delimiter")
	}
	if strings.Contains(res.CorrectedText, CompletionMarker) {
		t.Errorf("completion marker leaked into corrected text")
	}
	if len(res.ResultJSON) == 0 {
		t.Errorf("result json empty")
	}

	// Two stages for each of two pages, actual usage committed per call.
	snap, err := budget.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Requests != 4 {
		t.Errorf("committed requests = %d, want 4", snap.Requests)
	}
	if snap.Tokens != 400 {
		t.Errorf("committed tokens = %d, want 400", snap.Tokens)
	}
}

func TestContinuationBoundedToOne(t *testing.T) {
	// No response ever carries the completion marker: each stage must
	// issue exactly one continuation and then settle for what it has.
	unterminated := "Circonscription foncière: Montréal\nLigne 1: Nature de l'acte: Vente Nom des parties: ROY, LUC Qualité: 1ere partie"
	client := &scriptedClient{steps: []step{
		{text: unterminated}, // transcribe
		{text: unterminated}, // transcribe continuation, still unterminated
		{text: unterminated}, // boost
		{text: unterminated}, // boost continuation, still unterminated
	}}
	p, job := newTestPipeline(t, 1, client, nil)

	res, err := p.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(client.calls) != 4 {
		t.Fatalf("provider calls = %d, want 4 (two stages, one continuation each)", len(client.calls))
	}
	if got := client.continuations(); got != 2 {
		t.Fatalf("continuation calls = %d, want 2", got)
	}
	// The continuation output is appended to the partial transcript.
	if got := strings.Count(res.RawText, "Ligne 1:"); got != 2 {
		t.Errorf("raw text joined %d parts, want 2", got)
	}
}

func TestPageFailureDoesNotAbortDocument(t *testing.T) {
	client := &scriptedClient{steps: []step{
		{err: fmt.Errorf("provider http status 503")}, // page 1 transcribe
		{text: pageText("200-2")},                     // page 2 transcribe
		{text: pageText("200-2")},                     // page 2 boost
	}}
	p, job := newTestPipeline(t, 2, client, nil)

	res, err := p.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Document.Pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(res.Document.Pages))
	}
	if res.Document.Pages[0].Complete {
		t.Errorf("failed page marked complete")
	}
	if len(res.Document.Pages[0].Diagnostics) == 0 {
		t.Errorf("failed page has no diagnostics")
	}
	if !res.Document.Pages[1].Complete {
		t.Errorf("surviving page not complete")
	}
	if res.Document.CompletePages() != 1 {
		t.Errorf("complete pages = %d, want 1", res.Document.CompletePages())
	}
}

func TestRequireAllPagesFailsPartialDocument(t *testing.T) {
	client := &scriptedClient{steps: []step{
		{err: fmt.Errorf("provider http status 503")},
		{text: pageText("200-2")},
		{text: pageText("200-2")},
	}}
	p, job := newTestPipeline(t, 2, client, nil)
	p.RequireAllPages = true

	_, err := p.Run(context.Background(), job)
	if !errors.Is(err, ErrIncompletePages) {
		t.Fatalf("err = %v, want ErrIncompletePages", err)
	}
}

func TestAllPagesFailedIsJobFailure(t *testing.T) {
	client := &scriptedClient{steps: []step{
		{err: fmt.Errorf("provider http status 503")},
		{err: fmt.Errorf("provider http status 503")},
	}}
	p, job := newTestPipeline(t, 2, client, nil)

	if _, err := p.Run(context.Background(), job); err == nil {
		t.Fatal("Run succeeded with every page failed")
	}
}

func TestBudgetExhaustionAbortsJob(t *testing.T) {
	client := &scriptedClient{steps: []step{{text: pageText("100-1")}}}
	budget := ratebudget.NewMemoryBudget(ratebudget.Limits{SafeRPM: 0, SafeTPM: 0})
	p, job := newTestPipeline(t, 2, client, budget)

	_, err := p.Run(context.Background(), job)
	if !errors.Is(err, ratebudget.ErrBudgetExhausted) {
		t.Fatalf("err = %v, want ErrBudgetExhausted", err)
	}
	if len(client.calls) != 0 {
		t.Errorf("provider called %d times with no budget", len(client.calls))
	}
}

func TestRunWithoutSource(t *testing.T) {
	client := &scriptedClient{}
	p, job := newTestPipeline(t, 1, client, nil)
	job.SourcePath = nil

	if _, err := p.Run(context.Background(), job); !errors.Is(err, ErrNoSource) {
		t.Fatalf("err = %v, want ErrNoSource", err)
	}
}
