package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"registre-backend/internal/automation"
	"registre-backend/internal/jobs"
)

type fakeDriver struct {
	artifact automation.Artifact
	err      error
}

func (d fakeDriver) FetchDocument(ctx context.Context, kind jobs.Kind, lookup jobs.Lookup) (automation.Artifact, error) {
	return d.artifact, d.err
}

type fakeObjects map[string][]byte

func (o fakeObjects) Save(ctx context.Context, env, fileName string, r io.Reader) (string, int64, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, "", err
	}
	key := env + "/" + fileName
	o[key] = data
	return key, int64(len(data)), "application/pdf", nil
}

func (o fakeObjects) Open(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	data, ok := o[storageKey]
	if !ok {
		return nil, fmt.Errorf("no object %q", storageKey)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func TestExtractProcessorHandsOffToStageTwo(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()
	job := insertWaiting(t, store)
	if won, err := store.Claim(ctx, job.ID, jobs.StatusWaiting, jobs.StatusExtracting, "w1"); err != nil || !won {
		t.Fatalf("claim: won=%v err=%v", won, err)
	}
	claimed, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	claimed.Env = "prod"

	objects := fakeObjects{}
	proc := ExtractProcessor{
		WorkerID: "w1",
		Driver: fakeDriver{artifact: automation.Artifact{
			FileName: "index_1234-5.pdf",
			MimeType: "application/pdf",
			Content:  io.NopCloser(strings.NewReader("pdf-bytes")),
		}},
		Objects: objects,
	}
	if err := proc.Process(ctx, jobs.Claimed{Job: claimed, Store: store}); err != nil {
		t.Fatalf("process: %v", err)
	}

	final, _ := store.GetByID(ctx, job.ID)
	if final.Status != jobs.StatusStageTwo {
		t.Errorf("status = %s, want READY_FOR_STAGE_2", final.Status)
	}
	if final.WorkerID != nil {
		t.Errorf("worker id not cleared on handoff")
	}
	if final.SourcePath == nil {
		t.Fatal("source path not recorded")
	}
	if _, ok := objects[*final.SourcePath]; !ok {
		t.Errorf("source path %q does not point at a stored object", *final.SourcePath)
	}
	if !strings.HasPrefix(*final.SourcePath, "prod/") {
		t.Errorf("artifact not namespaced by environment: %q", *final.SourcePath)
	}
}

func TestExtractProcessorPropagatesDriveError(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()
	job := insertWaiting(t, store)
	if won, err := store.Claim(ctx, job.ID, jobs.StatusWaiting, jobs.StatusExtracting, "w1"); err != nil || !won {
		t.Fatalf("claim: won=%v err=%v", won, err)
	}
	claimed, _ := store.GetByID(ctx, job.ID)

	proc := ExtractProcessor{
		WorkerID: "w1",
		Driver:   fakeDriver{err: &automation.DriveError{Stage: "lookup", Message: "introuvable", Retryable: false}},
		Objects:  fakeObjects{},
	}
	err := proc.Process(ctx, jobs.Claimed{Job: claimed, Store: store})
	if err == nil {
		t.Fatal("process succeeded despite drive error")
	}
	if !IsFatal(err) {
		t.Errorf("non-retryable drive error not classified fatal through wrapping: %v", err)
	}
}

func TestNewProcessorSelection(t *testing.T) {
	if _, err := NewProcessor("browser", "w1", nil, nil, nil); err == nil {
		t.Error("unknown kind accepted")
	}
	if _, err := NewProcessor(jobs.WorkerKindExtractor, "w1", nil, fakeObjects{}, nil); err == nil {
		t.Error("extractor without driver accepted")
	}
	if _, err := NewProcessor(jobs.WorkerKindOCR, "w1", nil, nil, nil); err == nil {
		t.Error("ocr without pipeline accepted")
	}
	if _, err := NewProcessor(jobs.WorkerKindExtractor, "w1", fakeDriver{}, fakeObjects{}, nil); err != nil {
		t.Errorf("extractor construction failed: %v", err)
	}
}
