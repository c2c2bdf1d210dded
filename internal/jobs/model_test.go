package jobs

import "testing"

func TestLookupValidate(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		lookup  Lookup
		wantErr bool
	}{
		{
			name:   "index with cadastre and lot",
			kind:   KindIndex,
			lookup: Lookup{Circonscription: "Montréal", Cadastre: "Cadastre du Québec", Lot: "1234567"},
		},
		{
			name:    "index missing lot",
			kind:    KindIndex,
			lookup:  Lookup{Circonscription: "Montréal", Cadastre: "Cadastre du Québec"},
			wantErr: true,
		},
		{
			name:    "index missing cadastre",
			kind:    KindIndex,
			lookup:  Lookup{Circonscription: "Montréal", Lot: "1234567"},
			wantErr: true,
		},
		{
			name:   "acte with number and type",
			kind:   KindActe,
			lookup: Lookup{Circonscription: "Québec", DocumentNumber: "12 345 678", ActeType: "hypothèque"},
		},
		{
			name:    "acte missing sub-classifier",
			kind:    KindActe,
			lookup:  Lookup{Circonscription: "Québec", DocumentNumber: "12 345 678"},
			wantErr: true,
		},
		{
			name:   "plan with number",
			kind:   KindPlan,
			lookup: Lookup{Circonscription: "Laval", DocumentNumber: "P-100"},
		},
		{
			name:    "missing circonscription",
			kind:    KindPlan,
			lookup:  Lookup{DocumentNumber: "P-100"},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			kind:    Kind("testament"),
			lookup:  Lookup{Circonscription: "Québec"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.lookup.Validate(tt.kind)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewJobRejectsInvalidLookup(t *testing.T) {
	if _, err := NewJob(KindActe, Lookup{Circonscription: "Québec"}); err == nil {
		t.Fatal("NewJob accepted an acte without document number and type")
	}

	job, err := NewJob(KindIndex, Lookup{Circonscription: "Montréal", Cadastre: "Cadastre du Québec", Lot: "42"})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if job.Status != StatusWaiting {
		t.Fatalf("new job status = %s, want %s", job.Status, StatusWaiting)
	}
	if job.Attempts != 0 {
		t.Fatalf("new job attempts = %d, want 0", job.Attempts)
	}
}

func TestStatusHelpers(t *testing.T) {
	if got, _ := WaitingStatusFor(WorkerKindExtractor); got != StatusWaiting {
		t.Fatalf("WaitingStatusFor(extractor) = %s", got)
	}
	if got, _ := WaitingStatusFor(WorkerKindOCR); got != StatusStageTwo {
		t.Fatalf("WaitingStatusFor(ocr) = %s", got)
	}
	if _, err := WaitingStatusFor("mailer"); err == nil {
		t.Fatal("WaitingStatusFor accepted unknown kind")
	}
	if got := ReleaseTargetFor(StatusOCRProcessing); got != StatusStageTwo {
		t.Fatalf("ReleaseTargetFor(OCR_PROCESSING) = %s", got)
	}
	if got := ReleaseTargetFor(StatusExtracting); got != StatusWaiting {
		t.Fatalf("ReleaseTargetFor(EXTRACTING) = %s", got)
	}
	if !StatusDone.IsTerminal() || StatusExtracting.IsTerminal() {
		t.Fatal("IsTerminal misclassifies statuses")
	}
}
