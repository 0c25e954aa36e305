package core

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestPipeline_AllRowsValid(t *testing.T) {
	ctx := context.Background()
	reg, p, store, events := newTestPipeline(t, 3)
	id := createJob(t, reg, ImportProducts, DefaultImportOptions())

	snap, err := p.Run(ctx, id, &sliceSource{rows: productRows(10)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if snap.Status != StatusCompleted || snap.Outcome != OutcomeSuccess {
		t.Errorf("status = %s, outcome = %s, want completed success", snap.Status, snap.Outcome)
	}
	if snap.Total != 10 || snap.Success != 10 || snap.Errors != 0 {
		t.Errorf("counters = %+v, want 10 successes of 10", snap.Counters)
	}
	if snap.ProgressPercent != 100 {
		t.Errorf("progress = %d, want 100", snap.ProgressPercent)
	}
	if got := store.count("tenant-a", ImportProducts); got != 10 {
		t.Errorf("persisted %d products, want 10", got)
	}

	// created, begin, 4 batches (3+3+3+1), completed
	evs := events.forJob(id)
	if len(evs) != 7 {
		t.Errorf("got %d events, want 7", len(evs))
	}
	assertCounterInvariants(t, evs)
}

func TestPipeline_RequiredFieldFailures(t *testing.T) {
	ctx := context.Background()
	reg, p, _, _ := newTestPipeline(t, 4)
	id := createJob(t, reg, ImportProducts, DefaultImportOptions())

	rows := productRows(10)
	rows[2][1] = "" // line 3
	rows[6][1] = "" // line 7

	snap, err := p.Run(ctx, id, &sliceSource{rows: rows})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if snap.Status != StatusCompleted || snap.Outcome != OutcomePartialSuccess {
		t.Errorf("status = %s, outcome = %s, want completed partial_success", snap.Status, snap.Outcome)
	}
	if snap.Success != 8 || snap.Errors != 2 {
		t.Errorf("success = %d, errors = %d, want 8 and 2", snap.Success, snap.Errors)
	}

	job, _ := reg.Job(ctx, id)
	if len(job.RowErrors) != 2 {
		t.Fatalf("got %d row errors, want 2", len(job.RowErrors))
	}
	for i, wantRow := range []int{3, 7} {
		re := job.RowErrors[i]
		if re.Row != wantRow || re.Column != "name" || re.Rule != RuleRequired || re.Kind != KindValidation {
			t.Errorf("row error %d = %+v, want required failure on row %d", i, re, wantRow)
		}
		if re.AutoFixApplied || re.SuggestedValue != "" {
			t.Errorf("required failure on row %d carries a fix: %+v", wantRow, re)
		}
	}
}

func TestPipeline_AllRecordsAlreadyExist(t *testing.T) {
	ctx := context.Background()
	reg, p, store, _ := newTestPipeline(t, 2)
	store.seed("tenant-a", ImportProducts, "SKU-001", "SKU-002", "SKU-003", "SKU-004", "SKU-005")
	id := createJob(t, reg, ImportProducts, DefaultImportOptions())

	snap, err := p.Run(ctx, id, &sliceSource{rows: productRows(5)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if snap.Status != StatusError || snap.Outcome != OutcomeFailure {
		t.Errorf("status = %s, outcome = %s, want error failure", snap.Status, snap.Outcome)
	}
	if snap.Errors != 5 || snap.Total != 5 {
		t.Errorf("errors = %d, total = %d, want 5 and 5", snap.Errors, snap.Total)
	}
	if !strings.Contains(snap.Reason, "already exist") {
		t.Errorf("reason = %q, want it to mention existing records", snap.Reason)
	}
}

func TestPipeline_DecimalCommaIsCorrected(t *testing.T) {
	ctx := context.Background()
	reg, p, store, _ := newTestPipeline(t, 10)
	id := createJob(t, reg, ImportProducts, DefaultImportOptions())

	rows := productRows(3)
	rows[1][2] = "12,50" // line 2

	snap, err := p.Run(ctx, id, &sliceSource{rows: rows})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if snap.Success != 3 || snap.Errors != 0 {
		t.Errorf("success = %d, errors = %d, want 3 and 0", snap.Success, snap.Errors)
	}

	job, _ := reg.Job(ctx, id)
	if len(job.Corrections) != 1 {
		t.Fatalf("got %d corrections, want 1", len(job.Corrections))
	}
	fix := job.Corrections[0]
	if fix.Row != 2 || fix.Column != "unit_price" || !fix.AutoFixApplied {
		t.Errorf("correction = %+v", fix)
	}
	if fix.AutoFixConfidence == nil || *fix.AutoFixConfidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", fix.AutoFixConfidence)
	}

	store.mu.Lock()
	rec := store.records["tenant-a"][Reference{Type: ImportProducts, Key: "SKU-001"}]
	store.mu.Unlock()
	if rec.Fields["unit_price"] != 12.5 {
		t.Errorf("persisted unit_price = %v, want 12.5", rec.Fields["unit_price"])
	}
}

func TestPipeline_CancelAtBatchBoundary(t *testing.T) {
	ctx := context.Background()
	reg, p, _, events := newTestPipeline(t, 2)
	id := createJob(t, reg, ImportProducts, DefaultImportOptions())

	// 10 batches of 2 rows. Cancel while the fifth batch is being read:
	// its first row is on line 10 (header + 4*2 rows + 1).
	src := &sliceSource{rows: productRows(20)}
	src.beforeRow = func(line int) {
		if line == 10 {
			if _, err := reg.Cancel(id); err != nil {
				t.Errorf("Cancel() error = %v", err)
			}
		}
	}

	snap, err := p.Run(ctx, id, src)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if snap.Status != StatusCancelled || snap.Outcome != OutcomeCancelled {
		t.Errorf("status = %s, want cancelled", snap.Status)
	}
	if snap.Processed != 8 || snap.Success != 8 {
		t.Errorf("processed = %d, want exactly the 8 rows of 4 batches", snap.Processed)
	}

	final, _ := reg.Get(ctx, id)
	if final.Processed != 8 {
		t.Errorf("registry processed = %d after the run, want 8", final.Processed)
	}
	evs := events.forJob(id)
	if last := evs[len(evs)-1]; last.Type != EventCancelled {
		t.Errorf("last event = %s, want %s", last.Type, EventCancelled)
	}
	assertCounterInvariants(t, evs)
}

func TestPipeline_StructuralFailures(t *testing.T) {
	tests := []struct {
		name       string
		src        *sliceSource
		wantReason string
	}{
		{
			name:       "header only",
			src:        &sliceSource{rows: [][]string{productHeader(), {"", ""}}},
			wantReason: "no data rows",
		},
		{
			name:       "missing required column",
			src:        &sliceSource{rows: [][]string{{"sku", "name"}, {"A-1", "Widget"}}},
			wantReason: "missing required column: unit_price",
		},
		{
			name:       "unreadable file",
			src:        &sliceSource{countErr: errors.New("zip: not a valid zip file")},
			wantReason: "unreadable file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, p, store, _ := newTestPipeline(t, 10)
			id := createJob(t, reg, ImportProducts, DefaultImportOptions())

			snap, err := p.Run(context.Background(), id, tt.src)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if snap.Status != StatusError {
				t.Errorf("status = %s, want error", snap.Status)
			}
			if !strings.Contains(snap.Reason, tt.wantReason) {
				t.Errorf("reason = %q, want it to contain %q", snap.Reason, tt.wantReason)
			}
			if snap.Processed != 0 || store.writes != 0 {
				t.Errorf("processed %d rows and wrote %d records, want none", snap.Processed, store.writes)
			}
		})
	}
}

func TestPipeline_RowLevelOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		opts        ImportOptions
		setup       func(s *memStore)
		mutate      func(rows [][]string)
		wantSuccess int
		wantErrors  int
		check       func(t *testing.T, job Job, s *memStore)
	}{
		{
			name: "persistence failure is recorded and not fatal",
			opts: DefaultImportOptions(),
			setup: func(s *memStore) {
				s.failKeys["SKU-002"] = errors.New("connection reset by peer")
			},
			wantSuccess: 2,
			wantErrors:  1,
			check: func(t *testing.T, job Job, _ *memStore) {
				re := job.RowErrors[0]
				if re.Kind != KindPersistence || re.Row != 3 || !strings.Contains(re.Message, "connection reset") {
					t.Errorf("row error = %+v, want persistence failure on row 3", re)
				}
			},
		},
		{
			name: "low confidence fix becomes a suggestion",
			opts: DefaultImportOptions(),
			mutate: func(rows [][]string) {
				rows[1][3] = "12.4"
			},
			wantSuccess: 2,
			wantErrors:  1,
			check: func(t *testing.T, job Job, _ *memStore) {
				re := job.RowErrors[0]
				if re.SuggestedValue != "12" || re.AutoFixConfidence == nil || *re.AutoFixConfidence != 0.4 {
					t.Errorf("row error = %+v, want suggestion 12 at 0.4", re)
				}
				if re.AutoFixApplied {
					t.Error("suggestion marked as applied")
				}
			},
		},
		{
			name: "duplicate within the file",
			opts: DefaultImportOptions(),
			mutate: func(rows [][]string) {
				rows[3][0] = "sku-001"
			},
			wantSuccess: 2,
			wantErrors:  1,
			check: func(t *testing.T, job Job, _ *memStore) {
				re := job.RowErrors[0]
				if re.Rule != RuleUniqueness || !strings.Contains(re.Message, "earlier in this file") {
					t.Errorf("row error = %+v, want in-file duplicate", re)
				}
			},
		},
		{
			name:  "overwrite skips the existing record check",
			opts:  ImportOptions{SkipHeader: true, OverwriteExisting: true},
			setup: func(s *memStore) { s.seed("tenant-a", ImportProducts, "SKU-001") },
			wantSuccess: 3,
		},
		{
			name: "unknown reference",
			opts: DefaultImportOptions(),
			mutate: func(rows [][]string) {
				rows[1][5] = "ACME"
			},
			wantSuccess: 2,
			wantErrors:  1,
			check: func(t *testing.T, job Job, _ *memStore) {
				re := job.RowErrors[0]
				if re.Rule != RuleReference || re.Message != `unknown supplier "ACME"` {
					t.Errorf("row error = %+v, want unknown supplier", re)
				}
			},
		},
		{
			name: "missing reference is created",
			opts: ImportOptions{SkipHeader: true, CreateMissingReferences: true},
			mutate: func(rows [][]string) {
				rows[1][5] = "ACME"
				rows[2][5] = "acme"
			},
			wantSuccess: 3,
			check: func(t *testing.T, _ Job, s *memStore) {
				if got := s.count("tenant-a", ImportSuppliers); got != 1 {
					t.Errorf("created %d suppliers, want 1", got)
				}
			},
		},
		{
			name: "panic fails the job",
			opts: DefaultImportOptions(),
			setup: func(s *memStore) {
				s.panicOn = "SKU-003"
			},
			check: func(t *testing.T, job Job, _ *memStore) {
				if job.Status != StatusError || !strings.Contains(job.Reason, "writer exploded") {
					t.Errorf("status = %s, reason = %q, want error from the panic", job.Status, job.Reason)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			reg, p, store, _ := newTestPipeline(t, 10)
			if tt.setup != nil {
				tt.setup(store)
			}
			rows := productRows(3)
			if tt.mutate != nil {
				tt.mutate(rows)
			}
			id := createJob(t, reg, ImportProducts, tt.opts)

			if _, err := p.Run(ctx, id, &sliceSource{rows: rows}); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			job, _ := reg.Job(ctx, id)
			if job.Status == StatusCompleted && (job.Success != tt.wantSuccess || job.Errors != tt.wantErrors) {
				t.Errorf("success = %d, errors = %d, want %d and %d", job.Success, job.Errors, tt.wantSuccess, tt.wantErrors)
			}
			if tt.check != nil {
				tt.check(t, job, store)
			}
		})
	}
}

func TestPipeline_PositionalColumns(t *testing.T) {
	ctx := context.Background()
	reg, p, _, _ := newTestPipeline(t, 10)
	id := createJob(t, reg, ImportProducts, ImportOptions{SkipHeader: false})

	rows := productRows(4)[1:]
	snap, err := p.Run(ctx, id, &sliceSource{rows: rows})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if snap.Total != 4 || snap.Success != 4 {
		t.Errorf("counters = %+v, want 4 of 4", snap.Counters)
	}
}

func TestPipeline_RefusesSecondRun(t *testing.T) {
	ctx := context.Background()
	reg, p, _, _ := newTestPipeline(t, 10)
	id := createJob(t, reg, ImportProducts, DefaultImportOptions())

	if _, err := p.Run(ctx, id, &sliceSource{rows: productRows(2)}); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if _, err := p.Run(ctx, id, &sliceSource{rows: productRows(2)}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Run() error = %v, want ErrInvalidTransition", err)
	}
}

func TestPipeline_CancelledBeforeStart(t *testing.T) {
	ctx := context.Background()
	reg, p, store, _ := newTestPipeline(t, 10)
	id := createJob(t, reg, ImportProducts, DefaultImportOptions())
	reg.Cancel(id)

	snap, err := p.Run(ctx, id, &sliceSource{rows: productRows(2)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if snap.Status != StatusCancelled || store.writes != 0 {
		t.Errorf("status = %s with %d writes, want cancelled with none", snap.Status, store.writes)
	}
}

func TestPipeline_InterruptedContext(t *testing.T) {
	reg, p, _, _ := newTestPipeline(t, 1)
	id := createJob(t, reg, ImportProducts, DefaultImportOptions())

	ctx, cancel := context.WithCancel(context.Background())
	src := &sliceSource{rows: productRows(5)}
	src.beforeRow = func(line int) {
		if line == 3 {
			cancel()
		}
	}

	snap, err := p.Run(ctx, id, src)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if snap.Status != StatusError || !strings.Contains(snap.Reason, "interrupted") {
		t.Errorf("status = %s, reason = %q, want interrupted error", snap.Status, snap.Reason)
	}
	if snap.Processed != 1 {
		t.Errorf("processed = %d, want 1", snap.Processed)
	}
}
