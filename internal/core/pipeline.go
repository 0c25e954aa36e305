package core

// pipeline.go drives one Job from its precount to a terminal state.
//
// Flow:
//  1. Precount the source (header included) and derive totalRecords
//  2. Read the header, map columns, Begin the Job
//  3. Read fixed size batches; before processing a batch, stop if the Job
//     was cancelled or the run's context ended
//  4. Validate, auto-correct and persist every row of the batch
//  5. ApplyProgress once per batch
//  6. Complete the Job once the source is exhausted
//
// A batch is always processed to the end. Row level failures are recorded
// on the Job; only structural problems and panics end the Job in Error.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/JonMunkholm/stockimport/internal/logging"
)

// Pipeline defaults.
const (
	DefaultBatchSize      = 100
	DefaultVelocityWindow = 5
)

// PipelineConfig tunes batching. Neither value affects the outcome of a run.
type PipelineConfig struct {
	BatchSize      int // Rows per progress update
	VelocityWindow int // Batches averaged for the ETA
}

// Pipeline is the Import Pipeline. A Pipeline is stateless between runs
// and may run different Jobs concurrently.
type Pipeline struct {
	registry  *JobRegistry
	writer    RecordWriter
	lookup    ReferenceLookup
	corrector *Corrector
	cfg       PipelineConfig
	now       func() time.Time
}

// NewPipeline wires a pipeline to its collaborators.
func NewPipeline(registry *JobRegistry, writer RecordWriter, lookup ReferenceLookup, corrector *Corrector, cfg PipelineConfig) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = DefaultVelocityWindow
	}
	if corrector == nil {
		corrector = NewCorrector(DefaultMinConfidence)
	}
	return &Pipeline{
		registry:  registry,
		writer:    writer,
		lookup:    lookup,
		corrector: corrector,
		cfg:       cfg,
		now:       time.Now,
	}
}

// run is the state of one pipeline run.
type run struct {
	job       Job
	def       ImportDefinition
	validator *RowValidator
	scope     *ValidationScope
	log       *slog.Logger
}

// Run processes src for a Pending Job and returns its terminal snapshot.
// Failures of the file or of individual rows end up on the Job; the error
// is reserved for registry problems such as an unknown or already started Job.
func (p *Pipeline) Run(ctx context.Context, jobID string, src RowSource) (snap ProgressSnapshot, err error) {
	job, err := p.registry.Job(ctx, jobID)
	if err != nil {
		return ProgressSnapshot{}, err
	}
	log := logging.ForJob(ctx, job.ID, job.TenantID, string(job.ImportType))

	switch job.Status {
	case StatusPending:
	case StatusCancelled:
		log.Info("import cancelled before it started")
		return p.registry.Get(ctx, jobID)
	default:
		return ProgressSnapshot{}, invalidTransition(job, StatusProcessing)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("import pipeline panicked", "panic", r)
			snap, err = p.fail(ctx, log, jobID, fmt.Errorf("internal error: %v", r))
		}
	}()

	start := p.now()
	def, ok := Get(job.ImportType)
	if !ok {
		return p.fail(ctx, log, jobID, fmt.Errorf("%w: %q", ErrUnknownImportType, job.ImportType))
	}

	count, err := src.Count(ctx)
	if err != nil {
		return p.fail(ctx, log, jobID, Structural("unreadable file", err))
	}
	total := count
	if job.Options.SkipHeader {
		total--
	}
	if total <= 0 {
		return p.fail(ctx, log, jobID, Structural("file contains no data rows", nil))
	}

	rows, err := src.Rows(ctx)
	if err != nil {
		return p.fail(ctx, log, jobID, Structural("unreadable file", err))
	}
	defer rows.Close()

	var header []string
	if job.Options.SkipHeader {
		first, err := rows.Next()
		if err != nil {
			return p.fail(ctx, log, jobID, Structural("unreadable header row", err))
		}
		header = first.Values
	}

	validator, err := NewRowValidator(def, header)
	if err != nil {
		return p.fail(ctx, log, jobID, err)
	}

	if _, err := p.registry.Begin(jobID, total); err != nil {
		return p.settled(ctx, jobID, err)
	}
	log.Info("import started", "total_records", total, "file_name", job.SourceFileName)

	r := &run{
		job:       job,
		def:       def,
		validator: validator,
		scope:     NewValidationScope(job.TenantID, job.Options, p.lookup),
		log:       log,
	}

	counters := Counters{Total: total}
	window := newVelocityWindow(p.cfg.VelocityWindow)
	for counters.Processed < total {
		batchStart := p.now()
		batch, readErr := readBatch(rows, min(p.cfg.BatchSize, total-counters.Processed))

		if cur, err := p.registry.Get(ctx, jobID); err == nil && cur.Terminal() {
			log.Info("import stopped at batch boundary",
				"status", cur.Status,
				"processed_records", cur.Processed,
			)
			return cur, nil
		}
		if ctx.Err() != nil {
			return p.fail(ctx, log, jobID, fmt.Errorf("import interrupted: %w", ctx.Err()))
		}
		if readErr != nil && len(batch) == 0 {
			return p.fail(ctx, log, jobID, Structural(fmt.Sprintf("unreadable row after record %d", counters.Processed), readErr))
		}
		if len(batch) == 0 {
			log.Warn("source ended before its precount",
				"total_records", total,
				"processed_records", counters.Processed,
			)
			break
		}

		// A started batch is finished even if the run's context ends.
		delta := p.processBatch(context.WithoutCancel(ctx), r, batch)
		window.add(len(batch), p.now().Sub(batchStart))
		delta.Velocity = window.rate()

		snap, err := p.registry.ApplyProgress(jobID, delta)
		if err != nil {
			return p.settled(ctx, jobID, err)
		}
		if snap.Terminal() {
			return snap, nil
		}
		counters = snap.Counters

		if readErr != nil {
			return p.fail(ctx, log, jobID, Structural(fmt.Sprintf("unreadable row after record %d", counters.Processed), readErr))
		}
	}

	snap, err = p.registry.Complete(jobID, counters)
	if err != nil {
		return p.settled(ctx, jobID, err)
	}
	log.Info("import finished",
		"status", snap.Status,
		"outcome", snap.Outcome,
		"success_records", snap.Success,
		"error_records", snap.Errors,
		"duration_ms", p.now().Sub(start).Milliseconds(),
	)
	return snap, nil
}

// processBatch validates, corrects and persists every row of one batch.
func (p *Pipeline) processBatch(ctx context.Context, r *run, batch []Row) ProgressDelta {
	var delta ProgressDelta
	for _, row := range batch {
		errs, fixes := p.processRow(ctx, r, row)
		if len(errs) > 0 {
			delta.Errors++
			delta.RowErrors = append(delta.RowErrors, errs...)
			continue
		}
		delta.Success++
		delta.Corrections = append(delta.Corrections, fixes...)
	}
	return delta
}

// processRow returns the row's errors, or the corrections applied to it
// when it was persisted.
func (p *Pipeline) processRow(ctx context.Context, r *run, row Row) (errs, fixes []RowError) {
	res, err := r.validator.Validate(ctx, row, r.scope)
	if err != nil {
		return []RowError{{Row: row.Line, Message: err.Error(), Kind: KindPersistence}}, nil
	}
	rec := res.Record

	for _, f := range res.Failures {
		rule, _ := r.def.Field(f.Field)
		re := RowError{
			Row:      row.Line,
			Column:   f.Field,
			RawValue: f.Value,
			Message:  f.Message,
			Kind:     KindValidation,
			Rule:     f.Rule,
		}

		fix := p.corrector.Resolve(rule, f)
		if fix.Suggested {
			conf := fix.Correction.Confidence
			re.AutoFixConfidence = &conf
			re.SuggestedValue = fix.Correction.Value
		}
		if !fix.Applied {
			errs = append(errs, re)
			continue
		}

		// The corrected value still has to pass the field's remaining rules.
		value, failure, err := r.validator.ValidateValue(ctx, f.Field, fix.Correction.Value, r.scope, &rec)
		switch {
		case err != nil:
			errs = append(errs, RowError{Row: row.Line, Column: f.Field, RawValue: f.Value, Message: err.Error(), Kind: KindPersistence})
			continue
		case failure != nil:
			re.Message, re.Rule = failure.Message, failure.Rule
			errs = append(errs, re)
			continue
		}

		rec.Fields[f.Field] = value
		if f.Field == r.def.KeyField {
			rec.Key = NormalizeKey(fmt.Sprint(value))
		}
		conf := fix.Correction.Confidence
		fixes = append(fixes, RowError{
			Row:               row.Line,
			Column:            f.Field,
			RawValue:          f.Value,
			Message:           fmt.Sprintf("corrected to %q (%s)", fix.Correction.Value, fix.Correction.Strategy),
			Kind:              KindValidation,
			Rule:              f.Rule,
			AutoFixApplied:    true,
			AutoFixConfidence: &conf,
			SuggestedValue:    fix.Correction.Value,
		})
	}
	if len(errs) > 0 {
		return errs, nil
	}

	opts := WriteOptions{Overwrite: r.job.Options.OverwriteExisting}
	if err := p.writer.WriteRecord(ctx, r.job.TenantID, rec, opts); err != nil {
		perr := &PersistenceError{Key: rec.Key, Err: err}
		r.log.Debug("record not persisted", "row", row.Line, "error", err)
		return []RowError{{
			Row:      row.Line,
			Column:   r.def.KeyField,
			RawValue: rec.Key,
			Message:  perr.Error(),
			Kind:     KindPersistence,
		}}, nil
	}

	r.scope.Remember(r.def, rec)
	return nil, fixes
}

// fail ends the Job in Error. A Job that reached a terminal state in the
// meantime is left as it is.
func (p *Pipeline) fail(ctx context.Context, log *slog.Logger, jobID string, cause error) (ProgressSnapshot, error) {
	log.Warn("import failed", "error", cause)
	snap, err := p.registry.Fail(jobID, cause.Error())
	if err != nil {
		return p.settled(ctx, jobID, err)
	}
	return snap, nil
}

// settled resolves a registry error raised because the Job already
// finished, typically a cancellation racing the last batch.
func (p *Pipeline) settled(ctx context.Context, jobID string, err error) (ProgressSnapshot, error) {
	if errors.Is(err, ErrInvalidTransition) {
		if cur, gerr := p.registry.Get(ctx, jobID); gerr == nil && cur.Terminal() {
			return cur, nil
		}
	}
	return ProgressSnapshot{}, err
}

// readBatch reads up to n rows. It returns the rows read before an error.
func readBatch(rows RowReader, n int) ([]Row, error) {
	batch := make([]Row, 0, n)
	for len(batch) < n {
		row, err := rows.Next()
		if errors.Is(err, io.EOF) {
			return batch, nil
		}
		if err != nil {
			return batch, err
		}
		batch = append(batch, row)
	}
	return batch, nil
}

// velocityWindow is a moving average of rows per second over the last
// few batches.
type velocityWindow struct {
	size    int
	rows    []int
	elapsed []time.Duration
}

func newVelocityWindow(size int) *velocityWindow {
	return &velocityWindow{size: size}
}

func (w *velocityWindow) add(rows int, elapsed time.Duration) {
	w.rows = append(w.rows, rows)
	w.elapsed = append(w.elapsed, elapsed)
	if len(w.rows) > w.size {
		w.rows = w.rows[1:]
		w.elapsed = w.elapsed[1:]
	}
}

func (w *velocityWindow) rate() float64 {
	var rows int
	var elapsed time.Duration
	for i := range w.rows {
		rows += w.rows[i]
		elapsed += w.elapsed[i]
	}
	if elapsed <= 0 {
		return 0
	}
	return float64(rows) / elapsed.Seconds()
}
