package core

// jobs.go implements the JobRegistry, the single owner of Job state.
//
// State machine:
//
//	Pending -> Processing -> {Completed, Error}
//	{Pending, Processing} -> Cancelled
//	Pending -> Error (structural failures, rejected dispatch)
//
// Every Job has its own mutex; all mutation happens behind it, and every
// mutation stores a fresh immutable ProgressSnapshot in an atomic pointer so
// readers never wait on a writer. Events are published while the Job's lock
// is held, which keeps the per-job event order equal to the version order.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Registry defaults.
const (
	DefaultMaxStoredErrors = 1000
	DefaultRecentErrors    = 10
	DefaultJobRetention    = time.Hour
)

// ArchiveTimeout bounds a single JobArchive call.
var ArchiveTimeout = 5 * time.Second

// RegistryConfig bounds the memory a Job may hold.
type RegistryConfig struct {
	MaxStoredErrors      int           // RowErrors kept per Job; the rest are counted
	MaxStoredCorrections int           // Applied corrections kept per Job
	RecentErrors         int           // Tail of RowErrors carried by snapshots
	Retention            time.Duration // How long terminal Jobs stay in memory
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.MaxStoredErrors <= 0 {
		c.MaxStoredErrors = DefaultMaxStoredErrors
	}
	if c.MaxStoredCorrections <= 0 {
		c.MaxStoredCorrections = DefaultMaxStoredErrors
	}
	if c.RecentErrors <= 0 {
		c.RecentErrors = DefaultRecentErrors
	}
	if c.Retention <= 0 {
		c.Retention = DefaultJobRetention
	}
	return c
}

// JobMeta is the opaque intake metadata of a Job.
type JobMeta struct {
	SourceFileName string
	Options        ImportOptions
}

// ProgressDelta is the result of one processed batch.
type ProgressDelta struct {
	Success     int
	Errors      int
	RowErrors   []RowError
	Corrections []RowError
	Velocity    float64 // Rows per second over the recent batches; 0 if unknown
}

// JobRegistry owns the lifecycle and authoritative state of every Job.
type JobRegistry struct {
	cfg       RegistryConfig
	publisher EventPublisher
	archive   JobArchive
	now       func() time.Time

	mu   sync.RWMutex
	jobs map[string]*jobEntry
}

type jobEntry struct {
	mu       sync.Mutex
	job      Job
	recent   []RowError
	velocity float64
	archived bool

	snapshot atomic.Pointer[ProgressSnapshot]
}

// NewJobRegistry creates a registry. publisher and archive may be nil.
func NewJobRegistry(cfg RegistryConfig, publisher EventPublisher, archive JobArchive) *JobRegistry {
	if publisher == nil {
		publisher = EventPublisherFunc(func(Event) {})
	}
	return &JobRegistry{
		cfg:       cfg.withDefaults(),
		publisher: publisher,
		archive:   archive,
		now:       time.Now,
		jobs:      make(map[string]*jobEntry),
	}
}

// Create registers a new Pending Job.
func (r *JobRegistry) Create(importType ImportType, tenantID string, meta JobMeta) (ProgressSnapshot, error) {
	if _, ok := Get(importType); !ok {
		return ProgressSnapshot{}, fmt.Errorf("%w: %q", ErrUnknownImportType, importType)
	}

	e := &jobEntry{job: Job{
		ID:             uuid.New().String(),
		ImportType:     importType,
		TenantID:       tenantID,
		Status:         StatusPending,
		CreatedAt:      r.now(),
		SourceFileName: meta.SourceFileName,
		Options:        meta.Options,
	}}

	first := r.snapshotOf(e.job, 0)
	e.snapshot.Store(&first)

	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	r.jobs[e.job.ID] = e
	r.mu.Unlock()

	return r.publishLocked(e, EventCreated), nil
}

// Begin moves a Pending Job to Processing with the precounted total.
// A second Begin is refused, which guarantees a single run per Job.
func (r *JobRegistry) Begin(jobID string, total int) (ProgressSnapshot, error) {
	if total < 0 {
		return ProgressSnapshot{}, fmt.Errorf("%w: negative total", ErrInvalidCounters)
	}
	e, err := r.entry(jobID)
	if err != nil {
		return ProgressSnapshot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status != StatusPending {
		return ProgressSnapshot{}, invalidTransition(e.job, StatusProcessing)
	}

	now := r.now()
	e.job.Status = StatusProcessing
	e.job.StartedAt = &now
	e.job.Total = total
	return r.publishLocked(e, EventProgress), nil
}

// ApplyProgress merges one batch into the Job's counters. Progress for a
// terminal Job is ignored so a late batch cannot resurrect a cancelled Job.
func (r *JobRegistry) ApplyProgress(jobID string, delta ProgressDelta) (ProgressSnapshot, error) {
	e, err := r.entry(jobID)
	if err != nil {
		return ProgressSnapshot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.job.Status.Terminal():
		slog.Debug("ignoring progress for terminal job",
			"job_id", jobID,
			"status", e.job.Status,
			"success", delta.Success,
			"errors", delta.Errors,
		)
		return *e.snapshot.Load(), nil
	case e.job.Status != StatusProcessing:
		return ProgressSnapshot{}, invalidTransition(e.job, StatusProcessing)
	}

	next := e.job.Counters
	next.Success += delta.Success
	next.Errors += delta.Errors
	next.Processed = next.Success + next.Errors
	if delta.Success < 0 || delta.Errors < 0 {
		return ProgressSnapshot{}, fmt.Errorf("%w: negative delta", ErrInvalidCounters)
	}
	if err := next.check(); err != nil {
		return ProgressSnapshot{}, err
	}

	e.job.Counters = next
	r.appendErrorsLocked(e, delta.RowErrors)
	r.appendCorrectionsLocked(e, delta.Corrections)
	if delta.Velocity > 0 {
		e.velocity = delta.Velocity
	}
	return r.publishLocked(e, EventProgress), nil
}

// Complete finishes a Processing Job. A Job whose every record failed ends
// in Error instead of Completed. Completing a Job that already finished
// (Completed or Error) returns its final snapshot unchanged.
func (r *JobRegistry) Complete(jobID string, final Counters) (ProgressSnapshot, error) {
	e, err := r.entry(jobID)
	if err != nil {
		return ProgressSnapshot{}, err
	}

	e.mu.Lock()
	switch e.job.Status {
	case StatusCompleted, StatusError:
		snap := *e.snapshot.Load()
		e.mu.Unlock()
		return snap, nil
	case StatusProcessing:
	default:
		err := invalidTransition(e.job, StatusCompleted)
		e.mu.Unlock()
		return ProgressSnapshot{}, err
	}

	if err := final.check(); err != nil {
		e.mu.Unlock()
		return ProgressSnapshot{}, err
	}
	if final.Processed < e.job.Processed {
		e.mu.Unlock()
		return ProgressSnapshot{}, fmt.Errorf("%w: final processed %d is below %d",
			ErrInvalidCounters, final.Processed, e.job.Processed)
	}

	e.job.Counters = final
	e.job.Status = StatusCompleted
	if final.Total > 0 && final.Errors == final.Total {
		e.job.Status = StatusError
		e.job.Reason = failureReason(e.job)
	}
	snap := r.finishLocked(e)
	e.mu.Unlock()

	r.save(e)
	return snap, nil
}

// Fail moves a Pending or Processing Job to Error. Failing a Job already in
// Error returns its snapshot unchanged.
func (r *JobRegistry) Fail(jobID, reason string) (ProgressSnapshot, error) {
	e, err := r.entry(jobID)
	if err != nil {
		return ProgressSnapshot{}, err
	}

	e.mu.Lock()
	switch e.job.Status {
	case StatusError:
		snap := *e.snapshot.Load()
		e.mu.Unlock()
		return snap, nil
	case StatusPending, StatusProcessing:
	default:
		err := invalidTransition(e.job, StatusError)
		e.mu.Unlock()
		return ProgressSnapshot{}, err
	}

	e.job.Status = StatusError
	e.job.Reason = reason
	snap := r.finishLocked(e)
	e.mu.Unlock()

	r.save(e)
	return snap, nil
}

// Cancel moves a Pending or Processing Job to Cancelled. The pipeline
// notices at its next batch boundary. Cancelling a terminal Job is a no-op
// that returns the final snapshot.
func (r *JobRegistry) Cancel(jobID string) (ProgressSnapshot, error) {
	e, err := r.entry(jobID)
	if err != nil {
		return ProgressSnapshot{}, err
	}

	e.mu.Lock()
	if e.job.Status.Terminal() {
		snap := *e.snapshot.Load()
		e.mu.Unlock()
		return snap, nil
	}

	e.job.Status = StatusCancelled
	e.job.Reason = "cancelled by request"
	snap := r.finishLocked(e)
	e.mu.Unlock()

	r.save(e)
	return snap, nil
}

// Get returns the latest snapshot of a Job. It never blocks on writers.
func (r *JobRegistry) Get(ctx context.Context, jobID string) (ProgressSnapshot, error) {
	r.mu.RLock()
	e, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if ok {
		return *e.snapshot.Load(), nil
	}

	job, err := r.load(ctx, jobID)
	if err != nil {
		return ProgressSnapshot{}, err
	}
	return r.snapshotOf(job, 0), nil
}

// GetForTenant is Get scoped to a tenant. Jobs of other tenants are
// reported as not found.
func (r *JobRegistry) GetForTenant(ctx context.Context, jobID, tenantID string) (ProgressSnapshot, error) {
	snap, err := r.Get(ctx, jobID)
	if err != nil {
		return ProgressSnapshot{}, err
	}
	if snap.TenantID != tenantID {
		return ProgressSnapshot{}, ErrNotFound
	}
	return snap, nil
}

// Job returns a deep copy of a Job including its stored errors.
func (r *JobRegistry) Job(ctx context.Context, jobID string) (Job, error) {
	r.mu.RLock()
	e, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.job.clone(), nil
	}
	return r.load(ctx, jobID)
}

// JobForTenant is Job scoped to a tenant.
func (r *JobRegistry) JobForTenant(ctx context.Context, jobID, tenantID string) (Job, error) {
	job, err := r.Job(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if job.TenantID != tenantID {
		return Job{}, ErrNotFound
	}
	return job, nil
}

// Active returns the number of Jobs that are not terminal yet.
func (r *JobRegistry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.jobs {
		if !e.snapshot.Load().Terminal() {
			n++
		}
	}
	return n
}

// EvictExpired drops terminal Jobs that finished more than the retention
// window before now and returns them. A Job that could not be archived
// yet is retried here and kept until archiving succeeds.
func (r *JobRegistry) EvictExpired(now time.Time) []Job {
	r.mu.RLock()
	var candidates []*jobEntry
	for _, e := range r.jobs {
		snap := e.snapshot.Load()
		if snap.FinishedAt != nil && now.Sub(*snap.FinishedAt) > r.cfg.Retention {
			candidates = append(candidates, e)
		}
	}
	r.mu.RUnlock()

	var evicted []Job
	for _, e := range candidates {
		if !r.save(e) {
			continue
		}
		e.mu.Lock()
		job := e.job.clone()
		e.mu.Unlock()

		r.mu.Lock()
		delete(r.jobs, job.ID)
		r.mu.Unlock()
		evicted = append(evicted, job)
	}
	return evicted
}

func (r *JobRegistry) entry(jobID string) (*jobEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (r *JobRegistry) load(ctx context.Context, jobID string) (Job, error) {
	if r.archive == nil {
		return Job{}, ErrNotFound
	}
	job, err := r.archive.LoadJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return job, nil
}

// save writes a terminal Job to the archive once. It reports whether the
// Job is safe to evict.
func (r *JobRegistry) save(e *jobEntry) bool {
	if r.archive == nil {
		return true
	}

	e.mu.Lock()
	if e.archived {
		e.mu.Unlock()
		return true
	}
	job := e.job.clone()
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ArchiveTimeout)
	defer cancel()

	if err := r.archive.SaveJob(ctx, job); err != nil {
		slog.Error("failed to archive job", "job_id", job.ID, "error", err)
		return false
	}

	e.mu.Lock()
	e.archived = true
	e.mu.Unlock()
	return true
}

func (r *JobRegistry) finishLocked(e *jobEntry) ProgressSnapshot {
	now := r.now()
	e.job.FinishedAt = &now
	e.velocity = 0
	return r.publishLocked(e, eventFor(e.job.Status))
}

// publishLocked bumps the version, stores the new snapshot and publishes
// the event. The caller holds e.mu.
func (r *JobRegistry) publishLocked(e *jobEntry, typ EventType) ProgressSnapshot {
	e.job.Version++
	snap := r.snapshotOf(e.job, e.velocity)
	snap.RecentErrors = append([]RowError{}, e.recent...)
	e.snapshot.Store(&snap)

	ev := Event{
		Type:     typ,
		JobID:    e.job.ID,
		TenantID: e.job.TenantID,
		Version:  snap.Version,
		Snapshot: &snap,
	}
	if typ == EventError || typ == EventCancelled {
		ev.Reason = e.job.Reason
	}
	r.publisher.Publish(ev)
	return snap
}

func (r *JobRegistry) snapshotOf(job Job, velocity float64) ProgressSnapshot {
	snap := ProgressSnapshot{
		JobID:           job.ID,
		TenantID:        job.TenantID,
		ImportType:      job.ImportType,
		Status:          job.Status,
		Counters:        job.Counters,
		ProgressPercent: job.ProgressPercent(),
		Outcome:         job.Outcome(),
		Reason:          job.Reason,
		RecentErrors:    []RowError{},
		Version:         job.Version,
		UpdatedAt:       r.now(),
		FinishedAt:      job.FinishedAt,
	}
	if job.FinishedAt != nil {
		snap.UpdatedAt = *job.FinishedAt
	}

	if n := len(job.RowErrors); n > 0 {
		start := max(0, n-r.cfg.RecentErrors)
		snap.RecentErrors = append(snap.RecentErrors, job.RowErrors[start:]...)
	}

	if job.Status == StatusProcessing && velocity > 0 {
		remaining := float64(job.Total - job.Processed)
		ms := int64(math.Round(remaining / velocity * 1000))
		snap.EstimatedTimeRemainingMs = &ms
	}
	return snap
}

func (r *JobRegistry) appendErrorsLocked(e *jobEntry, errs []RowError) {
	for _, re := range errs {
		if len(e.job.RowErrors) < r.cfg.MaxStoredErrors {
			e.job.RowErrors = append(e.job.RowErrors, re)
		} else {
			e.job.OmittedErrors++
		}
		e.recent = append(e.recent, re)
	}
	if over := len(e.recent) - r.cfg.RecentErrors; over > 0 {
		e.recent = append([]RowError(nil), e.recent[over:]...)
	}
}

func (r *JobRegistry) appendCorrectionsLocked(e *jobEntry, fixes []RowError) {
	for _, c := range fixes {
		if len(e.job.Corrections) < r.cfg.MaxStoredCorrections {
			e.job.Corrections = append(e.job.Corrections, c)
		} else {
			e.job.OmittedCorrections++
		}
	}
}

func invalidTransition(job Job, to JobStatus) error {
	return fmt.Errorf("%w: job %s is %s, cannot move to %s", ErrInvalidTransition, job.ID, job.Status, to)
}

// failureReason explains a Job in which every record failed.
func failureReason(job Job) string {
	if len(job.RowErrors) == 0 {
		return fmt.Sprintf("all %d records failed", job.Errors)
	}

	var uniqueness, persistence int
	for _, re := range job.RowErrors {
		if re.Rule == RuleUniqueness {
			uniqueness++
		}
		if re.Kind == KindPersistence {
			persistence++
		}
	}

	switch len(job.RowErrors) {
	case uniqueness:
		if job.Options.OverwriteExisting {
			return "all records are duplicates within the file"
		}
		return "all records already exist, enable overwrite to update them"
	case persistence:
		return "no record could be saved: " + job.RowErrors[0].Message
	}
	return fmt.Sprintf("all %d records failed validation", job.Errors)
}
