package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/JonMunkholm/stockimport/internal/logging"
)

// Service defaults.
const (
	DefaultMaxFileSize   int64 = 100 * 1024 * 1024
	DefaultInlineWait          = 10 * time.Second
	DefaultSweepInterval       = 5 * time.Minute
)

// ServiceConfig collects the tuning of every component the Service wires.
type ServiceConfig struct {
	Registry    RegistryConfig
	Broadcaster BroadcasterConfig
	Classifier  ClassifierConfig
	Pipeline    PipelineConfig

	MinConfidence float64       // Auto-correction threshold
	MaxFileSize   int64         // Upload size limit in bytes
	MaxConcurrent int           // Concurrent runs of the local dispatcher
	MaxWait       time.Duration // How long a Job waits for a worker slot
	ImportTimeout time.Duration // Upper bound of one run
	InlineWait    time.Duration // How long a request/response upload waits for the result
	SweepInterval time.Duration // How often expired Jobs are evicted
}

// Dependencies are the external collaborators of the Service.
type Dependencies struct {
	Store   Store
	Files   FileStore
	Sources SourceOpener
}

// Service is the entry point used by the HTTP layer, the CLI and workers.
// It owns one JobRegistry, Broadcaster and Pipeline.
type Service struct {
	cfg         ServiceConfig
	registry    *JobRegistry
	broadcaster *Broadcaster
	classifier  *Classifier
	pipeline    *Pipeline
	limiter     *ImportLimiter
	files       FileStore
	sources     SourceOpener

	local      *LocalDispatcher
	dispatcher Dispatcher
}

// NewService wires the import subsystem. Imports run on a LocalDispatcher
// until UseDispatcher installs another one.
func NewService(cfg ServiceConfig, deps Dependencies) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("service: store is required")
	}
	if deps.Files == nil {
		return nil, errors.New("service: file store is required")
	}
	if deps.Sources == nil {
		return nil, errors.New("service: source opener is required")
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.InlineWait < 0 {
		cfg.InlineWait = 0
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	broadcaster := NewBroadcaster(cfg.Broadcaster)
	registry := NewJobRegistry(cfg.Registry, broadcaster, deps.Store)
	s := &Service{
		cfg:         cfg,
		registry:    registry,
		broadcaster: broadcaster,
		classifier:  NewClassifier(cfg.Classifier),
		pipeline:    NewPipeline(registry, deps.Store, deps.Store, NewCorrector(cfg.MinConfidence), cfg.Pipeline),
		limiter:     NewImportLimiter(cfg.MaxConcurrent, cfg.MaxWait),
		files:       deps.Files,
		sources:     deps.Sources,
	}
	s.local = NewLocalDispatcher(s, registry, s.limiter, cfg.ImportTimeout)
	s.dispatcher = s.local
	return s, nil
}

// UseDispatcher routes future imports through d instead of the local pool.
func (s *Service) UseDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// Start launches the background loops: idle subscriber reaping and the
// retention sweeper. They stop when ctx ends.
func (s *Service) Start(ctx context.Context) {
	go s.broadcaster.Run(ctx)
	go s.StartRetentionSweeper(ctx, s.cfg.SweepInterval)
}

// Registry exposes the JobRegistry for status queries.
func (s *Service) Registry() *JobRegistry { return s.registry }

// ImportRequest is one upload.
type ImportRequest struct {
	TenantID        string
	ImportType      string
	FileName        string
	ContentType     string
	Size            int64 // Bytes; negative when unknown
	EstimatedRows   int   // Negative when unknown
	RowsUnparseable bool  // An estimate was supplied but malformed
	Body            io.Reader
	Options         ImportOptions
}

// ImportTicket is the intake result.
type ImportTicket struct {
	Snapshot ProgressSnapshot
	Decision ChannelDecision
	Inline   bool // The Job finished within the inline wait
}

// StartImport classifies the upload, creates its Job, stores the file and
// dispatches the run. For request/response decisions it waits up to the
// inline wait for the Job to finish; otherwise it returns the Pending Job.
func (s *Service) StartImport(ctx context.Context, req ImportRequest) (ImportTicket, error) {
	importType, err := ParseImportType(req.ImportType)
	if err != nil {
		return ImportTicket{}, err
	}
	if req.Body == nil {
		return ImportTicket{}, ErrNoFile
	}
	if req.Size > s.cfg.MaxFileSize {
		return ImportTicket{}, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrFileTooLarge, req.Size, s.cfg.MaxFileSize)
	}

	decision := s.classifier.Classify(FileMeta{
		SizeBytes:     req.Size,
		EstimatedRows:   req.EstimatedRows,
		RowsUnparseable: req.RowsUnparseable,
		ImportType:      importType,
	})

	created, err := s.registry.Create(importType, req.TenantID, JobMeta{
		SourceFileName: req.FileName,
		Options:        req.Options,
	})
	if err != nil {
		return ImportTicket{}, err
	}
	log := logging.ForJob(ctx, created.JobID, req.TenantID, string(importType))

	task := RunTask{
		JobID:      created.JobID,
		TenantID:   req.TenantID,
		ImportType: importType,
		ObjectKey:  ObjectKey(req.TenantID, created.JobID, req.FileName),
		FileName:   req.FileName,
		Options:    req.Options,
	}
	if err := s.files.Put(ctx, task.ObjectKey, req.Body, req.Size, req.ContentType); err != nil {
		s.abandon(log, task.JobID, "upload could not be stored")
		return ImportTicket{}, fmt.Errorf("store upload: %w", err)
	}

	var sub *Subscription
	if decision.Mode == ModeRequestResponse && s.cfg.InlineWait > 0 {
		sub = s.broadcaster.Subscribe(task.JobID, req.TenantID)
		defer sub.Close()
	}

	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		s.abandon(log, task.JobID, "import could not be scheduled")
		return ImportTicket{}, fmt.Errorf("dispatch import: %w", err)
	}
	log.Info("import accepted",
		"file_name", req.FileName,
		"size_bytes", req.Size,
		"mode", decision.Mode,
		"estimated_rows", decision.EstimatedRows,
	)

	ticket := ImportTicket{Snapshot: created, Decision: decision}
	if sub != nil {
		ticket.Snapshot, ticket.Inline = s.awaitTerminal(ctx, sub)
	}
	return ticket, nil
}

// awaitTerminal waits up to the inline wait for sub's Job to finish and
// returns the latest snapshot either way.
func (s *Service) awaitTerminal(ctx context.Context, sub *Subscription) (ProgressSnapshot, bool) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.InlineWait)
	defer cancel()

	for {
		ev, err := sub.Next(waitCtx)
		if err != nil {
			break
		}
		if ev.Terminal() {
			return *ev.Snapshot, true
		}
	}

	snap, err := s.registry.Get(ctx, sub.JobID)
	if err != nil {
		return ProgressSnapshot{}, false
	}
	return snap, snap.Terminal()
}

func (s *Service) abandon(log *slog.Logger, jobID, reason string) {
	log.Warn("import abandoned", "reason", reason)
	if _, err := s.registry.Fail(jobID, reason); err != nil {
		log.Warn("could not fail abandoned import", "error", err)
	}
}

// RunTask runs a dispatched import. It implements Runner for both the
// local dispatcher and queue workers.
func (s *Service) RunTask(ctx context.Context, task RunTask) error {
	if _, err := s.registry.Get(ctx, task.JobID); err != nil {
		return err
	}

	src, err := s.sources.OpenSource(ctx, task)
	if err != nil {
		reason := Structural("unreadable file", err).Error()
		if _, ferr := s.registry.Fail(task.JobID, reason); ferr != nil && !errors.Is(ferr, ErrInvalidTransition) {
			return ferr
		}
		return nil
	}

	_, err = s.pipeline.Run(ctx, task.JobID, src)
	return err
}

// Status returns the latest snapshot of a tenant's Job.
func (s *Service) Status(ctx context.Context, tenantID, jobID string) (ProgressSnapshot, error) {
	return s.registry.GetForTenant(ctx, jobID, tenantID)
}

// JobDetail returns a tenant's Job with its stored errors and corrections.
func (s *Service) JobDetail(ctx context.Context, tenantID, jobID string) (Job, error) {
	return s.registry.JobForTenant(ctx, jobID, tenantID)
}

// Cancel requests cancellation of a tenant's Job. Cancelling a finished
// Job succeeds and returns its final snapshot.
func (s *Service) Cancel(ctx context.Context, tenantID, jobID string) (ProgressSnapshot, error) {
	snap, err := s.registry.GetForTenant(ctx, jobID, tenantID)
	if err != nil {
		return ProgressSnapshot{}, err
	}
	if snap.Terminal() {
		return snap, nil
	}

	snap, err = s.registry.Cancel(jobID)
	if err != nil {
		return ProgressSnapshot{}, err
	}
	logging.ForJob(ctx, jobID, tenantID, string(snap.ImportType)).Info("import cancelled",
		"processed_records", snap.Processed,
	)
	return snap, nil
}

// Subscribe attaches a push subscriber to a tenant's Job and returns the
// event to send first: the Job's current snapshot, read after attaching so
// nothing published in between is lost.
func (s *Service) Subscribe(ctx context.Context, tenantID, jobID string) (*Subscription, Event, error) {
	sub := s.broadcaster.Subscribe(jobID, tenantID)
	snap, err := s.registry.GetForTenant(ctx, jobID, tenantID)
	if err != nil {
		sub.Close()
		return nil, Event{}, err
	}
	return sub, sub.Prime(snap), nil
}

// SubscribeAll attaches a push subscriber to every Job of a tenant.
func (s *Service) SubscribeAll(tenantID string) *Subscription {
	return s.broadcaster.SubscribeAll(tenantID)
}

// Classify runs the Channel Classifier.
func (s *Service) Classify(meta FileMeta) ChannelDecision {
	return s.classifier.Classify(meta)
}

// ClassifyRaw runs the Channel Classifier on unparsed metadata.
func (s *Service) ClassifyRaw(size, rows, importType string) ChannelDecision {
	return s.classifier.ClassifyRaw(size, rows, importType)
}

// LimiterStatus reports worker slot usage.
func (s *Service) LimiterStatus() LimiterStatus {
	return s.limiter.Status()
}

// MaxFileSize returns the upload size limit in bytes.
func (s *Service) MaxFileSize() int64 {
	return s.cfg.MaxFileSize
}

// Shutdown stops the local dispatcher and waits until no import holds a
// worker slot or ctx ends.
func (s *Service) Shutdown(ctx context.Context) error {
	if err := s.local.Shutdown(ctx); err != nil {
		return err
	}
	return s.limiter.WaitForDrain(ctx)
}

// ObjectKey is where the upload of a Job is stored.
func ObjectKey(tenantID, jobID, fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	return path.Join("uploads", tenantID, jobID, name)
}
