package core

// scheduler.go runs the retention sweeper.
//
// Terminal Jobs stay in memory for the configured retention window so that
// pollers and late subscribers see them without touching the archive. The
// sweeper then evicts them (they remain readable from the JobArchive) and
// deletes their uploaded files. Failures are logged and retried on the next
// tick; they never stop the sweeper.

import (
	"context"
	"log/slog"
	"time"
)

// StartRetentionSweeper evicts expired Jobs every interval until ctx ends.
func (s *Service) StartRetentionSweeper(ctx context.Context, interval time.Duration) {
	slog.Info("retention sweeper started",
		"interval", interval.String(),
		"retention", s.registry.cfg.Retention.String(),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx, time.Now())
		}
	}
}

// sweep performs one eviction cycle and returns the number of evicted Jobs.
func (s *Service) sweep(ctx context.Context, now time.Time) int {
	start := time.Now()
	evicted := s.registry.EvictExpired(now)

	for _, job := range evicted {
		key := ObjectKey(job.TenantID, job.ID, job.SourceFileName)
		if err := s.files.Delete(ctx, key); err != nil {
			slog.Warn("failed to delete upload",
				"job_id", job.ID,
				"object_key", key,
				"error", err,
			)
		}
	}

	if len(evicted) > 0 {
		slog.Info("evicted expired jobs",
			"jobs_evicted", len(evicted),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return len(evicted)
}
