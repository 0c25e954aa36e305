package client

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/JonMunkholm/stockimport/internal/core"
)

// Poller defaults.
const (
	DefaultPollInterval = time.Second
	DefaultPollCeiling  = 10 * time.Minute
)

// ErrPollTimeout is returned when the poll ceiling passes before the job
// reaches a terminal state. The job may still be running on the server.
var ErrPollTimeout = errors.New("poll ceiling reached before the job finished")

// SnapshotFunc receives every newer snapshot a watcher observes.
type SnapshotFunc func(core.ProgressSnapshot)

// Poller watches a job by fetching its status on a fixed interval.
type Poller struct {
	Client   *Client
	Interval time.Duration
	Ceiling  time.Duration
}

// Watch polls until the job is terminal and returns its final snapshot.
// onSnapshot, if set, is called for each snapshot newer than the last one.
// Transport failures and 5xx responses are retried on the next tick; any
// other API error ends the watch.
func (p *Poller) Watch(ctx context.Context, jobID string, onSnapshot SnapshotFunc) (core.ProgressSnapshot, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ceiling := p.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultPollCeiling
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(ceiling)
	defer deadline.Stop()

	var latest core.ProgressSnapshot
	for {
		snap, err := p.Client.Status(ctx, jobID)
		switch {
		case err == nil:
			if snap.Version > latest.Version || latest.JobID == "" {
				latest = snap
				if onSnapshot != nil {
					onSnapshot(snap)
				}
			}
			if latest.Terminal() {
				return latest, nil
			}
		case retryable(err) && ctx.Err() == nil:
			slog.Debug("poll failed, retrying", "job_id", jobID, "error", err)
		default:
			return latest, err
		}

		select {
		case <-ctx.Done():
			return latest, ctx.Err()
		case <-deadline.C:
			return latest, ErrPollTimeout
		case <-ticker.C:
		}
	}
}
