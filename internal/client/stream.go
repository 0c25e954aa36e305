package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/JonMunkholm/stockimport/internal/core"
)

// DefaultMaxResubscribes bounds how often a dropped stream is reopened
// before the watcher falls back to polling.
const DefaultMaxResubscribes = 5

// errStreamEnded means the stream closed without a terminal event.
var errStreamEnded = errors.New("event stream ended before the job finished")

// StreamWatcher watches a job over its Server-Sent Events stream. A
// dropped subscription is reopened, which starts again from a fresh
// snapshot; when the stream cannot be used the watcher polls instead.
type StreamWatcher struct {
	Client          *Client
	Poller          *Poller // fallback; defaults to a Poller with default timing
	MaxResubscribes int
}

// Watch follows the job until it is terminal and returns its final
// snapshot, the same one a Poller would return.
func (w *StreamWatcher) Watch(ctx context.Context, jobID string, onSnapshot SnapshotFunc) (core.ProgressSnapshot, error) {
	maxResubs := w.MaxResubscribes
	if maxResubs <= 0 {
		maxResubs = DefaultMaxResubscribes
	}

	var latest core.ProgressSnapshot
	deliver := func(snap core.ProgressSnapshot) {
		if latest.JobID != "" && snap.Version <= latest.Version {
			return
		}
		latest = snap
		if onSnapshot != nil {
			onSnapshot(snap)
		}
	}

	for attempt := 0; ; attempt++ {
		dropped, err := w.stream(ctx, jobID, deliver)
		if latest.Terminal() {
			return latest, nil
		}
		if ctx.Err() != nil {
			return latest, ctx.Err()
		}
		if err != nil && !retryable(err) {
			return latest, err
		}
		if dropped && attempt < maxResubs {
			slog.Debug("push subscription dropped, resubscribing", "job_id", jobID, "attempt", attempt+1)
			continue
		}

		slog.Info("push channel unavailable, polling", "job_id", jobID, "error", err)
		return w.poller().Watch(ctx, jobID, deliver)
	}
}

func (w *StreamWatcher) poller() *Poller {
	if w.Poller != nil {
		return w.Poller
	}
	return &Poller{Client: w.Client}
}

// stream reads one SSE connection until it ends. It reports whether the
// server announced a dropped subscription.
func (w *StreamWatcher) stream(ctx context.Context, jobID string, deliver SnapshotFunc) (bool, error) {
	req, err := w.Client.newRequest(ctx, http.MethodGet, "/imports/jobs/"+url.PathEscape(jobID)+"/events", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	res, err := w.Client.http.Do(req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return false, decodeAPIError(res)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return false, fmt.Errorf("unexpected content type %q", ct)
	}

	var name, data string
	sc := bufio.NewScanner(res.Body)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if name == "" {
				continue
			}
			if name == "dropped" {
				return true, nil
			}
			terminal, err := dispatch(data, deliver)
			if err != nil {
				return false, err
			}
			if terminal {
				return false, nil
			}
			name, data = "", ""
		case strings.HasPrefix(line, ":"):
			// heartbeat
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := sc.Err(); err != nil {
		return false, err
	}
	return false, errStreamEnded
}

// dispatch decodes one job event and hands its snapshot on.
func dispatch(data string, deliver SnapshotFunc) (bool, error) {
	var ev core.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return false, fmt.Errorf("decode event: %w", err)
	}
	if ev.Snapshot != nil {
		deliver(*ev.Snapshot)
	}
	return ev.Terminal(), nil
}

// Watch follows a job over the channel the classifier chose: the event
// stream for push decisions, polling otherwise.
func Watch(ctx context.Context, c *Client, decision core.ChannelDecision, jobID string, onSnapshot SnapshotFunc) (core.ProgressSnapshot, error) {
	if decision.Mode == core.ModePush {
		sw := &StreamWatcher{Client: c}
		return sw.Watch(ctx, jobID, onSnapshot)
	}
	p := &Poller{Client: c}
	return p.Watch(ctx, jobID, onSnapshot)
}
