package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/JonMunkholm/stockimport/internal/core"
	"github.com/JonMunkholm/stockimport/internal/logging"
)

// SSE event names besides the job events.
const (
	sseDropped = "dropped"
)

// sseHeartbeat keeps proxies from closing quiet streams.
const sseHeartbeat = 15 * time.Second

// handleJobEvents streams the events of one job via Server-Sent Events.
// The first event is a fresh snapshot; the stream ends after the terminal
// event. A subscriber the broadcaster dropped receives a "dropped" event
// and is expected to reconnect.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := jobIDParam(r)
	sub, first, err := s.service.Subscribe(r.Context(), tenantOf(r), jobID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, r, errors.New("streaming not supported"), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	log := logging.WithFields(r.Context(), "job_id", jobID, "subscriber_id", sub.ID)

	if err := writeSSE(w, first); err != nil {
		return
	}
	flusher.Flush()
	if first.Terminal() {
		return
	}

	for {
		ev, err := nextWithHeartbeat(r.Context(), sub, func() error {
			_, err := fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
			return err
		})
		if err != nil {
			if sub.Dropped() {
				log.Debug("closing dropped push stream", "reason", sub.Err())
				writeSSEDropped(w, sub.Err())
				flusher.Flush()
			}
			return
		}

		if err := writeSSE(w, ev); err != nil {
			log.Debug("push stream closed", "error", err)
			return
		}
		flusher.Flush()
		if ev.Terminal() {
			return
		}
	}
}

// nextWithHeartbeat waits for the next event, calling ping whenever the
// stream has been quiet for sseHeartbeat.
func nextWithHeartbeat(ctx context.Context, sub *core.Subscription, ping func() error) (core.Event, error) {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, sseHeartbeat)
		ev, err := sub.Next(waitCtx)
		cancel()
		if err == nil {
			return ev, nil
		}
		if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return core.Event{}, err
		}
		if err := ping(); err != nil {
			return core.Event{}, err
		}
	}
}

// writeSSE writes one job event. The event id is the job version so
// clients can discard anything older than what they have seen.
func writeSSE(w http.ResponseWriter, ev core.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Version, ev.Type, data)
	return err
}

func writeSSEDropped(w http.ResponseWriter, cause error) {
	reason := "dropped"
	var te *core.TransportError
	if errors.As(cause, &te) {
		reason = te.Reason
	}
	data, _ := json.Marshal(map[string]string{"reason": reason})
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sseDropped, data)
}
