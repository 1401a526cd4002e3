package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/songzhibin97/seoflow/events"
	"github.com/songzhibin97/seoflow/types"
)

// EventSnapshot is the SSE event name of the first message on a stream,
// carrying the full status view.
const EventSnapshot = "snapshot"

// handleEvents streams a session's bus events as Server-Sent Events until
// the session is terminal or the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		JSONError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	id := r.PathValue("session_id")

	// Subscribe before the snapshot so nothing falls in between.
	ch, cancel := s.engine.Bus().Stream(id, 64)
	defer cancel()

	view, err := s.engine.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, EventSnapshot, 0, view); err != nil {
		return
	}
	flusher.Flush()
	if view.Status.Terminal() {
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			// The stream buffer may have dropped the terminal event; status
			// is the source of truth.
			if view, err := s.engine.Status(r.Context(), id); err == nil && view.Status.Terminal() {
				if err := writeSSE(w, EventSnapshot, 0, view); err == nil {
					flusher.Flush()
				}
				return
			}
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, ev.Type, ev.Seq, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Type == events.TypeStateChanged {
				if status, _ := ev.Data["status"].(string); types.Status(status).Terminal() {
					return
				}
			}
		}
	}
}

// writeSSE writes one message; seq 0 omits the id line.
func writeSSE(w http.ResponseWriter, event string, seq uint64, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
