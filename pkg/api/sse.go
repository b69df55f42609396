package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/buildnet-io/buildnet/pkg/errdefs"
	"github.com/buildnet-io/buildnet/pkg/types"
)

const sseHeartbeat = 15 * time.Second

// handleEvents streams dashboard state over SSE: the full snapshot first,
// then one `state` event per tracker broadcast, with comment heartbeats to
// keep intermediaries from closing the connection.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorStatus(w, http.StatusInternalServerError, errdefs.CodeInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// refresh the snapshot so the subscriber's initial full state is current
	s.daemon.DashboardState(r.Context())

	updates := make(chan types.StateUpdate, 16)
	subID := "sse-" + uuid.New().String()
	unsubscribe := s.daemon.Tracker().Subscribe(subID, func(u types.StateUpdate) {
		select {
		case updates <- u:
		default:
			// slow consumer: drop the incremental, the next full state resyncs
		}
	}, nil)
	defer unsubscribe()

	s.logger.Debug().Str("subscriber", subID).Msg("sse stream opened")
	defer s.logger.Debug().Str("subscriber", subID).Msg("sse stream closed")

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case update := <-updates:
			if err := writeSSE(w, "state", update); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
