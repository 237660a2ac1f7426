package panel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rendis/invoiceflow/internal/streaming"
)

// handleSSERuns streams the run events of the caller's tenant. Callers
// without a company receive every event.
func (s *PanelServer) handleSSERuns(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.EventFilter{
		CompanyID:  callerFrom(r).Tenant(),
		EventTypes: r.URL.Query()["type"],
	})
}

// handleSSERun streams the events of one run the caller may see.
func (s *PanelServer) handleSSERun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.deps.Service.Get(r.Context(), runID, callerFrom(r)); err != nil {
		writeFlowError(w, err)
		return
	}
	s.serveSSE(w, r, streaming.EventFilter{RunID: runID})
}

// serveSSE is the common SSE implementation.
func (s *PanelServer) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.EventFilter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if errors.Is(err, streaming.ErrHubClosed) {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", slog.Any("error", err))
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
			flusher.Flush()
		}
	}
}
