package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/fleetkey/fleetkey/internal/notify"
)

// handleEvents streams rotation signals as server-sent events. Clients
// treat every frame as an invalidation hint and refetch the status
// endpoints; the frame payload is just the signal envelope.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := s.hub.Subscribe()
	defer cancel()
	s.logger.Debug("event stream client connected (%d total)", s.hub.Len())

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("event stream client disconnected")
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(sig)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sig.Event, data)
			flusher.Flush()
		}
	}
}

// handleRotationChanged receives the scheduler's cross-process signal
// and fans it out to event-stream clients. The body is decoded only to
// recover the signal envelope; any well-formed signal is treated as
// the same invalidation hint.
func (s *Server) handleRotationChanged(w http.ResponseWriter, r *http.Request) {
	if s.cfg.InternalToken != "" {
		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if auth == "" || token != s.cfg.InternalToken {
			s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid internal token"})
			return
		}
	}

	var sig notify.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil || sig.Event == "" {
		sig = notify.NewSignal()
	}

	s.hub.Broadcast(sig)
	s.logger.Debug("rotation signal %s relayed to %d client(s)", sig.ID, s.hub.Len())
	w.WriteHeader(http.StatusNoContent)
}
