package server

import (
	"encoding/json"
	"net/http"

	"github.com/fleetkey/fleetkey/internal/device"
	fkerrors "github.com/fleetkey/fleetkey/internal/errors"
)

type triggerResponse struct {
	Result string `json:"result"`
}

// handleTriggerRotation force-queues one device. 202 because queueing
// only starts the handshake; the device finishes it on its own time.
func (s *Server) handleTriggerRotation(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	outcome, err := s.engine.TriggerSingleDeviceRotation(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, triggerResponse{Result: string(outcome)})
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var req setActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fkerrors.InvalidRequestError{Field: "body", Message: "malformed JSON"})
		return
	}
	if req.Active == nil {
		s.writeError(w, fkerrors.InvalidRequestError{Field: "active", Message: "field is required"})
		return
	}

	d, err := s.store.SetActive(r.Context(), key, *req.Active)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

type advanceRequest struct {
	To string `json:"to"`
}

// handleAdvanceRotation is the device-facing handshake endpoint:
// devices report PENDING when they start adopting a queued credential
// and OK when they finish.
func (s *Server) handleAdvanceRotation(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var req advanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fkerrors.InvalidRequestError{Field: "body", Message: "malformed JSON"})
		return
	}

	if err := s.engine.AdvanceDeviceRotation(r.Context(), key, device.State(req.To)); err != nil {
		s.writeError(w, err)
		return
	}

	d, err := s.store.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	d, err := s.store.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}
