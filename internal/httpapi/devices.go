package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"fleethub/internal/fleet"
)

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		respondError(w, http.StatusUnauthorized, "missing_user", "X-User-ID header is required")
		return
	}

	var req fleet.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.UserID = uid

	device, err := s.fleet.Register(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "device_register_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, device)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		respondError(w, http.StatusUnauthorized, "missing_user", "X-User-ID header is required")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"devices": s.fleet.ListByUser(uid)})
}

func (s *Server) handleDeviceHeartbeat(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	deviceID := strings.TrimSpace(chi.URLParam(r, "id"))
	if uid == "" || deviceID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user and device id are required")
		return
	}

	lastSeen, err := s.fleet.Heartbeat(uid, deviceID)
	if err != nil {
		if errors.Is(err, fleet.ErrNotFound) {
			respondError(w, http.StatusNotFound, "device_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "heartbeat_failed", err.Error())
		return
	}
	s.metrics.OnlineDevices.Set(float64(s.fleet.OnlineCount()))
	respondJSON(w, http.StatusOK, map[string]any{"last_seen_at": lastSeen})
}

func (s *Server) handleDeviceCapabilities(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	deviceID := strings.TrimSpace(chi.URLParam(r, "id"))
	if uid == "" || deviceID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user and device id are required")
		return
	}

	var patch fleet.CapabilitiesPatch
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	device, err := s.fleet.UpdateCapabilities(uid, deviceID, patch)
	if err != nil {
		if errors.Is(err, fleet.ErrNotFound) {
			respondError(w, http.StatusNotFound, "device_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "capabilities_update_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, device)
}
