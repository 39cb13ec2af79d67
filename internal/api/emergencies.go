package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/CareTriage/internal/models"
)

// Device polling states.
const (
	deviceStateOK        = "ok"
	deviceStateEmergency = "emergency"
)

// emergencyStatus is polled by the device every few seconds.
type emergencyStatus struct {
	State     string                 `json:"state"`
	Emergency *models.EmergencyEvent `json:"emergency,omitempty"`
}

type triggerEmergencyRequest struct {
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason"`
}

func (s *Server) deviceOwner(w http.ResponseWriter, r *http.Request, op, deviceID string) (string, bool) {
	if strings.TrimSpace(deviceID) == "" {
		writeError(w, op, models.ErrEmptyDeviceID)
		return "", false
	}
	device, err := s.st.GetDevice(r.Context(), deviceID)
	if err != nil {
		writeError(w, op, err)
		return "", false
	}
	if device == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Device not found"))
		return "", false
	}
	return device.UserID, true
}

func (s *Server) emergencyStatusHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.deviceOwner(w, r, "Server.emergencyStatusHandler", chi.URLParam(r, "device_id"))
	if !ok {
		return
	}
	ev, err := s.st.GetActiveEmergency(r.Context(), userID)
	if err != nil {
		writeError(w, "Server.emergencyStatusHandler", err)
		return
	}
	status := emergencyStatus{State: deviceStateOK}
	if ev != nil {
		status = emergencyStatus{State: deviceStateEmergency, Emergency: ev}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

// triggerEmergencyHandler handles the manual SOS button.
func (s *Server) triggerEmergencyHandler(w http.ResponseWriter, r *http.Request) {
	var req triggerEmergencyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.triggerEmergencyHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	userID, ok := s.deviceOwner(w, r, "Server.triggerEmergencyHandler", req.DeviceID)
	if !ok {
		return
	}
	ev, err := s.conv.TriggerEmergency(r.Context(), userID, req.Reason)
	if err != nil && ev == nil {
		writeError(w, "Server.triggerEmergencyHandler", err)
		return
	}
	if err != nil {
		// The event is open; only the contact alert failed.
		slog.Error("Server.triggerEmergencyHandler: contact not notified", "emergencyID", ev.ID, "error", err)
		writeJSONResponse(w, http.StatusCreated, models.APIResponse{
			Status:  string(models.APIStatusCreated),
			Message: "Emergency opened, contact notification failed",
			Result:  ev,
		})
		return
	}
	slog.Warn("Server.triggerEmergencyHandler: emergency triggered", "emergencyID", ev.ID, "userID", userID)
	writeJSONResponse(w, http.StatusCreated, models.Created(ev))
}

func (s *Server) listEmergenciesHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if strings.TrimSpace(userID) == "" {
		writeError(w, "Server.listEmergenciesHandler", models.ErrEmptyUserID)
		return
	}
	limit, err := queryLimit(r, 50, 200)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	events, err := s.st.ListEmergencies(r.Context(), userID, limit)
	if err != nil {
		writeError(w, "Server.listEmergenciesHandler", err)
		return
	}
	if events == nil {
		events = []models.EmergencyEvent{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(events))
}

func (s *Server) getEmergencyHandler(w http.ResponseWriter, r *http.Request) {
	ev, err := s.st.GetEmergency(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "Server.getEmergencyHandler", err)
		return
	}
	if ev == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Emergency not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(ev))
}

// closeEmergencyHandler resolves or cancels an active emergency from the caregiver side.
func (s *Server) closeEmergencyHandler(status models.EmergencyStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, err := s.st.CloseEmergency(r.Context(), chi.URLParam(r, "id"), status)
		if err != nil {
			writeError(w, "Server.closeEmergencyHandler", err)
			return
		}
		slog.Info("Server.closeEmergencyHandler: emergency closed", "emergencyID", ev.ID, "status", status)
		writeJSONResponse(w, http.StatusOK, models.Success(ev))
	}
}
