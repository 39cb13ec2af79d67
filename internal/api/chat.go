package api

import (
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/orchestrator"
)

// chatHandler handles POST /chat: one user utterance in, one reply out.
func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.chatHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	resp, err := s.conv.HandleMessage(r.Context(), req)
	if err != nil {
		writeError(w, "Server.chatHandler", err)
		return
	}
	slog.Debug("Server.chatHandler: replied", "sessionID", req.SessionID, "flow", resp.Flow, "replayed", resp.Replayed)
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}
