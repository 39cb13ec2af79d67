package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/store"
	"github.com/BTreeMap/CareTriage/internal/util"
)

// createReminderRequest creates a reminder from the caregiver app. The owner is given by
// user_id or device_id. A repeated request_id returns the reminder it already created.
type createReminderRequest struct {
	UserID    string                `json:"user_id"`
	DeviceID  string                `json:"device_id"`
	Title     string                `json:"title"`
	DueAt     *time.Time            `json:"due_at"`
	Status    models.ReminderStatus `json:"status"`
	RequestID string                `json:"request_id"`
}

type updateReminderRequest struct {
	Title *string    `json:"title"`
	DueAt *time.Time `json:"due_at"`
}

type reminderStatusRequest struct {
	Status models.ReminderStatus `json:"status"`
}

func (s *Server) listRemindersHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 100, 500)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	q := r.URL.Query()
	f := store.ReminderFilter{
		UserID: q.Get("user_id"),
		Status: models.ReminderStatus(q.Get("status")),
		Limit:  limit,
	}
	if f.Status != "" && !models.IsValidReminderStatus(f.Status) {
		writeError(w, "Server.listRemindersHandler", models.ErrInvalidStatus)
		return
	}
	reminders, err := s.st.ListReminders(r.Context(), f)
	if err != nil {
		writeError(w, "Server.listRemindersHandler", err)
		return
	}
	if reminders == nil {
		reminders = []models.Reminder{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(reminders))
}

func (s *Server) createReminderHandler(w http.ResponseWriter, r *http.Request) {
	var req createReminderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.createReminderHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if req.DeviceID != "" {
		owner, ok := s.deviceOwner(w, r, "Server.createReminderHandler", req.DeviceID)
		if !ok {
			return
		}
		if userID != "" && userID != owner {
			writeError(w, "Server.createReminderHandler", models.ErrDeviceNotOwned)
			return
		}
		userID = owner
	}
	if req.DueAt == nil {
		writeError(w, "Server.createReminderHandler", models.ErrMissingDueAt)
		return
	}
	switch req.Status {
	case "":
		req.Status = models.ReminderStatusConfirmed
	case models.ReminderStatusConfirmed, models.ReminderStatusDraft:
	default:
		writeError(w, "Server.createReminderHandler", models.ErrInvalidStatus)
		return
	}
	if req.Status == models.ReminderStatusConfirmed && !req.DueAt.After(s.opts.Now()) {
		writeError(w, "Server.createReminderHandler", models.ErrDueInPast)
		return
	}
	ctx := r.Context()
	if userID != "" {
		user, err := s.st.GetUser(ctx, userID)
		if err != nil {
			writeError(w, "Server.createReminderHandler", err)
			return
		}
		if user == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("User not found"))
			return
		}
	}

	rem := models.Reminder{
		ID:        util.NewID(util.PrefixReminder),
		UserID:    userID,
		Title:     strings.TrimSpace(req.Title),
		DueAt:     *req.DueAt,
		Status:    req.Status,
		CreatedAt: s.opts.Now(),
	}
	if id := strings.TrimSpace(req.RequestID); id != "" {
		rem.SourceMessageID = "api:" + id
	}
	stored, created, err := s.st.UpsertReminder(ctx, rem)
	if err != nil {
		writeError(w, "Server.createReminderHandler", err)
		return
	}
	if !created {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Reminder already exists", stored))
		return
	}
	if err := s.conv.ScheduleReminder(ctx, stored); err != nil {
		slog.Error("Server.createReminderHandler: schedule failed", "reminderID", stored.ID, "error", err)
	}
	slog.Info("Server.createReminderHandler: reminder created", "reminderID", stored.ID, "userID", userID, "dueAt", stored.DueAt)
	writeJSONResponse(w, http.StatusCreated, models.Created(stored))
}

func (s *Server) loadReminder(ctx context.Context, w http.ResponseWriter, op, id string) *models.Reminder {
	rem, err := s.st.GetReminder(ctx, id)
	if err != nil {
		writeError(w, op, err)
		return nil
	}
	if rem == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Reminder not found"))
		return nil
	}
	return rem
}

func (s *Server) getReminderHandler(w http.ResponseWriter, r *http.Request) {
	if rem := s.loadReminder(r.Context(), w, "Server.getReminderHandler", chi.URLParam(r, "id")); rem != nil {
		writeJSONResponse(w, http.StatusOK, models.Success(rem))
	}
}

// updateReminderHandler is the explicit edit of a reminder's title or due time. A confirmed
// reminder gets a due job for its new time; the job for the old time skips itself.
func (s *Server) updateReminderHandler(w http.ResponseWriter, r *http.Request) {
	var req updateReminderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.updateReminderHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	ctx := r.Context()
	rem := s.loadReminder(ctx, w, "Server.updateReminderHandler", chi.URLParam(r, "id"))
	if rem == nil {
		return
	}
	title, dueAt := rem.Title, rem.DueAt
	if req.Title != nil {
		title = strings.TrimSpace(*req.Title)
	}
	if req.DueAt != nil {
		dueAt = *req.DueAt
	}
	updated, err := s.st.UpdateReminderSchedule(ctx, rem.ID, title, dueAt)
	if err != nil {
		writeError(w, "Server.updateReminderHandler", err)
		return
	}
	if err := s.conv.ScheduleReminder(ctx, updated); err != nil {
		slog.Error("Server.updateReminderHandler: reschedule failed", "reminderID", updated.ID, "error", err)
	}
	slog.Info("Server.updateReminderHandler: reminder updated", "reminderID", updated.ID, "dueAt", updated.DueAt)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Reminder updated", updated))
}

func (s *Server) reminderStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req reminderStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.reminderStatusHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	ctx := r.Context()
	rem := s.loadReminder(ctx, w, "Server.reminderStatusHandler", chi.URLParam(r, "id"))
	if rem == nil {
		return
	}
	if rem.Status == req.Status {
		writeJSONResponse(w, http.StatusOK, models.Success(rem))
		return
	}
	if !models.CanTransitionReminder(rem.Status, req.Status) {
		writeError(w, "Server.reminderStatusHandler", models.ErrInvalidStatus)
		return
	}
	if err := s.st.UpdateReminderStatus(ctx, rem.ID, rem.Status, req.Status); err != nil {
		writeError(w, "Server.reminderStatusHandler", err)
		return
	}
	updated, err := s.st.GetReminder(ctx, rem.ID)
	if err == nil && updated == nil {
		err = store.ErrNotFound
	}
	if err != nil {
		writeError(w, "Server.reminderStatusHandler", err)
		return
	}
	if err := s.conv.ScheduleReminder(ctx, updated); err != nil {
		slog.Error("Server.reminderStatusHandler: schedule failed", "reminderID", updated.ID, "error", err)
	}
	slog.Info("Server.reminderStatusHandler: status changed", "reminderID", rem.ID, "from", rem.Status, "to", req.Status)
	writeJSONResponse(w, http.StatusOK, models.Success(updated))
}
