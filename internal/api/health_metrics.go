package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/store"
	"github.com/BTreeMap/CareTriage/internal/util"
)

type createHealthMetricRequest struct {
	UserID     string     `json:"user_id"`
	DeviceID   string     `json:"device_id"`
	Metric     string     `json:"metric"`
	Value      *float64   `json:"value"`
	Unit       string     `json:"unit"`
	ValueText  string     `json:"value_text"`
	MeasuredAt *time.Time `json:"measured_at"`
}

func (s *Server) createHealthMetricHandler(w http.ResponseWriter, r *http.Request) {
	var req createHealthMetricRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.createHealthMetricHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	now := s.opts.Now()
	m := models.HealthMetric{
		ID:         util.NewID(util.PrefixMetric),
		UserID:     strings.TrimSpace(req.UserID),
		DeviceID:   req.DeviceID,
		Metric:     strings.ToLower(strings.TrimSpace(req.Metric)),
		Value:      req.Value,
		Unit:       req.Unit,
		ValueText:  req.ValueText,
		MeasuredAt: now,
		CreatedAt:  now,
	}
	if req.MeasuredAt != nil {
		m.MeasuredAt = *req.MeasuredAt
	}
	if err := m.Validate(); err != nil {
		writeError(w, "Server.createHealthMetricHandler", err)
		return
	}
	user, err := s.st.GetUser(r.Context(), m.UserID)
	if err != nil {
		writeError(w, "Server.createHealthMetricHandler", err)
		return
	}
	if user == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("User not found"))
		return
	}
	if err := s.st.SaveHealthMetric(r.Context(), m); err != nil {
		writeError(w, "Server.createHealthMetricHandler", err)
		return
	}
	slog.Debug("Server.createHealthMetricHandler: metric saved", "userID", m.UserID, "metric", m.Metric)
	writeJSONResponse(w, http.StatusCreated, models.Created(m))
}

func (s *Server) listHealthMetricsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if strings.TrimSpace(q.Get("user_id")) == "" {
		writeError(w, "Server.listHealthMetricsHandler", models.ErrEmptyUserID)
		return
	}
	limit, err := queryLimit(r, 100, 500)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	metrics, err := s.st.ListHealthMetrics(r.Context(), store.HealthFilter{
		UserID: q.Get("user_id"),
		Metric: strings.ToLower(q.Get("metric")),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, "Server.listHealthMetricsHandler", err)
		return
	}
	if metrics == nil {
		metrics = []models.HealthMetric{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(metrics))
}
