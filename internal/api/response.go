package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/sessionlock"
	"github.com/BTreeMap/CareTriage/internal/store"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so an encoding failure can still change the status code.
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("missing request body")
		}
		return err
	}
	return nil
}

// badRequestErrors are validation failures reported to the caller verbatim.
var badRequestErrors = []error{
	models.ErrEmptyText,
	models.ErrTextTooLong,
	models.ErrEmptyUserID,
	models.ErrEmptyDeviceID,
	models.ErrEmptyTitle,
	models.ErrTitleTooLong,
	models.ErrInvalidStatus,
	models.ErrEmptyMetricName,
	models.ErrMissingDueAt,
	models.ErrDueInPast,
	models.ErrEmptyContactInfo,
}

// statusForError maps domain errors to HTTP status codes and a client-safe message.
func statusForError(err error) (int, string) {
	for _, target := range badRequestErrors {
		if errors.Is(err, target) {
			return http.StatusBadRequest, target.Error()
		}
	}
	switch {
	case errors.Is(err, models.ErrInvalidSession):
		return http.StatusNotFound, models.ErrInvalidSession.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, models.ErrDeviceNotOwned):
		return http.StatusConflict, models.ErrDeviceNotOwned.Error()
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "Resource changed concurrently, retry"
	case errors.Is(err, sessionlock.ErrNotAcquired):
		return http.StatusServiceUnavailable, "Session busy, retry"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// writeError logs err under op and writes the mapped error envelope.
func writeError(w http.ResponseWriter, op string, err error) {
	status, msg := statusForError(err)
	if status >= http.StatusInternalServerError {
		slog.Error(op+": request failed", "error", err)
	} else {
		slog.Warn(op+": request rejected", "status", status, "error", err)
	}
	writeJSONResponse(w, status, models.Error(msg))
}

// queryLimit parses the limit query parameter, falling back to def and capping at max.
func queryLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if n > max {
		n = max
	}
	return n, nil
}
