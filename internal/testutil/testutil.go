// Package testutil provides common test utilities and helpers for CareTriage tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"time"

	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/predictor"
	"github.com/BTreeMap/CareTriage/internal/store"
	"github.com/BTreeMap/CareTriage/internal/util"
)

// TB is the subset of testing.TB used by the helpers.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	TempDir() string
	Cleanup(func())
}

// NewTestStore creates a SQLite store in a temporary directory, closed when the test ends.
func NewTestStore(t TB) store.Store {
	t.Helper()
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "caretriage.db")))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// SeedSession stores user, a device and a fresh session for it.
func SeedSession(t TB, st store.Store, user models.User) (*models.User, *models.Session) {
	t.Helper()
	ctx := context.Background()
	u, err := st.UpsertUser(ctx, user)
	if err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	dev, err := st.RegisterDevice(ctx, models.Device{ID: "dev_" + u.ID, UserID: u.ID})
	if err != nil {
		t.Fatalf("failed to seed device: %v", err)
	}
	sess := models.Session{ID: util.NewID(util.PrefixSession), UserID: u.ID, DeviceID: dev.ID}
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}
	return u, &sess
}

// ErrFakeFailure is returned by the failing fakes.
var ErrFakeFailure = errors.New("testutil: collaborator failure")

// StaticPredictor returns a fixed analysis and counts its calls.
type StaticPredictor struct {
	mu       sync.Mutex
	Analysis models.MLAnalysis
	calls    int
}

var _ predictor.Predictor = (*StaticPredictor)(nil)

// Predict returns the configured analysis.
func (p *StaticPredictor) Predict(context.Context, string) (models.MLAnalysis, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.Analysis, nil
}

// Calls returns how many times Predict ran.
func (p *StaticPredictor) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// FailingPredictor always fails, optionally after a delay.
type FailingPredictor struct {
	Delay time.Duration
}

var _ predictor.Predictor = FailingPredictor{}

// Predict waits for Delay or the context, then fails.
func (f FailingPredictor) Predict(ctx context.Context, _ string) (models.MLAnalysis, error) {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return models.MLAnalysis{}, ctx.Err()
		}
	}
	return models.MLAnalysis{}, predictor.ErrModelUnavailable
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the JSON envelope and validates its status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
