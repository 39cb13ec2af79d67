package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/predictor"
)

// mockTestingT captures failures without failing the enclosing test.
type mockTestingT struct {
	failed   bool
	messages []string
	dir      string
}

func (m *mockTestingT) Helper() {}
func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.messages = append(m.messages, fmt.Sprintf(format, args...))
}
func (m *mockTestingT) Fatalf(format string, args ...interface{}) {
	m.failed = true
	m.messages = append(m.messages, fmt.Sprintf(format, args...))
}
func (m *mockTestingT) TempDir() string  { return m.dir }
func (m *mockTestingT) Cleanup(f func()) {}

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{name: "matching status codes", expected: 200, actual: 200},
		{name: "different status codes", expected: 200, actual: 404, shouldFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")
			if tt.shouldFail != mockT.failed {
				t.Errorf("failed = %v, want %v (%v)", mockT.failed, tt.shouldFail, mockT.messages)
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Body.WriteString(`{"status":"ok","result":{"id":"x"}}`)
	resp := AssertJSONResponse(t, rr, "ok")
	if resp["result"] == nil {
		t.Error("expected result in decoded response")
	}

	mockT := &mockTestingT{}
	rr = httptest.NewRecorder()
	rr.Body.WriteString(`{"status":"error"}`)
	AssertJSONResponse(mockT, rr, "ok")
	if !mockT.failed {
		t.Error("expected status mismatch to fail")
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, "POST", "/chat", map[string]string{"text": "hola"})
	if req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("expected JSON content type, got %q", req.Header.Get("Content-Type"))
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var body map[string]string
	MustUnmarshalJSON(t, data, &body)
	if body["text"] != "hola" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestSeedSession(t *testing.T) {
	st := NewTestStore(t)
	u, sess := SeedSession(t, st, models.User{ID: "u_seed", Name: "Carmen"})
	if u.Name != "Carmen" {
		t.Errorf("expected seeded user name, got %q", u.Name)
	}
	got, err := st.GetSession(context.Background(), sess.ID)
	if err != nil || got == nil {
		t.Fatalf("expected stored session, got %v, %v", got, err)
	}
	if got.DeviceID != "dev_u_seed" {
		t.Errorf("unexpected device %q", got.DeviceID)
	}
}

func TestPredictorFakes(t *testing.T) {
	sp := &StaticPredictor{Analysis: models.MLAnalysis{Intent: "recordatorio", IntentConfidence: 0.9}}
	a, err := sp.Predict(context.Background(), "x")
	if err != nil || a.Intent != "recordatorio" || sp.Calls() != 1 {
		t.Fatalf("unexpected static prediction: %+v, %v, calls=%d", a, err, sp.Calls())
	}

	_, err = FailingPredictor{}.Predict(context.Background(), "x")
	if !errors.Is(err, predictor.ErrModelUnavailable) {
		t.Errorf("expected ErrModelUnavailable, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = FailingPredictor{Delay: time.Second}.Predict(ctx, "x")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
