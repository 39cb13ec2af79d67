// Package predictor defines the ML prediction collaborator and the timeout guard that turns
// its failures into a degraded result instead of an error.
package predictor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/util"
)

// ErrModelUnavailable is returned when no prediction could be obtained.
var ErrModelUnavailable = errors.New("model unavailable")

// DefaultTimeout bounds a single prediction call.
const DefaultTimeout = 2 * time.Second

// Predictor produces intent, sentiment, emotion and entity predictions for an utterance.
type Predictor interface {
	Predict(ctx context.Context, text string) (models.MLAnalysis, error)
}

// Status tells how a Result was obtained.
type Status string

const (
	StatusFull     Status = "full"
	StatusDegraded Status = "degraded"
	StatusSkipped  Status = "skipped" // not called, e.g. on the emergency path
)

// Result is the outcome of a guarded prediction. Analysis is nil unless Status is StatusFull.
type Result struct {
	Analysis *models.MLAnalysis
	Status   Status
	Err      error
}

// Degraded reports whether predictions were wanted but unavailable.
func (r Result) Degraded() bool {
	return r.Status == StatusDegraded
}

// Intent returns the predicted intent, or nil when there is none.
func (r Result) Intent() *models.IntentPrediction {
	return r.Analysis.PredictedIntent()
}

// Entities returns the predicted entities, or nil.
func (r Result) Entities() []models.Entity {
	if r.Analysis == nil {
		return nil
	}
	return r.Analysis.Entities
}

// Full wraps an analysis obtained outside a Guard.
func Full(a models.MLAnalysis) Result {
	return Result{Analysis: &a, Status: StatusFull}
}

// Skipped is the result used when the predictor is deliberately not consulted.
func Skipped() Result {
	return Result{Status: StatusSkipped}
}

// Guard wraps a Predictor with a timeout and never returns an error.
type Guard struct {
	predictor Predictor
	timeout   time.Duration
}

// NewGuard creates a Guard. A nil predictor always yields degraded results.
func NewGuard(p Predictor, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Guard{predictor: p, timeout: timeout}
}

// Predict calls the wrapped predictor, bounded by the guard's timeout.
func (g *Guard) Predict(ctx context.Context, text string) Result {
	if g == nil || g.predictor == nil {
		return Result{Status: StatusDegraded, Err: ErrModelUnavailable}
	}

	a, err := util.CallWithTimeout(ctx, g.timeout, func(ctx context.Context) (models.MLAnalysis, error) {
		return g.predictor.Predict(ctx, text)
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		slog.Warn("Guard.Predict: predictor timed out, degrading", "timeout", g.timeout)
		return Result{Status: StatusDegraded, Err: ErrModelUnavailable}
	case err != nil:
		slog.Warn("Guard.Predict: predictor failed, degrading", "error", err)
		return Result{Status: StatusDegraded, Err: err}
	}
	return Full(a)
}

// Unavailable is a Predictor that always fails. It is used when no model server is configured.
type Unavailable struct{}

// Predict always returns ErrModelUnavailable.
func (Unavailable) Predict(context.Context, string) (models.MLAnalysis, error) {
	return models.MLAnalysis{}, ErrModelUnavailable
}

var _ Predictor = Unavailable{}
