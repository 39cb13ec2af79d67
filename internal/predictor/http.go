package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/CareTriage/internal/models"
)

// HTTPPredictor calls a model server that accepts {"text": ...} on POST /predict and answers
// with an MLAnalysis document.
type HTTPPredictor struct {
	baseURL string
	client  *http.Client
}

// HTTPOption configures an HTTPPredictor.
type HTTPOption func(*HTTPPredictor)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPPredictor) {
		if c != nil {
			p.client = c
		}
	}
}

// NewHTTPPredictor creates a predictor for the server at baseURL.
func NewHTTPPredictor(baseURL string, opts ...HTTPOption) *HTTPPredictor {
	p := &HTTPPredictor{baseURL: strings.TrimRight(baseURL, "/"), client: http.DefaultClient}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ Predictor = (*HTTPPredictor)(nil)

type predictRequest struct {
	Text string `json:"text"`
}

// Predict posts text to the model server.
func (p *HTTPPredictor) Predict(ctx context.Context, text string) (models.MLAnalysis, error) {
	body, err := json.Marshal(predictRequest{Text: text})
	if err != nil {
		return models.MLAnalysis{}, fmt.Errorf("failed to marshal predict request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return models.MLAnalysis{}, fmt.Errorf("failed to build predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return models.MLAnalysis{}, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Debug("HTTPPredictor.Predict: non-200 response", "status", resp.StatusCode, "body", string(msg))
		return models.MLAnalysis{}, fmt.Errorf("%w: status %d", ErrModelUnavailable, resp.StatusCode)
	}

	var analysis models.MLAnalysis
	if err := json.NewDecoder(resp.Body).Decode(&analysis); err != nil {
		return models.MLAnalysis{}, fmt.Errorf("%w: invalid response: %v", ErrModelUnavailable, err)
	}
	return analysis, nil
}
