package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/CareTriage/internal/flow"
	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/orchestrator"
	"github.com/BTreeMap/CareTriage/internal/textnorm"
)

// ErrInvalidVerdict is returned when the model's answer cannot be parsed.
var ErrInvalidVerdict = errors.New("invalid validator verdict")

const (
	validatorTemperature = 0.1
	validatorMaxTokens   = 100
	validatorHistory     = 4
)

const validatorSystemPrompt = `Clasificas mensajes de personas mayores dirigidos a un asistente de voz.
Flujos posibles:
- emergencia: peligro para la salud o la vida, caída, dolor fuerte, falta de aire, pedir ayuda urgente.
- recordatorio: pide que le recuerdes algo (medicación, citas, tareas) en un momento concreto.
- monitoreo_salud: informa de una medida de salud (tensión, glucosa, pulso, peso, temperatura).
- consulta_informacion: pregunta por información (hora, tiempo, datos, cómo hacer algo).
- acompanamiento_social: quiere conversar, contar cómo está o sentirse acompañada.

Responde SOLO con JSON, sin texto adicional:
{"flow": "<flujo>", "confidence": <0 a 1>, "corrected": <true si difiere de la intención detectada>, "reason": "<motivo breve>"}`

// flowLabels maps the validator's Spanish labels to flows.
var flowLabels = map[string]models.Flow{
	"emergencia":            models.FlowEmergency,
	"recordatorio":          models.FlowReminder,
	"monitoreo_salud":       models.FlowHealthMetric,
	"consulta_informacion":  models.FlowQuery,
	"acompanamiento_social": models.FlowCompanionship,
}

type verdict struct {
	Flow       string   `json:"flow"`
	Confidence *float64 `json:"confidence"`
	Corrected  bool     `json:"corrected"`
	Reason     string   `json:"reason"`
}

// Validator asks the model for a second opinion on the flow of an utterance.
type Validator struct {
	client *Client
}

var _ orchestrator.FlowValidator = (*Validator)(nil)

// NewValidator creates a Validator on top of client.
func NewValidator(client *Client) *Validator {
	return &Validator{client: client}
}

// Validate returns the model's flow suggestion. A missing confidence counts as 1.
func (v *Validator) Validate(ctx context.Context, vc orchestrator.ValidationContext) (*flow.FlowSuggestion, error) {
	if v == nil || v.client == nil {
		return nil, fmt.Errorf("validator not configured")
	}
	raw, err := v.client.complete(ctx, "Validate", []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(validatorSystemPrompt),
		openai.UserMessage(validationPrompt(vc)),
	}, validatorTemperature, validatorMaxTokens)
	if err != nil {
		return nil, err
	}
	s, err := parseVerdict(raw)
	if err != nil {
		slog.Warn("Validator.Validate: unusable answer", "answer", raw, "error", err)
		return nil, err
	}
	slog.Debug("Validator.Validate: suggestion", "flow", s.Flow, "confidence", s.Confidence, "corrected", s.Corrected)
	return s, nil
}

func validationPrompt(vc orchestrator.ValidationContext) string {
	var b strings.Builder
	if n := len(vc.History); n > 0 {
		start := n - validatorHistory
		if start < 0 {
			start = 0
		}
		b.WriteString("Conversación reciente:\n")
		for _, m := range vc.History[start:] {
			who := "Usuario"
			if m.Direction == models.DirectionOut {
				who = "Asistente"
			}
			fmt.Fprintf(&b, "%s: %s\n", who, m.Text)
		}
		b.WriteString("\n")
	}
	if vc.Intent != nil {
		fmt.Fprintf(&b, "Intención detectada: %s (confianza %.2f)\n", vc.Intent.Label, vc.Intent.Confidence)
	} else {
		b.WriteString("Intención detectada: desconocida\n")
	}
	fmt.Fprintf(&b, "Mensaje: %q", vc.Text)
	return b.String()
}

// parseVerdict decodes the model answer, tolerating markdown code fences.
func parseVerdict(raw string) (*flow.FlowSuggestion, error) {
	text := stripFences(raw)
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		text = text[i : j+1]
	}
	var vd verdict
	if err := json.Unmarshal([]byte(text), &vd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerdict, err)
	}
	label := strings.ReplaceAll(textnorm.Normalize(vd.Flow), " ", "_")
	f, ok := flowLabels[label]
	if !ok {
		return nil, fmt.Errorf("%w: unknown flow %q", ErrInvalidVerdict, vd.Flow)
	}
	confidence := 1.0
	if vd.Confidence != nil {
		confidence = *vd.Confidence
	}
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}
	return &flow.FlowSuggestion{Flow: f, Confidence: confidence, Corrected: vd.Corrected, Reason: vd.Reason}, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.Index(s, "\n"); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
