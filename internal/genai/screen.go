package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/CareTriage/internal/flow"
	"github.com/BTreeMap/CareTriage/internal/orchestrator"
	"github.com/BTreeMap/CareTriage/internal/textnorm"
)

const (
	screenTemperature = 0
	screenMaxTokens   = 50
)

const screenSystemPrompt = `Eres un clasificador breve. Responde en una sola línea.
Clasifica el texto en: normal, abuso, spam, emergencia_medica, autolesion.
Devuelve solo la clase como primera palabra y una breve razón.`

// screenClasses maps the first word of the answer to a class. Anything else is normal.
var screenClasses = map[string]flow.ContentClass{
	"normal":     flow.ContentNormal,
	"abuso":      flow.ContentAbuse,
	"spam":       flow.ContentSpam,
	"emergencia": flow.ContentEmergency,
	"autolesion": flow.ContentSelfHarm,
}

// Screen asks the model whether an utterance is abusive, spam or a cry for help.
type Screen struct {
	client *Client
}

var _ orchestrator.ContentScreen = (*Screen)(nil)

// NewScreen creates a Screen on top of client.
func NewScreen(client *Client) *Screen {
	return &Screen{client: client}
}

// Screen classifies text.
func (s *Screen) Screen(ctx context.Context, text string) (*flow.ContentVerdict, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("content screen not configured")
	}
	raw, err := s.client.complete(ctx, "Screen", []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(screenSystemPrompt),
		openai.UserMessage("Texto: " + text),
	}, screenTemperature, screenMaxTokens)
	if err != nil {
		return nil, err
	}
	v := parseScreen(raw)
	slog.Debug("Screen.Screen: verdict", "class", v.Class, "answer", raw)
	return v, nil
}

// parseScreen reads the class off the first word, so "Abuso: insulta al asistente" is abuse
// and "emergencia_medica" is an emergency.
func parseScreen(raw string) *flow.ContentVerdict {
	raw = stripFences(raw)
	class := flow.ContentNormal
	if words := textnorm.Words(raw); len(words) > 0 {
		if c, ok := screenClasses[words[0]]; ok {
			class = c
		}
	}
	return &flow.ContentVerdict{Class: class, Reason: strings.Join(strings.Fields(raw), " ")}
}
