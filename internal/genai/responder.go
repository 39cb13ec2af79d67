package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/orchestrator"
	"github.com/BTreeMap/CareTriage/internal/tone"
)

const responderSystemPrompt = `Eres un asistente de voz que acompaña a personas mayores que viven solas.
Hablas siempre en español, con frases cortas y palabras sencillas, porque tu respuesta se leerá en voz alta.

Reglas:
- Responde en 2 a 5 frases.
- Usa lo que la persona ya te contó en la conversación; no repitas preguntas ya respondidas.
- Haz como mucho una pregunta por respuesta.
- No des diagnósticos ni cambies tratamientos. Si habla de síntomas, sugiere hablar con su médico.
- Si menciona peligro, dolor fuerte o una caída, pídele que diga «emergencia» para avisar a su contacto.
- No uses emojis, listas ni formato.`

var flowGuidance = map[models.Flow]string{
	models.FlowCompanionship: "La persona quiere conversar. Escucha, valida cómo se siente y mantén viva la charla.",
	models.FlowQuery:         "La persona pide información. Responde de forma directa y sencilla; si no lo sabes, dilo con honestidad.",
	models.FlowHealthMetric:  "La persona habla de su salud. Agradece que lo cuente y anímala a registrar sus valores.",
}

// Responder generates free-form replies for the companionship and query flows.
type Responder struct {
	client *Client
}

var _ orchestrator.ResponseGenerator = (*Responder)(nil)

// NewResponder creates a Responder on top of client.
func NewResponder(client *Client) *Responder {
	return &Responder{client: client}
}

// Generate composes a reply from the user's profile, the recent history and the tone tags.
func (r *Responder) Generate(ctx context.Context, gc orchestrator.GenerationContext) (string, error) {
	if r == nil || r.client == nil {
		return "", fmt.Errorf("responder not configured")
	}
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(buildSystemPrompt(gc))}
	for _, m := range gc.History {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		if m.Direction == models.DirectionOut {
			messages = append(messages, openai.AssistantMessage(m.Text))
		} else {
			messages = append(messages, openai.UserMessage(m.Text))
		}
	}
	messages = append(messages, openai.UserMessage(gc.Text))

	slog.Debug("Responder.Generate: requesting reply", "flow", gc.Flow, "history", len(gc.History), "tags", gc.ToneTags)
	reply, err := r.client.GenerateWithMessages(ctx, messages)
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", ErrNoChoicesReturned
	}
	return reply, nil
}

// buildSystemPrompt assembles the rules, the flow guidance, the user's profile and the tone
// policy.
func buildSystemPrompt(gc orchestrator.GenerationContext) string {
	var b strings.Builder
	b.WriteString(responderSystemPrompt)
	if g, ok := flowGuidance[gc.Flow]; ok {
		b.WriteString("\n\n")
		b.WriteString(g)
	}

	if u := gc.User; u != nil {
		var profile []string
		if u.Name != "" {
			profile = append(profile, "Nombre: "+u.Name+". Llámala o llámalo por su nombre de vez en cuando.")
		}
		if len(u.Conditions) > 0 {
			profile = append(profile, "Condiciones de salud: "+strings.Join(u.Conditions, ", ")+".")
		}
		if strings.TrimSpace(u.MedicalNotes) != "" {
			profile = append(profile, "Notas médicas: "+strings.TrimSpace(u.MedicalNotes))
		}
		if len(profile) > 0 {
			b.WriteString("\n\nSobre la persona:\n")
			b.WriteString(strings.Join(profile, "\n"))
		}
	}

	if gc.Analysis != nil && gc.Analysis.Sentiment != "" {
		b.WriteString("\n\nEstado de ánimo detectado: ")
		b.WriteString(sentimentHint(gc.Analysis.Sentiment))
	}

	if guide := tone.BuildToneGuide(gc.ToneTags); guide != "" {
		b.WriteString("\n\n")
		b.WriteString(guide)
	}
	return b.String()
}

func sentimentHint(sentiment string) string {
	switch strings.ToUpper(sentiment) {
	case tone.SentimentNegative:
		return "negativo. Muestra apoyo: «Estoy contigo»."
	case tone.SentimentPositive:
		return "positivo. Comparte su alegría."
	default:
		return "neutro. «Estoy aquí para ayudarte»."
	}
}
