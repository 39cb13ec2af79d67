// Package tone maps predicted sentiment and emotion to a fixed whitelist of tone tags, builds
// the tone guide injected into generator prompts, and renders the template replies used when
// no generator is available.
package tone

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/samber/lo"

	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/textnorm"
)

// ---- Whitelist ----

// AllTags is the hard-coded set of tone tags.
var AllTags = map[string]bool{
	// Style
	"concise":                true,
	"simple_words":           true,
	"formal":                 true,
	"casual":                 true,
	"no_emojis":              true,
	"one_question_at_a_time": true,
	// Stance
	"warm_supportive":  true,
	"calm_reassuring":  true,
	"cheerful":         true,
	"neutral_friendly": true,
}

// BaseTags apply to every reply: the device reads replies aloud to elderly users.
var BaseTags = []string{"no_emojis", "simple_words", "one_question_at_a_time"}

// mutuallyExclusivePairs defines tags where at most one may be active. The first tag wins.
var mutuallyExclusivePairs = [][2]string{
	{"formal", "casual"},
	{"calm_reassuring", "cheerful"},
	{"warm_supportive", "cheerful"},
}

// Sentiment labels produced by the predictor.
const (
	SentimentNegative = "NEG"
	SentimentNeutral  = "NEU"
	SentimentPositive = "POS"
)

// emotionTags maps predicted emotion labels (accent-folded) to stance tags.
var emotionTags = map[string][]string{
	"tristeza": {"warm_supportive"},
	"soledad":  {"warm_supportive"},
	"miedo":    {"calm_reassuring"},
	"ansiedad": {"calm_reassuring"},
	"enojo":    {"calm_reassuring", "concise"},
	"ira":      {"calm_reassuring", "concise"},
	"alegria":  {"cheerful"},
	"sorpresa": {"neutral_friendly"},
}

// ---- Public API ----

// ValidateTags strips unknown tags, removes duplicates and enforces mutual exclusion.
func ValidateTags(tags []string) []string {
	cleaned := lo.Uniq(lo.FilterMap(tags, func(t string, _ int) (string, bool) {
		t = strings.TrimSpace(strings.ToLower(t))
		return t, AllTags[t]
	}))
	set := lo.SliceToMap(cleaned, func(t string) (string, bool) { return t, true })
	for _, pair := range mutuallyExclusivePairs {
		if set[pair[0]] && set[pair[1]] {
			delete(set, pair[1])
		}
	}
	return lo.Filter(cleaned, func(t string, _ int) bool { return set[t] })
}

// FromAnalysis derives the tone tags for a reply. A nil analysis yields the base tags plus a
// neutral stance.
func FromAnalysis(a *models.MLAnalysis) []string {
	tags := append([]string{}, BaseTags...)
	if a == nil {
		return append(tags, "neutral_friendly")
	}
	if mapped, ok := emotionTags[textnorm.Normalize(a.Emotion)]; ok {
		tags = append(tags, mapped...)
	}
	switch strings.ToUpper(a.Sentiment) {
	case SentimentNegative:
		tags = append(tags, "warm_supportive")
	case SentimentPositive:
		tags = append(tags, "cheerful")
	}
	if !hasStance(tags) {
		tags = append(tags, "neutral_friendly")
	}
	return ValidateTags(tags)
}

// BuildToneGuide produces a compact instruction snippet for injection into LLM system prompts.
// It returns an empty string when there are no active tags.
func BuildToneGuide(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	set := lo.SliceToMap(tags, func(t string) (string, bool) { return t, true })

	var b strings.Builder
	b.WriteString("\n<TONE POLICY>\nAdapt your reply to how the user feels:\n")

	if set["concise"] {
		b.WriteString("- Be brief: one or two short sentences.\n")
	}
	if set["simple_words"] {
		b.WriteString("- Use simple everyday words; the reply is read aloud.\n")
	}
	if set["formal"] {
		b.WriteString("- Address the user as \"usted\".\n")
	}
	if set["casual"] {
		b.WriteString("- Address the user as \"tú\", in a friendly way.\n")
	}
	if set["no_emojis"] {
		b.WriteString("- Do NOT use emojis or markdown.\n")
	}
	if set["one_question_at_a_time"] {
		b.WriteString("- Ask at most one question.\n")
	}

	switch {
	case set["warm_supportive"]:
		b.WriteString("- Be warm and supportive. Acknowledge the feeling before anything else.\n")
	case set["calm_reassuring"]:
		b.WriteString("- Be calm and reassuring. Slow down and offer help.\n")
	case set["cheerful"]:
		b.WriteString("- Share the user's good mood.\n")
	default:
		b.WriteString("- Keep a neutral, friendly stance.\n")
	}

	b.WriteString("- NEVER mirror hostility, sarcasm, insults, or unsafe language.\n")
	b.WriteString("</TONE POLICY>\n")
	return b.String()
}

// Openers start template replies, per stance.
var openers = map[string][]string{
	"warm_supportive":  {"Estoy contigo, te apoyo.", "Siento que estés pasando por esto."},
	"calm_reassuring":  {"Tranquilo, estoy aquí contigo.", "Respira con calma, te escucho."},
	"cheerful":         {"¡Qué bien escucharte!", "Me alegra mucho oír eso."},
	"neutral_friendly": {"Estoy aquí para ayudarte.", "Aquí estoy."},
}

var followUps = map[models.Flow][]string{
	models.FlowCompanionship: {
		"¿Quieres contarme un poco más?",
		"¿Cómo te has sentido hoy?",
		"¿Te apetece que charlemos un rato?",
	},
	models.FlowQuery: {
		"Ahora mismo no tengo esa información, pero puedo ayudarte a apuntarla o a preguntarle a tu familia.",
		"No estoy segura de la respuesta. ¿Quieres que lo anote para consultarlo más tarde?",
	},
}

// TemplateReply renders a deterministic reply for the companionship and query flows. The
// variant is picked from a hash of seed so the same message always gets the same reply.
func TemplateReply(f models.Flow, tags []string, name, seed string) string {
	stance := stanceOf(tags)
	opener := pick(openers[stance], seed)
	if name != "" && stance != "cheerful" {
		opener = strings.TrimSuffix(opener, ".") + fmt.Sprintf(", %s.", name)
	}
	follow, ok := followUps[f]
	if !ok {
		follow = followUps[models.FlowCompanionship]
	}
	return opener + " " + pick(follow, seed)
}

// ---- helpers ----

func hasStance(tags []string) bool {
	return stanceOf(tags) != "neutral_friendly" || lo.Contains(tags, "neutral_friendly")
}

func stanceOf(tags []string) string {
	for _, s := range []string{"warm_supportive", "calm_reassuring", "cheerful"} {
		if lo.Contains(tags, s) {
			return s
		}
	}
	return "neutral_friendly"
}

func pick(options []string, seed string) string {
	if len(options) == 0 {
		return ""
	}
	h := fnv.New32a()
	h.Write([]byte(seed))
	return options[int(h.Sum32()%uint32(len(options)))]
}
