// Package safety screens utterances for danger signals before normal flow routing.
//
// The Gate is a pure function of its inputs plus configuration fixed at construction,
// so a single instance is shared by all sessions.
package safety

import (
	"log/slog"
	"sort"

	"github.com/samber/lo"

	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/textnorm"
)

// Reason records which signal made a verdict dangerous.
type Reason string

const (
	ReasonKeywordMatch Reason = "keyword_match"
	ReasonIntentMatch  Reason = "intent_match"
	ReasonNone         Reason = "none"
)

// DefaultIntentThreshold is the confidence a dangerous intent needs to trip the gate.
const DefaultIntentThreshold = 0.6

// DefaultKeywords are matched accent- and case-insensitively on word boundaries.
var DefaultKeywords = []string{
	// falls
	"me cai", "me he caido", "me caido", "me resbale", "no puedo levantarme", "no me puedo levantar",
	// chest and heart
	"dolor de pecho", "dolor en el pecho", "me duele el pecho", "infarto", "ataque al corazon",
	// breathing
	"no puedo respirar", "me ahogo", "me falta el aire", "falta de aire",
	// stroke signs
	"no siento el brazo", "no puedo mover el brazo", "no puedo hablar bien", "cara torcida", "ictus", "derrame cerebral",
	// bleeding
	"sangrando", "sangro", "mucha sangre", "hemorragia",
	// loss of consciousness
	"me desmaye", "me voy a desmayar", "perdi el conocimiento", "convulsion", "convulsiones",
	// self harm
	"quiero morir", "me quiero morir", "no quiero vivir", "suicidarme", "suicidio", "matarme", "quitarme la vida", "hacerme dano",
	// explicit calls for help
	"auxilio", "socorro", "emergencia", "ayuda urgente", "llama a una ambulancia", "llamen a una ambulancia",
}

// DefaultDangerousIntents are the predicted intent labels treated as emergencies.
var DefaultDangerousIntents = []string{"emergencia_medica", "alerta_medica"}

// Verdict is the outcome of a safety evaluation.
type Verdict struct {
	IsDangerous  bool     `json:"is_dangerous"`
	Reason       Reason   `json:"reason"`
	MatchedTerms []string `json:"matched_terms,omitempty"`
}

// Opts holds configuration options for the Gate.
type Opts struct {
	Keywords         []string
	DangerousIntents []string
	IntentThreshold  float64
}

// Option defines a configuration option for the Gate.
type Option func(*Opts)

// WithKeywords replaces the danger keyword list.
func WithKeywords(keywords []string) Option {
	return func(o *Opts) { o.Keywords = keywords }
}

// WithExtraKeywords adds keywords to the default list.
func WithExtraKeywords(keywords []string) Option {
	return func(o *Opts) { o.Keywords = append(append([]string{}, o.Keywords...), keywords...) }
}

// WithDangerousIntents replaces the dangerous intent label set.
func WithDangerousIntents(labels []string) Option {
	return func(o *Opts) { o.DangerousIntents = labels }
}

// WithIntentThreshold sets the minimum confidence for an intent match.
func WithIntentThreshold(threshold float64) Option {
	return func(o *Opts) { o.IntentThreshold = threshold }
}

// Gate evaluates utterances against danger keywords and dangerous intents.
type Gate struct {
	keywords        []string
	intents         map[string]bool
	intentThreshold float64
}

// NewGate builds a Gate with the default lists, modified by opts.
func NewGate(opts ...Option) *Gate {
	cfg := Opts{
		Keywords:         DefaultKeywords,
		DangerousIntents: DefaultDangerousIntents,
		IntentThreshold:  DefaultIntentThreshold,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	keywords := lo.Uniq(lo.FilterMap(cfg.Keywords, func(k string, _ int) (string, bool) {
		n := textnorm.Normalize(k)
		return n, n != ""
	}))
	intents := lo.SliceToMap(cfg.DangerousIntents, func(label string) (string, bool) {
		return textnorm.Normalize(label), true
	})

	slog.Debug("safety.NewGate: configured", "keywords", len(keywords), "intents", len(intents), "threshold", cfg.IntentThreshold)
	return &Gate{keywords: keywords, intents: intents, intentThreshold: cfg.IntentThreshold}
}

// Evaluate screens text and the predicted intent. A keyword hit always wins over an
// intent hit; the intent may be nil when predictions are not available yet.
func (g *Gate) Evaluate(text string, predicted *models.IntentPrediction) Verdict {
	if matched := textnorm.MatchPhrases(text, g.keywords); len(matched) > 0 {
		terms := lo.Uniq(matched)
		sort.Strings(terms)
		return Verdict{IsDangerous: true, Reason: ReasonKeywordMatch, MatchedTerms: terms}
	}

	if g.IsDangerousIntent(predicted) {
		return Verdict{IsDangerous: true, Reason: ReasonIntentMatch, MatchedTerms: []string{predicted.Label}}
	}
	return Verdict{Reason: ReasonNone}
}

// IsDangerousIntent reports whether the prediction alone is enough to trip the gate.
func (g *Gate) IsDangerousIntent(predicted *models.IntentPrediction) bool {
	if predicted == nil {
		return false
	}
	return g.intents[textnorm.Normalize(predicted.Label)] && predicted.Confidence >= g.intentThreshold
}

// Trigger maps a verdict to the emergency trigger recorded on the event.
func (v Verdict) Trigger() models.EmergencyTrigger {
	switch v.Reason {
	case ReasonKeywordMatch:
		return models.TriggerKeyword
	case ReasonIntentMatch:
		return models.TriggerIntent
	default:
		return models.TriggerSafetyGate
	}
}
