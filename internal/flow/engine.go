// Package flow decides which conversational flow handles a message and what the orchestrator
// must do about it.
//
// The Engine evaluates an ordered list of named rules; the first rule that matches produces the
// Decision. The Engine performs no I/O: pending actions are read by the caller (see
// PendingTracker) and every side effect is described in the Decision for the caller to apply.
package flow

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/predictor"
	"github.com/BTreeMap/CareTriage/internal/reminder"
	"github.com/BTreeMap/CareTriage/internal/safety"
	"github.com/BTreeMap/CareTriage/internal/util"
)

// Rule names, in evaluation order.
type Rule string

const (
	RulePendingConfirmation Rule = "pending_confirmation"
	RuleSafetyGate          Rule = "safety_gate"
	RuleContentScreen       Rule = "content_screen"
	RuleLLMEmergency        Rule = "llm_emergency"
	RuleReminderIntent      Rule = "reminder_intent"
	RuleHealthMetric        Rule = "health_metric"
	RuleCompanionship       Rule = "companionship"
)

// Resolution is how a reply to a pending action was interpreted.
type Resolution string

const (
	ResolutionNone    Resolution = ""
	ResolutionConfirm Resolution = "confirm"
	ResolutionCancel  Resolution = "cancel"
	ResolutionModify  Resolution = "modify"
)

// Mode qualifies how a decision was reached.
type Mode string

const (
	ModeFull                Mode = "full"
	ModeDegraded            Mode = "degraded"
	ModeExtractionAmbiguous Mode = "extraction_ambiguous"
)

// Intent labels produced by the predictor.
const (
	IntentReminder         = "recordatorio"
	IntentHealthMonitoring = "monitoreo_salud"
)

// QueryIntents route to the query flow instead of companionship.
var QueryIntents = []string{"consulta_informacion", "informacion_personal", "configuracion_asistente", "comando_dispositivo"}

// FlowSuggestion is an optional second opinion on the flow, typically from an LLM validator.
type FlowSuggestion struct {
	Flow       models.Flow `json:"flow"`
	Confidence float64     `json:"confidence"`
	Corrected  bool        `json:"corrected"`
	Reason     string      `json:"reason,omitempty"`
}

// EmergencyOp is the change a decision applies to the user's emergency event.
type EmergencyOp string

const (
	EmergencyOpen     EmergencyOp = "open"
	EmergencyEscalate EmergencyOp = "escalate"
	EmergencyCancel   EmergencyOp = "cancel"
	EmergencyReask    EmergencyOp = "reask"
)

// EmergencyEffect describes an emergency event change. EventID is empty for EmergencyOpen.
type EmergencyEffect struct {
	Op           EmergencyOp             `json:"op"`
	EventID      string                  `json:"event_id,omitempty"`
	Trigger      models.EmergencyTrigger `json:"trigger,omitempty"`
	Stage        models.EmergencyStage   `json:"stage,omitempty"`
	MatchedTerms []string                `json:"matched_terms,omitempty"`
}

// Input is everything the Engine needs to decide on one inbound message.
type Input struct {
	SessionID  string
	UserID     string
	MessageID  string
	Text       string
	Now        time.Time
	Location   *time.Location // user's zone; defaults to the extractor's
	Verdict    safety.Verdict
	Prediction predictor.Result
	Pending    *models.PendingAction // already filtered for expiry
	Suggestion *FlowSuggestion
	Content    *ContentVerdict // nil when no screen ran
}

// Decision is the outcome of Decide.
//
// ClearPending means the input's pending action is consumed. SetPending is a new pending action
// to register in its place. Reminder is set when Action is persist for the reminder flow,
// Metrics when it is persist for the health flow. An empty Reply asks the caller to compose one.
type Decision struct {
	Flow         models.Flow           `json:"flow"`
	Action       models.Action         `json:"action"`
	Rule         Rule                  `json:"rule"`
	Resolution   Resolution            `json:"resolution,omitempty"`
	Mode         Mode                  `json:"mode"`
	Reply        string                `json:"reply,omitempty"`
	Payload      interface{}           `json:"payload,omitempty"`
	SetPending   *models.PendingAction `json:"set_pending,omitempty"`
	ClearPending bool                  `json:"clear_pending,omitempty"`
	Reminder     *models.ReminderDraft `json:"reminder,omitempty"`
	Emergency    *EmergencyEffect      `json:"emergency,omitempty"`
	Metrics      []models.HealthMetric `json:"metrics,omitempty"`
}

// Degraded reports whether predictions were unavailable for this decision.
func (d Decision) Degraded() bool {
	return d.Mode == ModeDegraded
}

// Config holds the engine's thresholds. The env tags are read by the config package.
type Config struct {
	PendingTTL               time.Duration `env:"PENDING_TTL" envDefault:"5m"`
	ReminderIntentThreshold  float64       `env:"REMINDER_INTENT_THRESHOLD" envDefault:"0.6"`
	ReminderKeywordMaxIntent float64       `env:"REMINDER_KEYWORD_MAX_INTENT" envDefault:"0.7"`
	HealthIntentThreshold    float64       `env:"HEALTH_INTENT_THRESHOLD" envDefault:"0.6"`
	SuggestionMinConfidence  float64       `env:"VALIDATOR_MIN_CONFIDENCE" envDefault:"0.75"`
	AutoConfirmReminders     bool          `env:"AUTO_CONFIRM_REMINDERS" envDefault:"false"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		PendingTTL:               5 * time.Minute,
		ReminderIntentThreshold:  0.6,
		ReminderKeywordMaxIntent: 0.7,
		HealthIntentThreshold:    0.6,
		SuggestionMinConfidence:  0.75,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the engine thresholds.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		if cfg.PendingTTL <= 0 {
			cfg.PendingTTL = DefaultConfig().PendingTTL
		}
		e.cfg = cfg
	}
}

// WithExtractor sets the reminder extractor.
func WithExtractor(x *reminder.Extractor) Option {
	return func(e *Engine) {
		if x != nil {
			e.extractor = x
		}
	}
}

type rule struct {
	name Rule
	// needsPredictions rules are skipped when the predictor was unavailable.
	needsPredictions bool
	apply            func(e *Engine, in *Input, st *cascadeState) (Decision, bool)
}

// cascadeState carries facts from earlier rules to later ones.
type cascadeState struct {
	abandonedPending bool
}

// Engine is the flow decision engine. It is safe for concurrent use.
type Engine struct {
	cfg       Config
	extractor *reminder.Extractor
	rules     []rule
}

// NewEngine creates an Engine with the default rule order.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{cfg: DefaultConfig(), extractor: reminder.NewExtractor()}
	for _, opt := range opts {
		opt(e)
	}
	e.rules = []rule{
		{name: RulePendingConfirmation, apply: (*Engine).pendingRule},
		{name: RuleSafetyGate, apply: (*Engine).safetyRule},
		{name: RuleContentScreen, apply: (*Engine).contentRule},
		{name: RuleLLMEmergency, needsPredictions: true, apply: (*Engine).llmEmergencyRule},
		{name: RuleReminderIntent, needsPredictions: true, apply: (*Engine).reminderRule},
		{name: RuleHealthMetric, needsPredictions: true, apply: (*Engine).healthRule},
		{name: RuleCompanionship, apply: (*Engine).companionshipRule},
	}
	return e
}

// Config returns the engine thresholds.
func (e *Engine) Config() Config {
	return e.cfg
}

// Extractor returns the reminder extractor used by the engine.
func (e *Engine) Extractor() *reminder.Extractor {
	return e.extractor
}

// Rules returns the rule names in evaluation order.
func (e *Engine) Rules() []Rule {
	return lo.Map(e.rules, func(r rule, _ int) Rule { return r.name })
}

// Decide runs the rule cascade for one message.
func (e *Engine) Decide(in Input) Decision {
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	if in.Location == nil {
		in.Location = e.extractor.Location()
	}
	in.Now = in.Now.In(in.Location)

	st := &cascadeState{}
	for _, r := range e.rules {
		if r.needsPredictions && in.Prediction.Degraded() {
			continue
		}
		d, ok := r.apply(e, &in, st)
		if !ok {
			continue
		}
		d.Rule = r.name
		if st.abandonedPending {
			d.ClearPending = true
		}
		if d.Mode == "" {
			d.Mode = ModeFull
			if in.Prediction.Degraded() {
				d.Mode = ModeDegraded
			}
		}
		slog.Debug("Engine.Decide: decision", "session", in.SessionID, "rule", d.Rule, "flow", d.Flow,
			"action", d.Action, "resolution", d.Resolution, "mode", d.Mode)
		return d
	}
	// Unreachable: the companionship rule always matches.
	return Decision{Flow: models.FlowCompanionship, Action: models.ActionRespondOnly, Rule: RuleCompanionship, Mode: ModeDegraded}
}

// suggests reports whether the validator confidently proposed flow f.
func (e *Engine) suggests(in *Input, f models.Flow) bool {
	return in.Suggestion != nil && in.Suggestion.Flow == f && in.Suggestion.Confidence >= e.cfg.SuggestionMinConfidence
}

func (e *Engine) newPending(in *Input, kind models.PendingKind, payload interface{}) *models.PendingAction {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			slog.Error("Engine.newPending: marshal payload failed", "kind", kind, "error", err)
		} else {
			raw = b
		}
	}
	return &models.PendingAction{
		ID:           util.NewID(util.PrefixPending),
		SessionID:    in.SessionID,
		Kind:         kind,
		DraftPayload: raw,
		ExpiresAt:    in.Now.Add(e.cfg.PendingTTL),
		CreatedAt:    in.Now,
	}
}

// safetyRule opens an emergency on a dangerous verdict, whatever the predictions say.
func (e *Engine) safetyRule(in *Input, _ *cascadeState) (Decision, bool) {
	if !in.Verdict.IsDangerous {
		return Decision{}, false
	}
	return e.openEmergency(in, in.Verdict.Trigger(), in.Verdict.MatchedTerms), true
}

func (e *Engine) llmEmergencyRule(in *Input, _ *cascadeState) (Decision, bool) {
	if !e.suggests(in, models.FlowEmergency) {
		return Decision{}, false
	}
	slog.Info("Engine.llmEmergencyRule: validator flagged emergency", "session", in.SessionID, "reason", in.Suggestion.Reason)
	return e.openEmergency(in, models.TriggerIntent, nil), true
}

func (e *Engine) openEmergency(in *Input, trigger models.EmergencyTrigger, terms []string) Decision {
	return Decision{
		Flow:   models.FlowEmergency,
		Action: models.ActionEscalate,
		Reply:  replyEmergencyOpen,
		Emergency: &EmergencyEffect{
			Op:           EmergencyOpen,
			Trigger:      trigger,
			Stage:        models.StageDetected,
			MatchedTerms: terms,
		},
		SetPending: e.newPending(in, models.PendingEmergencyCancelConfirmation, nil),
	}
}

func (e *Engine) reminderRule(in *Input, _ *cascadeState) (Decision, bool) {
	intent := in.Prediction.Intent()
	byIntent := intent != nil && intent.Label == IntentReminder && intent.Confidence >= e.cfg.ReminderIntentThreshold
	weakIntent := intent == nil || intent.Confidence < e.cfg.ReminderKeywordMaxIntent
	byKeyword := weakIntent && HasReminderKeyword(in.Text)
	if !byIntent && !byKeyword && !e.suggests(in, models.FlowReminder) {
		return Decision{}, false
	}

	out := e.extractor.ExtractIn(in.Text, in.Prediction.Entities(), in.Now, in.Location)
	draft := draftFromOutcome(out, in.MessageID)
	d := Decision{Flow: models.FlowReminder, Action: models.ActionAskConfirmation, Payload: draft}

	if out.Status == reminder.StatusOK && e.extractor.Acceptable(out.Draft) {
		if e.cfg.AutoConfirmReminders {
			d.Action = models.ActionPersist
			d.Reminder = draft
			d.Reply = reminderSaved(draft, in.Now)
			return d, true
		}
		d.SetPending = e.newPending(in, models.PendingReminderConfirmation, draft)
		d.Reply = reminderConfirmQuestion(draft, in.Now)
		return d, true
	}

	d.Mode = ModeExtractionAmbiguous
	d.SetPending = e.newPending(in, models.PendingReminderConfirmation, draft)
	d.Reply = reminderClarification(draft, in.Now)
	return d, true
}

func (e *Engine) healthRule(in *Input, _ *cascadeState) (Decision, bool) {
	intent := in.Prediction.Intent()
	if intent == nil || intent.Label != IntentHealthMonitoring || intent.Confidence < e.cfg.HealthIntentThreshold {
		return Decision{}, false
	}

	readings := ExtractReadings(in.Text, in.Prediction.Entities(), in.Now)
	for i := range readings {
		readings[i].UserID = in.UserID
		readings[i].SourceMessageID = in.MessageID
	}
	if len(readings) == 0 {
		return Decision{Flow: models.FlowHealthMetric, Action: models.ActionRespondOnly, Reply: replyHealthAskValue}, true
	}
	return Decision{
		Flow:    models.FlowHealthMetric,
		Action:  models.ActionPersist,
		Reply:   healthSaved(readings),
		Payload: readings,
		Metrics: readings,
	}, true
}

// companionshipRule always matches. The reply is left to the caller's generator or templates.
func (e *Engine) companionshipRule(in *Input, _ *cascadeState) (Decision, bool) {
	f := models.FlowCompanionship
	if intent := in.Prediction.Intent(); intent != nil && lo.Contains(QueryIntents, intent.Label) {
		f = models.FlowQuery
	}
	if e.suggests(in, models.FlowQuery) {
		f = models.FlowQuery
	}
	return Decision{Flow: f, Action: models.ActionRespondOnly}, true
}

func draftFromOutcome(out reminder.Outcome, sourceMessageID string) *models.ReminderDraft {
	if out.Draft == nil {
		d := &reminder.Draft{Title: out.PartialTitle}
		reminder.Rescore(d)
		return toModelDraft(d, sourceMessageID)
	}
	return toModelDraft(out.Draft, sourceMessageID)
}

func toModelDraft(d *reminder.Draft, sourceMessageID string) *models.ReminderDraft {
	return &models.ReminderDraft{
		Title:                 d.Title,
		DueAt:                 d.DueAt,
		Confidence:            d.Confidence,
		NeedsTimeConfirmation: d.NeedsTimeConfirmation,
		HasDate:               d.HasDate,
		Flags:                 lo.Map(d.Flags, func(f reminder.Flag, _ int) string { return string(f) }),
		SourceMessageID:       sourceMessageID,
	}
}

func fromModelDraft(d *models.ReminderDraft) *reminder.Draft {
	return &reminder.Draft{
		Title:                 d.Title,
		DueAt:                 d.DueAt,
		Confidence:            d.Confidence,
		NeedsTimeConfirmation: d.NeedsTimeConfirmation,
		HasDate:               d.HasDate,
		Flags:                 lo.Map(d.Flags, func(f string, _ int) reminder.Flag { return reminder.Flag(f) }),
	}
}
