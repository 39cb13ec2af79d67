// Package orchestrator is the composition root of a conversation turn. HandleMessage runs one
// inbound utterance through the safety gate, the predictor, the flow engine and the store, and
// always produces a reply, even when every model collaborator is down.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/CareTriage/internal/flow"
	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/predictor"
	"github.com/BTreeMap/CareTriage/internal/safety"
	"github.com/BTreeMap/CareTriage/internal/sessionlock"
	"github.com/BTreeMap/CareTriage/internal/store"
)

// Default timeouts and limits.
const (
	DefaultGeneratorTimeout = 5 * time.Second
	DefaultValidatorTimeout = 3 * time.Second
	DefaultScreenTimeout    = 2 * time.Second
	DefaultDedupTolerance   = 15 * time.Minute
	DefaultHistoryLimit     = 10
)

// GenerationContext is what a ResponseGenerator gets to compose a free-form reply.
type GenerationContext struct {
	Flow     models.Flow
	Text     string
	User     *models.User
	History  []models.Message // oldest first, without the current message
	Analysis *models.MLAnalysis
	ToneTags []string
}

// ResponseGenerator composes replies for the companionship and query flows.
type ResponseGenerator interface {
	Generate(ctx context.Context, gc GenerationContext) (string, error)
}

// ValidationContext is what a FlowValidator gets to second-guess the routing.
type ValidationContext struct {
	Text    string
	Intent  *models.IntentPrediction
	History []models.Message
}

// FlowValidator proposes a flow for an utterance. A nil suggestion means no opinion.
type FlowValidator interface {
	Validate(ctx context.Context, vc ValidationContext) (*flow.FlowSuggestion, error)
}

// ContentScreen classifies an utterance as normal, abusive, spam or dangerous. Errors and
// timeouts let the message through.
type ContentScreen interface {
	Screen(ctx context.Context, text string) (*flow.ContentVerdict, error)
}

// Request is one inbound utterance.
type Request struct {
	SessionID       string `json:"session_id"`
	Text            string `json:"text"`
	ClientMessageID string `json:"message_id,omitempty"`
}

// Response is the outcome of HandleMessage.
type Response struct {
	ReplyText    string             `json:"reply_text"`
	Flow         models.Flow        `json:"flow"`
	Action       models.Action      `json:"action"`
	Rule         flow.Rule          `json:"rule"`
	Resolution   flow.Resolution    `json:"resolution,omitempty"`
	Mode         flow.Mode          `json:"mode"`
	MLAnalysis   *models.MLAnalysis `json:"ml_analysis,omitempty"`
	ActionsTaken []string           `json:"actions_taken"`
	MessageID    string             `json:"message_id"`
	ReminderID   string             `json:"reminder_id,omitempty"`
	EmergencyID  string             `json:"emergency_id,omitempty"`
	Degraded     bool               `json:"degraded"`
	Replayed     bool               `json:"replayed,omitempty"`
}

// Actions reported in Response.ActionsTaken.
const (
	ActionEmergencyOpened    = "emergency_opened"
	ActionEmergencyUpdated   = "emergency_updated"
	ActionEmergencyEscalated = "emergency_escalated"
	ActionEmergencyCanceled  = "emergency_canceled"
	ActionContactNotified    = "emergency_contact_notified"
	ActionContactMissing     = "emergency_contact_missing"
	ActionManualEscalation   = "manual_escalation"
	ActionReminderSaved      = "reminder_saved"
	ActionReminderDuplicate  = "reminder_duplicate"
	ActionReminderDiscarded  = "reminder_discarded"
	ActionMetricsSaved       = "health_metrics_saved"
	ActionPendingSet         = "pending_set"
	ActionPendingCleared     = "pending_cleared"
	ActionTransientFailure   = "transient_failure"
)

// Opts holds configuration options for the Orchestrator.
type Opts struct {
	Engine           *flow.Engine
	Gate             *safety.Gate
	Predictor        predictor.Predictor
	PredictorTimeout time.Duration
	Generator        ResponseGenerator
	GeneratorTimeout time.Duration
	Validator        FlowValidator
	ValidatorTimeout time.Duration
	Screen           ContentScreen
	ScreenTimeout    time.Duration
	Locker           sessionlock.Locker
	DedupTolerance   time.Duration
	HistoryLimit     int
	Location         *time.Location
	Clock            func() time.Time
}

// Option defines a configuration option for the Orchestrator.
type Option func(*Opts)

// WithEngine sets the flow engine.
func WithEngine(e *flow.Engine) Option {
	return func(o *Opts) { o.Engine = e }
}

// WithGate sets the safety gate.
func WithGate(g *safety.Gate) Option {
	return func(o *Opts) { o.Gate = g }
}

// WithPredictor sets the predictor and its timeout.
func WithPredictor(p predictor.Predictor, timeout time.Duration) Option {
	return func(o *Opts) {
		o.Predictor = p
		o.PredictorTimeout = timeout
	}
}

// WithGenerator sets the reply generator and its timeout.
func WithGenerator(g ResponseGenerator, timeout time.Duration) Option {
	return func(o *Opts) {
		o.Generator = g
		o.GeneratorTimeout = timeout
	}
}

// WithValidator sets the flow validator and its timeout.
func WithValidator(v FlowValidator, timeout time.Duration) Option {
	return func(o *Opts) {
		o.Validator = v
		o.ValidatorTimeout = timeout
	}
}

// WithContentScreen sets the content screen and its timeout.
func WithContentScreen(s ContentScreen, timeout time.Duration) Option {
	return func(o *Opts) {
		o.Screen = s
		o.ScreenTimeout = timeout
	}
}

// WithLocker sets the per-session locker.
func WithLocker(l sessionlock.Locker) Option {
	return func(o *Opts) { o.Locker = l }
}

// WithDedupTolerance sets how close two reminders with the same title must be to count as one.
func WithDedupTolerance(d time.Duration) Option {
	return func(o *Opts) { o.DedupTolerance = d }
}

// WithHistoryLimit sets how many previous messages collaborators see.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithLocation sets the zone used for users without a valid timezone.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Orchestrator handles conversation turns. It is safe for concurrent use; turns of the same
// session are serialized by the Locker.
type Orchestrator struct {
	store            store.Store
	engine           *flow.Engine
	gate             *safety.Gate
	guard            *predictor.Guard
	pending          *flow.PendingTracker
	generator        ResponseGenerator
	generatorTimeout time.Duration
	validator        FlowValidator
	validatorTimeout time.Duration
	screen           ContentScreen
	screenTimeout    time.Duration
	locker           sessionlock.Locker
	dedupTolerance   time.Duration
	historyLimit     int
	location         *time.Location
	now              func() time.Time
}

// New creates an Orchestrator backed by st.
func New(st store.Store, opts ...Option) *Orchestrator {
	cfg := Opts{
		GeneratorTimeout: DefaultGeneratorTimeout,
		ValidatorTimeout: DefaultValidatorTimeout,
		ScreenTimeout:    DefaultScreenTimeout,
		DedupTolerance:   DefaultDedupTolerance,
		HistoryLimit:     DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Engine == nil {
		cfg.Engine = flow.NewEngine()
	}
	if cfg.Gate == nil {
		cfg.Gate = safety.NewGate()
	}
	if cfg.Locker == nil {
		cfg.Locker = sessionlock.NewLocalLocker()
	}
	if cfg.Location == nil {
		cfg.Location = cfg.Engine.Extractor().Location()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.GeneratorTimeout <= 0 {
		cfg.GeneratorTimeout = DefaultGeneratorTimeout
	}
	if cfg.ValidatorTimeout <= 0 {
		cfg.ValidatorTimeout = DefaultValidatorTimeout
	}
	if cfg.ScreenTimeout <= 0 {
		cfg.ScreenTimeout = DefaultScreenTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}

	slog.Debug("orchestrator.New: configured",
		"predictor", cfg.Predictor != nil, "generator", cfg.Generator != nil, "validator", cfg.Validator != nil,
		"screen", cfg.Screen != nil,
		"location", cfg.Location.String(), "rules", cfg.Engine.Rules())

	return &Orchestrator{
		store:            st,
		engine:           cfg.Engine,
		gate:             cfg.Gate,
		guard:            predictor.NewGuard(cfg.Predictor, cfg.PredictorTimeout),
		pending:          flow.NewPendingTracker(st),
		generator:        cfg.Generator,
		generatorTimeout: cfg.GeneratorTimeout,
		validator:        cfg.Validator,
		validatorTimeout: cfg.ValidatorTimeout,
		screen:           cfg.Screen,
		screenTimeout:    cfg.ScreenTimeout,
		locker:           cfg.Locker,
		dedupTolerance:   cfg.DedupTolerance,
		historyLimit:     cfg.HistoryLimit,
		location:         cfg.Location,
		now:              cfg.Clock,
	}
}

// locationFor returns the user's zone, or the default one.
func (o *Orchestrator) locationFor(u *models.User) *time.Location {
	if u == nil || u.Timezone == "" {
		return o.location
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		slog.Warn("Orchestrator.locationFor: bad timezone, using default", "user", u.ID, "timezone", u.Timezone, "error", err)
		return o.location
	}
	return loc
}
