package flow

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/predictor"
	"github.com/BTreeMap/CareTriage/internal/safety"
)

var (
	testNow  = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	testGate = safety.NewGate()
)

func prediction(intent string, confidence float64) predictor.Result {
	return predictor.Full(models.MLAnalysis{Intent: intent, IntentConfidence: confidence})
}

func degradedPrediction() predictor.Result {
	return predictor.Result{Status: predictor.StatusDegraded, Err: predictor.ErrModelUnavailable}
}

// input builds an Input whose verdict comes from the real gate.
func input(text string, pred predictor.Result, pending *models.PendingAction) Input {
	return Input{
		SessionID:  "s_1",
		UserID:     "u_1",
		MessageID:  "m_1",
		Text:       text,
		Now:        testNow,
		Verdict:    testGate.Evaluate(text, pred.Intent()),
		Prediction: pred,
		Pending:    pending,
	}
}

func pendingReminder(t *testing.T, d models.ReminderDraft) *models.PendingAction {
	t.Helper()
	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return &models.PendingAction{
		ID: "pa_1", SessionID: "s_1", Kind: models.PendingReminderConfirmation, DraftPayload: raw,
		ExpiresAt: testNow.Add(time.Minute), CreatedAt: testNow.Add(-time.Minute),
	}
}

func pendingEmergency(t *testing.T, eventID string) *models.PendingAction {
	t.Helper()
	raw, err := json.Marshal(models.EmergencyDraft{EventID: eventID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return &models.PendingAction{
		ID: "pa_2", SessionID: "s_1", Kind: models.PendingEmergencyCancelConfirmation, DraftPayload: raw,
		ExpiresAt: testNow.Add(time.Minute), CreatedAt: testNow.Add(-time.Minute),
	}
}

func decodeDraft(t *testing.T, p *models.PendingAction) models.ReminderDraft {
	t.Helper()
	if p == nil {
		t.Fatal("expected p to be set")
	}
	var d models.ReminderDraft
	if err := json.Unmarshal(p.DraftPayload, &d); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return d
}

func eightPM() *time.Time {
	due := time.Date(2025, 3, 10, 20, 0, 0, 0, time.UTC)
	return &due
}

func TestEngine_RuleOrder(t *testing.T) {
	want := []Rule{
		RulePendingConfirmation, RuleSafetyGate, RuleContentScreen, RuleLLMEmergency, RuleReminderIntent,
		RuleHealthMetric, RuleCompanionship,
	}
	if got := NewEngine().Rules(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestDecide_ReminderAsksConfirmation(t *testing.T) {
	d := NewEngine().Decide(input("recuérdame tomar la pastilla a las 8pm", prediction("recordatorio", 0.92), nil))

	if d.Flow != models.FlowReminder {
		t.Errorf("expected %v, got %v", models.FlowReminder, d.Flow)
	}
	if d.Action != models.ActionAskConfirmation {
		t.Errorf("expected %v, got %v", models.ActionAskConfirmation, d.Action)
	}
	if d.Rule != RuleReminderIntent {
		t.Errorf("expected %v, got %v", RuleReminderIntent, d.Rule)
	}
	if d.Mode != ModeFull {
		t.Errorf("expected %v, got %v", ModeFull, d.Mode)
	}
	if d.Reminder != nil {
		t.Errorf("nothing is persisted before confirmation: expected nil, got %v", d.Reminder)
	}
	if d.SetPending == nil {
		t.Fatal("expected d.SetPending to be set")
	}
	if d.SetPending.Kind != models.PendingReminderConfirmation {
		t.Errorf("expected %v, got %v", models.PendingReminderConfirmation, d.SetPending.Kind)
	}
	if d.SetPending.ExpiresAt != testNow.Add(5*time.Minute) {
		t.Errorf("expected %v, got %v", testNow.Add(5*time.Minute), d.SetPending.ExpiresAt)
	}

	draft := decodeDraft(t, d.SetPending)
	if draft.Title != "tomar la pastilla" {
		t.Errorf("expected %q, got %q", "tomar la pastilla", draft.Title)
	}
	if draft.DueAt == nil {
		t.Fatal("expected draft.DueAt to be set")
	}
	if !draft.DueAt.Equal(*eightPM()) {
		t.Errorf("expected %v, got %v", *eightPM(), draft.DueAt)
	}
	if draft.Confidence < 0.6 {
		t.Errorf("expected %v >= %v", draft.Confidence, 0.6)
	}
	if draft.SourceMessageID != "m_1" {
		t.Errorf("expected %q, got %q", "m_1", draft.SourceMessageID)
	}
	if !strings.Contains(d.Reply, "tomar la pastilla hoy a las 20:00") {
		t.Errorf("%q does not contain %q", d.Reply, "tomar la pastilla hoy a las 20:00")
	}
}

func TestDecide_AutoConfirmPersists(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoConfirmReminders = true
	d := NewEngine(WithConfig(cfg)).Decide(input("recuérdame tomar la pastilla a las 8pm", prediction("recordatorio", 0.92), nil))

	if d.Action != models.ActionPersist {
		t.Errorf("expected %v, got %v", models.ActionPersist, d.Action)
	}
	if d.Reminder == nil {
		t.Fatal("expected d.Reminder to be set")
	}
	if d.Reminder.Title != "tomar la pastilla" {
		t.Errorf("expected %q, got %q", "tomar la pastilla", d.Reminder.Title)
	}
	if d.SetPending != nil {
		t.Errorf("expected nil, got %v", d.SetPending)
	}
}

func TestDecide_FallIsEmergencyRegardlessOfIntent(t *testing.T) {
	for _, pred := range []predictor.Result{prediction("saludo", 0.99), predictor.Skipped(), degradedPrediction()} {
		d := NewEngine().Decide(input("me caí y no puedo levantarme", pred, nil))

		if d.Flow != models.FlowEmergency {
			t.Errorf("expected %v, got %v", models.FlowEmergency, d.Flow)
		}
		if d.Action != models.ActionEscalate {
			t.Errorf("expected %v, got %v", models.ActionEscalate, d.Action)
		}
		if d.Rule != RuleSafetyGate {
			t.Errorf("expected %v, got %v", RuleSafetyGate, d.Rule)
		}
		if d.Emergency == nil {
			t.Fatal("expected d.Emergency to be set")
		}
		if d.Emergency.Op != EmergencyOpen {
			t.Errorf("expected %v, got %v", EmergencyOpen, d.Emergency.Op)
		}
		if d.Emergency.Trigger != models.TriggerKeyword {
			t.Errorf("expected %v, got %v", models.TriggerKeyword, d.Emergency.Trigger)
		}
		if !reflect.DeepEqual(d.Emergency.MatchedTerms, []string{"me cai", "no puedo levantarme"}) {
			t.Errorf("expected %v, got %v", []string{"me cai", "no puedo levantarme"}, d.Emergency.MatchedTerms)
		}
		if d.SetPending == nil {
			t.Fatal("expected d.SetPending to be set")
		}
		if d.SetPending.Kind != models.PendingEmergencyCancelConfirmation {
			t.Errorf("expected %v, got %v", models.PendingEmergencyCancelConfirmation, d.SetPending.Kind)
		}
		if len(d.Reply) == 0 {
			t.Error("expected d.Reply to be non-empty")
		}
	}
}

func TestDecide_DangerousIntent(t *testing.T) {
	d := NewEngine().Decide(input("me siento rarísimo", prediction("emergencia_medica", 0.8), nil))
	if d.Flow != models.FlowEmergency {
		t.Errorf("expected %v, got %v", models.FlowEmergency, d.Flow)
	}
	if d.Emergency.Trigger != models.TriggerIntent {
		t.Errorf("expected %v, got %v", models.TriggerIntent, d.Emergency.Trigger)
	}
}

func TestDecide_PendingReminderConfirmed(t *testing.T) {
	pending := pendingReminder(t, models.ReminderDraft{Title: "tomar la pastilla", DueAt: eightPM(), Confidence: 0.9, SourceMessageID: "m_0"})
	d := NewEngine().Decide(input("sí", prediction("afirmacion", 0.7), pending))

	if d.Rule != RulePendingConfirmation {
		t.Errorf("expected %v, got %v", RulePendingConfirmation, d.Rule)
	}
	if d.Resolution != ResolutionConfirm {
		t.Errorf("expected %v, got %v", ResolutionConfirm, d.Resolution)
	}
	if d.Action != models.ActionPersist {
		t.Errorf("expected %v, got %v", models.ActionPersist, d.Action)
	}
	if !d.ClearPending {
		t.Error("expected d.ClearPending to hold")
	}
	if d.SetPending != nil {
		t.Errorf("expected nil, got %v", d.SetPending)
	}
	if d.Reminder == nil {
		t.Fatal("expected d.Reminder to be set")
	}
	if d.Reminder.Title != "tomar la pastilla" {
		t.Errorf("expected %q, got %q", "tomar la pastilla", d.Reminder.Title)
	}
	if d.Reminder.SourceMessageID != "m_0" {
		t.Errorf("expected %q, got %q", "m_0", d.Reminder.SourceMessageID)
	}
}

func TestDecide_PendingReminderCanceled(t *testing.T) {
	pending := pendingReminder(t, models.ReminderDraft{Title: "tomar la pastilla", DueAt: eightPM(), Confidence: 0.9})
	d := NewEngine().Decide(input("no", prediction("negacion", 0.7), pending))

	if d.Resolution != ResolutionCancel {
		t.Errorf("expected %v, got %v", ResolutionCancel, d.Resolution)
	}
	if d.Action != models.ActionRespondOnly {
		t.Errorf("expected %v, got %v", models.ActionRespondOnly, d.Action)
	}
	if !d.ClearPending {
		t.Error("expected d.ClearPending to hold")
	}
	if d.Reminder != nil {
		t.Errorf("expected nil, got %v", d.Reminder)
	}
	if d.SetPending != nil {
		t.Errorf("expected nil, got %v", d.SetPending)
	}
}

func TestDecide_PendingReminderModifiedTime(t *testing.T) {
	pending := pendingReminder(t, models.ReminderDraft{Title: "tomar la pastilla", DueAt: eightPM(), Confidence: 0.9, SourceMessageID: "m_0"})
	d := NewEngine().Decide(input("mejor a las 9 de la noche", prediction("recordatorio", 0.5), pending))

	if d.Resolution != ResolutionModify {
		t.Errorf("expected %v, got %v", ResolutionModify, d.Resolution)
	}
	if d.Action != models.ActionAskConfirmation {
		t.Errorf("expected %v, got %v", models.ActionAskConfirmation, d.Action)
	}
	if !d.ClearPending {
		t.Error("expected d.ClearPending to hold")
	}
	draft := decodeDraft(t, d.SetPending)
	if draft.Title != "tomar la pastilla" {
		t.Errorf("expected %q, got %q", "tomar la pastilla", draft.Title)
	}
	if !draft.DueAt.Equal(time.Date(2025, 3, 10, 21, 0, 0, 0, time.UTC)) {
		t.Errorf("expected %v, got %v", time.Date(2025, 3, 10, 21, 0, 0, 0, time.UTC), draft.DueAt)
	}
	if draft.SourceMessageID != "m_0" {
		t.Errorf("expected %q, got %q", "m_0", draft.SourceMessageID)
	}
	if !strings.Contains(d.Reply, "hoy a las 21:00") {
		t.Errorf("%q does not contain %q", d.Reply, "hoy a las 21:00")
	}
}

func TestDecide_PartialDraftCompletedByFollowUp(t *testing.T) {
	pending := pendingReminder(t, models.ReminderDraft{Title: "llamar a mi hija", Flags: []string{"ambiguous", "no_clock"}})
	d := NewEngine().Decide(input("a las 5 de la tarde", prediction("recordatorio", 0.4), pending))

	if d.Resolution != ResolutionModify {
		t.Errorf("expected %v, got %v", ResolutionModify, d.Resolution)
	}
	if d.Mode != ModeFull {
		t.Errorf("expected %v, got %v", ModeFull, d.Mode)
	}
	draft := decodeDraft(t, d.SetPending)
	if draft.Title != "llamar a mi hija" {
		t.Errorf("expected %q, got %q", "llamar a mi hija", draft.Title)
	}
	if !draft.DueAt.Equal(time.Date(2025, 3, 10, 17, 0, 0, 0, time.UTC)) {
		t.Errorf("expected %v, got %v", time.Date(2025, 3, 10, 17, 0, 0, 0, time.UTC), draft.DueAt)
	}
	if draft.NeedsTimeConfirmation {
		t.Error("expected draft.NeedsTimeConfirmation to be false")
	}
}

func TestDecide_MissingTitleFilledByFollowUp(t *testing.T) {
	due := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)
	pending := pendingReminder(t, models.ReminderDraft{DueAt: &due, HasDate: true})
	d := NewEngine().Decide(input("tomar la pastilla", prediction("recordatorio", 0.5), pending))

	if d.Resolution != ResolutionModify {
		t.Errorf("expected %v, got %v", ResolutionModify, d.Resolution)
	}
	draft := decodeDraft(t, d.SetPending)
	if draft.Title != "tomar la pastilla" {
		t.Errorf("expected %q, got %q", "tomar la pastilla", draft.Title)
	}
	if !draft.DueAt.Equal(due) {
		t.Errorf("expected %v, got %v", due, draft.DueAt)
	}
}

func TestDecide_DangerAbandonsPendingReminder(t *testing.T) {
	pending := pendingReminder(t, models.ReminderDraft{Title: "tomar la pastilla", DueAt: eightPM()})
	d := NewEngine().Decide(input("sí, pero me duele el pecho", prediction("afirmacion", 0.9), pending))

	if d.Rule != RuleSafetyGate {
		t.Errorf("expected %v, got %v", RuleSafetyGate, d.Rule)
	}
	if d.Flow != models.FlowEmergency {
		t.Errorf("expected %v, got %v", models.FlowEmergency, d.Flow)
	}
	if !d.ClearPending {
		t.Error("expected d.ClearPending to hold")
	}
	if d.Reminder != nil {
		t.Errorf("expected nil, got %v", d.Reminder)
	}
}

func TestDecide_UnrelatedMessageAbandonsPendingReminder(t *testing.T) {
	pending := pendingReminder(t, models.ReminderDraft{Title: "tomar la pastilla", DueAt: eightPM()})
	d := NewEngine().Decide(input("qué bonito día hace", prediction("conversacion_social", 0.9), pending))

	if d.Rule != RuleCompanionship {
		t.Errorf("expected %v, got %v", RuleCompanionship, d.Rule)
	}
	if d.Flow != models.FlowCompanionship {
		t.Errorf("expected %v, got %v", models.FlowCompanionship, d.Flow)
	}
	if !d.ClearPending {
		t.Error("expected d.ClearPending to hold")
	}
	if len(d.Reply) != 0 {
		t.Errorf("expected empty, got %v", d.Reply)
	}
}

func TestDecide_EmergencyPendingReplies(t *testing.T) {
	tests := []struct {
		text       string
		action     models.Action
		resolution Resolution
		op         EmergencyOp
		setPending bool
	}{
		{"falsa alarma, estoy bien", models.ActionRespondOnly, ResolutionCancel, EmergencyCancel, false},
		{"no llames a nadie", models.ActionRespondOnly, ResolutionCancel, EmergencyCancel, false},
		{"sí, llama a mi hija", models.ActionEscalate, ResolutionConfirm, EmergencyEscalate, false},
		{"no puedo respirar", models.ActionEscalate, ResolutionConfirm, EmergencyEscalate, false},
		{"no sé", models.ActionAskConfirmation, ResolutionNone, EmergencyReask, true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			d := NewEngine().Decide(input(tt.text, predictor.Skipped(), pendingEmergency(t, "em_1")))
			if d.Flow != models.FlowEmergency {
				t.Errorf("expected %v, got %v", models.FlowEmergency, d.Flow)
			}
			if d.Rule != RulePendingConfirmation {
				t.Errorf("expected %v, got %v", RulePendingConfirmation, d.Rule)
			}
			if d.Action != tt.action {
				t.Errorf("expected %v, got %v", tt.action, d.Action)
			}
			if d.Resolution != tt.resolution {
				t.Errorf("expected %v, got %v", tt.resolution, d.Resolution)
			}
			if d.Emergency == nil {
				t.Fatal("expected d.Emergency to be set")
			}
			if d.Emergency.Op != tt.op {
				t.Errorf("expected %v, got %v", tt.op, d.Emergency.Op)
			}
			if d.Emergency.EventID != "em_1" {
				t.Errorf("expected %q, got %q", "em_1", d.Emergency.EventID)
			}
			if !d.ClearPending {
				t.Error("expected d.ClearPending to hold")
			}
			if (d.SetPending != nil) != tt.setPending {
				t.Errorf("expected %v, got %v", tt.setPending, d.SetPending != nil)
			}
		})
	}
}

func TestDecide_DegradedSkipsPredictionRules(t *testing.T) {
	d := NewEngine().Decide(input("recuérdame tomar la pastilla a las 8pm", degradedPrediction(), nil))
	if d.Flow != models.FlowCompanionship {
		t.Errorf("expected %v, got %v", models.FlowCompanionship, d.Flow)
	}
	if d.Mode != ModeDegraded {
		t.Errorf("expected %v, got %v", ModeDegraded, d.Mode)
	}
	if !d.Degraded() {
		t.Error("expected d.Degraded() to hold")
	}
}

func TestDecide_ReminderKeywordWithWeakIntent(t *testing.T) {
	d := NewEngine().Decide(input("pon una alarma para las 7 de la mañana", prediction("saludo", 0.4), nil))
	if d.Flow != models.FlowReminder {
		t.Errorf("expected %v, got %v", models.FlowReminder, d.Flow)
	}
	if d.Mode != ModeExtractionAmbiguous {
		t.Errorf("expected %v, got %v", ModeExtractionAmbiguous, d.Mode)
	}
	if d.Reply != "¿Qué quieres que te recuerde mañana a las 07:00?" {
		t.Errorf("expected %q, got %q", "¿Qué quieres que te recuerde mañana a las 07:00?", d.Reply)
	}
	if d.SetPending == nil {
		t.Fatal("expected d.SetPending to be set")
	}
}

func TestDecide_ReminderKeywordIgnoredWithStrongOtherIntent(t *testing.T) {
	d := NewEngine().Decide(input("tengo cita con el médico y estoy nerviosa", prediction("reporte_emocional", 0.9), nil))
	if d.Flow != models.FlowCompanionship {
		t.Errorf("expected %v, got %v", models.FlowCompanionship, d.Flow)
	}
}

func TestDecide_ReminderWithoutTimeAsksWhen(t *testing.T) {
	d := NewEngine().Decide(input("recuérdame llamar a mi hija", prediction("recordatorio", 0.9), nil))
	if d.Mode != ModeExtractionAmbiguous {
		t.Errorf("expected %v, got %v", ModeExtractionAmbiguous, d.Mode)
	}
	if d.Reply != "¿A qué hora quieres que te recuerde llamar a mi hija?" {
		t.Errorf("expected %q, got %q", "¿A qué hora quieres que te recuerde llamar a mi hija?", d.Reply)
	}
	draft := decodeDraft(t, d.SetPending)
	if draft.Title != "llamar a mi hija" {
		t.Errorf("expected %q, got %q", "llamar a mi hija", draft.Title)
	}
	if draft.DueAt != nil {
		t.Errorf("expected nil, got %v", draft.DueAt)
	}
}

func TestDecide_HealthMetric(t *testing.T) {
	d := NewEngine().Decide(input("mi presión es 130/85 y el pulso 72", prediction("monitoreo_salud", 0.8), nil))
	if d.Flow != models.FlowHealthMetric {
		t.Errorf("expected %v, got %v", models.FlowHealthMetric, d.Flow)
	}
	if d.Action != models.ActionPersist {
		t.Errorf("expected %v, got %v", models.ActionPersist, d.Action)
	}
	if len(d.Metrics) != 2 {
		t.Fatalf("expected %d items, got %d", 2, len(d.Metrics))
	}
	if d.Metrics[0].Metric != MetricBloodPressure {
		t.Errorf("expected %v, got %v", MetricBloodPressure, d.Metrics[0].Metric)
	}
	if d.Metrics[0].ValueText != "130/85" {
		t.Errorf("expected %q, got %q", "130/85", d.Metrics[0].ValueText)
	}
	if d.Metrics[0].UserID != "u_1" {
		t.Errorf("expected %q, got %q", "u_1", d.Metrics[0].UserID)
	}
	if d.Metrics[1].Metric != MetricHeartRate {
		t.Errorf("expected %v, got %v", MetricHeartRate, d.Metrics[1].Metric)
	}
	if !strings.Contains(d.Reply, "Anotado") {
		t.Errorf("%q does not contain %q", d.Reply, "Anotado")
	}

	d = NewEngine().Decide(input("quiero anotar mi presión", prediction("monitoreo_salud", 0.8), nil))
	if d.Flow != models.FlowHealthMetric {
		t.Errorf("expected %v, got %v", models.FlowHealthMetric, d.Flow)
	}
	if d.Action != models.ActionRespondOnly {
		t.Errorf("expected %v, got %v", models.ActionRespondOnly, d.Action)
	}
}

func TestDecide_QueryIntent(t *testing.T) {
	d := NewEngine().Decide(input("¿qué hora es?", prediction("consulta_informacion", 0.9), nil))
	if d.Flow != models.FlowQuery {
		t.Errorf("expected %v, got %v", models.FlowQuery, d.Flow)
	}
	if d.Action != models.ActionRespondOnly {
		t.Errorf("expected %v, got %v", models.ActionRespondOnly, d.Action)
	}
}

func TestDecide_ValidatorSuggestions(t *testing.T) {
	in := input("no me encuentro nada bien", prediction("reporte_emocional", 0.7), nil)
	in.Suggestion = &FlowSuggestion{Flow: models.FlowEmergency, Confidence: 0.9}
	d := NewEngine().Decide(in)
	if d.Rule != RuleLLMEmergency {
		t.Errorf("expected %v, got %v", RuleLLMEmergency, d.Rule)
	}
	if d.Emergency.Trigger != models.TriggerIntent {
		t.Errorf("expected %v, got %v", models.TriggerIntent, d.Emergency.Trigger)
	}

	in.Suggestion.Confidence = 0.5
	d = NewEngine().Decide(in)
	if d.Rule != RuleCompanionship {
		t.Errorf("expected %v, got %v", RuleCompanionship, d.Rule)
	}
}

func TestDecide_BareConfirmOfPastDraftAsksAgain(t *testing.T) {
	eightAM := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		draft models.ReminderDraft
	}{
		{"flagged past", models.ReminderDraft{Title: "llamar a Ana", DueAt: &eightAM, HasDate: true, Flags: []string{"past"}, NeedsTimeConfirmation: true}},
		{"time went by while pending", models.ReminderDraft{Title: "llamar a Ana", DueAt: &eightAM, HasDate: true, Confidence: 0.9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewEngine().Decide(input("sí", prediction("afirmacion", 0.8), pendingReminder(t, tt.draft)))
			if d.Action != models.ActionAskConfirmation {
				t.Errorf("expected %v, got %v", models.ActionAskConfirmation, d.Action)
			}
			if d.Resolution == ResolutionConfirm {
				t.Error("a past time must not be confirmed")
			}
			if d.Reminder != nil {
				t.Fatalf("expected nothing to persist, got %+v", d.Reminder)
			}
			draft := decodeDraft(t, d.SetPending)
			if !containsFlag(&draft, "past") {
				t.Errorf("expected the re-asked draft to carry the past flag, got %v", draft.Flags)
			}
			if !strings.Contains(d.Reply, "Esa hora ya pasó") {
				t.Errorf("%q does not ask for a new time", d.Reply)
			}
		})
	}
}

func TestDecide_BareConfirmOfAmbiguousDraftAcceptsStatedTime(t *testing.T) {
	pending := pendingReminder(t, models.ReminderDraft{
		Title: "tomar la pastilla", DueAt: eightPM(), Flags: []string{"ambiguous"}, NeedsTimeConfirmation: true,
	})
	d := NewEngine().Decide(input("sí", prediction("afirmacion", 0.8), pending))
	if d.Action != models.ActionPersist {
		t.Fatalf("expected %v, got %v", models.ActionPersist, d.Action)
	}
	if d.Reminder == nil || !d.Reminder.DueAt.Equal(*eightPM()) {
		t.Errorf("expected the stated 20:00 interpretation to be saved, got %+v", d.Reminder)
	}
}

func TestDecide_PastDraftFixedByNewTime(t *testing.T) {
	eightAM := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	pending := pendingReminder(t, models.ReminderDraft{Title: "llamar a Ana", DueAt: &eightAM, HasDate: true, Flags: []string{"past"}, NeedsTimeConfirmation: true})
	d := NewEngine().Decide(input("a las 9 de la noche", prediction("recordatorio", 0.5), pending))
	if d.Resolution != ResolutionModify {
		t.Errorf("expected %v, got %v", ResolutionModify, d.Resolution)
	}
	draft := decodeDraft(t, d.SetPending)
	if containsFlag(&draft, "past") {
		t.Errorf("expected the new time to clear the past flag, got %v", draft.Flags)
	}
	if !draft.DueAt.Equal(time.Date(2025, 3, 10, 21, 0, 0, 0, time.UTC)) {
		t.Errorf("expected 21:00, got %v", draft.DueAt)
	}
}
