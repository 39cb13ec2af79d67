package flow

import (
	"testing"

	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/predictor"
)

func screened(text string, pred predictor.Result, pending *models.PendingAction, class ContentClass) Input {
	in := input(text, pred, pending)
	in.Content = &ContentVerdict{Class: class, Reason: "test"}
	return in
}

func TestContentVerdict(t *testing.T) {
	tests := []struct {
		class     ContentClass
		allowed   bool
		emergency bool
	}{
		{"", true, false},
		{ContentNormal, true, false},
		{ContentAbuse, false, false},
		{ContentSpam, false, false},
		{ContentEmergency, false, true},
		{ContentSelfHarm, false, true},
	}
	for _, tt := range tests {
		v := ContentVerdict{Class: tt.class}
		if v.Allowed() != tt.allowed || v.Emergency() != tt.emergency {
			t.Errorf("%q: expected allowed=%v emergency=%v, got %v %v", tt.class, tt.allowed, tt.emergency, v.Allowed(), v.Emergency())
		}
	}
}

func TestDecide_ContentScreenBlocks(t *testing.T) {
	for _, class := range []ContentClass{ContentAbuse, ContentSpam} {
		for _, pred := range []predictor.Result{prediction("recordatorio", 0.95), degradedPrediction()} {
			d := NewEngine().Decide(screened("recuérdame comprar bitcoins en esta web", pred, nil, class))
			if d.Flow != models.FlowBlocked {
				t.Errorf("%s: expected %v, got %v", class, models.FlowBlocked, d.Flow)
			}
			if d.Rule != RuleContentScreen || d.Action != models.ActionRespondOnly {
				t.Errorf("%s: expected a respond-only content screen decision, got %s", class, d.String())
			}
			if d.Reply != BlockedReply() {
				t.Errorf("%s: expected the blocked reply, got %q", class, d.Reply)
			}
			if d.SetPending != nil || d.Reminder != nil || d.Emergency != nil {
				t.Errorf("%s: expected no side effects, got %+v", class, d)
			}
		}
	}
}

func TestDecide_ContentScreenAllowsNormal(t *testing.T) {
	for _, in := range []Input{
		screened("hola, qué tal", prediction("saludo", 0.9), nil, ContentNormal),
		input("hola, qué tal", prediction("saludo", 0.9), nil),
	} {
		d := NewEngine().Decide(in)
		if d.Flow != models.FlowCompanionship || d.Rule != RuleCompanionship {
			t.Errorf("expected companionship, got %s", d.String())
		}
	}
}

func TestDecide_ContentScreenDangerOpensEmergency(t *testing.T) {
	d := NewEngine().Decide(screened("ya no quiero seguir aquí", prediction("saludo", 0.8), nil, ContentSelfHarm))
	if d.Flow != models.FlowEmergency || d.Rule != RuleContentScreen {
		t.Fatalf("expected an emergency from the content screen, got %s", d.String())
	}
	if d.Emergency == nil || d.Emergency.Op != EmergencyOpen || d.Emergency.Trigger != models.TriggerContent {
		t.Errorf("expected an open effect triggered by the screen, got %+v", d.Emergency)
	}
	if d.SetPending == nil || d.SetPending.Kind != models.PendingEmergencyCancelConfirmation {
		t.Errorf("expected the cancel confirmation to be pending, got %+v", d.SetPending)
	}
}

func TestDecide_KeywordsWinOverContentScreen(t *testing.T) {
	d := NewEngine().Decide(screened("me caí y no puedo levantarme", predictor.Skipped(), nil, ContentAbuse))
	if d.Flow != models.FlowEmergency || d.Rule != RuleSafetyGate {
		t.Errorf("expected the safety gate to open the emergency, got %s", d.String())
	}
}

func TestDecide_PendingEmergencyNotBlocked(t *testing.T) {
	d := NewEngine().Decide(screened("falsa alarma, estoy bien", predictor.Skipped(), pendingEmergency(t, "em_1"), ContentSpam))
	if d.Rule != RulePendingConfirmation || d.Resolution != ResolutionCancel {
		t.Errorf("expected the pending emergency to be resolved first, got %s", d.String())
	}
}
