package safety

import (
	"reflect"
	"sync"
	"testing"

	"github.com/BTreeMap/CareTriage/internal/models"
)

func TestEvaluate_KeywordIgnoresIntent(t *testing.T) {
	g := NewGate()
	intents := []*models.IntentPrediction{
		nil,
		{Label: "saludo", Confidence: 0.99},
		{Label: "recordatorio", Confidence: 0.95},
		{Label: "emergencia_medica", Confidence: 0.1},
	}
	for _, intent := range intents {
		v := g.Evaluate("me caí y no puedo levantarme", intent)
		if !v.IsDangerous {
			t.Fatal("expected v.IsDangerous to hold")
		}
		if v.Reason != ReasonKeywordMatch {
			t.Errorf("expected %v, got %v", ReasonKeywordMatch, v.Reason)
		}
		if !reflect.DeepEqual(v.MatchedTerms, []string{"me cai", "no puedo levantarme"}) {
			t.Errorf("expected %v, got %v", []string{"me cai", "no puedo levantarme"}, v.MatchedTerms)
		}
	}
}

func TestEvaluate_AccentAndCaseInsensitive(t *testing.T) {
	g := NewGate()
	for _, text := range []string{"ME DUELE EL PECHO", "me duele el pécho!", "¡Auxilio!", "siento que me AHOGO"} {
		v := g.Evaluate(text, nil)
		if !v.IsDangerous {
			t.Error(text)
		}
	}
}

func TestEvaluate_WordBoundaries(t *testing.T) {
	g := NewGate()
	v := g.Evaluate("el caimiento de las hojas", nil)
	if v.IsDangerous {
		t.Error("expected v.IsDangerous to be false")
	}
	if v.Reason != ReasonNone {
		t.Errorf("expected %v, got %v", ReasonNone, v.Reason)
	}
}

func TestEvaluate_IntentMatch(t *testing.T) {
	g := NewGate(WithIntentThreshold(0.7))

	v := g.Evaluate("no me encuentro nada bien", &models.IntentPrediction{Label: "emergencia_medica", Confidence: 0.8})
	if !v.IsDangerous {
		t.Fatal("expected v.IsDangerous to hold")
	}
	if v.Reason != ReasonIntentMatch {
		t.Errorf("expected %v, got %v", ReasonIntentMatch, v.Reason)
	}
	if got := v.Trigger(); got != models.TriggerIntent {
		t.Errorf("expected %v, got %v", models.TriggerIntent, got)
	}

	v = g.Evaluate("no me encuentro nada bien", &models.IntentPrediction{Label: "emergencia_medica", Confidence: 0.69})
	if v.IsDangerous {
		t.Error("expected v.IsDangerous to be false")
	}
}

func TestEvaluate_KeywordBeatsIntent(t *testing.T) {
	g := NewGate()
	v := g.Evaluate("socorro", &models.IntentPrediction{Label: "alerta_medica", Confidence: 0.9})
	if v.Reason != ReasonKeywordMatch {
		t.Errorf("expected %v, got %v", ReasonKeywordMatch, v.Reason)
	}
	if got := v.Trigger(); got != models.TriggerKeyword {
		t.Errorf("expected %v, got %v", models.TriggerKeyword, got)
	}
}

func TestEvaluate_SafeText(t *testing.T) {
	g := NewGate()
	v := g.Evaluate("hoy hace un día precioso", &models.IntentPrediction{Label: "conversacion_social", Confidence: 0.9})
	if v.IsDangerous {
		t.Error("expected v.IsDangerous to be false")
	}
	if len(v.MatchedTerms) != 0 {
		t.Errorf("expected empty, got %v", v.MatchedTerms)
	}
}

func TestNewGate_CustomKeywords(t *testing.T) {
	g := NewGate(WithKeywords([]string{"Mareo Fuerte"}), WithDangerousIntents(nil))
	if !g.Evaluate("tengo un mareo fuerte", nil).IsDangerous {
		t.Error("expected g.Evaluate('tengo un mareo fuerte', nil).IsDangerous to hold")
	}
	if g.Evaluate("me caí", nil).IsDangerous {
		t.Error("expected g.Evaluate('me caí', nil).IsDangerous to be false")
	}
	if g.IsDangerousIntent(&models.IntentPrediction{Label: "emergencia_medica", Confidence: 1}) {
		t.Error("expected g.IsDangerousIntent(&models.IntentPrediction{Label: 'emergencia_medica', Confidence: 1}) to be false")
	}

	g = NewGate(WithExtraKeywords([]string{"mareo fuerte"}))
	if !g.Evaluate("mareo fuerte", nil).IsDangerous {
		t.Error("expected g.Evaluate('mareo fuerte', nil).IsDangerous to hold")
	}
	if !g.Evaluate("me caí", nil).IsDangerous {
		t.Error("expected g.Evaluate('me caí', nil).IsDangerous to hold")
	}
}

func TestEvaluate_ConcurrentUse(t *testing.T) {
	g := NewGate()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !g.Evaluate("dolor de pecho", nil).IsDangerous {
				t.Error("expected dangerous verdict")
			}
		}()
	}
	wg.Wait()
}
