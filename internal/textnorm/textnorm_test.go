package textnorm

import (
	"reflect"
	"testing"
)

func TestFold(t *testing.T) {
	if got := Fold("Recuérdame"); got != "recuerdame" {
		t.Errorf("expected %q, got %q", "recuerdame", got)
	}
	if got := Fold("MAÑANA"); got != "manana" {
		t.Errorf("expected %q, got %q", "manana", got)
	}
	if got := Fold("me caí"); got != "me cai" {
		t.Errorf("expected %q, got %q", "me cai", got)
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("¡Sí, claro!"); got != "si claro" {
		t.Errorf("expected %q, got %q", "si claro", got)
	}
	if got := Normalize("  a las 8:30  "); got != "a las 8 30" {
		t.Errorf("expected %q, got %q", "a las 8 30", got)
	}
	if got := Normalize("¿?"); got != "" {
		t.Errorf("expected %q, got %q", "", got)
	}
}

func TestContainsPhrase(t *testing.T) {
	if !ContainsPhrase("Me CAÍ en la cocina", "me cai") {
		t.Error("expected ContainsPhrase('Me CAÍ en la cocina', 'me cai') to hold")
	}
	if !ContainsPhrase("dolor de pecho.", "dolor de pecho") {
		t.Error("expected ContainsPhrase('dolor de pecho.', 'dolor de pecho') to hold")
	}
	if ContainsPhrase("caimiento", "cai") {
		t.Error("expected ContainsPhrase('caimiento', 'cai') to be false")
	}
	if ContainsPhrase("hola", "") {
		t.Error("expected ContainsPhrase('hola', '') to be false")
	}
}

func TestMatchPhrases(t *testing.T) {
	got := MatchPhrases("me caí y tengo dolor de pecho", []string{"dolor de pecho", "me cai", "sangre"})
	if !reflect.DeepEqual(got, []string{"dolor de pecho", "me cai"}) {
		t.Errorf("expected %v, got %v", []string{"dolor de pecho", "me cai"}, got)
	}
}

func TestCollapseSpaces(t *testing.T) {
	if got := CollapseSpaces("  tomar   la\tpastilla "); got != "tomar la pastilla" {
		t.Errorf("expected %q, got %q", "tomar la pastilla", got)
	}
}
