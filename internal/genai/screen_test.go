package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/CareTriage/internal/flow"
)

func TestParseScreen(t *testing.T) {
	tests := []struct {
		raw  string
		want flow.ContentClass
	}{
		{"normal", flow.ContentNormal},
		{"Abuso: insulta al asistente", flow.ContentAbuse},
		{"spam - enlace publicitario", flow.ContentSpam},
		{"abuso/spam", flow.ContentAbuse},
		{"emergencia_medica, dolor en el pecho", flow.ContentEmergency},
		{"Autolesión. Expresa deseo de hacerse daño", flow.ContentSelfHarm},
		{"```\nspam\n```", flow.ContentSpam},
		{"", flow.ContentNormal},
		{"no estoy seguro", flow.ContentNormal},
	}
	for _, tt := range tests {
		if got := parseScreen(tt.raw); got.Class != tt.want {
			t.Errorf("parseScreen(%q) = %q, want %q", tt.raw, got.Class, tt.want)
		}
	}
}

func TestScreenScreen(t *testing.T) {
	mock := &mockChatService{resp: reply("abuso: lenguaje ofensivo")}
	s := NewScreen(newMockClient(mock))

	v, err := s.Screen(context.Background(), "eres un inútil")
	if err != nil {
		t.Fatalf("Screen failed: %v", err)
	}
	if v.Class != flow.ContentAbuse || v.Allowed() {
		t.Errorf("unexpected verdict: %+v", v)
	}
	p := mock.last(t)
	if p.MaxCompletionTokens.Value != screenMaxTokens {
		t.Errorf("expected max tokens %d, got %d", screenMaxTokens, p.MaxCompletionTokens.Value)
	}
	if user := p.Messages[1].OfUser.Content.OfString.Value; !strings.Contains(user, "eres un inútil") {
		t.Errorf("prompt should carry the text: %s", user)
	}
}

func TestScreenScreen_Errors(t *testing.T) {
	s := NewScreen(newMockClient(&mockChatService{err: errors.New("timeout")}))
	if _, err := s.Screen(context.Background(), "hola"); err == nil {
		t.Error("expected service error")
	}
	var unset *Screen
	if _, err := unset.Screen(context.Background(), "hola"); err == nil {
		t.Error("expected an error from an unconfigured screen")
	}
}
