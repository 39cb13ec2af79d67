package flow

import (
	"log/slog"

	"github.com/BTreeMap/CareTriage/internal/models"
)

// ContentClass is the label a content screen gives an utterance.
type ContentClass string

const (
	ContentNormal    ContentClass = "normal"
	ContentAbuse     ContentClass = "abuso"
	ContentSpam      ContentClass = "spam"
	ContentEmergency ContentClass = "emergencia"
	ContentSelfHarm  ContentClass = "autolesion"
)

// ContentVerdict is what a content screen, typically an LLM classifier, made of an utterance.
type ContentVerdict struct {
	Class  ContentClass `json:"class"`
	Reason string       `json:"reason,omitempty"`
}

// Allowed reports whether the utterance may go through the normal flows.
func (v ContentVerdict) Allowed() bool {
	return v.Class == ContentNormal || v.Class == ""
}

// Emergency reports whether the screen saw danger. Such utterances are never blocked.
func (v ContentVerdict) Emergency() bool {
	return v.Class == ContentEmergency || v.Class == ContentSelfHarm
}

const replyBlocked = "Mensaje bloqueado por seguridad. Si necesitas ayuda urgente, contacta a un servicio de emergencia."

// BlockedReply is the fixed answer of the blocked flow.
func BlockedReply() string { return replyBlocked }

// contentRule opens an emergency when the screen saw danger and answers abusive or spam
// utterances with a fixed reply, without reaching the predictor-driven rules.
func (e *Engine) contentRule(in *Input, _ *cascadeState) (Decision, bool) {
	if in.Content == nil || in.Content.Allowed() {
		return Decision{}, false
	}
	if in.Content.Emergency() {
		slog.Info("Engine.contentRule: screen flagged danger", "session", in.SessionID, "class", in.Content.Class, "reason", in.Content.Reason)
		return e.openEmergency(in, models.TriggerContent, nil), true
	}
	slog.Warn("Engine.contentRule: message blocked", "session", in.SessionID, "class", in.Content.Class, "reason", in.Content.Reason)
	return Decision{
		Flow:   models.FlowBlocked,
		Action: models.ActionRespondOnly,
		Reply:  replyBlocked,
	}, true
}
