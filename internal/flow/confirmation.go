package flow

import (
	"github.com/BTreeMap/CareTriage/internal/textnorm"
)

// ReplyKind is how a user answered a yes/no question.
type ReplyKind int

const (
	ReplyUnclear ReplyKind = iota
	ReplyConfirm
	ReplyCancel
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyConfirm:
		return "confirm"
	case ReplyCancel:
		return "cancel"
	default:
		return "unclear"
	}
}

// Cue lists are matched on normalized text (lowercase, no accents, no punctuation).
var (
	// Phrases that start with "no" but mean yes.
	affirmativeNoCues = []string{"no hay problema", "como no", "por que no", "no hay de que"}
	unclearCues       = []string{"no se", "no estoy seguro", "no estoy segura", "tal vez", "quizas", "a lo mejor"}

	cancelCues = []string{
		"no", "cancelar", "cancela", "cancelalo", "olvida", "olvidalo", "anular", "anula", "no gracias",
		"mejor no", "dejalo", "ya no", "tampoco",
	}
	confirmCues = []string{
		"si", "confirmo", "confirma", "confirmar", "dale", "ok", "okey", "vale", "de acuerdo", "claro",
		"correcto", "perfecto", "esta bien", "por supuesto", "asi es", "eso es", "hazlo",
	}

	emergencyCancelCues = []string{
		"falsa alarma", "estoy bien", "ya estoy bien", "no llames", "no llames a nadie", "todo bien",
		"no es necesario", "no hace falta", "me equivoque", "fue sin querer", "no necesito ayuda", "no necesito nada",
	}
	emergencyConfirmCues = []string{
		"llama", "llamar", "llamalos", "llamala", "llamalo", "contacta", "contactar", "avisa", "ambulancia",
		"urgencias", "ayuda", "ayudame", "911", "112", "rapido",
	}

	modifyCues = []string{"cambia", "cambialo", "cambiar", "que sea", "en vez de", "en lugar de", "mas bien", "mejor pon", "mejor que"}

	reminderKeywords = []string{
		"recordatorio", "recordar", "recordarme", "recuerdame", "recuerdamelo", "anotar", "anota", "anotame",
		"apunta", "apuntame", "cita", "alarma", "avisame", "no olvides", "no me dejes olvidar",
	}
)

// ClassifyReply interprets a message as the answer to a yes/no question. Hesitations win
// over cancel cues, and cancel cues win over confirm cues.
func ClassifyReply(text string) ReplyKind {
	switch {
	case hasAny(text, affirmativeNoCues):
		return ReplyConfirm
	case hasAny(text, unclearCues):
		return ReplyUnclear
	case hasAny(text, cancelCues):
		return ReplyCancel
	case hasAny(text, confirmCues):
		return ReplyConfirm
	}
	return ReplyUnclear
}

// ClassifyEmergencyReply interprets the answer to "should I call for help?". A false-alarm cue
// cancels; a call-for-help cue or a generic yes confirms; a generic no cancels.
func ClassifyEmergencyReply(text string) ReplyKind {
	switch {
	case hasAny(text, emergencyCancelCues):
		return ReplyCancel
	case hasAny(text, emergencyConfirmCues):
		return ReplyConfirm
	}
	return ClassifyReply(text)
}

// HasModifyCue reports whether the message asks to change something ("mejor a las 9").
func HasModifyCue(text string) bool {
	return hasAny(text, modifyCues)
}

// HasReminderKeyword reports whether the message mentions reminders explicitly.
func HasReminderKeyword(text string) bool {
	return hasAny(text, reminderKeywords)
}

func hasAny(text string, cues []string) bool {
	return len(textnorm.MatchPhrases(text, cues)) > 0
}
