package flow

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/BTreeMap/CareTriage/internal/models"
)

// Reply texts, read aloud by the device.
const (
	replyEmergencyOpen    = "Esto parece una emergencia. Voy a avisar a tu contacto de emergencia. ¿Llamo ahora? Si fue una falsa alarma, dime «falsa alarma»."
	replyEmergencyEscal   = "Estoy avisando a tu contacto de emergencia ahora mismo. Quédate donde estás, la ayuda va en camino."
	replyEmergencyCancel  = "Entendido, cancelo la alerta. Si vuelves a sentirte mal, avísame de inmediato."
	replyEmergencyReask   = "¿Estás bien? Dime «sí» para avisar a tu contacto de emergencia, o «falsa alarma» si no necesitas ayuda."
	replyReminderCanceled = "Entendido, no guardo el recordatorio. ¿Te ayudo con algo más?"
	replyReminderWhat     = "¿Qué quieres que te recuerde y a qué hora? Por ejemplo: «tomar la pastilla a las 9 de la mañana»."
	replyHealthAskValue   = "¿Me dices el valor? Por ejemplo: «mi presión es 120/80» o «mi glucosa está en 110»."
	replyManualEscalation = "No pude registrar la alerta. Si estás en peligro, llama ahora al 112 o pide ayuda a alguien cercano."
	replyTransient        = "Perdona, no pude guardar eso. ¿Me lo puedes repetir?"
)

// ManualEscalationReply is used when an emergency could not be recorded.
func ManualEscalationReply() string { return replyManualEscalation }

// TransientFailureReply asks the user to repeat after a persistence conflict.
func TransientFailureReply() string { return replyTransient }

var weekdayNames = [...]string{"domingo", "lunes", "martes", "miércoles", "jueves", "viernes", "sábado"}

// FormatDue renders a due time relative to now, in now's location: "hoy a las 20:00",
// "mañana a las 08:30", "el viernes a las 17:00" or "el 15/03 a las 10:00".
func FormatDue(due, now time.Time) string {
	due = due.In(now.Location())
	clock := due.Format("15:04")
	at := "a las " + clock
	if due.Hour() == 1 {
		at = "a la " + clock
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	day := time.Date(due.Year(), due.Month(), due.Day(), 0, 0, 0, 0, now.Location())
	switch days := int(math.Round(day.Sub(today).Hours() / 24)); {
	case days == 0:
		return "hoy " + at
	case days == 1:
		return "mañana " + at
	case days == 2:
		return "pasado mañana " + at
	case days > 2 && days < 7:
		return fmt.Sprintf("el %s %s", weekdayNames[due.Weekday()], at)
	case due.Year() != now.Year():
		return fmt.Sprintf("el %s %s", due.Format("02/01/2006"), at)
	default:
		return fmt.Sprintf("el %s %s", due.Format("02/01"), at)
	}
}

func reminderConfirmQuestion(d *models.ReminderDraft, now time.Time) string {
	return fmt.Sprintf("¿Quieres que te recuerde %s %s? Responde «sí» o «no».", d.Title, FormatDue(*d.DueAt, now))
}

func reminderSaved(d *models.ReminderDraft, now time.Time) string {
	return fmt.Sprintf("Listo, te recordaré %s %s.", d.Title, FormatDue(*d.DueAt, now))
}

// reminderClarification asks for whatever the draft is missing.
func reminderClarification(d *models.ReminderDraft, now time.Time) string {
	switch {
	case d.Title == "" && d.DueAt == nil:
		return replyReminderWhat
	case d.Title == "":
		return fmt.Sprintf("¿Qué quieres que te recuerde %s?", FormatDue(*d.DueAt, now))
	case d.DueAt == nil:
		return fmt.Sprintf("¿A qué hora quieres que te recuerde %s?", d.Title)
	case containsFlag(d, "past"):
		return fmt.Sprintf("Esa hora ya pasó. ¿Cuándo quieres que te recuerde %s?", d.Title)
	default:
		return fmt.Sprintf("¿Te recuerdo %s %s? Confírmame la hora, por favor.", d.Title, FormatDue(*d.DueAt, now))
	}
}

func healthSaved(readings []models.HealthMetric) string {
	parts := make([]string, 0, len(readings))
	for _, r := range readings {
		parts = append(parts, strings.TrimSpace(fmt.Sprintf("%s %s %s", metricNames[r.Metric], r.ValueText, r.Unit)))
	}
	return "Anotado: " + strings.Join(parts, ", ") + ". Gracias por contármelo."
}

func containsFlag(d *models.ReminderDraft, flag string) bool {
	for _, f := range d.Flags {
		if f == flag {
			return true
		}
	}
	return false
}
