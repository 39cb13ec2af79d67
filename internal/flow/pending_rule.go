package flow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/reminder"
	"github.com/BTreeMap/CareTriage/internal/textnorm"
)

// pendingRule interprets the message as the answer to the session's pending action. A pending
// reminder is abandoned, and the cascade continues, when the message is dangerous or unrelated.
func (e *Engine) pendingRule(in *Input, st *cascadeState) (Decision, bool) {
	p := in.Pending
	if p == nil {
		return Decision{}, false
	}

	switch p.Kind {
	case models.PendingEmergencyCancelConfirmation:
		return e.emergencyReply(in, p), true
	case models.PendingReminderConfirmation:
		if in.Verdict.IsDangerous {
			slog.Info("Engine.pendingRule: dangerous message, abandoning pending reminder", "session", in.SessionID, "pending", p.ID)
			st.abandonedPending = true
			return Decision{}, false
		}
		d, ok := e.reminderReply(in, p)
		if !ok {
			slog.Debug("Engine.pendingRule: unrelated message, abandoning pending reminder", "session", in.SessionID, "pending", p.ID)
			st.abandonedPending = true
		}
		return d, ok
	default:
		slog.Warn("Engine.pendingRule: unknown pending kind, dropping", "session", in.SessionID, "kind", p.Kind)
		st.abandonedPending = true
		return Decision{}, false
	}
}

func (e *Engine) emergencyReply(in *Input, p *models.PendingAction) Decision {
	var draft models.EmergencyDraft
	if len(p.DraftPayload) > 0 {
		if err := json.Unmarshal(p.DraftPayload, &draft); err != nil {
			slog.Error("Engine.emergencyReply: bad pending payload", "pending", p.ID, "error", err)
		}
	}

	kind := ClassifyEmergencyReply(in.Text)
	if in.Verdict.IsDangerous {
		kind = ReplyConfirm
	}

	d := Decision{Flow: models.FlowEmergency}
	switch kind {
	case ReplyConfirm:
		d.Action = models.ActionEscalate
		d.Resolution = ResolutionConfirm
		d.ClearPending = true
		d.Reply = replyEmergencyEscal
		d.Emergency = &EmergencyEffect{Op: EmergencyEscalate, EventID: draft.EventID, Stage: models.StageEscalated}
		if in.Verdict.IsDangerous {
			d.Emergency.MatchedTerms = in.Verdict.MatchedTerms
		}
	case ReplyCancel:
		d.Action = models.ActionRespondOnly
		d.Resolution = ResolutionCancel
		d.ClearPending = true
		d.Reply = replyEmergencyCancel
		d.Emergency = &EmergencyEffect{Op: EmergencyCancel, EventID: draft.EventID}
	default:
		d.Action = models.ActionAskConfirmation
		d.ClearPending = true
		d.SetPending = e.newPending(in, models.PendingEmergencyCancelConfirmation, draft)
		d.Reply = replyEmergencyReask
		d.Emergency = &EmergencyEffect{Op: EmergencyReask, EventID: draft.EventID, Stage: models.StageConfirming}
	}
	return d
}

// reminderReply resolves a reply to a reminder draft. It returns false when the message is not
// about the draft at all.
func (e *Engine) reminderReply(in *Input, p *models.PendingAction) (Decision, bool) {
	var draft models.ReminderDraft
	if err := json.Unmarshal(p.DraftPayload, &draft); err != nil {
		slog.Error("Engine.reminderReply: bad pending payload", "pending", p.ID, "error", err)
		return Decision{}, false
	}

	kind := ClassifyReply(in.Text)
	out := e.extractor.ExtractIn(in.Text, in.Prediction.Entities(), in.Now, in.Location)
	hasTemporal := out.Status != reminder.StatusNoTemporal

	d := Decision{Flow: models.FlowReminder, ClearPending: true}
	switch {
	case kind == ReplyCancel && !hasTemporal:
		d.Action = models.ActionRespondOnly
		d.Resolution = ResolutionCancel
		d.Reply = replyReminderCanceled
		return d, true

	case kind == ReplyConfirm && !hasTemporal:
		if pastDue(&draft, in.Now) {
			slog.Debug("Engine.reminderReply: confirmation of a past time, asking again", "session", in.SessionID, "pending", p.ID)
			markPast(&draft)
		}
		if !draft.Complete() || pastDue(&draft, in.Now) {
			d.Action = models.ActionAskConfirmation
			d.Mode = ModeExtractionAmbiguous
			d.SetPending = e.newPending(in, models.PendingReminderConfirmation, &draft)
			d.Reply = reminderClarification(&draft, in.Now)
			d.Payload = &draft
			return d, true
		}
		d.Action = models.ActionPersist
		d.Resolution = ResolutionConfirm
		d.Reminder = &draft
		d.Reply = reminderSaved(&draft, in.Now)
		d.Payload = &draft
		return d, true

	case hasTemporal, HasModifyCue(in.Text), fillsMissingTitle(&draft, out, kind, in.Text):
		merged := mergeDraft(&draft, out)
		d.Resolution = ResolutionModify
		d.Payload = merged
		if merged.Complete() && !merged.NeedsTimeConfirmation && merged.Confidence >= e.extractor.Threshold() {
			if e.cfg.AutoConfirmReminders {
				d.Action = models.ActionPersist
				d.Reminder = merged
				d.Reply = reminderSaved(merged, in.Now)
				return d, true
			}
			d.Action = models.ActionAskConfirmation
			d.SetPending = e.newPending(in, models.PendingReminderConfirmation, merged)
			d.Reply = reminderConfirmQuestion(merged, in.Now)
			return d, true
		}
		d.Action = models.ActionAskConfirmation
		d.Mode = ModeExtractionAmbiguous
		d.SetPending = e.newPending(in, models.PendingReminderConfirmation, merged)
		d.Reply = reminderClarification(merged, in.Now)
		return d, true
	}
	return Decision{}, false
}

// pastDue reports whether the draft's time is already behind now. A bare "sí" never saves such a
// draft; an ambiguous hour is accepted because the question stated the interpreted time.
func pastDue(d *models.ReminderDraft, now time.Time) bool {
	return d.DueAt != nil && (containsFlag(d, string(reminder.FlagPast)) || !d.DueAt.After(now))
}

func markPast(d *models.ReminderDraft) {
	if !containsFlag(d, string(reminder.FlagPast)) {
		d.Flags = append(d.Flags, string(reminder.FlagPast))
	}
	d.NeedsTimeConfirmation = true
}

// fillsMissingTitle reports whether the message answers "what should I remind you of?".
func fillsMissingTitle(draft *models.ReminderDraft, out reminder.Outcome, kind ReplyKind, text string) bool {
	if draft.Title != "" || kind != ReplyUnclear || hasAny(text, unclearCues) {
		return false
	}
	return stripReplyWords(outcomeTitle(out)) != ""
}

// mergeDraft applies the title and time given in a follow-up message to the pending draft.
func mergeDraft(prev *models.ReminderDraft, out reminder.Outcome) *models.ReminderDraft {
	next := fromModelDraft(prev)
	if title := stripReplyWords(outcomeTitle(out)); title != "" {
		next.Title = title
	}
	if out.Draft != nil && out.Draft.DueAt != nil {
		next.DueAt = out.Draft.DueAt
		next.HasDate = out.Draft.HasDate
		next.Flags = out.Draft.Flags
	}
	reminder.Rescore(next)
	return toModelDraft(next, prev.SourceMessageID)
}

func outcomeTitle(out reminder.Outcome) string {
	if out.Draft != nil {
		return out.Draft.Title
	}
	return out.PartialTitle
}

// replyWords open follow-ups ("no, mejor a las 9", "sí, pero que sea...") without being part
// of the reminder title.
var replyWords = map[string]bool{
	"no": true, "si": true, "ok": true, "vale": true, "pero": true, "mejor": true, "cambia": true,
	"cambialo": true, "cambiar": true, "que": true, "sea": true, "mas": true, "bien": true, "en": true,
	"vez": true, "lugar": true, "de": true, "eso": true, "y": true,
}

func stripReplyWords(title string) string {
	words := strings.Fields(title)
	for len(words) > 0 && replyWords[textnorm.Normalize(words[0])] {
		words = words[1:]
	}
	return strings.Trim(strings.Join(words, " "), " ,.;:!?¿¡")
}

// String renders a decision for logs.
func (d Decision) String() string {
	return fmt.Sprintf("%s/%s rule=%s resolution=%s mode=%s", d.Flow, d.Action, d.Rule, d.Resolution, d.Mode)
}
