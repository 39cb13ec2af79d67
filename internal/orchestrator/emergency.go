package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CareTriage/internal/flow"
	"github.com/BTreeMap/CareTriage/internal/messaging"
	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/store"
	"github.com/BTreeMap/CareTriage/internal/util"
)

func (o *Orchestrator) applyEmergency(ctx context.Context, t *turn, d *flow.Decision, eff *effects) error {
	e := d.Emergency
	switch e.Op {
	case flow.EmergencyOpen:
		stored, created, err := o.store.UpsertActiveEmergency(ctx, models.EmergencyEvent{
			ID:            util.NewID(util.PrefixEmergency),
			UserID:        t.in.UserID,
			Status:        models.EmergencyStatusActive,
			TriggerReason: e.Trigger,
			Stage:         e.Stage,
			MatchedTerms:  e.MatchedTerms,
			MessageID:     t.in.MessageID,
			CreatedAt:     t.in.Now,
		})
		if err != nil {
			return fmt.Errorf("failed to open emergency: %w", err)
		}
		eff.emergencyID = stored.ID
		if created {
			eff.add(ActionEmergencyOpened)
			o.scheduleEmergencyTimeout(ctx, stored.ID, t.in.Now)
		} else {
			eff.add(ActionEmergencyUpdated)
		}
		attachEvent(d.SetPending, stored.ID)
		return nil

	case flow.EmergencyEscalate:
		trigger := e.Trigger
		if trigger == "" {
			trigger = models.TriggerIntent
			if t.in.Verdict.IsDangerous {
				trigger = t.in.Verdict.Trigger()
			}
		}
		stored, _, err := o.store.UpsertActiveEmergency(ctx, models.EmergencyEvent{
			ID:            util.NewID(util.PrefixEmergency),
			UserID:        t.in.UserID,
			Status:        models.EmergencyStatusActive,
			TriggerReason: trigger,
			Stage:         models.StageEscalated,
			MatchedTerms:  e.MatchedTerms,
			MessageID:     t.in.MessageID,
			CreatedAt:     t.in.Now,
		})
		if err != nil {
			return fmt.Errorf("failed to escalate emergency: %w", err)
		}
		eff.emergencyID = stored.ID
		eff.add(ActionEmergencyEscalated)
		action, err := o.notifyContact(ctx, t.user, stored, "")
		if err != nil {
			return err
		}
		eff.add(action)
		return nil

	case flow.EmergencyCancel:
		ev, err := o.resolveEvent(ctx, e.EventID, t.in.UserID)
		if err != nil {
			return err
		}
		if ev == nil {
			slog.Debug("Orchestrator.applyEmergency: nothing to cancel", "user", t.in.UserID)
			return nil
		}
		if _, err := o.store.CloseEmergency(ctx, ev.ID, models.EmergencyStatusCanceled); err != nil {
			if errors.Is(err, store.ErrConflict) {
				slog.Debug("Orchestrator.applyEmergency: already closed", "emergency", ev.ID)
				return nil
			}
			return fmt.Errorf("failed to cancel emergency: %w", err)
		}
		eff.emergencyID = ev.ID
		eff.add(ActionEmergencyCanceled)
		return nil

	case flow.EmergencyReask:
		ev, err := o.resolveEvent(ctx, e.EventID, t.in.UserID)
		if err != nil {
			return err
		}
		if ev == nil {
			return nil
		}
		eff.emergencyID = ev.ID
		attachEvent(d.SetPending, ev.ID)
		if ev.Stage == models.StageEscalated || ev.Stage == e.Stage {
			return nil
		}
		if _, err := o.store.UpdateEmergencyStage(ctx, ev.ID, e.Stage); err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("failed to update emergency stage: %w", err)
		}
		eff.add(ActionEmergencyUpdated)
		return nil
	}
	return fmt.Errorf("unknown emergency op %q", e.Op)
}

// resolveEvent returns the active event named by id, falling back to the user's active event.
func (o *Orchestrator) resolveEvent(ctx context.Context, id, userID string) (*models.EmergencyEvent, error) {
	if id != "" {
		ev, err := o.store.GetEmergency(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load emergency %s: %w", id, err)
		}
		if ev != nil && ev.Status == models.EmergencyStatusActive {
			return ev, nil
		}
	}
	ev, err := o.store.GetActiveEmergency(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active emergency: %w", err)
	}
	return ev, nil
}

// attachEvent records the event ID in an emergency confirmation pending action.
func attachEvent(p *models.PendingAction, eventID string) {
	if p == nil || p.Kind != models.PendingEmergencyCancelConfirmation {
		return
	}
	var draft models.EmergencyDraft
	if len(p.DraftPayload) > 0 {
		_ = json.Unmarshal(p.DraftPayload, &draft)
	}
	if draft.EventID != "" {
		return
	}
	draft.EventID = eventID
	b, _ := json.Marshal(draft)
	p.DraftPayload = b
}

// notifyContact queues the alert to the user's emergency contact. The dedupe key makes it
// one alert per event.
func (o *Orchestrator) notifyContact(ctx context.Context, user *models.User, ev *models.EmergencyEvent, note string) (string, error) {
	if user == nil || strings.TrimSpace(user.ContactPhone) == "" {
		slog.Warn("Orchestrator.notifyContact: no emergency contact on file", "emergency", ev.ID, "user", ev.UserID)
		return ActionContactMissing, nil
	}
	payload, err := messaging.EncodePayload(alertBody(user, ev, note))
	if err != nil {
		return "", err
	}
	id, err := o.store.EnqueueOutboxMessage(ctx, user.ContactPhone, messaging.KindEmergencyAlert, payload,
		fmt.Sprintf("emergency:%s:%s", ev.ID, models.StageEscalated))
	if err != nil {
		return "", fmt.Errorf("failed to queue emergency alert: %w", err)
	}
	slog.Info("Orchestrator.notifyContact: alert queued", "emergency", ev.ID, "outbox", id)
	return ActionContactNotified, nil
}

func alertBody(user *models.User, ev *models.EmergencyEvent, note string) string {
	name := user.Name
	if name == "" {
		name = "Tu familiar"
	}
	reason := "alerta de emergencia"
	if len(ev.MatchedTerms) > 0 {
		reason = strings.Join(ev.MatchedTerms, ", ")
	}
	body := fmt.Sprintf("CareTriage: %s puede necesitar ayuda urgente (motivo: %s).", name, reason)
	if note != "" {
		body += " " + note
	}
	return body + " Por favor, contacta cuanto antes."
}

// TriggerEmergency opens, or escalates, the user's emergency from a manual SOS and alerts the
// emergency contact.
func (o *Orchestrator) TriggerEmergency(ctx context.Context, userID, reason string) (*models.EmergencyEvent, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, models.ErrEmptyUserID
	}
	terms := []string{"sos"}
	if r := strings.TrimSpace(reason); r != "" {
		terms = append(terms, r)
	}
	now := o.now()
	ev, created, err := o.store.UpsertActiveEmergency(ctx, models.EmergencyEvent{
		ID:            util.NewID(util.PrefixEmergency),
		UserID:        userID,
		Status:        models.EmergencyStatusActive,
		TriggerReason: models.TriggerKeyword,
		Stage:         models.StageEscalated,
		MatchedTerms:  terms,
		CreatedAt:     now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to trigger emergency: %w", err)
	}
	slog.Info("Orchestrator.TriggerEmergency", "user", userID, "emergency", ev.ID, "created", created)
	if _, err := o.notifyContact(ctx, o.loadUser(ctx, userID), ev, ""); err != nil {
		return ev, err
	}
	return ev, nil
}
