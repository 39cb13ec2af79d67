package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CareTriage/internal/flow"
	"github.com/BTreeMap/CareTriage/internal/messaging"
	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/store"
)

// Job kinds run by the store's JobRunner.
const (
	JobReminderDue      = "reminder_due"
	JobEmergencyTimeout = "emergency_timeout"
)

// JobRetryPolicies returns the retry policy of each job kind run by the orchestrator. Both
// retry faster than the default so a notice still goes out close to its time.
func JobRetryPolicies() store.RetryPolicies {
	return store.RetryPolicies{
		JobReminderDue:      {BaseDelay: 15 * time.Second, MaxDelay: 2 * time.Minute},
		JobEmergencyTimeout: {BaseDelay: 5 * time.Second, MaxDelay: 30 * time.Second},
	}
}

type reminderJobPayload struct {
	ReminderID string `json:"reminder_id"`
}

type emergencyJobPayload struct {
	EventID string `json:"event_id"`
}

// RegisterJobHandlers registers the reminder and emergency follow-up handlers on r.
func (o *Orchestrator) RegisterJobHandlers(r *store.JobRunner) {
	r.RegisterHandler(JobReminderDue, o.HandleReminderDue)
	r.RegisterHandler(JobEmergencyTimeout, o.HandleEmergencyTimeout)
}

func (o *Orchestrator) scheduleReminder(ctx context.Context, r *models.Reminder) error {
	payload, err := json.Marshal(reminderJobPayload{ReminderID: r.ID})
	if err != nil {
		return fmt.Errorf("failed to encode reminder job: %w", err)
	}
	key := fmt.Sprintf("reminder:%s:%d", r.ID, r.DueAt.Unix())
	jobID, err := o.store.EnqueueJob(ctx, JobReminderDue, r.DueAt, string(payload), key)
	if err != nil {
		return fmt.Errorf("failed to schedule reminder %s: %w", r.ID, err)
	}
	slog.Debug("Orchestrator.scheduleReminder", "reminder", r.ID, "job", jobID, "dueAt", r.DueAt)
	return nil
}

// ScheduleReminder queues the due job of a confirmed reminder, e.g. after it was edited.
func (o *Orchestrator) ScheduleReminder(ctx context.Context, r *models.Reminder) error {
	if r == nil || r.Status != models.ReminderStatusConfirmed {
		return nil
	}
	return o.scheduleReminder(ctx, r)
}

// scheduleEmergencyTimeout escalates the event if the user has not answered once the
// confirmation window closes. Failure to schedule is logged only.
func (o *Orchestrator) scheduleEmergencyTimeout(ctx context.Context, eventID string, now time.Time) {
	payload, err := json.Marshal(emergencyJobPayload{EventID: eventID})
	if err != nil {
		slog.Error("Orchestrator.scheduleEmergencyTimeout: encode failed", "emergency", eventID, "error", err)
		return
	}
	runAt := now.Add(o.engine.Config().PendingTTL)
	if _, err := o.store.EnqueueJob(ctx, JobEmergencyTimeout, runAt, string(payload), "emergency-timeout:"+eventID); err != nil {
		slog.Error("Orchestrator.scheduleEmergencyTimeout: enqueue failed", "emergency", eventID, "error", err)
	}
}

// HandleReminderDue fires a reminder: confirmed becomes fired and, when the user has a phone,
// a notice is queued. Canceled, fired or rescheduled reminders are skipped.
func (o *Orchestrator) HandleReminderDue(ctx context.Context, payload string) error {
	var p reminderJobPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("bad reminder job payload: %w", err)
	}
	r, err := o.store.GetReminder(ctx, p.ReminderID)
	if err != nil {
		return fmt.Errorf("failed to load reminder %s: %w", p.ReminderID, err)
	}
	if r == nil || r.Status != models.ReminderStatusConfirmed {
		slog.Debug("Orchestrator.HandleReminderDue: nothing to fire", "reminder", p.ReminderID)
		return nil
	}
	now := o.now()
	if r.DueAt.After(now.Add(time.Minute)) {
		// Edited to a later time; the new due time has its own job.
		slog.Debug("Orchestrator.HandleReminderDue: rescheduled", "reminder", r.ID, "dueAt", r.DueAt)
		return o.scheduleReminder(ctx, r)
	}

	if err := o.store.UpdateReminderStatus(ctx, r.ID, models.ReminderStatusConfirmed, models.ReminderStatusFired); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	slog.Info("Orchestrator.HandleReminderDue: fired", "reminder", r.ID, "user", r.UserID)

	user := o.loadUser(ctx, r.UserID)
	if user.Phone == "" {
		return nil
	}
	body := fmt.Sprintf("Recordatorio: %s (%s).", r.Title, flow.FormatDue(r.DueAt, now.In(o.locationFor(user))))
	msg, err := messaging.EncodePayload(body)
	if err != nil {
		return err
	}
	if _, err := o.store.EnqueueOutboxMessage(ctx, user.Phone, messaging.KindReminderDue, msg, "reminder:"+r.ID); err != nil {
		return fmt.Errorf("failed to queue reminder notice: %w", err)
	}
	return nil
}

// HandleEmergencyTimeout escalates an emergency that is still active but not escalated.
func (o *Orchestrator) HandleEmergencyTimeout(ctx context.Context, payload string) error {
	var p emergencyJobPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("bad emergency job payload: %w", err)
	}
	ev, err := o.store.GetEmergency(ctx, p.EventID)
	if err != nil {
		return fmt.Errorf("failed to load emergency %s: %w", p.EventID, err)
	}
	if ev == nil || ev.Status != models.EmergencyStatusActive || ev.Stage == models.StageEscalated {
		return nil
	}

	ev, err = o.store.UpdateEmergencyStage(ctx, ev.ID, models.StageEscalated)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	slog.Warn("Orchestrator.HandleEmergencyTimeout: no answer, escalating", "emergency", ev.ID, "user", ev.UserID)
	_, err = o.notifyContact(ctx, o.loadUser(ctx, ev.UserID), ev, "No ha respondido tras detectar la posible emergencia.")
	return err
}
