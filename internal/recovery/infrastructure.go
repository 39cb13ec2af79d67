package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/store"
)

// StaleJobs requeues jobs left in running state.
func StaleJobs(r *store.JobRunner) Recoverable {
	return Func{Label: "stale_jobs", Fn: r.RecoverStaleJobs}
}

// StaleOutbox requeues outbox messages left in sending state.
func StaleOutbox(s *store.OutboxSender) Recoverable {
	return Func{Label: "stale_outbox", Fn: s.RecoverStaleMessages}
}

// PendingPurger deletes expired pending actions.
type PendingPurger interface {
	PurgeExpiredPendingActions(ctx context.Context, now time.Time) (int, error)
}

// ExpiredPending drops confirmation windows that closed while the process was down.
func ExpiredPending(p PendingPurger, now func() time.Time) Recoverable {
	if now == nil {
		now = time.Now
	}
	return Func{Label: "expired_pending", Fn: func(ctx context.Context) error {
		n, err := p.PurgeExpiredPendingActions(ctx, now())
		if err != nil {
			return fmt.Errorf("failed to purge expired pending actions: %w", err)
		}
		slog.Debug("recovery.ExpiredPending: purged", "count", n)
		return nil
	}}
}

// ReminderLister lists reminders by filter.
type ReminderLister interface {
	ListReminders(ctx context.Context, f store.ReminderFilter) ([]models.Reminder, error)
}

// ReminderScheduler queues the due job of a reminder. Queuing must be idempotent.
type ReminderScheduler func(ctx context.Context, r *models.Reminder) error

// ConfirmedReminders re-queues the due job of every confirmed reminder so none is lost if the
// process stopped between confirming and scheduling.
func ConfirmedReminders(l ReminderLister, schedule ReminderScheduler) Recoverable {
	return Func{Label: "confirmed_reminders", Fn: func(ctx context.Context) error {
		reminders, err := l.ListReminders(ctx, store.ReminderFilter{Status: models.ReminderStatusConfirmed, Limit: 1000})
		if err != nil {
			return fmt.Errorf("failed to list confirmed reminders: %w", err)
		}
		failed := 0
		for i := range reminders {
			if err := schedule(ctx, &reminders[i]); err != nil {
				slog.Warn("recovery.ConfirmedReminders: schedule failed", "reminder", reminders[i].ID, "error", err)
				failed++
			}
		}
		slog.Info("recovery.ConfirmedReminders: rescheduled", "count", len(reminders)-failed, "failed", failed)
		if failed > 0 {
			return fmt.Errorf("failed to schedule %d of %d reminders", failed, len(reminders))
		}
		return nil
	}}
}
