package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CareTriage/internal/models"
)

// ErrPendingSessionMismatch is returned when a replacement targets another session.
var ErrPendingSessionMismatch = errors.New("pending action belongs to another session")

// PendingStore is the persistence needed by PendingTracker. Writes are conditional: inserts
// succeed only when no live action exists, replacements and deletes only when the stored
// action has the expected ID. Failed conditions are reported as store.ErrConflict.
type PendingStore interface {
	GetPendingAction(ctx context.Context, sessionID string) (*models.PendingAction, error)
	InsertPendingAction(ctx context.Context, action models.PendingAction, now time.Time) error
	ReplacePendingAction(ctx context.Context, action models.PendingAction, expectedID string) error
	DeletePendingAction(ctx context.Context, sessionID, expectedID string) error
}

// PendingTracker holds the per-session pending action awaiting the user's answer.
type PendingTracker struct {
	store PendingStore
}

// NewPendingTracker creates a tracker backed by st.
func NewPendingTracker(st PendingStore) *PendingTracker {
	slog.Debug("Creating PendingTracker")
	return &PendingTracker{store: st}
}

// IsExpired reports whether action is no longer valid at now.
func IsExpired(action *models.PendingAction, now time.Time) bool {
	return action != nil && action.Expired(now)
}

// Get returns the live pending action of a session, or nil. An expired action is treated as
// absent and deleted on the way out.
func (t *PendingTracker) Get(ctx context.Context, sessionID string, now time.Time) (*models.PendingAction, error) {
	action, err := t.store.GetPendingAction(ctx, sessionID)
	if err != nil {
		slog.Error("PendingTracker.Get: lookup failed", "session", sessionID, "error", err)
		return nil, fmt.Errorf("failed to get pending action: %w", err)
	}
	if action == nil {
		return nil, nil
	}
	if IsExpired(action, now) {
		slog.Debug("PendingTracker.Get: expired, clearing", "session", sessionID, "pending", action.ID, "expiresAt", action.ExpiresAt)
		if err := t.store.DeletePendingAction(ctx, sessionID, action.ID); err != nil {
			// Another writer may already have replaced it; the expired row is ignored either way.
			slog.Warn("PendingTracker.Get: clearing expired action failed", "session", sessionID, "error", err)
		}
		return nil, nil
	}
	return action, nil
}

// Set registers action. With prev nil the insert succeeds only if the session has no live
// action; otherwise prev is replaced only if it is still the stored action.
func (t *PendingTracker) Set(ctx context.Context, action *models.PendingAction, prev *models.PendingAction) error {
	if action == nil {
		return errors.New("pending action is nil")
	}
	if prev == nil {
		if err := t.store.InsertPendingAction(ctx, *action, action.CreatedAt); err != nil {
			slog.Debug("PendingTracker.Set: insert failed", "session", action.SessionID, "error", err)
			return fmt.Errorf("failed to set pending action: %w", err)
		}
		slog.Debug("PendingTracker.Set: inserted", "session", action.SessionID, "pending", action.ID, "kind", action.Kind)
		return nil
	}
	if prev.SessionID != action.SessionID {
		return ErrPendingSessionMismatch
	}
	if err := t.store.ReplacePendingAction(ctx, *action, prev.ID); err != nil {
		slog.Debug("PendingTracker.Set: replace failed", "session", action.SessionID, "expected", prev.ID, "error", err)
		return fmt.Errorf("failed to replace pending action: %w", err)
	}
	slog.Debug("PendingTracker.Set: replaced", "session", action.SessionID, "pending", action.ID, "previous", prev.ID)
	return nil
}

// Clear deletes action if it is still the session's stored action.
func (t *PendingTracker) Clear(ctx context.Context, action *models.PendingAction) error {
	if action == nil {
		return nil
	}
	if err := t.store.DeletePendingAction(ctx, action.SessionID, action.ID); err != nil {
		slog.Debug("PendingTracker.Clear: delete failed", "session", action.SessionID, "pending", action.ID, "error", err)
		return fmt.Errorf("failed to clear pending action: %w", err)
	}
	slog.Debug("PendingTracker.Clear: cleared", "session", action.SessionID, "pending", action.ID)
	return nil
}
