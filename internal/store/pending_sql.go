package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CareTriage/internal/models"
)

// GetPendingAction returns the stored action of a session, expired or not, or nil.
func (s *sqlStore) GetPendingAction(ctx context.Context, sessionID string) (*models.PendingAction, error) {
	var p models.PendingAction
	var kind string
	var payload sql.NullString
	err := s.queryRow(ctx,
		`SELECT id, session_id, kind, draft_payload, expires_at, created_at FROM pending_actions WHERE session_id = ?`,
		sessionID,
	).Scan(&p.ID, &p.SessionID, &kind, &payload, &p.ExpiresAt, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending action: %w", err)
	}
	p.Kind = models.PendingKind(kind)
	if payload.Valid && payload.String != "" {
		p.DraftPayload = []byte(payload.String)
	}
	return &p, nil
}

// InsertPendingAction stores action unless the session already has one that is live at now.
// An expired row is overwritten in the same statement.
func (s *sqlStore) InsertPendingAction(ctx context.Context, action models.PendingAction, now time.Time) error {
	res, err := s.exec(ctx,
		`INSERT INTO pending_actions (session_id, id, kind, draft_payload, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET id = excluded.id, kind = excluded.kind,
		   draft_payload = excluded.draft_payload, expires_at = excluded.expires_at, created_at = excluded.created_at
		 WHERE pending_actions.expires_at <= ?`,
		action.SessionID, action.ID, string(action.Kind), nilIfEmpty(string(action.DraftPayload)),
		utc(action.ExpiresAt), utc(action.CreatedAt), utc(now),
	)
	if err != nil {
		return fmt.Errorf("failed to insert pending action: %w", err)
	}
	if err := affectedOne(res, "insert pending action"); err != nil {
		slog.Debug("Store.InsertPendingAction: live action exists", "sessionID", action.SessionID)
		return err
	}
	return nil
}

// ReplacePendingAction swaps the stored action for action if the stored one is expectedID.
func (s *sqlStore) ReplacePendingAction(ctx context.Context, action models.PendingAction, expectedID string) error {
	res, err := s.exec(ctx,
		`UPDATE pending_actions SET id = ?, kind = ?, draft_payload = ?, expires_at = ?, created_at = ?
		 WHERE session_id = ? AND id = ?`,
		action.ID, string(action.Kind), nilIfEmpty(string(action.DraftPayload)), utc(action.ExpiresAt), utc(action.CreatedAt),
		action.SessionID, expectedID,
	)
	if err != nil {
		return fmt.Errorf("failed to replace pending action: %w", err)
	}
	return affectedOne(res, "replace pending action")
}

// DeletePendingAction removes the session's action if it is still expectedID.
func (s *sqlStore) DeletePendingAction(ctx context.Context, sessionID, expectedID string) error {
	res, err := s.exec(ctx, `DELETE FROM pending_actions WHERE session_id = ? AND id = ?`, sessionID, expectedID)
	if err != nil {
		return fmt.Errorf("failed to delete pending action: %w", err)
	}
	return affectedOne(res, "delete pending action")
}

// PurgeExpiredPendingActions deletes actions that expired before now.
func (s *sqlStore) PurgeExpiredPendingActions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.exec(ctx, `DELETE FROM pending_actions WHERE expires_at <= ?`, utc(now))
	if err != nil {
		return 0, fmt.Errorf("failed to purge pending actions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("Store.PurgeExpiredPendingActions", "purged", n)
	}
	return int(n), nil
}
