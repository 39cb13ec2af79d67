package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/BTreeMap/CareTriage/internal/models"
)

const emergencyColumns = `id, user_id, status, trigger_reason, stage, matched_terms, message_id, created_at, updated_at`

func scanEmergency(sc rowScanner) (models.EmergencyEvent, error) {
	var e models.EmergencyEvent
	var status, trigger, stage string
	var terms, messageID sql.NullString
	err := sc.Scan(&e.ID, &e.UserID, &status, &trigger, &stage, &terms, &messageID, &e.CreatedAt, &e.UpdatedAt)
	e.Status = models.EmergencyStatus(status)
	e.TriggerReason = models.EmergencyTrigger(trigger)
	e.Stage = models.EmergencyStage(stage)
	e.MatchedTerms = unmarshalStrings(terms)
	e.MessageID = messageID.String
	return e, err
}

var stageRank = map[models.EmergencyStage]int{
	models.StageDetected:   0,
	models.StageConfirming: 1,
	models.StageEscalated:  2,
}

// UpsertActiveEmergency opens e, or folds it into the user's active emergency. The stage
// never moves backwards and matched terms accumulate. The partial unique index on active
// events turns a concurrent open into ErrConflict.
func (s *sqlStore) UpsertActiveEmergency(ctx context.Context, e models.EmergencyEvent) (*models.EmergencyEvent, bool, error) {
	if e.UserID == "" {
		return nil, false, models.ErrEmptyUserID
	}
	now := utc(time.Now())
	if e.Stage == "" {
		e.Stage = models.StageDetected
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin emergency upsert: %w", err)
	}
	defer tx.Rollback()

	current, err := scanEmergency(tx.QueryRowContext(ctx,
		s.q(`SELECT `+emergencyColumns+` FROM emergency_events WHERE user_id = ? AND status = ?`),
		e.UserID, string(models.EmergencyStatusActive),
	))
	switch {
	case err == sql.ErrNoRows:
		e.Status = models.EmergencyStatusActive
		e.CreatedAt, e.UpdatedAt = now, now
		terms, err := marshalNullable(e.MatchedTerms)
		if err != nil {
			return nil, false, fmt.Errorf("failed to encode matched terms: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO emergency_events (`+emergencyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			e.ID, e.UserID, string(e.Status), string(e.TriggerReason), string(e.Stage), terms, nilIfEmpty(e.MessageID), now, now,
		)
		if err != nil {
			if s.dialect.isUniqueViolation(err) {
				return nil, false, fmt.Errorf("active emergency for user %s: %w", e.UserID, ErrConflict)
			}
			return nil, false, fmt.Errorf("failed to insert emergency: %w", err)
		}
		if err := tx.Commit(); err != nil {
			if s.dialect.isUniqueViolation(err) {
				return nil, false, fmt.Errorf("active emergency for user %s: %w", e.UserID, ErrConflict)
			}
			return nil, false, fmt.Errorf("failed to commit emergency: %w", err)
		}
		slog.Info("Store.UpsertActiveEmergency: opened", "emergencyID", e.ID, "userID", e.UserID, "trigger", e.TriggerReason)
		return &e, true, nil

	case err != nil:
		return nil, false, fmt.Errorf("failed to get active emergency: %w", err)
	}

	if stageRank[e.Stage] > stageRank[current.Stage] {
		current.Stage = e.Stage
	}
	merged := lo.Uniq(append(current.MatchedTerms, e.MatchedTerms...))
	sort.Strings(merged)
	current.MatchedTerms = merged
	current.UpdatedAt = now
	terms, err := marshalNullable(current.MatchedTerms)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode matched terms: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.q(`UPDATE emergency_events SET stage = ?, matched_terms = ?, updated_at = ? WHERE id = ? AND status = ?`),
		string(current.Stage), terms, now, current.ID, string(models.EmergencyStatusActive),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update emergency: %w", err)
	}
	if err := affectedOne(res, "update active emergency"); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit emergency: %w", err)
	}
	slog.Info("Store.UpsertActiveEmergency: updated", "emergencyID", current.ID, "userID", current.UserID, "stage", current.Stage)
	return &current, false, nil
}

// GetEmergency returns the event or nil.
func (s *sqlStore) GetEmergency(ctx context.Context, id string) (*models.EmergencyEvent, error) {
	e, err := scanEmergency(s.queryRow(ctx, `SELECT `+emergencyColumns+` FROM emergency_events WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get emergency %s: %w", id, err)
	}
	return &e, nil
}

// GetActiveEmergency returns the user's active event or nil.
func (s *sqlStore) GetActiveEmergency(ctx context.Context, userID string) (*models.EmergencyEvent, error) {
	e, err := scanEmergency(s.queryRow(ctx,
		`SELECT `+emergencyColumns+` FROM emergency_events WHERE user_id = ? AND status = ?`,
		userID, string(models.EmergencyStatusActive),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active emergency: %w", err)
	}
	return &e, nil
}

// ListEmergencies returns the user's events, newest first.
func (s *sqlStore) ListEmergencies(ctx context.Context, userID string, limit int) ([]models.EmergencyEvent, error) {
	rows, err := s.query(ctx,
		`SELECT `+emergencyColumns+` FROM emergency_events WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limitOr(limit, 50),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query emergencies: %w", err)
	}
	defer rows.Close()
	var out []models.EmergencyEvent
	for rows.Next() {
		e, err := scanEmergency(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan emergency row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEmergencyStage sets the stage of an active event.
func (s *sqlStore) UpdateEmergencyStage(ctx context.Context, id string, stage models.EmergencyStage) (*models.EmergencyEvent, error) {
	res, err := s.exec(ctx,
		`UPDATE emergency_events SET stage = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(stage), utc(time.Now()), id, string(models.EmergencyStatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update emergency stage: %w", err)
	}
	if err := s.checkEmergencyWrite(ctx, res, id, "update emergency stage"); err != nil {
		return nil, err
	}
	slog.Info("Store.UpdateEmergencyStage", "emergencyID", id, "stage", stage)
	return s.GetEmergency(ctx, id)
}

// CloseEmergency resolves or cancels an active event.
func (s *sqlStore) CloseEmergency(ctx context.Context, id string, status models.EmergencyStatus) (*models.EmergencyEvent, error) {
	if status != models.EmergencyStatusResolved && status != models.EmergencyStatusCanceled {
		return nil, fmt.Errorf("close emergency as %s: %w", status, models.ErrInvalidStatus)
	}
	res, err := s.exec(ctx,
		`UPDATE emergency_events SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(status), utc(time.Now()), id, string(models.EmergencyStatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to close emergency: %w", err)
	}
	if err := s.checkEmergencyWrite(ctx, res, id, "close emergency"); err != nil {
		return nil, err
	}
	slog.Info("Store.CloseEmergency", "emergencyID", id, "status", status)
	return s.GetEmergency(ctx, id)
}

func (s *sqlStore) checkEmergencyWrite(ctx context.Context, res sql.Result, id, op string) error {
	if err := affectedOne(res, op); err != nil {
		existing, getErr := s.GetEmergency(ctx, id)
		if getErr == nil && existing == nil {
			return fmt.Errorf("emergency %s: %w", id, ErrNotFound)
		}
		return err
	}
	return nil
}
