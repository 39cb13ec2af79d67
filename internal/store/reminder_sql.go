package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/textnorm"
)

const reminderColumns = `id, user_id, title, due_at, status, source_message_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReminder(sc rowScanner) (models.Reminder, error) {
	var r models.Reminder
	var status string
	var source sql.NullString
	err := sc.Scan(&r.ID, &r.UserID, &r.Title, &r.DueAt, &status, &source, &r.CreatedAt, &r.UpdatedAt)
	r.Status = models.ReminderStatus(status)
	r.SourceMessageID = source.String
	return r, err
}

// UpsertReminder inserts r, idempotent on its source message.
func (s *sqlStore) UpsertReminder(ctx context.Context, r models.Reminder) (*models.Reminder, bool, error) {
	if r.Status == "" {
		r.Status = models.ReminderStatusConfirmed
	}
	if err := r.Validate(); err != nil {
		return nil, false, err
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = r.CreatedAt

	res, err := s.exec(ctx,
		`INSERT INTO reminders (`+reminderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_message_id) DO NOTHING`,
		r.ID, r.UserID, r.Title, utc(r.DueAt), string(r.Status), nilIfEmpty(r.SourceMessageID), utc(r.CreatedAt), utc(r.UpdatedAt),
	)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return nil, false, fmt.Errorf("reminder %s: %w", r.ID, ErrConflict)
		}
		slog.Error("Store.UpsertReminder failed", "error", err, "userID", r.UserID)
		return nil, false, fmt.Errorf("failed to insert reminder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("reminder rows affected check failed: %w", err)
	}
	if n == 0 {
		existing, err := s.reminderBySource(ctx, r.SourceMessageID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("reminder for source %s: %w", r.SourceMessageID, ErrConflict)
		}
		slog.Debug("Store.UpsertReminder: source already stored", "sourceMessageID", r.SourceMessageID, "reminderID", existing.ID)
		return existing, false, nil
	}
	slog.Debug("Store.UpsertReminder: inserted", "reminderID", r.ID, "dueAt", r.DueAt)
	return &r, true, nil
}

func (s *sqlStore) reminderBySource(ctx context.Context, sourceMessageID string) (*models.Reminder, error) {
	r, err := scanReminder(s.queryRow(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE source_message_id = ?`, sourceMessageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reminder by source: %w", err)
	}
	return &r, nil
}

// FindSimilarReminder looks for a live reminder with the same normalized title near dueAt.
func (s *sqlStore) FindSimilarReminder(ctx context.Context, userID, title string, dueAt time.Time, tolerance time.Duration) (*models.Reminder, error) {
	want := textnorm.Normalize(title)
	if want == "" {
		return nil, nil
	}
	rows, err := s.query(ctx,
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE user_id = ? AND status <> ? AND due_at >= ? AND due_at <= ? ORDER BY due_at ASC`,
		userID, string(models.ReminderStatusCanceled), utc(dueAt.Add(-tolerance)), utc(dueAt.Add(tolerance)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar reminders: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reminder row: %w", err)
		}
		if textnorm.Normalize(r.Title) == want {
			return &r, nil
		}
	}
	return nil, rows.Err()
}

// GetReminder returns the reminder or nil.
func (s *sqlStore) GetReminder(ctx context.Context, id string) (*models.Reminder, error) {
	r, err := scanReminder(s.queryRow(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reminder %s: %w", id, err)
	}
	return &r, nil
}

// ListReminders returns reminders ordered by due time.
func (s *sqlStore) ListReminders(ctx context.Context, f ReminderFilter) ([]models.Reminder, error) {
	var where []string
	var args []interface{}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + reminderColumns + ` FROM reminders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY due_at ASC LIMIT ?"
	args = append(args, limitOr(f.Limit, 100))

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reminders: %w", err)
	}
	defer rows.Close()
	var out []models.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reminder row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateReminderStatus is a compare-and-set on the reminder status.
func (s *sqlStore) UpdateReminderStatus(ctx context.Context, id string, from, to models.ReminderStatus) error {
	if !models.CanTransitionReminder(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, models.ErrInvalidStatus)
	}
	res, err := s.exec(ctx,
		`UPDATE reminders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), utc(time.Now()), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update reminder status: %w", err)
	}
	if err := affectedOne(res, "update reminder status"); err != nil {
		existing, getErr := s.GetReminder(ctx, id)
		if getErr == nil && existing == nil {
			return fmt.Errorf("reminder %s: %w", id, ErrNotFound)
		}
		return err
	}
	slog.Debug("Store.UpdateReminderStatus", "reminderID", id, "from", from, "to", to)
	return nil
}

// UpdateReminderSchedule edits a draft or confirmed reminder.
func (s *sqlStore) UpdateReminderSchedule(ctx context.Context, id, title string, dueAt time.Time) (*models.Reminder, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, models.ErrEmptyTitle
	}
	if len(title) > models.MaxReminderTitleLength {
		return nil, models.ErrTitleTooLong
	}
	if dueAt.IsZero() {
		return nil, models.ErrMissingDueAt
	}
	res, err := s.exec(ctx,
		`UPDATE reminders SET title = ?, due_at = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		title, utc(dueAt), utc(time.Now()), id, string(models.ReminderStatusDraft), string(models.ReminderStatusConfirmed),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update reminder schedule: %w", err)
	}
	if err := affectedOne(res, "update reminder schedule"); err != nil {
		existing, getErr := s.GetReminder(ctx, id)
		if getErr == nil && existing == nil {
			return nil, fmt.Errorf("reminder %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return s.GetReminder(ctx, id)
}
