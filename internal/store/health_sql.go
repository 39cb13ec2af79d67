package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/CareTriage/internal/models"
)

// SaveHealthMetric inserts a reading.
func (s *sqlStore) SaveHealthMetric(ctx context.Context, m models.HealthMetric) error {
	if err := m.Validate(); err != nil {
		return err
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.MeasuredAt.IsZero() {
		m.MeasuredAt = m.CreatedAt
	}
	var value interface{}
	if m.Value != nil {
		value = *m.Value
	}
	_, err := s.exec(ctx,
		`INSERT INTO health_metrics (id, user_id, device_id, metric, value, unit, value_text, source_message_id, measured_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, nilIfEmpty(m.DeviceID), m.Metric, value, nilIfEmpty(m.Unit), nilIfEmpty(m.ValueText),
		nilIfEmpty(m.SourceMessageID), utc(m.MeasuredAt), utc(m.CreatedAt),
	)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return fmt.Errorf("health metric %s: %w", m.ID, ErrConflict)
		}
		return fmt.Errorf("failed to save health metric: %w", err)
	}
	return nil
}

// ListHealthMetrics returns readings newest first.
func (s *sqlStore) ListHealthMetrics(ctx context.Context, f HealthFilter) ([]models.HealthMetric, error) {
	var where []string
	var args []interface{}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Metric != "" {
		where = append(where, "metric = ?")
		args = append(args, f.Metric)
	}
	query := `SELECT id, user_id, device_id, metric, value, unit, value_text, source_message_id, measured_at, created_at FROM health_metrics`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY measured_at DESC LIMIT ?"
	args = append(args, limitOr(f.Limit, 100))

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query health metrics: %w", err)
	}
	defer rows.Close()

	var out []models.HealthMetric
	for rows.Next() {
		var m models.HealthMetric
		var deviceID, unit, valueText, source sql.NullString
		var value sql.NullFloat64
		if err := rows.Scan(&m.ID, &m.UserID, &deviceID, &m.Metric, &value, &unit, &valueText, &source, &m.MeasuredAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan health metric row: %w", err)
		}
		m.DeviceID, m.Unit, m.ValueText, m.SourceMessageID = deviceID.String, unit.String, valueText.String, source.String
		if value.Valid {
			v := value.Float64
			m.Value = &v
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
