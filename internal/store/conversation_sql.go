package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CareTriage/internal/models"
)

const userColumns = `id, name, timezone, phone, contact_name, contact_phone, medical_notes, conditions, created_at, updated_at`

// UpsertUser inserts u or updates the profile fields of an existing user.
func (s *sqlStore) UpsertUser(ctx context.Context, u models.User) (*models.User, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	now := utc(time.Now())
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	conditions, err := marshalNullable(u.Conditions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conditions: %w", err)
	}

	_, err = s.exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, timezone = excluded.timezone, phone = excluded.phone,
		   contact_name = excluded.contact_name, contact_phone = excluded.contact_phone,
		   medical_notes = excluded.medical_notes, conditions = excluded.conditions, updated_at = excluded.updated_at`,
		u.ID, nilIfEmpty(u.Name), nilIfEmpty(u.Timezone), nilIfEmpty(u.Phone), nilIfEmpty(u.ContactName),
		nilIfEmpty(u.ContactPhone), nilIfEmpty(u.MedicalNotes), conditions, utc(u.CreatedAt), now,
	)
	if err != nil {
		slog.Error("Store.UpsertUser failed", "error", err, "userID", u.ID)
		return nil, fmt.Errorf("failed to upsert user %s: %w", u.ID, err)
	}
	slog.Debug("Store.UpsertUser succeeded", "userID", u.ID)
	return s.GetUser(ctx, u.ID)
}

// GetUser returns the user or nil if it does not exist.
func (s *sqlStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	var name, tz, phone, contactName, contactPhone, notes, conditions sql.NullString
	err := s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id).Scan(
		&u.ID, &name, &tz, &phone, &contactName, &contactPhone, &notes, &conditions, &u.CreatedAt, &u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	u.Name, u.Timezone, u.Phone = name.String, tz.String, phone.String
	u.ContactName, u.ContactPhone, u.MedicalNotes = contactName.String, contactPhone.String, notes.String
	u.Conditions = unmarshalStrings(conditions)
	return &u, nil
}

// RegisterDevice binds a device to a user. Re-registering a device for the same user is a
// no-op; a device already bound to another user yields models.ErrDeviceNotOwned.
func (s *sqlStore) RegisterDevice(ctx context.Context, d models.Device) (*models.Device, error) {
	if d.ID == "" {
		return nil, models.ErrEmptyDeviceID
	}
	if d.UserID == "" {
		return nil, models.ErrEmptyUserID
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO devices (id, user_id, created_at) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		d.ID, d.UserID, utc(d.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register device %s: %w", d.ID, err)
	}
	stored, err := s.GetDevice(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("device %s vanished after insert: %w", d.ID, ErrConflict)
	}
	if stored.UserID != d.UserID {
		slog.Warn("Store.RegisterDevice: device owned by another user", "deviceID", d.ID, "owner", stored.UserID)
		return nil, models.ErrDeviceNotOwned
	}
	return stored, nil
}

// GetDevice returns the device or nil.
func (s *sqlStore) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	var d models.Device
	err := s.queryRow(ctx, `SELECT id, user_id, created_at FROM devices WHERE id = ?`, id).Scan(&d.ID, &d.UserID, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device %s: %w", id, err)
	}
	return &d, nil
}

// CreateSession inserts a new session.
func (s *sqlStore) CreateSession(ctx context.Context, sess models.Session) error {
	if sess.UserID == "" {
		return models.ErrEmptyUserID
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = sess.CreatedAt
	}
	_, err := s.exec(ctx,
		`INSERT INTO sessions (id, user_id, device_id, last_activity_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, nilIfEmpty(sess.DeviceID), utc(sess.LastActivityAt), utc(sess.CreatedAt),
	)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return fmt.Errorf("session %s already exists: %w", sess.ID, ErrConflict)
		}
		return fmt.Errorf("failed to create session %s: %w", sess.ID, err)
	}
	slog.Debug("Store.CreateSession succeeded", "sessionID", sess.ID, "userID", sess.UserID)
	return nil
}

// GetSession returns the session or nil.
func (s *sqlStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	var deviceID sql.NullString
	err := s.queryRow(ctx,
		`SELECT id, user_id, device_id, last_activity_at, created_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.UserID, &deviceID, &sess.LastActivityAt, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	sess.DeviceID = deviceID.String
	return &sess, nil
}

// TouchSession records activity on a session.
func (s *sqlStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE sessions SET last_activity_at = ? WHERE id = ?`, utc(at), id)
	if err != nil {
		return fmt.Errorf("failed to touch session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveMessage inserts an immutable message.
func (s *sqlStore) SaveMessage(ctx context.Context, m models.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	var analysis interface{}
	if m.MLAnalysis != nil {
		b, err := json.Marshal(m.MLAnalysis)
		if err != nil {
			return fmt.Errorf("failed to encode ml analysis: %w", err)
		}
		analysis = string(b)
	}
	_, err := s.exec(ctx,
		`INSERT INTO messages (id, session_id, text, direction, flow, client_message_id, ml_analysis, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Text, string(m.Direction), nilIfEmpty(string(m.Flow)), nilIfEmpty(m.ClientMessageID),
		analysis, utc(m.CreatedAt),
	)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return fmt.Errorf("message %s already stored: %w", m.ID, ErrConflict)
		}
		slog.Error("Store.SaveMessage failed", "error", err, "sessionID", m.SessionID)
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// ListMessages returns the last limit messages of a session, oldest first.
func (s *sqlStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	rows, err := s.query(ctx,
		`SELECT id, session_id, text, direction, flow, client_message_id, ml_analysis, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, limitOr(limit, 50),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		var direction string
		var flow, clientID, analysis sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Text, &direction, &flow, &clientID, &analysis, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Direction = models.Direction(direction)
		m.Flow = models.Flow(flow.String)
		m.ClientMessageID = clientID.String
		if analysis.Valid && analysis.String != "" {
			var a models.MLAnalysis
			if err := json.Unmarshal([]byte(analysis.String), &a); err == nil {
				m.MLAnalysis = &a
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
