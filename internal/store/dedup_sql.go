package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

func (s *sqlStore) RecordInbound(ctx context.Context, sessionID, clientMessageID string) (bool, error) {
	result, err := s.exec(ctx,
		`INSERT INTO inbound_dedup (session_id, client_message_id, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (session_id, client_message_id) DO NOTHING`,
		sessionID, clientMessageID, utc(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) GetInbound(ctx context.Context, sessionID, clientMessageID string) (*DedupRecord, error) {
	var r DedupRecord
	var response sql.NullString
	var processedAt sql.NullTime
	err := s.queryRow(ctx,
		`SELECT session_id, client_message_id, response_json, received_at, processed_at
		 FROM inbound_dedup WHERE session_id = ? AND client_message_id = ?`,
		sessionID, clientMessageID,
	).Scan(&r.SessionID, &r.ClientMessageID, &response, &r.ReceivedAt, &processedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dedup lookup failed: %w", err)
	}
	r.ResponseJSON = response.String
	if processedAt.Valid {
		r.ProcessedAt = &processedAt.Time
	}
	return &r, nil
}

func (s *sqlStore) CompleteInbound(ctx context.Context, sessionID, clientMessageID, responseJSON string) error {
	_, err := s.exec(ctx,
		`UPDATE inbound_dedup SET response_json = ?, processed_at = ? WHERE session_id = ? AND client_message_id = ?`,
		responseJSON, utc(time.Now()), sessionID, clientMessageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *sqlStore) PurgeInboundBefore(ctx context.Context, before time.Time) (int, error) {
	result, err := s.exec(ctx, `DELETE FROM inbound_dedup WHERE received_at < ?`, utc(before))
	if err != nil {
		return 0, fmt.Errorf("purge inbound dedup failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("Store.PurgeInboundBefore", "purged", n)
	}
	return int(n), nil
}
