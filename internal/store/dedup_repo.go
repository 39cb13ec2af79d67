// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"context"
	"time"
)

// DedupRecord tracks a client message ID seen on a session and the response produced for it.
type DedupRecord struct {
	SessionID       string     `json:"session_id"`
	ClientMessageID string     `json:"client_message_id"`
	ResponseJSON    string     `json:"response_json,omitempty"`
	ReceivedAt      time.Time  `json:"received_at"`
	ProcessedAt     *time.Time `json:"processed_at"`
}

// Processed reports whether a response was recorded for the message.
func (r *DedupRecord) Processed() bool {
	return r != nil && r.ProcessedAt != nil && r.ResponseJSON != ""
}

// DedupRepo defines the interface for inbound message deduplication.
type DedupRepo interface {
	// RecordInbound inserts a new inbound record. Returns false if the message was
	// already recorded (duplicate).
	RecordInbound(ctx context.Context, sessionID, clientMessageID string) (bool, error)

	// GetInbound returns the record for a client message, or nil.
	GetInbound(ctx context.Context, sessionID, clientMessageID string) (*DedupRecord, error)

	// CompleteInbound stores the response produced for the message.
	CompleteInbound(ctx context.Context, sessionID, clientMessageID, responseJSON string) error

	// PurgeInboundBefore deletes records received before the cutoff.
	PurgeInboundBefore(ctx context.Context, before time.Time) (int, error)
}
