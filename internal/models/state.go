package models

import (
	"encoding/json"
	"strings"
	"time"
)

// ReminderStatus is the lifecycle state of a reminder.
type ReminderStatus string

const (
	ReminderStatusDraft     ReminderStatus = "draft"
	ReminderStatusConfirmed ReminderStatus = "confirmed"
	ReminderStatusCanceled  ReminderStatus = "canceled"
	ReminderStatusFired     ReminderStatus = "fired"
)

// IsValidReminderStatus checks if the given status is supported.
func IsValidReminderStatus(s ReminderStatus) bool {
	switch s {
	case ReminderStatusDraft, ReminderStatusConfirmed, ReminderStatusCanceled, ReminderStatusFired:
		return true
	default:
		return false
	}
}

// reminderTransitions lists the allowed status moves.
var reminderTransitions = map[ReminderStatus][]ReminderStatus{
	ReminderStatusDraft:     {ReminderStatusConfirmed, ReminderStatusCanceled},
	ReminderStatusConfirmed: {ReminderStatusCanceled, ReminderStatusFired},
}

// CanTransitionReminder reports whether a reminder may move from one status to another.
func CanTransitionReminder(from, to ReminderStatus) bool {
	for _, next := range reminderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reminder is a scheduled nudge for a user.
type Reminder struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	Title           string         `json:"title"`
	DueAt           time.Time      `json:"due_at"`
	Status          ReminderStatus `json:"status"`
	SourceMessageID string         `json:"source_message_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Validate checks required reminder fields.
func (r *Reminder) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return ErrEmptyUserID
	}
	if strings.TrimSpace(r.Title) == "" {
		return ErrEmptyTitle
	}
	if len(r.Title) > MaxReminderTitleLength {
		return ErrTitleTooLong
	}
	if r.DueAt.IsZero() {
		return ErrMissingDueAt
	}
	if !IsValidReminderStatus(r.Status) {
		return ErrInvalidStatus
	}
	return nil
}

// EmergencyStatus is the lifecycle state of an emergency event.
type EmergencyStatus string

const (
	EmergencyStatusActive   EmergencyStatus = "active"
	EmergencyStatusResolved EmergencyStatus = "resolved"
	EmergencyStatusCanceled EmergencyStatus = "canceled"
)

// EmergencyTrigger records why an emergency was opened.
type EmergencyTrigger string

const (
	TriggerIntent     EmergencyTrigger = "intent"
	TriggerSafetyGate EmergencyTrigger = "safety_gate"
	TriggerKeyword    EmergencyTrigger = "keyword"
	TriggerContent    EmergencyTrigger = "content_screen"
)

// EmergencyStage tracks how far an active emergency has progressed.
type EmergencyStage string

const (
	StageDetected   EmergencyStage = "detected"
	StageConfirming EmergencyStage = "confirming"
	StageEscalated  EmergencyStage = "escalated"
)

// EmergencyEvent is a safety incident for a user. At most one per user is active.
type EmergencyEvent struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	Status        EmergencyStatus  `json:"status"`
	TriggerReason EmergencyTrigger `json:"trigger_reason"`
	Stage         EmergencyStage   `json:"stage"`
	MatchedTerms  []string         `json:"matched_terms,omitempty"`
	MessageID     string           `json:"message_id,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// PendingKind identifies what a pending action is waiting for.
type PendingKind string

const (
	PendingReminderConfirmation        PendingKind = "reminder_confirmation"
	PendingEmergencyCancelConfirmation PendingKind = "emergency_cancel_confirmation"
)

// PendingAction is an unconfirmed action awaiting the user's next message.
type PendingAction struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	Kind         PendingKind     `json:"kind"`
	DraftPayload json.RawMessage `json:"draft_payload,omitempty"`
	ExpiresAt    time.Time       `json:"expires_at"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Expired reports whether the action is no longer valid at now.
func (p *PendingAction) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// ReminderDraft is the payload of a reminder_confirmation pending action.
type ReminderDraft struct {
	Title                 string     `json:"title,omitempty"`
	DueAt                 *time.Time `json:"due_at,omitempty"`
	Confidence            float64    `json:"confidence"`
	NeedsTimeConfirmation bool       `json:"needs_time_confirmation,omitempty"`
	HasDate               bool       `json:"has_date,omitempty"`
	Flags                 []string   `json:"flags,omitempty"`
	SourceMessageID       string     `json:"source_message_id"`
}

// Complete reports whether the draft carries everything needed to persist.
func (d *ReminderDraft) Complete() bool {
	return d != nil && strings.TrimSpace(d.Title) != "" && d.DueAt != nil
}

// EmergencyDraft is the payload of an emergency_cancel_confirmation pending action.
type EmergencyDraft struct {
	EventID string `json:"event_id"`
}

// HealthMetric is a single health reading reported by or for a user.
type HealthMetric struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	DeviceID        string    `json:"device_id,omitempty"`
	Metric          string    `json:"metric"`
	Value           *float64  `json:"value,omitempty"`
	Unit            string    `json:"unit,omitempty"`
	ValueText       string    `json:"value_text,omitempty"`
	SourceMessageID string    `json:"source_message_id,omitempty"`
	MeasuredAt      time.Time `json:"measured_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// Validate checks required metric fields.
func (m *HealthMetric) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return ErrEmptyUserID
	}
	if strings.TrimSpace(m.Metric) == "" {
		return ErrEmptyMetricName
	}
	return nil
}
