// Package models defines the core data structures for CareTriage.
//
// It includes the conversation, reminder, emergency and health types shared across modules,
// plus the JSON envelope used by the HTTP API.
package models

import (
	"errors"
	"strings"
	"time"
)

// Validation constants for input validation
const (
	// MaxMessageTextLength defines the maximum allowed length for an inbound utterance
	MaxMessageTextLength = 2000
	// MaxReminderTitleLength defines the maximum allowed length for a reminder title
	MaxReminderTitleLength = 200
)

// Error variables for better error handling and testability
var (
	ErrEmptyText        = errors.New("text cannot be empty")
	ErrTextTooLong      = errors.New("text exceeds maximum length")
	ErrInvalidSession   = errors.New("unknown session")
	ErrEmptyUserID      = errors.New("user id cannot be empty")
	ErrEmptyDeviceID    = errors.New("device id cannot be empty")
	ErrEmptyTitle       = errors.New("reminder title cannot be empty")
	ErrTitleTooLong     = errors.New("reminder title exceeds maximum length")
	ErrInvalidStatus    = errors.New("invalid status transition")
	ErrEmptyMetricName  = errors.New("metric name cannot be empty")
	ErrMissingDueAt     = errors.New("reminder due time is required")
	ErrDueInPast        = errors.New("reminder due time has already passed")
	ErrDeviceNotOwned   = errors.New("device does not belong to user")
	ErrEmptyContactInfo = errors.New("emergency contact name and phone are required")
)

// Flow is the conversational branch selected for a message.
type Flow string

const (
	FlowEmergency     Flow = "emergency"
	FlowReminder      Flow = "reminder"
	FlowHealthMetric  Flow = "health_metric"
	FlowCompanionship Flow = "companionship"
	FlowQuery         Flow = "query"
	FlowBlocked       Flow = "bloqueado"
)

// Action is what the orchestrator must do with a decision.
type Action string

const (
	ActionPersist         Action = "persist"
	ActionAskConfirmation Action = "ask_confirmation"
	ActionEscalate        Action = "escalate"
	ActionRespondOnly     Action = "respond_only"
)

// Direction of a stored message.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Span is a byte range inside the analyzed text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Entity is a named-entity prediction over the utterance.
type Entity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
	Span  *Span  `json:"span,omitempty"`
}

// MLAnalysis holds the opaque predictions attached to an utterance.
type MLAnalysis struct {
	Intent           string   `json:"intent,omitempty"`
	IntentConfidence float64  `json:"intent_confidence"`
	Sentiment        string   `json:"sentiment,omitempty"`
	Emotion          string   `json:"emotion,omitempty"`
	Entities         []Entity `json:"entities,omitempty"`
}

// IntentPrediction is the subset of MLAnalysis the safety gate consults.
type IntentPrediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// PredictedIntent returns the intent part of the analysis, or nil if no intent was predicted.
func (a *MLAnalysis) PredictedIntent() *IntentPrediction {
	if a == nil || a.Intent == "" {
		return nil
	}
	return &IntentPrediction{Label: a.Intent, Confidence: a.IntentConfidence}
}

// User is the elderly person using a device.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Timezone     string    `json:"timezone,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	ContactName  string    `json:"contact_name,omitempty"`
	ContactPhone string    `json:"contact_phone,omitempty"`
	MedicalNotes string    `json:"medical_notes,omitempty"`
	Conditions   []string  `json:"conditions,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks required user fields.
func (u *User) Validate() error {
	if strings.TrimSpace(u.ID) == "" {
		return ErrEmptyUserID
	}
	return nil
}

// Device is the companion device a user talks through.
type Device struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Session groups the messages of one conversation on one device.
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	DeviceID       string    `json:"device_id,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Message is a single utterance in a session. Messages are never updated once stored.
type Message struct {
	ID              string      `json:"id"`
	SessionID       string      `json:"session_id"`
	Text            string      `json:"text"`
	Direction       Direction   `json:"direction"`
	Flow            Flow        `json:"flow,omitempty"`
	ClientMessageID string      `json:"client_message_id,omitempty"`
	MLAnalysis      *MLAnalysis `json:"ml_analysis,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// ValidateText checks the inbound text bounds.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if len(text) > MaxMessageTextLength {
		return ErrTextTooLong
	}
	return nil
}
