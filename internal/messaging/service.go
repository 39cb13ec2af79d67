// Package messaging delivers outbound notifications (emergency alerts to a user's contact,
// reminder notices) through Twilio, driven by the store's outbox.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/BTreeMap/CareTriage/internal/store"
)

// Outbox message kinds.
const (
	KindEmergencyAlert = "emergency_alert"
	KindReminderDue    = "reminder_due"
)

// RetryPolicies returns the outbox retry policy of each message kind. Emergency alerts retry
// quickly and for a long time; a reminder notice is dropped once it is too late to be useful.
func RetryPolicies() store.RetryPolicies {
	return store.RetryPolicies{
		KindEmergencyAlert: {BaseDelay: 5 * time.Second, MaxDelay: time.Minute, MaxAttempts: 12},
		KindReminderDue:    {BaseDelay: 30 * time.Second, MaxDelay: 5 * time.Minute, MaxAttempts: 4, MaxAge: 30 * time.Minute},
	}
}

var (
	// ErrInvalidRecipient is returned for phone numbers that cannot be canonicalized.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrEmptyBody is returned when an outbox payload has nothing to send.
	ErrEmptyBody = errors.New("message body is empty")
)

var nonDigitRegex = regexp.MustCompile(`[^0-9]`)

// Sender delivers a text message to a phone number.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Payload is the JSON stored in an outbox message.
type Payload struct {
	Body string `json:"body"`
}

// EncodePayload renders the outbox payload for body.
func EncodePayload(body string) (string, error) {
	b, err := json.Marshal(Payload{Body: body})
	if err != nil {
		return "", fmt.Errorf("failed to encode outbox payload: %w", err)
	}
	return string(b), nil
}

// CanonicalizeRecipient reduces a phone number to "+" followed by its digits. At least six
// digits are required.
func CanonicalizeRecipient(recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecipient)
	}
	recipient = strings.TrimPrefix(recipient, "whatsapp:")
	digits := nonDigitRegex.ReplaceAllString(recipient, "")
	if strings.HasPrefix(strings.TrimSpace(recipient), "00") {
		digits = strings.TrimPrefix(digits, "00")
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("%w: %q has fewer than 6 digits", ErrInvalidRecipient, recipient)
	}
	canonical := "+" + digits
	if canonical != recipient {
		slog.Debug("CanonicalizeRecipient: canonicalized", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// NewOutboxSendFunc adapts a Sender to the store's outbox sender.
func NewOutboxSendFunc(sender Sender) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		var p Payload
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
			return fmt.Errorf("failed to decode outbox payload %s: %w", msg.ID, err)
		}
		if strings.TrimSpace(p.Body) == "" {
			return ErrEmptyBody
		}
		to, err := CanonicalizeRecipient(msg.Recipient)
		if err != nil {
			return err
		}
		slog.Debug("OutboxSendFunc: sending", "id", msg.ID, "kind", msg.Kind, "to", to)
		return sender.SendMessage(ctx, to, p.Body)
	}
}

// LogSender writes messages to the log. It stands in for Twilio when no credentials are set,
// so alerts still leave the outbox and remain visible to operators.
type LogSender struct{}

var _ Sender = LogSender{}

// SendMessage logs the message at warn level.
func (LogSender) SendMessage(_ context.Context, to string, body string) error {
	slog.Warn("LogSender: outbound message not delivered, no provider configured", "to", to, "body", body)
	return nil
}
