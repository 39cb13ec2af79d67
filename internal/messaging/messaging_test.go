package messaging

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/CareTriage/internal/store"
)

type fakeCreator struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (f *fakeCreator) CreateMessage(p *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.params = append(f.params, p)
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestCanonicalizeRecipient(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+34 600 123 456", "+34600123456", false},
		{"0034600123456", "+34600123456", false},
		{"whatsapp:+15551234567", "+15551234567", false},
		{"(555) 123-4567", "+5551234567", false},
		{"12345", "", true},
		{"   ", "", true},
	}
	for _, tc := range cases {
		got, err := CanonicalizeRecipient(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidRecipient) {
				t.Errorf("CanonicalizeRecipient(%q) error = %v, want ErrInvalidRecipient", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("CanonicalizeRecipient(%q) unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("CanonicalizeRecipient(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNewTwilioSender_RequiresCredentials(t *testing.T) {
	if _, err := NewTwilioSender(WithFrom("+34910000000")); err == nil {
		t.Fatal("expected error without credentials")
	}
	if _, err := NewTwilioSender(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Fatal("expected error without from number")
	}
	s, err := NewTwilioSender(WithAccountSID("AC1"), WithAuthToken("tok"), WithFrom("+34910000000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.channel != ChannelSMS {
		t.Errorf("expected default channel sms, got %s", s.channel)
	}
}

func TestTwilioSender_SendMessage(t *testing.T) {
	fc := &fakeCreator{}
	s := newTwilioSender(fc, "+34910000000", ChannelWhatsApp)

	if err := s.SendMessage(context.Background(), "+34 600 123 456", "Hola"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fc.params) != 1 {
		t.Fatalf("expected 1 request, got %d", len(fc.params))
	}
	p := fc.params[0]
	if *p.To != "whatsapp:+34600123456" {
		t.Errorf("to = %q", *p.To)
	}
	if *p.From != "whatsapp:+34910000000" {
		t.Errorf("from = %q", *p.From)
	}
	if *p.Body != "Hola" {
		t.Errorf("body = %q", *p.Body)
	}
}

func TestTwilioSender_Errors(t *testing.T) {
	fc := &fakeCreator{err: errors.New("boom")}
	s := newTwilioSender(fc, "+34910000000", ChannelSMS)

	if err := s.SendMessage(context.Background(), "+34600123456", "Hola"); err == nil {
		t.Fatal("expected API error to be returned")
	}
	if err := s.SendMessage(context.Background(), "12", "Hola"); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("expected ErrInvalidRecipient, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SendMessage(ctx, "+34600123456", "Hola"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOutboxSendFunc(t *testing.T) {
	mock := NewMockSender()
	send := NewOutboxSendFunc(mock)

	payload, err := EncodePayload("Alerta: posible emergencia")
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	msg := store.OutboxMessage{ID: "ob_1", Kind: KindEmergencyAlert, Recipient: "+34 600 123 456", PayloadJSON: payload}
	if err := send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].To != "+34600123456" || sent[0].Body != "Alerta: posible emergencia" {
		t.Fatalf("unexpected sent messages: %+v", sent)
	}

	msg.PayloadJSON = `{"body":"  "}`
	if err := send(context.Background(), msg); !errors.Is(err, ErrEmptyBody) {
		t.Errorf("expected ErrEmptyBody, got %v", err)
	}
	msg.PayloadJSON = `not json`
	if err := send(context.Background(), msg); err == nil {
		t.Error("expected decode error")
	}
}

func TestOutboxSendFunc_WithSender(t *testing.T) {
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "outbox.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	payload, _ := EncodePayload("Recordatorio: tomar la pastilla")
	id, err := s.EnqueueOutboxMessage(ctx, "+34600123456", KindReminderDue, payload, "reminder:r_1")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage: %v", err)
	}

	mock := NewMockSender()
	sender := store.NewOutboxSender(s, NewOutboxSendFunc(mock), 10*time.Millisecond,
		store.WithRetryPolicies(RetryPolicies()))
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	go sender.Run(runCtx)

	for {
		msg, err := s.GetOutboxMessage(ctx, id)
		if err != nil {
			t.Fatalf("GetOutboxMessage: %v", err)
		}
		if msg != nil && msg.Status == store.OutboxStatusSent {
			break
		}
		select {
		case <-runCtx.Done():
			t.Fatal("outbox message was not sent in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := mock.Sent(); len(got) != 1 || got[0].Body != "Recordatorio: tomar la pastilla" {
		t.Fatalf("unexpected sent messages: %+v", got)
	}
}

func TestLogSender(t *testing.T) {
	send := NewOutboxSendFunc(LogSender{})
	payload, err := EncodePayload("Alerta de prueba")
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	msg := store.OutboxMessage{ID: "ob_1", Kind: KindEmergencyAlert, Recipient: "+34 600 000 000", PayloadJSON: payload}
	if err := send(context.Background(), msg); err != nil {
		t.Fatalf("LogSender should accept every message, got %v", err)
	}
}

func TestRetryPolicies(t *testing.T) {
	ps := RetryPolicies()
	alert, reminder := ps[KindEmergencyAlert], ps[KindReminderDue]
	if alert.MaxAttempts <= reminder.MaxAttempts {
		t.Errorf("expected alerts to get more attempts than reminders, got %d and %d", alert.MaxAttempts, reminder.MaxAttempts)
	}
	if alert.Delay(0) >= reminder.Delay(0) {
		t.Errorf("expected alerts to retry sooner, got %v and %v", alert.Delay(0), reminder.Delay(0))
	}
	if alert.MaxAge != 0 || reminder.MaxAge == 0 {
		t.Errorf("expected only reminder notices to expire, got %v and %v", alert.MaxAge, reminder.MaxAge)
	}
}

func TestOutboxSendFunc_LateReminderIsDropped(t *testing.T) {
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "outbox.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	payload, _ := EncodePayload("Recordatorio: tomar la pastilla")
	late, _ := s.EnqueueOutboxMessage(ctx, "+34600123456", KindReminderDue, payload, "reminder:r_late")
	alertPayload, _ := EncodePayload("Aviso de emergencia")
	alert, _ := s.EnqueueOutboxMessage(ctx, "+34600999999", KindEmergencyAlert, alertPayload, "emergency:e_1")

	// The provider was down for two hours; the pill reminder must not arrive now.
	mock := NewMockSender()
	later := time.Now().Add(2 * time.Hour)
	sender := store.NewOutboxSender(s, NewOutboxSendFunc(mock), time.Minute,
		store.WithRetryPolicies(RetryPolicies()),
		store.WithWorkerClock(func() time.Time { return later }))
	sender.RunOnce(ctx)

	msg, _ := s.GetOutboxMessage(ctx, late)
	if msg.Status != store.OutboxStatusCanceled {
		t.Errorf("expected the late reminder to be dropped, got %q", msg.Status)
	}
	msg, _ = s.GetOutboxMessage(ctx, alert)
	if msg.Status != store.OutboxStatusSent {
		t.Errorf("expected the alert to go out regardless of age, got %q", msg.Status)
	}
	if got := len(mock.Sent()); got != 1 {
		t.Errorf("expected one delivery, got %d", got)
	}
}
