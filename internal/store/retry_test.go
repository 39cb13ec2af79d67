package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 5 * time.Second, MaxDelay: time.Minute}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 5 * time.Second},
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{3, 40 * time.Second},
		{4, time.Minute},
		{60, time.Minute},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	uncapped := RetryPolicy{BaseDelay: time.Second}
	if got := uncapped.Delay(200); got <= 0 {
		t.Errorf("expected a positive delay for a huge attempt count, got %v", got)
	}
	if got := (RetryPolicy{}).Delay(3); got != 0 {
		t.Errorf("expected no delay without a base, got %v", got)
	}
}

func TestRetryPolicy_Expired(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	p := RetryPolicy{MaxAge: 30 * time.Minute}
	if p.Expired(now.Add(-29*time.Minute), now) {
		t.Error("expected work younger than MaxAge to run")
	}
	if !p.Expired(now.Add(-31*time.Minute), now) {
		t.Error("expected work older than MaxAge to expire")
	}
	if p.Expired(time.Time{}, now) {
		t.Error("expected an unknown creation time to run")
	}
	if (RetryPolicy{}).Expired(now.Add(-24*time.Hour), now) {
		t.Error("expected no expiry without MaxAge")
	}
}

func TestWorkerOptions_PolicyPerKind(t *testing.T) {
	urgent := RetryPolicy{BaseDelay: time.Second, MaxAttempts: 20}
	o := newWorkerOptions(DefaultOutboxRetry, []WorkerOption{
		WithRetryPolicies(RetryPolicies{"emergency_alert": urgent}),
		WithClaimLimit(0),
	})
	if got := o.policy("emergency_alert"); got != urgent {
		t.Errorf("expected the kind's policy, got %+v", got)
	}
	if got := o.policy("reminder_due"); got != DefaultOutboxRetry {
		t.Errorf("expected the default policy, got %+v", got)
	}
	if o.claimLimit != 10 {
		t.Errorf("expected a zero claim limit to be ignored, got %d", o.claimLimit)
	}

	slow := RetryPolicy{BaseDelay: time.Hour}
	o = newWorkerOptions(DefaultJobRetry, []WorkerOption{WithDefaultRetry(slow)})
	if got := o.policy("anything"); got != slow {
		t.Errorf("expected the replaced default, got %+v", got)
	}
}

func TestJobRunner_PerKindBackoff(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	runner := NewJobRunner(s, time.Minute, WithRetryPolicy("emergency_timeout", RetryPolicy{BaseDelay: 5 * time.Second}))
	failing := func(ctx context.Context, payload string) error { return errors.New("contact unreachable") }
	runner.RegisterHandler("emergency_timeout", failing)
	runner.RegisterHandler("reminder_due", failing)

	urgent, _ := s.EnqueueJob(ctx, "emergency_timeout", time.Now().Add(-time.Second), `{}`, "")
	routine, _ := s.EnqueueJob(ctx, "reminder_due", time.Now().Add(-time.Second), `{}`, "")
	if n := runner.RunOnce(ctx); n != 2 {
		t.Fatalf("expected 2 claimed jobs, got %d", n)
	}

	job, _ := s.GetJob(ctx, urgent)
	if job.Status != JobStatusQueued || job.RunAt.After(time.Now().Add(10*time.Second)) {
		t.Errorf("expected the emergency follow-up to retry within seconds, got %+v", job)
	}
	job, _ = s.GetJob(ctx, routine)
	if !job.RunAt.After(time.Now().Add(20 * time.Second)) {
		t.Errorf("expected the default backoff for reminders, run_at=%v", job.RunAt)
	}
}

func TestJobRunner_HandlerPanicIsAFailure(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	runner := NewJobRunner(s, time.Minute)
	runner.RegisterHandler("reminder_due", func(ctx context.Context, payload string) error {
		panic("reminder vanished")
	})

	id, _ := s.EnqueueJob(ctx, "reminder_due", time.Now().Add(-time.Second), `{}`, "")
	runner.RunOnce(ctx)

	job, _ := s.GetJob(ctx, id)
	if job.Status != JobStatusQueued || job.Attempt != 1 {
		t.Fatalf("expected the panicking job to be requeued, got %+v", job)
	}
	if !strings.Contains(job.LastError, "recovered panic") {
		t.Errorf("expected the panic in last_error, got %q", job.LastError)
	}
}

func TestJobRunner_IgnoresMaxAge(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	tomorrow := time.Now().Add(24 * time.Hour)
	runner := NewJobRunner(s, time.Minute,
		WithRetryPolicy("reminder_due", RetryPolicy{BaseDelay: time.Second, MaxAge: time.Hour}),
		WithWorkerClock(func() time.Time { return tomorrow }),
	)
	var ran bool
	runner.RegisterHandler("reminder_due", func(ctx context.Context, payload string) error {
		ran = true
		return nil
	})

	// Scheduled today for tomorrow: old by creation time, yet exactly on time.
	id, _ := s.EnqueueJob(ctx, "reminder_due", tomorrow.Add(-time.Minute), `{}`, "")
	runner.RunOnce(ctx)

	if !ran {
		t.Error("expected a reminder scheduled long ago to run when due")
	}
	job, _ := s.GetJob(ctx, id)
	if job.Status != JobStatusDone {
		t.Errorf("expected status done, got %q", job.Status)
	}
}

func TestOutboxSender_PerKindAttempts(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	clock := time.Now()
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		return errors.New("provider down")
	}, time.Minute,
		WithRetryPolicy("emergency_alert", RetryPolicy{BaseDelay: time.Second, MaxAttempts: 3}),
		WithRetryPolicy("reminder_due", RetryPolicy{BaseDelay: time.Second, MaxAttempts: 1}),
		WithWorkerClock(func() time.Time { return clock }),
	)

	alert, _ := s.EnqueueOutboxMessage(ctx, "+34600000002", "emergency_alert", `{}`, "")
	notice, _ := s.EnqueueOutboxMessage(ctx, "+34600000003", "reminder_due", `{}`, "")
	sender.RunOnce(ctx)

	msg, _ := s.GetOutboxMessage(ctx, notice)
	if msg.Status != OutboxStatusFailed {
		t.Errorf("expected the reminder notice to fail after one attempt, got %q", msg.Status)
	}
	for i := 0; i < 2; i++ {
		msg, _ = s.GetOutboxMessage(ctx, alert)
		if msg.Status != OutboxStatusQueued {
			t.Fatalf("expected the alert to stay queued after %d attempts, got %q", i+1, msg.Status)
		}
		clock = clock.Add(time.Minute)
		sender.RunOnce(ctx)
	}
	msg, _ = s.GetOutboxMessage(ctx, alert)
	if msg.Status != OutboxStatusFailed || msg.Attempts != 3 {
		t.Errorf("expected the alert to fail after 3 attempts, got %q after %d", msg.Status, msg.Attempts)
	}
}

func TestOutboxSender_DropsStaleMessages(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	later := time.Now().Add(time.Hour)
	var sent int
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		sent++
		return nil
	}, time.Minute,
		WithRetryPolicy("reminder_due", RetryPolicy{BaseDelay: time.Second, MaxAttempts: 4, MaxAge: 30 * time.Minute}),
		WithWorkerClock(func() time.Time { return later }),
	)

	stale, _ := s.EnqueueOutboxMessage(ctx, "+34600000003", "reminder_due", `{}`, "")
	alert, _ := s.EnqueueOutboxMessage(ctx, "+34600000002", "emergency_alert", `{}`, "")
	sender.RunOnce(ctx)

	if sent != 1 {
		t.Errorf("expected only the alert to be sent, got %d sends", sent)
	}
	msg, _ := s.GetOutboxMessage(ctx, stale)
	if msg.Status != OutboxStatusCanceled || msg.LastError != expiredReason || msg.Attempts != 0 {
		t.Errorf("expected the stale notice to be canceled as expired, got %q %q", msg.Status, msg.LastError)
	}
	msg, _ = s.GetOutboxMessage(ctx, alert)
	if msg.Status != OutboxStatusSent {
		t.Errorf("expected the alert to be sent, got %q", msg.Status)
	}
}

func TestOutboxSender_SendPanicIsAFailure(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		panic("twilio client nil")
	}, time.Minute)

	id, _ := s.EnqueueOutboxMessage(ctx, "+34600000002", "emergency_alert", `{}`, "")
	sender.RunOnce(ctx)

	msg, _ := s.GetOutboxMessage(ctx, id)
	if msg.Status != OutboxStatusQueued || msg.Attempts != 1 {
		t.Fatalf("expected the message to be requeued, got %q after %d", msg.Status, msg.Attempts)
	}
	if !strings.Contains(msg.LastError, "twilio client nil") {
		t.Errorf("expected the panic value in last_error, got %q", msg.LastError)
	}
}
