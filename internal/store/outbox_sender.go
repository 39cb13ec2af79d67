package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/CareTriage/internal/util"
)

// OutboxSendFunc delivers one outbox message.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// DefaultOutboxMaxAttempts is how many sends a message gets when its kind has no policy.
const DefaultOutboxMaxAttempts = 6

// expiredReason is stored as the last error of messages dropped for age.
const expiredReason = "expired before delivery"

// OutboxSender claims due outbox messages and hands them to a send function. Each message
// kind retries under its own RetryPolicy, so an emergency alert keeps trying long after a
// reminder notice has been given up as stale.
type OutboxSender struct {
	repo         OutboxRepo
	send         OutboxSendFunc
	pollInterval time.Duration
	opts         workerOptions
}

// NewOutboxSender creates an OutboxSender polling repo every pollInterval (5s when unset).
func NewOutboxSender(repo OutboxRepo, send OutboxSendFunc, pollInterval time.Duration, opts ...WorkerOption) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboxSender{
		repo:         repo,
		send:         send,
		pollInterval: pollInterval,
		opts:         newWorkerOptions(DefaultOutboxRetry, opts),
	}
}

// RecoverStaleMessages requeues messages left in sending state by a crash. Call it once at startup.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleSendingMessages(ctx, s.opts.now().Add(-s.opts.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	pollEvery(ctx, "OutboxSender.Run", s.pollInterval, s.RunOnce)
}

// RunOnce claims the messages due now, sends them and returns how many were claimed.
func (s *OutboxSender) RunOnce(ctx context.Context) int {
	now := s.opts.now()
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.opts.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.RunOnce: claim failed", "error", err)
		return 0
	}
	for _, msg := range msgs {
		s.deliver(ctx, msg, now)
	}
	return len(msgs)
}

func (s *OutboxSender) deliver(ctx context.Context, msg OutboxMessage, now time.Time) {
	policy := s.opts.policy(msg.Kind)
	if policy.Expired(msg.CreatedAt, now) {
		slog.Warn("OutboxSender.deliver: dropping stale message", "id", msg.ID, "kind", msg.Kind,
			"created", msg.CreatedAt, "maxAge", policy.MaxAge)
		if err := s.repo.CancelOutboxMessage(ctx, msg.ID, expiredReason); err != nil {
			slog.Error("OutboxSender.deliver: cancel stale message", "id", msg.ID, "error", err)
		}
		return
	}

	slog.Debug("OutboxSender.deliver: sending", "id", msg.ID, "kind", msg.Kind, "attempts", msg.Attempts)
	_, err := util.SafeCall(func() (struct{}, error) {
		return struct{}{}, s.send(ctx, msg)
	})
	if err != nil {
		maxAttempts := policy.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = DefaultOutboxMaxAttempts
		}
		delay := policy.Delay(msg.Attempts)
		slog.Error("OutboxSender.deliver: send failed", "id", msg.ID, "kind", msg.Kind,
			"attempt", msg.Attempts+1, "of", maxAttempts, "retryIn", delay, "error", err)
		if err := s.repo.FailOutboxMessage(ctx, msg.ID, err.Error(), now.Add(delay), maxAttempts); err != nil {
			slog.Error("OutboxSender.deliver: record failure", "id", msg.ID, "error", err)
		}
		return
	}
	if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
		slog.Error("OutboxSender.deliver: mark sent", "id", msg.ID, "error", err)
		return
	}
	slog.Info("OutboxSender.deliver: message sent", "id", msg.ID, "kind", msg.Kind)
}
