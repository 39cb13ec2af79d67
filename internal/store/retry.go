package store

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// RetryPolicy decides when a failed job or outbox message runs again.
type RetryPolicy struct {
	// BaseDelay is the wait after the first failure; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the wait. Zero means uncapped.
	MaxDelay time.Duration
	// MaxAttempts bounds outbox sends. Jobs keep the limit stored on their row.
	MaxAttempts int
	// MaxAge drops outbox messages created longer ago than this instead of sending them
	// late. Jobs are created when scheduled, not when due, so it does not apply to them.
	// Zero disables the check.
	MaxAge time.Duration
}

// Default policies used for kinds without their own.
var (
	DefaultJobRetry    = RetryPolicy{BaseDelay: 30 * time.Second, MaxDelay: 30 * time.Minute}
	DefaultOutboxRetry = RetryPolicy{BaseDelay: 10 * time.Second, MaxDelay: 10 * time.Minute, MaxAttempts: DefaultOutboxMaxAttempts}
)

// Delay returns the wait before retrying after the given number of earlier attempts.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt && (p.MaxDelay <= 0 || d < p.MaxDelay) && d < math.MaxInt64/2; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Expired reports whether work created at createdAt is too old to run at now.
func (p RetryPolicy) Expired(createdAt, now time.Time) bool {
	return p.MaxAge > 0 && !createdAt.IsZero() && now.Sub(createdAt) > p.MaxAge
}

// RetryPolicies maps a job or message kind to its policy.
type RetryPolicies map[string]RetryPolicy

func (ps RetryPolicies) forKind(kind string, fallback RetryPolicy) RetryPolicy {
	if p, ok := ps[kind]; ok {
		return p
	}
	return fallback
}

// workerOptions are shared by JobRunner and OutboxSender.
type workerOptions struct {
	staleThreshold time.Duration
	claimLimit     int
	fallback       *RetryPolicy
	policies       RetryPolicies
	now            func() time.Time
}

// WorkerOption configures a JobRunner or OutboxSender.
type WorkerOption func(*workerOptions)

// WithRetryPolicy sets the policy for one kind.
func WithRetryPolicy(kind string, p RetryPolicy) WorkerOption {
	return func(o *workerOptions) {
		if o.policies == nil {
			o.policies = RetryPolicies{}
		}
		o.policies[kind] = p
	}
}

// WithRetryPolicies merges per-kind policies into the worker's.
func WithRetryPolicies(ps RetryPolicies) WorkerOption {
	return func(o *workerOptions) {
		for kind, p := range ps {
			WithRetryPolicy(kind, p)(o)
		}
	}
}

// WithDefaultRetry replaces the policy used for kinds without their own.
func WithDefaultRetry(p RetryPolicy) WorkerOption {
	return func(o *workerOptions) { o.fallback = &p }
}

// WithClaimLimit bounds how many rows one poll claims.
func WithClaimLimit(n int) WorkerOption {
	return func(o *workerOptions) {
		if n > 0 {
			o.claimLimit = n
		}
	}
}

// WithStaleThreshold sets how long a claimed row may sit before crash recovery requeues it.
func WithStaleThreshold(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.staleThreshold = d
		}
	}
}

// WithWorkerClock replaces time.Now, mainly for tests.
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(o *workerOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func newWorkerOptions(fallback RetryPolicy, opts []WorkerOption) workerOptions {
	o := workerOptions{
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.fallback == nil {
		o.fallback = &fallback
	}
	return o
}

func (o workerOptions) policy(kind string) RetryPolicy {
	return o.policies.forKind(kind, *o.fallback)
}

// pollEvery calls poll on every tick until ctx is done.
func pollEvery(ctx context.Context, name string, interval time.Duration, poll func(context.Context) int) {
	slog.Info(name+": starting", "pollInterval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info(name + ": stopping")
			return
		case <-ticker.C:
			if n := poll(ctx); n > 0 {
				slog.Debug(name+": processed", "count", n)
			}
		}
	}
}
