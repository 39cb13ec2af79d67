package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CareTriage/internal/util"
)

// JobHandler does the work of one job kind. It receives the job's payload JSON.
type JobHandler func(ctx context.Context, payload string) error

// unhandledRetryDelay is how long a job of an unregistered kind waits before it is tried again,
// giving a rolling restart time to bring the handler up.
const unhandledRetryDelay = time.Minute

// JobRunner claims due jobs and dispatches them to the handler of their kind. Reminder firing
// and emergency follow-ups run through it. Failed jobs are rescheduled by their kind's
// RetryPolicy; a panicking handler counts as a failure.
type JobRunner struct {
	repo         JobRepo
	pollInterval time.Duration
	opts         workerOptions

	mu       sync.RWMutex
	handlers map[string]JobHandler
}

// NewJobRunner creates a JobRunner polling repo every pollInterval (10s when unset).
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...WorkerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &JobRunner{
		repo:         repo,
		pollInterval: pollInterval,
		opts:         newWorkerOptions(DefaultJobRetry, opts),
		handlers:     make(map[string]JobHandler),
	}
}

// RegisterHandler registers the handler for kind, replacing any earlier one.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind, "retry", r.opts.policy(kind))
}

// HasHandler reports whether a handler is registered for kind.
func (r *JobRunner) HasHandler(kind string) bool {
	_, ok := r.handler(kind)
	return ok
}

func (r *JobRunner) handler(kind string) (JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// RecoverStaleJobs requeues jobs left running by a crash. Call it once at startup.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	n, err := r.repo.RequeueStaleRunningJobs(ctx, r.opts.now().Add(-r.opts.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	pollEvery(ctx, "JobRunner.Run", r.pollInterval, r.RunOnce)
}

// RunOnce claims the jobs due now, runs them and returns how many were claimed.
func (r *JobRunner) RunOnce(ctx context.Context) int {
	now := r.opts.now()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.opts.claimLimit)
	if err != nil {
		slog.Error("JobRunner.RunOnce: claim failed", "error", err)
		return 0
	}
	for _, job := range jobs {
		r.run(ctx, job, now)
	}
	return len(jobs)
}

func (r *JobRunner) run(ctx context.Context, job Job, now time.Time) {
	handler, ok := r.handler(job.Kind)
	if !ok {
		slog.Warn("JobRunner.run: no handler for job kind", "kind", job.Kind, "id", job.ID)
		r.fail(ctx, job, "no handler registered for kind: "+job.Kind, now.Add(unhandledRetryDelay))
		return
	}

	slog.Debug("JobRunner.run: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
	_, err := util.SafeCall(func() (struct{}, error) {
		return struct{}{}, handler(ctx, job.PayloadJSON)
	})
	if err != nil {
		delay := r.opts.policy(job.Kind).Delay(job.Attempt)
		slog.Error("JobRunner.run: job failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt,
			"retryIn", delay, "error", err)
		r.fail(ctx, job, err.Error(), now.Add(delay))
		return
	}
	if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
		slog.Error("JobRunner.run: complete job", "id", job.ID, "error", err)
		return
	}
	slog.Debug("JobRunner.run: job completed", "id", job.ID, "kind", job.Kind)
}

func (r *JobRunner) fail(ctx context.Context, job Job, reason string, next time.Time) {
	if err := r.repo.FailJob(ctx, job.ID, reason, next); err != nil {
		slog.Error("JobRunner.fail: record failure", "id", job.ID, "error", err)
	}
}
