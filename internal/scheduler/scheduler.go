// Package scheduler runs periodic housekeeping for CareTriage.
//
// Jobs are registered with cron expressions (or robfig descriptors such as "@every 5m"). The
// hygiene jobs purge expired pending actions and old inbound dedup records.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field parser plus descriptors (@every, @hourly).
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Purger is the slice of the store the hygiene jobs use.
type Purger interface {
	PurgeExpiredPendingActions(ctx context.Context, now time.Time) (int, error)
	PurgeInboundBefore(ctx context.Context, before time.Time) (int, error)
}

// HygieneOpts configures the housekeeping jobs.
type HygieneOpts struct {
	Schedule       string
	DedupRetention time.Duration
	Timeout        time.Duration
	Now            func() time.Time
}

// Hygiene holds the housekeeping tasks. RunOnce is exported so startup recovery and tests can
// invoke a sweep directly.
type Hygiene struct {
	store Purger
	opts  HygieneOpts
}

// NewHygiene builds the housekeeping tasks with defaults for unset options.
func NewHygiene(store Purger, opts HygieneOpts) *Hygiene {
	if opts.Schedule == "" {
		opts.Schedule = "@every 5m"
	}
	if opts.DedupRetention <= 0 {
		opts.DedupRetention = 72 * time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hygiene{store: store, opts: opts}
}

// Register adds the sweep to s under the configured schedule.
func (h *Hygiene) Register(s *Scheduler) error {
	if err := s.AddJob(h.opts.Schedule, h.run); err != nil {
		return fmt.Errorf("invalid hygiene schedule %q: %w", h.opts.Schedule, err)
	}
	slog.Info("Hygiene.Register: scheduled", "schedule", h.opts.Schedule, "dedupRetention", h.opts.DedupRetention)
	return nil
}

func (h *Hygiene) run() {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.Timeout)
	defer cancel()
	if _, _, err := h.RunOnce(ctx); err != nil {
		slog.Error("Hygiene.run: sweep failed", "error", err)
	}
}

// RunOnce purges expired pending actions and inbound records older than the retention window.
// Both purges are attempted; the first error is returned.
func (h *Hygiene) RunOnce(ctx context.Context) (pending, inbound int, err error) {
	now := h.opts.Now()
	pending, perr := h.store.PurgeExpiredPendingActions(ctx, now)
	if perr != nil {
		perr = fmt.Errorf("purge pending actions: %w", perr)
	}
	inbound, ierr := h.store.PurgeInboundBefore(ctx, now.Add(-h.opts.DedupRetention))
	if ierr != nil {
		ierr = fmt.Errorf("purge inbound records: %w", ierr)
	}
	slog.Debug("Hygiene.RunOnce: done", "pending", pending, "inbound", inbound)
	if perr != nil {
		return pending, inbound, perr
	}
	return pending, inbound, ierr
}
