package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/testutil"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("@every 1m", func() {}); err != nil {
		t.Errorf("Expected descriptor to be accepted, got %v", err)
	}
	if err := s.AddJob("not a schedule", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
	if s.Entries() != 2 {
		t.Errorf("Expected 2 entries, got %d", s.Entries())
	}
}

func TestSchedulerRunsJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	var runs atomic.Int32
	if err := s.AddJob("@every 1s", func() { runs.Add(1) }); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Error("expected job to run at least once")
	}
}

type fakePurger struct {
	pendingAt     time.Time
	inboundBefore time.Time
	pendingErr    error
	inboundErr    error
}

func (f *fakePurger) PurgeExpiredPendingActions(_ context.Context, now time.Time) (int, error) {
	f.pendingAt = now
	return 2, f.pendingErr
}

func (f *fakePurger) PurgeInboundBefore(_ context.Context, before time.Time) (int, error) {
	f.inboundBefore = before
	return 5, f.inboundErr
}

func TestHygieneRunOnce(t *testing.T) {
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	p := &fakePurger{}
	h := NewHygiene(p, HygieneOpts{DedupRetention: 24 * time.Hour, Now: func() time.Time { return now }})

	pending, inbound, err := h.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if pending != 2 || inbound != 5 {
		t.Errorf("expected counts 2/5, got %d/%d", pending, inbound)
	}
	if !p.pendingAt.Equal(now) {
		t.Errorf("pending purge used %v, want %v", p.pendingAt, now)
	}
	if !p.inboundBefore.Equal(now.Add(-24 * time.Hour)) {
		t.Errorf("inbound cutoff %v, want %v", p.inboundBefore, now.Add(-24*time.Hour))
	}
}

func TestHygieneRunOnce_Errors(t *testing.T) {
	boom := errors.New("boom")
	p := &fakePurger{pendingErr: boom}
	h := NewHygiene(p, HygieneOpts{})
	if _, _, err := h.RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Errorf("expected pending error, got %v", err)
	}
	if p.inboundBefore.IsZero() {
		t.Error("inbound purge should still run after a pending failure")
	}

	p = &fakePurger{inboundErr: boom}
	if _, _, err := NewHygiene(p, HygieneOpts{}).RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Errorf("expected inbound error, got %v", err)
	}
}

func TestHygieneRegister(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := NewHygiene(&fakePurger{}, HygieneOpts{Schedule: "bogus"}).Register(s); err == nil {
		t.Error("expected invalid schedule error")
	}
	if err := NewHygiene(&fakePurger{}, HygieneOpts{}).Register(s); err != nil {
		t.Errorf("default schedule should register: %v", err)
	}
	if s.Entries() != 1 {
		t.Errorf("expected 1 entry, got %d", s.Entries())
	}
}

func TestHygieneAgainstStore(t *testing.T) {
	st := testutil.NewTestStore(t)
	_, sess := testutil.SeedSession(t, st, models.User{ID: "u_hyg"})
	ctx := context.Background()

	created := time.Now().UTC().Add(-time.Hour)
	if err := st.InsertPendingAction(ctx, models.PendingAction{
		ID: "pa_1", SessionID: sess.ID, Kind: models.PendingReminderConfirmation,
		ExpiresAt: created.Add(5 * time.Minute), CreatedAt: created,
	}, created); err != nil {
		t.Fatalf("InsertPendingAction failed: %v", err)
	}
	if _, err := st.RecordInbound(ctx, sess.ID, "client-1"); err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}

	// Far enough ahead that the inbound record falls outside the retention window.
	later := time.Now().Add(48 * time.Hour)
	h := NewHygiene(st, HygieneOpts{DedupRetention: time.Hour, Now: func() time.Time { return later }})
	pending, inbound, err := h.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if pending != 1 || inbound != 1 {
		t.Errorf("expected 1/1 purged, got %d/%d", pending, inbound)
	}
	if got, _ := st.GetPendingAction(ctx, sess.ID); got != nil {
		t.Error("expired pending action should be gone")
	}
	if rec, _ := st.GetInbound(ctx, sess.ID, "client-1"); rec != nil {
		t.Error("old inbound record should be gone")
	}
}
