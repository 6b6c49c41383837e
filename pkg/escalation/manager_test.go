package escalation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestManager(now *time.Time) *Manager {
	return NewManager().WithClock(func() time.Time { return *now }).WithTimeout(5 * time.Minute)
}

func testRequest() CreateRequest {
	return CreateRequest{
		Action:      "payment.execute",
		RequestedBy: "agent_1",
		AmountMinor: 500000,
		Currency:    "USDC",
		Reason:      "amount above approval threshold",
		Urgency:     UrgencyFor(500000, 100000),
	}
}

func TestCreateApproval(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr := newTestManager(&now)

	var notified int
	mgr.OnCreate(func(*Request) { notified++ })

	r, err := mgr.CreateApproval(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if r.ID == "" {
		t.Fatal("expected approval ID")
	}
	if r.Status != StatusPending {
		t.Fatalf("expected pending, got %s", r.Status)
	}
	if r.Urgency != UrgencyMedium {
		t.Fatalf("expected medium urgency, got %s", r.Urgency)
	}
	if !r.ExpiresAt.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", r.ExpiresAt)
	}
	if notified != 1 || mgr.PendingCount() != 1 {
		t.Fatalf("notified=%d pending=%d", notified, mgr.PendingCount())
	}
}

func TestCreateApprovalRequiresRequester(t *testing.T) {
	mgr := NewManager()
	if _, err := mgr.CreateApproval(context.Background(), CreateRequest{Action: "x"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestApprove(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr := newTestManager(&now)
	ctx := context.Background()

	r, _ := mgr.CreateApproval(ctx, testRequest())
	now = now.Add(time.Minute)

	rc, err := mgr.Approve(ctx, r.ID, "ops-1")
	if err != nil {
		t.Fatal(err)
	}
	if rc.Outcome != StatusApproved || rc.ResolvedBy != "ops-1" {
		t.Fatalf("unexpected receipt %+v", rc)
	}
	if rc.DurationMs != 60000 {
		t.Fatalf("expected 60000ms, got %d", rc.DurationMs)
	}
	if rc.ContentHash == "" {
		t.Fatal("expected content hash")
	}

	if _, err := mgr.Approve(ctx, r.ID, "ops-2"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestApproveAfterExpiryTimesOut(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr := newTestManager(&now)
	ctx := context.Background()

	r, _ := mgr.CreateApproval(ctx, testRequest())
	now = now.Add(10 * time.Minute)

	rc, err := mgr.Approve(ctx, r.ID, "ops-1")
	if err != nil {
		t.Fatal(err)
	}
	if rc.Outcome != StatusTimedOut {
		t.Fatalf("expected timed_out, got %s", rc.Outcome)
	}
}

func TestDeny(t *testing.T) {
	mgr := NewManager()
	ctx := context.Background()
	r, _ := mgr.CreateApproval(ctx, testRequest())

	rc, err := mgr.Deny(ctx, r.ID, "ops-1", "merchant unknown")
	if err != nil {
		t.Fatal(err)
	}
	if rc.Outcome != StatusDenied || rc.Reason != "merchant unknown" {
		t.Fatalf("unexpected receipt %+v", rc)
	}
	got, _ := mgr.Get(r.ID)
	if got.Status != StatusDenied {
		t.Fatalf("expected denied, got %s", got.Status)
	}
}

func TestUnknownRequest(t *testing.T) {
	mgr := NewManager()
	if _, err := mgr.Deny(context.Background(), "nope", "ops", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := mgr.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCheckTimeouts(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr := newTestManager(&now)
	ctx := context.Background()

	_, _ = mgr.CreateApproval(ctx, testRequest())
	_, _ = mgr.CreateApproval(ctx, testRequest())

	receipts, _ := mgr.CheckTimeouts(ctx)
	if len(receipts) != 0 {
		t.Fatalf("expected no timeouts yet, got %d", len(receipts))
	}

	now = now.Add(6 * time.Minute)
	receipts, _ = mgr.CheckTimeouts(ctx)
	if len(receipts) != 2 {
		t.Fatalf("expected 2 timeouts, got %d", len(receipts))
	}
	receipts, _ = mgr.CheckTimeouts(ctx)
	if len(receipts) != 0 {
		t.Fatalf("second sweep should be a no-op, got %d", len(receipts))
	}
	if mgr.PendingCount() != 0 {
		t.Fatalf("expected 0 pending, got %d", mgr.PendingCount())
	}
}

func TestUrgencyFor(t *testing.T) {
	cases := []struct {
		amount, threshold int64
		want              Urgency
	}{
		{150, 100, UrgencyLow},
		{250, 100, UrgencyMedium},
		{600, 100, UrgencyHigh},
		{1100, 100, UrgencyCritical},
		{1, 0, UrgencyHigh},
	}
	for _, c := range cases {
		if got := UrgencyFor(c.amount, c.threshold); got != c.want {
			t.Errorf("UrgencyFor(%d, %d) = %s, want %s", c.amount, c.threshold, got, c.want)
		}
	}
}
