package jobs

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/helmpay/pkg/auth"
	"github.com/Mindburn-Labs/helmpay/pkg/escalation"
	"github.com/Mindburn-Labs/helmpay/pkg/hold"
	"github.com/Mindburn-Labs/helmpay/pkg/nonce"
	"github.com/Mindburn-Labs/helmpay/pkg/reconcile"
)

func HoldExpiry(l *hold.Ledger) Job {
	return Job{Name: "hold-expiry", Spec: "@every 1m", Run: l.ExpireOldHolds}
}

func DriftGuard(r *reconcile.Reconciler) Job {
	return Job{Name: "reconcile-drift-guard", Spec: "@every 5m", Run: r.RunDriftGuard}
}

func StaleGuard(r *reconcile.Reconciler) Job {
	return Job{Name: "reconcile-stale-guard", Spec: "@every 15m", Run: r.RunStaleGuard}
}

// TimeoutChecker times out overdue approvals.
type TimeoutChecker interface {
	CheckTimeouts(ctx context.Context) ([]*escalation.Receipt, error)
}

// ApprovalTimeouts denies approvals left pending past their deadline.
func ApprovalTimeouts(m TimeoutChecker) Job {
	return Job{Name: "approval-timeouts", Spec: "@every 1m", Run: func(ctx context.Context) (int, error) {
		receipts, err := m.CheckTimeouts(ctx)
		return len(receipts), err
	}}
}

// NonceSweep purges expired entries from the single-instance nonce cache.
func NonceSweep(c *nonce.MemoryCache) Job {
	return Job{Name: "nonce-sweep", Spec: "@every 1m", Run: func(context.Context) (int, error) {
		return c.Sweep(), nil
	}}
}

func LimiterSweep(l *auth.MemoryLimiter, idle time.Duration) Job {
	return Job{Name: "limiter-sweep", Spec: "@every 5m", Run: func(context.Context) (int, error) {
		return l.Sweep(idle), nil
	}}
}

// Purger deletes completed idempotency records older than a cutoff.
type Purger interface {
	PurgeCompleted(ctx context.Context, cutoff time.Time) (int64, error)
}

// IdempotencyPurge keeps completed records for retention.
func IdempotencyPurge(p Purger, retention time.Duration) Job {
	return Job{Name: "idempotency-purge", Spec: "@every 1h", Run: func(ctx context.Context) (int, error) {
		n, err := p.PurgeCompleted(ctx, time.Now().Add(-retention))
		return int(n), err
	}}
}
