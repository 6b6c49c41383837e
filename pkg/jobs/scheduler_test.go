package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helmpay/pkg/auth"
	"github.com/Mindburn-Labs/helmpay/pkg/escalation"
	"github.com/Mindburn-Labs/helmpay/pkg/hold"
	"github.com/Mindburn-Labs/helmpay/pkg/nonce"
)

func TestScheduler_AddValidates(t *testing.T) {
	s := NewScheduler(time.Second, nil)
	noop := func(context.Context) (int, error) { return 0, nil }

	require.NoError(t, s.Add(Job{Name: "a", Spec: "@every 1m", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "a", Spec: "@every 1m", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "b", Spec: "not a schedule", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "", Spec: "@every 1m", Run: noop}))
}

func TestScheduler_RunNow(t *testing.T) {
	s := NewScheduler(time.Second, nil)
	boom := errors.New("boom")
	require.NoError(t, s.Add(Job{Name: "count", Spec: "@every 1h", Run: func(ctx context.Context) (int, error) {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return 3, nil
	}}))
	require.NoError(t, s.Add(Job{Name: "fail", Spec: "@every 1h", Run: func(context.Context) (int, error) {
		return 0, boom
	}}))

	n, err := s.RunNow(context.Background(), "count")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = s.RunNow(context.Background(), "fail")
	assert.ErrorIs(t, err, boom)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	s := NewScheduler(time.Second, nil)
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{Name: "tick", Spec: "@every 1s", Run: func(context.Context) (int, error) {
		runs.Add(1)
		return 1, nil
	}}))

	s.Start()
	require.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestScheduler_RecoversPanics(t *testing.T) {
	s := NewScheduler(0, nil)
	var after atomic.Int32
	require.NoError(t, s.Add(Job{Name: "panics", Spec: "@every 1s", Run: func(context.Context) (int, error) {
		panic("sweep bug")
	}}))
	require.NoError(t, s.Add(Job{Name: "ok", Spec: "@every 1s", Run: func(context.Context) (int, error) {
		after.Add(1)
		return 0, nil
	}}))

	s.Start()
	require.Eventually(t, func() bool { return after.Load() > 1 }, 4*time.Second, 50*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}

func TestSweeps(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	balances := hold.NewStaticBalances()
	balances.Set("wallet-1", "USDC", 1000)
	ledger := hold.NewLedger(hold.NewMemoryStore(), balances, hold.WithClock(clock))
	_, err := ledger.Create(ctx, hold.CreateRequest{WalletID: "wallet-1", AmountMinor: 100, Token: "USDC", ExpirationHours: 1})
	require.NoError(t, err)

	approvals := escalation.NewManager().WithClock(clock).WithTimeout(time.Minute)
	_, err = approvals.CreateApproval(ctx, escalation.CreateRequest{Action: "payment.execute", RequestedBy: "agent_1", AmountMinor: 10, Currency: "USDC"})
	require.NoError(t, err)

	nonces := nonce.NewMemoryCache(time.Minute).WithClock(clock)
	_, err = nonces.Claim(ctx, "n-1")
	require.NoError(t, err)

	limiter := auth.NewMemoryLimiter(auth.RatePolicy{RPM: 60, Burst: 1}).WithClock(clock)
	_, _, err = limiter.Allow(ctx, "org-1/agent_1")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)

	s := NewScheduler(time.Second, nil)
	for _, j := range []Job{
		HoldExpiry(ledger),
		ApprovalTimeouts(approvals),
		NonceSweep(nonces),
		LimiterSweep(limiter, time.Hour),
	} {
		require.NoError(t, s.Add(j))
	}

	for _, name := range []string{"hold-expiry", "approval-timeouts", "nonce-sweep", "limiter-sweep"} {
		n, err := s.RunNow(ctx, name)
		require.NoError(t, err, name)
		assert.Equal(t, 1, n, name)

		// Sweeps are idempotent.
		n, err = s.RunNow(ctx, name)
		require.NoError(t, err, name)
		assert.Equal(t, 0, n, name)
	}
}

type fakePurger struct{ cutoff time.Time }

func (f *fakePurger) PurgeCompleted(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 4, nil
}

func TestIdempotencyPurge(t *testing.T) {
	p := &fakePurger{}
	n, err := IdempotencyPurge(p, 24*time.Hour).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), p.cutoff, time.Minute)
}
