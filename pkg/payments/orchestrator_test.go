package payments

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helmpay/pkg/api"
	"github.com/Mindburn-Labs/helmpay/pkg/compliance"
	"github.com/Mindburn-Labs/helmpay/pkg/escalation"
	"github.com/Mindburn-Labs/helmpay/pkg/idempotency"
	"github.com/Mindburn-Labs/helmpay/pkg/mandate"
	"github.com/Mindburn-Labs/helmpay/pkg/nonce"
	"github.com/Mindburn-Labs/helmpay/pkg/observability"
	"github.com/Mindburn-Labs/helmpay/pkg/pilot"
	"github.com/Mindburn-Labs/helmpay/pkg/reconcile"
	"github.com/Mindburn-Labs/helmpay/pkg/retry"
	"github.com/Mindburn-Labs/helmpay/pkg/store"
)

var now = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func clock() time.Time { return now }

const destination = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

var principal = pilot.Principal{OrganizationID: "org-1", Subject: "agent_1"}

func chainFor(amount int64, nonceValue string) *mandate.Chain {
	exp := now.Add(time.Hour).Unix()
	return &mandate.Chain{
		Intent: &mandate.Mandate{
			MandateID: "int-" + nonceValue, Version: "1.0.0", Type: mandate.TypeIntent, Subject: "agent_1",
			AmountMinor: amount, MaxAmountMinor: amount, Currency: "USDC", ExpiresAt: exp,
			Nonce: "intent-" + nonceValue, Merchants: []string{"example.com"}, Description: "office supplies",
		},
		Cart: &mandate.Mandate{
			MandateID: "cart-" + nonceValue, Version: "1.0.0", Type: mandate.TypeCart, Subject: "agent_1",
			Domain: "shop.example.com", AmountMinor: amount, TotalMinor: amount, Currency: "USDC", ExpiresAt: exp,
			Nonce:       "cart-" + nonceValue,
			Items:       []mandate.LineItem{{SKU: "paper-a4", Quantity: 1, UnitPriceMinor: amount}},
			Description: "office supplies paper",
		},
		Payment: &mandate.Mandate{
			MandateID: "pay-" + nonceValue, Version: "1.0.0", Type: mandate.TypePayment, Subject: "agent_1",
			AmountMinor: amount, Currency: "USDC", Destination: destination, Chain: "base",
			ExpiresAt: exp, Nonce: "payment-" + nonceValue,
		},
	}
}

type mockExecutor struct{ mock.Mock }

func (m *mockExecutor) Dispatch(ctx context.Context, payment *mandate.Mandate) (*SettlementReceipt, error) {
	args := m.Called(ctx, payment.MandateID)
	r, _ := args.Get(0).(*SettlementReceipt)
	return r, args.Error(1)
}

type fixedScorer float64

func (s fixedScorer) Score(*mandate.Chain) (float64, []string) {
	return float64(s), []string{"fixed score"}
}

type harness struct {
	orch        *Orchestrator
	kyc         *compliance.StaticKYC
	blocklist   *compliance.Blocklist
	audit       *store.AuditStore
	reconciler  *reconcile.Reconciler
	idempotency *idempotency.Coordinator
	approvals   *escalation.Manager
}

type harnessOpts struct {
	policy   pilot.Policy
	executor SettlementExecutor
	scorer   mandate.DriftScorer
	breaker  *retry.Breaker
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	if o.policy.Mode == "" {
		o.policy.Mode = pilot.ModeSimulated
	}
	h := &harness{
		kyc:         compliance.NewStaticKYC(),
		blocklist:   compliance.NewBlocklist("test-list"),
		audit:       store.NewAuditStore(nil).WithClock(clock),
		idempotency: idempotency.NewCoordinator(idempotency.NewMemoryStore(), nil).WithClock(clock),
		approvals:   escalation.NewManager().WithClock(clock),
	}
	h.reconciler = reconcile.NewReconciler(reconcile.NewMemoryStore(), reconcile.DefaultConfig(),
		reconcile.WithClock(clock))

	vopts := []mandate.Option{mandate.WithClock(clock)}
	if o.scorer != nil {
		vopts = append(vopts, mandate.WithScorer(o.scorer))
	}
	verifier := mandate.NewChainVerifier(nonce.NewMemoryCache(time.Hour).WithClock(clock), mandate.NewMemoryArchive(), vopts...)

	gate, err := compliance.NewGate(compliance.DefaultConfig(), h.kyc, h.blocklist, h.audit,
		compliance.WithApprovals(h.approvals), compliance.WithClock(clock))
	require.NoError(t, err)

	telemetry, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	h.orch, err = New(Deps{
		Guard:       pilot.NewGuard(o.policy, nil),
		Verifier:    verifier,
		Gate:        gate,
		Idempotency: h.idempotency,
		Executor:    o.executor,
		Reconciler:  h.reconciler,
		Audit:       h.audit,
		Retry: retry.New(retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond},
			retry.WithSleeper(func(context.Context, time.Duration) error { return nil })),
		Breaker:   o.breaker,
		Telemetry: telemetry,
		Approvals: h.approvals,
		Clock:     clock,
	})
	require.NoError(t, err)
	return h
}

func TestExecute_ScenarioA_ExecutesThenRejectsReplayedNonce(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.kyc.Set("agent_1", compliance.KYCVerified)
	ctx := context.Background()

	resp, err := h.orch.Execute(ctx, Request{Principal: principal, IdempotencyKey: "k-1", Chain: chainFor(500000, "a1")})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, resp.Replayed)
	assert.Equal(t, StatusExecuted, resp.Result.Status)
	assert.Equal(t, "pay-a1", resp.Result.MandateID)
	assert.Equal(t, string(pilot.ModeSimulated), resp.Result.Mode)
	assert.NotEmpty(t, resp.Result.TxHash)
	assert.NotEmpty(t, resp.Result.ComplianceAuditID)

	j, err := h.reconciler.Journey(ctx, "org-1", resp.Result.TxHash)
	require.NoError(t, err)
	assert.Equal(t, resp.Result.JourneyID, j.JourneyID)
	assert.Equal(t, reconcile.StateCreated, j.State)
	assert.Equal(t, int64(500000), j.ExpectedAmountMinor)

	assert.Len(t, h.audit.Query(store.QueryFilter{EntryType: store.EntryTypeExecution}), 1)
	require.NoError(t, h.audit.VerifyChain())

	// Same chain under a fresh key reaches the verifier, which has seen the nonce.
	_, err = h.orch.Execute(ctx, Request{Principal: principal, IdempotencyKey: "k-2", Chain: chainFor(500000, "a1")})
	require.Error(t, err)
	assert.Equal(t, api.KindAuthentication, api.KindOf(err))
	assert.Equal(t, "MANDATE_NONCE_REPLAYED", api.CodeOf(err))
}

func TestExecute_SameKeyReplaysStoredResult(t *testing.T) {
	exec := &mockExecutor{}
	exec.On("Dispatch", mock.Anything, "pay-r1").
		Return(&SettlementReceipt{TxHash: "0xabc", Chain: "base", AuditAnchor: "anchor-1"}, nil).Once()
	h := newHarness(t, harnessOpts{executor: exec})
	ctx := context.Background()
	req := Request{Principal: principal, IdempotencyKey: "k-1", Chain: chainFor(5000, "r1")}

	first, err := h.orch.Execute(ctx, req)
	require.NoError(t, err)
	second, err := h.orch.Execute(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.StatusCode, second.StatusCode)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, "0xabc", second.Result.TxHash)
	exec.AssertNumberOfCalls(t, "Dispatch", 1)
}

func TestExecute_KeyReusedWithDifferentChainConflicts(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.orch.Execute(ctx, Request{Principal: principal, IdempotencyKey: "k-1", Chain: chainFor(5000, "c1")})
	require.NoError(t, err)

	_, err = h.orch.Execute(ctx, Request{Principal: principal, IdempotencyKey: "k-1", Chain: chainFor(5000, "c2")})
	require.Error(t, err)
	assert.ErrorIs(t, err, idempotency.ErrKeyReused)
	assert.Equal(t, api.KindConflict, api.KindOf(err))
}

func TestExecute_IdempotencyKeyDefaultsToMandateID(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	chain := chainFor(5000, "d1")

	_, err := h.orch.Execute(ctx, Request{Principal: principal, Chain: chain})
	require.NoError(t, err)

	_, found, err := h.idempotency.Lookup(ctx, Operation, "org-1:pay-d1", chain)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestExecute_ScenarioC_PendingKYCPassesWithFlag(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.kyc.Set("agent_1", compliance.KYCPending)

	resp, err := h.orch.Execute(context.Background(), Request{Principal: principal, IdempotencyKey: "k-c", Chain: chainFor(150000, "sc")})
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, resp.Result.Status)
	assert.Contains(t, resp.Result.Flags, compliance.FlagKYCUnverified)
}

func TestExecute_ScenarioD_DriftEscalatesToApproval(t *testing.T) {
	exec := &mockExecutor{}
	h := newHarness(t, harnessOpts{executor: exec, scorer: fixedScorer(0.95)})
	ctx := context.Background()
	chain := chainFor(5000, "sd")

	resp, err := h.orch.Execute(ctx, Request{Principal: principal, IdempotencyKey: "k-d", Chain: chain})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, StatusPendingApproval, resp.Result.Status)
	assert.Equal(t, compliance.ReasonGoalDrift, resp.Result.ReasonCode)
	assert.InDelta(t, 0.95, resp.Result.DriftScore, 1e-9)
	require.NotEmpty(t, resp.Result.ApprovalID)
	assert.Equal(t, 1, h.approvals.PendingCount())

	exec.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
	_, found, err := h.idempotency.Lookup(ctx, Operation, "org-1:k-d", chain)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExecute_SanctionsHitDenies(t *testing.T) {
	exec := &mockExecutor{}
	h := newHarness(t, harnessOpts{executor: exec})
	h.blocklist.Add(destination, "ofac")

	resp, err := h.orch.Execute(context.Background(), Request{Principal: principal, IdempotencyKey: "k-s", Chain: chainFor(5000, "sh")})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, StatusDenied, resp.Result.Status)
	assert.Equal(t, compliance.ReasonSanctionsHit, resp.Result.ReasonCode)
	exec.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestExecute_MandateRejectionsAreClassified(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	chain := chainFor(5000, "mm")
	chain.Payment.AmountMinor = 4999

	_, err := h.orch.Execute(context.Background(), Request{Principal: principal, IdempotencyKey: "k-m", Chain: chain})
	require.Error(t, err)
	assert.Equal(t, api.KindValidation, api.KindOf(err))
	assert.Equal(t, "MANDATE_AMOUNT_MISMATCH", api.CodeOf(err))

	_, err = h.orch.Execute(context.Background(), Request{Principal: principal, Chain: &mandate.Chain{}})
	assert.ErrorIs(t, err, ErrMissingChain)
}

func TestExecute_TransientSettlementFailureIsRetried(t *testing.T) {
	exec := &mockExecutor{}
	exec.On("Dispatch", mock.Anything, "pay-t1").Return(nil, errors.New("connection reset")).Once()
	exec.On("Dispatch", mock.Anything, "pay-t1").Return(&SettlementReceipt{TxHash: "0xdef", Chain: "base"}, nil).Once()
	h := newHarness(t, harnessOpts{executor: exec})

	resp, err := h.orch.Execute(context.Background(), Request{Principal: principal, IdempotencyKey: "k-t", Chain: chainFor(5000, "t1")})
	require.NoError(t, err)
	assert.Equal(t, "0xdef", resp.Result.TxHash)
	exec.AssertNumberOfCalls(t, "Dispatch", 2)
}

func TestExecute_ExhaustedSettlementReleasesClaim(t *testing.T) {
	exec := &mockExecutor{}
	exec.On("Dispatch", mock.Anything, "pay-x1").Return(nil, errors.New("gateway timeout"))
	h := newHarness(t, harnessOpts{executor: exec})
	ctx := context.Background()
	chain := chainFor(5000, "x1")

	_, err := h.orch.Execute(ctx, Request{Principal: principal, IdempotencyKey: "k-x", Chain: chain})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSettlementUnavailable)
	assert.Equal(t, api.KindDependencyUnavailable, api.KindOf(err))
	exec.AssertNumberOfCalls(t, "Dispatch", 3)

	_, found, err := h.idempotency.Lookup(ctx, Operation, "org-1:k-x", chain)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, h.audit.Query(store.QueryFilter{EntryType: store.EntryTypeExecution}))
}

func TestExecute_OpenBreakerStopsDispatch(t *testing.T) {
	exec := &mockExecutor{}
	exec.On("Dispatch", mock.Anything, "pay-b1").Return(nil, errors.New("gateway timeout"))
	h := newHarness(t, harnessOpts{executor: exec, breaker: retry.NewBreaker("settlement", 1, time.Hour)})

	_, err := h.orch.Execute(context.Background(), Request{Principal: principal, IdempotencyKey: "k-b", Chain: chainFor(5000, "b1")})
	require.Error(t, err)
	assert.Equal(t, "CIRCUIT_OPEN", api.CodeOf(err))
	exec.AssertNumberOfCalls(t, "Dispatch", 1)
}

func TestExecute_PilotLane(t *testing.T) {
	t.Run("no allowlist fails closed", func(t *testing.T) {
		h := newHarness(t, harnessOpts{policy: pilot.Policy{Mode: pilot.ModeStagingLive}, executor: &mockExecutor{}})
		_, err := h.orch.Execute(context.Background(), Request{Principal: principal, IdempotencyKey: "k", Chain: chainFor(5000, "p1")})
		assert.ErrorIs(t, err, pilot.ErrAllowlistUnconfigured)
	})

	t.Run("merchant outside pilot", func(t *testing.T) {
		h := newHarness(t, harnessOpts{
			policy:   pilot.Policy{Mode: pilot.ModeStagingLive, AllowedOrgs: []string{"org-1"}, AllowedMerchants: []string{"other.com"}},
			executor: &mockExecutor{},
		})
		_, err := h.orch.Execute(context.Background(), Request{Principal: principal, IdempotencyKey: "k", Chain: chainFor(5000, "p2")})
		assert.ErrorIs(t, err, pilot.ErrMerchantNotAllowed)
	})

	t.Run("live without executor", func(t *testing.T) {
		h := newHarness(t, harnessOpts{policy: pilot.Policy{Mode: pilot.ModeProductionLive}})
		_, err := h.orch.Execute(context.Background(), Request{Principal: principal, IdempotencyKey: "k", Chain: chainFor(5000, "p3")})
		assert.ErrorIs(t, err, ErrExecutorUnconfigured)
	})
}

func TestSimulatedExecutor_IsDeterministic(t *testing.T) {
	ex := NewSimulatedExecutor()
	p := chainFor(5000, "sim").Payment

	a, err := ex.Dispatch(context.Background(), p)
	require.NoError(t, err)
	b, err := ex.Dispatch(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, a.TxHash, b.TxHash)
	assert.Equal(t, "base", a.Chain)
}
