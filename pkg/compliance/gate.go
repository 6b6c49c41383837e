package compliance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helmpay/pkg/api"
	"github.com/Mindburn-Labs/helmpay/pkg/escalation"
	"github.com/Mindburn-Labs/helmpay/pkg/finance"
	"github.com/Mindburn-Labs/helmpay/pkg/retry"
	"github.com/Mindburn-Labs/helmpay/pkg/store"
)

// ErrPolicyStoreUnconfigured is returned when policy enforcement is required
// but no deterministic policy store was wired.
var ErrPolicyStoreUnconfigured = api.Unavailable("POLICY_STORE_UNCONFIGURED",
	"deterministic spending policy store is not configured")

// Config holds the gate thresholds.
type Config struct {
	KYCThresholdMinor       int64
	HighValueThresholdMinor int64
	DriftBlockThreshold     float64
	// RequirePolicy makes a missing policy store a 503 and a missing
	// per-subject policy a denial. Set in production.
	RequirePolicy bool
}

func DefaultConfig() Config {
	return Config{
		KYCThresholdMinor:       100000,
		HighValueThresholdMinor: 1000000,
		DriftBlockThreshold:     0.90,
	}
}

// Approvals creates human approval requests.
type Approvals interface {
	CreateApproval(ctx context.Context, req escalation.CreateRequest) (*escalation.Request, error)
}

type Option func(*Gate)

func WithPolicies(p PolicyStore) Option { return func(g *Gate) { g.policies = p } }

func WithSpendTracker(t finance.SpendTracker) Option { return func(g *Gate) { g.spend = t } }

func WithApprovals(a Approvals) Option { return func(g *Gate) { g.approvals = a } }

func WithScanner(s SafetyScanner) Option { return func(g *Gate) { g.scanner = s } }

// WithRetry retries transient oracle failures before failing closed.
func WithRetry(e *retry.Executor) Option { return func(g *Gate) { g.retry = e } }

func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

func WithLogger(l *slog.Logger) Option { return func(g *Gate) { g.logger = l } }

// Gate runs the compliance pipeline: KYC, sanctions, spending policy,
// safety heuristics, approval threshold.
type Gate struct {
	cfg       Config
	kyc       KYCOracle
	sanctions SanctionsOracle
	audit     *store.AuditStore
	policies  PolicyStore
	spend     finance.SpendTracker
	approvals Approvals
	scanner   SafetyScanner
	rules     *RuleEvaluator
	retry     *retry.Executor
	now       func() time.Time
	logger    *slog.Logger
}

// NewGate wires a gate. kyc and sanctions may be nil, in which case the
// corresponding check denies whenever it is required.
func NewGate(cfg Config, kyc KYCOracle, sanctions SanctionsOracle, audit *store.AuditStore, opts ...Option) (*Gate, error) {
	if audit == nil {
		return nil, errors.New("compliance: audit store is required")
	}
	rules, err := NewRuleEvaluator()
	if err != nil {
		return nil, err
	}
	g := &Gate{
		cfg:       cfg,
		kyc:       kyc,
		sanctions: sanctions,
		audit:     audit,
		rules:     rules,
		scanner:   NewPatternScanner(),
		now:       time.Now,
		logger:    slog.Default().With("component", "compliance"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Rules exposes the evaluator so policy loaders can validate expressions.
func (g *Gate) Rules() *RuleEvaluator { return g.rules }

// Evaluate decides on req. A returned error means the gate could not run at
// all; every other failure is expressed as a deny decision.
func (g *Gate) Evaluate(ctx context.Context, req Request) (*Decision, error) {
	if req.AmountMinor < 0 {
		return nil, api.Validation("INVALID_AMOUNT", "amount_minor must be non-negative")
	}
	if g.policies == nil && g.cfg.RequirePolicy {
		g.logger.ErrorContext(ctx, "policy store missing in enforced mode", "subject", req.Subject)
		return nil, ErrPolicyStoreUnconfigured
	}

	d := &Decision{}
	if reason := g.checkKYC(ctx, req, d); reason != "" {
		return g.finish(ctx, req, deny(d, reason), nil), nil
	}
	if reason := g.checkSanctions(ctx, req, d); reason != "" {
		return g.finish(ctx, req, deny(d, reason), nil), nil
	}
	policy, reason := g.checkPolicy(ctx, req, d)
	if reason != "" {
		return g.finish(ctx, req, deny(d, reason), policy), nil
	}
	if reason := g.checkSafety(req); reason != "" {
		return g.escalate(ctx, req, d, policy, reason, escalation.UrgencyHigh), nil
	}
	if policy != nil && policy.ApprovalThresholdMinor > 0 && req.AmountMinor > policy.ApprovalThresholdMinor {
		urgency := escalation.UrgencyFor(req.AmountMinor, policy.ApprovalThresholdMinor)
		return g.escalate(ctx, req, d, policy, ReasonApprovalRequired, urgency), nil
	}

	d.Allowed = true
	d.Outcome = OutcomeAllow
	return g.finish(ctx, req, d, policy), nil
}

// RecordSpend books executed spend against the subject's windows.
func (g *Gate) RecordSpend(ctx context.Context, subject string, amountMinor int64, token string) error {
	if g.spend == nil {
		return nil
	}
	return g.spend.Record(ctx, subject, finance.NewMoney(amountMinor, token), g.now())
}

func deny(d *Decision, reason string) *Decision {
	d.Allowed = false
	d.Outcome = OutcomeDeny
	d.ReasonCode = reason
	return d
}

func call[T any](ctx context.Context, e *retry.Executor, op func(ctx context.Context) (T, error)) (T, error) {
	if e == nil {
		return op(ctx)
	}
	return retry.Do(ctx, e, op)
}

func (g *Gate) checkKYC(ctx context.Context, req Request, d *Decision) string {
	if req.AmountMinor < g.cfg.KYCThresholdMinor {
		return ""
	}
	if g.kyc == nil {
		g.logger.WarnContext(ctx, "kyc oracle not configured", "subject", req.Subject, "amount_minor", req.AmountMinor)
		return ReasonKYCUnavailable
	}
	res, err := call(ctx, g.retry, func(ctx context.Context) (KYCResult, error) {
		return g.kyc.CheckVerification(ctx, req.Subject)
	})
	if err != nil {
		g.logger.WarnContext(ctx, "kyc check failed", "subject", req.Subject, "error", err)
		return ReasonKYCUnavailable
	}
	switch {
	case res.Status == KYCDeclined:
		return ReasonKYCDeclined
	case res.Status == KYCVerified && res.IsVerified:
		d.KYCVerified = true
		return ""
	case req.AmountMinor >= g.cfg.HighValueThresholdMinor:
		return ReasonKYCRequired
	default:
		d.Flags = append(d.Flags, FlagKYCUnverified)
		return ""
	}
}

func (g *Gate) checkSanctions(ctx context.Context, req Request, d *Decision) string {
	if g.sanctions == nil {
		g.logger.WarnContext(ctx, "sanctions oracle not configured", "subject", req.Subject)
		return ReasonSanctionsUnavailable
	}
	res, err := call(ctx, g.retry, func(ctx context.Context) (ScreeningResult, error) {
		return g.sanctions.ScreenAddress(ctx, req.Destination, req.Chain)
	})
	if err != nil {
		g.logger.WarnContext(ctx, "sanctions screening failed", "destination", req.Destination, "error", err)
		return ReasonSanctionsUnavailable
	}
	d.Provider = res.Provider
	if res.ShouldBlock {
		g.logger.WarnContext(ctx, "sanctions hit",
			"destination", req.Destination, "chain", req.Chain, "provider", res.Provider, "reason", res.Reason)
		return ReasonSanctionsHit
	}
	d.SanctionsClear = true
	return ""
}

func (g *Gate) checkPolicy(ctx context.Context, req Request, d *Decision) (*SpendingPolicy, string) {
	if g.policies == nil {
		d.Flags = append(d.Flags, FlagNoPolicy)
		return nil, ""
	}
	policy, err := call(ctx, g.retry, func(ctx context.Context) (*SpendingPolicy, error) {
		return g.policies.FetchPolicy(ctx, req.Subject)
	})
	if err != nil {
		g.logger.WarnContext(ctx, "policy fetch failed", "subject", req.Subject, "error", err)
		return nil, ReasonPolicyUnavailable
	}
	if policy == nil {
		if g.cfg.RequirePolicy {
			return nil, ReasonNoSpendingPolicy
		}
		d.Flags = append(d.Flags, FlagNoPolicy)
		return nil, ""
	}

	if ok, reason := policy.ValidateExecutionContext(req.Destination, req.Chain, req.Token); !ok {
		return policy, reason
	}
	if policy.PerTransactionMinor > 0 && req.AmountMinor > policy.PerTransactionMinor {
		return policy, ReasonPerTxLimit
	}

	limits := []struct {
		window finance.Window
		limit  int64
		reason string
	}{
		{finance.WindowDaily, policy.DailyLimitMinor, ReasonDailyLimit},
		{finance.WindowMonthly, policy.MonthlyLimitMinor, ReasonMonthlyLimit},
		{finance.WindowTotal, policy.TotalLimitMinor, ReasonTotalLimit},
	}
	var (
		dailySpent int64
		dailyKnown bool
		now        = g.now()
	)
	for _, l := range limits {
		if l.limit <= 0 {
			continue
		}
		if g.spend == nil {
			return policy, ReasonSpendUnavailable
		}
		spent, err := g.spend.Spent(ctx, req.Subject, req.Token, l.window.Start(now))
		if err != nil {
			g.logger.WarnContext(ctx, "spend lookup failed", "subject", req.Subject, "window", l.window, "error", err)
			return policy, ReasonSpendUnavailable
		}
		if l.window == finance.WindowDaily {
			dailySpent, dailyKnown = spent, true
		}
		if spent+req.AmountMinor > l.limit {
			return policy, l.reason
		}
	}

	if len(policy.Rules) == 0 {
		return policy, ""
	}
	if !dailyKnown && g.spend != nil {
		spent, err := g.spend.Spent(ctx, req.Subject, req.Token, finance.WindowDaily.Start(now))
		if err != nil {
			g.logger.WarnContext(ctx, "spend lookup failed", "subject", req.Subject, "error", err)
			return policy, ReasonSpendUnavailable
		}
		dailySpent = spent
	}
	vars := map[string]any{
		"amount":      req.AmountMinor,
		"destination": req.Destination,
		"chain":       req.Chain,
		"token":       req.Token,
		"subject":     req.Subject,
		"daily_spent": dailySpent,
		"drift_score": req.DriftScore,
	}
	for _, rule := range policy.Rules {
		ok, err := g.rules.Evaluate(rule.Expr, vars)
		if err != nil {
			d.Rule = rule.Name
			g.logger.WarnContext(ctx, "policy rule failed to evaluate", "rule", rule.Name, "error", err)
			return policy, ReasonRuleError
		}
		if !ok {
			d.Rule = rule.Name
			return policy, ReasonRuleDenied
		}
	}
	return policy, ""
}

func (g *Gate) checkSafety(req Request) string {
	if g.scanner != nil {
		if matched, _ := g.scanner.Scan(req.Texts); matched {
			return ReasonPromptInjection
		}
	}
	if g.cfg.DriftBlockThreshold > 0 && req.DriftScore >= g.cfg.DriftBlockThreshold {
		return ReasonGoalDrift
	}
	return ""
}

// escalate routes d to human approval when a workflow exists, else denies.
func (g *Gate) escalate(ctx context.Context, req Request, d *Decision, policy *SpendingPolicy, reason string, urgency escalation.Urgency) *Decision {
	if g.approvals == nil {
		return g.finish(ctx, req, deny(d, reason), policy)
	}
	meta := map[string]string{
		"mandate_id":  req.MandateID,
		"destination": req.Destination,
		"chain":       req.Chain,
	}
	if req.OrganizationID != "" {
		meta["organization_id"] = req.OrganizationID
	}
	ar, err := g.approvals.CreateApproval(ctx, escalation.CreateRequest{
		OrganizationID: req.OrganizationID,
		Action:         "payment.execute",
		RequestedBy:    req.Subject,
		AmountMinor:    req.AmountMinor,
		Currency:       req.Token,
		Reason:         reason,
		Urgency:        urgency,
		Metadata:       meta,
	})
	if err != nil {
		g.logger.ErrorContext(ctx, "approval request failed", "subject", req.Subject, "error", err)
		return g.finish(ctx, req, deny(d, ReasonApprovalUnavailable), policy)
	}
	d.Allowed = false
	d.Outcome = OutcomePendingApproval
	d.ReasonCode = reason
	d.ApprovalID = ar.ID
	d.Urgency = urgency
	return g.finish(ctx, req, d, policy)
}

// finish attaches a receipt and records it. A decision that cannot be
// recorded is turned into a denial.
func (g *Gate) finish(ctx context.Context, req Request, d *Decision, policy *SpendingPolicy) *Decision {
	d.Receipt = newReceipt(req, d, policy, g.now())
	entry, err := g.audit.Append(ctx, store.EntryTypeComplianceDecision, req.Subject, string(d.Outcome), d.Receipt,
		map[string]string{"mandate_id": req.MandateID, "reason": d.ReasonCode})
	if err != nil {
		g.logger.ErrorContext(ctx, "compliance decision not recorded", "mandate_id", req.MandateID, "error", err)
		deny(d, ReasonAuditUnavailable)
		d.Receipt = newReceipt(req, d, policy, g.now())
		return d
	}
	d.AuditEntryID = entry.EntryID

	if d.Outcome != OutcomeAllow {
		g.logger.WarnContext(ctx, "payment not allowed",
			"mandate_id", req.MandateID, "subject", req.Subject, "outcome", d.Outcome,
			"reason", d.ReasonCode, "rule", d.Rule, "amount_minor", req.AmountMinor)
	}
	return d
}
