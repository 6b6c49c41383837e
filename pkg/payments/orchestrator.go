// Package payments sequences a mandate chain through the pilot guard, chain
// verification, the compliance gate and idempotent settlement dispatch, then
// opens a reconciliation journey for the dispatched payment.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helmpay/pkg/api"
	"github.com/Mindburn-Labs/helmpay/pkg/compliance"
	"github.com/Mindburn-Labs/helmpay/pkg/escalation"
	"github.com/Mindburn-Labs/helmpay/pkg/idempotency"
	"github.com/Mindburn-Labs/helmpay/pkg/mandate"
	"github.com/Mindburn-Labs/helmpay/pkg/observability"
	"github.com/Mindburn-Labs/helmpay/pkg/pilot"
	"github.com/Mindburn-Labs/helmpay/pkg/reconcile"
	"github.com/Mindburn-Labs/helmpay/pkg/retry"
	"github.com/Mindburn-Labs/helmpay/pkg/store"
)

// Operation is the idempotency scope of payment execution.
const Operation = "payments.execute"

// Status of an execution.
type Status string

const (
	StatusExecuted        Status = "executed"
	StatusDenied          Status = "denied"
	StatusPendingApproval Status = "pending_approval"
)

var (
	ErrMissingChain = api.Validation("MANDATE_CHAIN_REQUIRED", "intent, cart and payment mandates are required")
	// ErrExecutorUnconfigured is returned in live modes when no settlement
	// backend was wired.
	ErrExecutorUnconfigured = api.Unavailable("SETTLEMENT_EXECUTOR_UNCONFIGURED",
		"live execution mode has no settlement executor")
	ErrSettlementUnavailable = api.Unavailable("SETTLEMENT_UNAVAILABLE", "settlement backend did not accept the payment")
)

// Request is one execution submission.
type Request struct {
	Principal pilot.Principal
	// IdempotencyKey scopes retries of the same submission. Defaults to the
	// payment mandate id.
	IdempotencyKey string
	Chain          *mandate.Chain
}

// Result is the body returned to the caller and stored for replays.
type Result struct {
	Status            Status   `json:"status"`
	MandateID         string   `json:"mandate_id"`
	Subject           string   `json:"subject"`
	Mode              string   `json:"mode"`
	ReasonCode        string   `json:"reason_code,omitempty"`
	ApprovalID        string   `json:"approval_id,omitempty"`
	TxHash            string   `json:"tx_hash,omitempty"`
	Chain             string   `json:"chain,omitempty"`
	AuditAnchor       string   `json:"audit_anchor,omitempty"`
	JourneyID         string   `json:"journey_id,omitempty"`
	DriftScore        float64  `json:"drift_score"`
	Flags             []string `json:"flags,omitempty"`
	ComplianceAuditID string   `json:"compliance_audit_id,omitempty"`
}

// Response pairs a result with the HTTP status it maps to.
type Response struct {
	StatusCode int
	Result     Result
	// Replayed is true when the result was served from the idempotency store.
	Replayed bool
}

// Deps are the collaborators of an Orchestrator. Guard, Verifier, Gate and
// Idempotency are required.
type Deps struct {
	Guard       *pilot.Guard
	Verifier    *mandate.ChainVerifier
	Gate        *compliance.Gate
	Idempotency *idempotency.Coordinator
	Executor    SettlementExecutor
	Reconciler  *reconcile.Reconciler
	Audit       *store.AuditStore
	Retry       *retry.Executor
	Breaker     *retry.Breaker
	Telemetry   *observability.Provider
	// Approvals resolves escalated payments. Without it a pending approval
	// cannot be resumed.
	Approvals *escalation.Manager
	Clock     func() time.Time
	Logger    *slog.Logger
}

// Orchestrator runs the payment execution pipeline.
type Orchestrator struct {
	guard       *pilot.Guard
	verifier    *mandate.ChainVerifier
	gate        *compliance.Gate
	idempotency *idempotency.Coordinator
	executor    SettlementExecutor
	reconciler  *reconcile.Reconciler
	audit       *store.AuditStore
	retry       *retry.Executor
	breaker     *retry.Breaker
	telemetry   *observability.Provider
	approvals   *escalation.Manager
	now         func() time.Time
	logger      *slog.Logger

	mu     sync.Mutex
	parked map[string]*parkedExecution
	// parkedKeys maps a scoped idempotency key to its approval id.
	parkedKeys map[string]string
}

func New(d Deps) (*Orchestrator, error) {
	if d.Guard == nil || d.Verifier == nil || d.Gate == nil || d.Idempotency == nil {
		return nil, errors.New("payments: guard, verifier, gate and idempotency coordinator are required")
	}
	o := &Orchestrator{
		guard:       d.Guard,
		verifier:    d.Verifier,
		gate:        d.Gate,
		idempotency: d.Idempotency,
		executor:    d.Executor,
		reconciler:  d.Reconciler,
		audit:       d.Audit,
		retry:       d.Retry,
		breaker:     d.Breaker,
		telemetry:   d.Telemetry,
		approvals:   d.Approvals,
		now:         d.Clock,
		logger:      d.Logger,
		parked:      make(map[string]*parkedExecution),
		parkedKeys:  make(map[string]string),
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.executor == nil && !o.guard.Mode().Live() {
		o.executor = NewSimulatedExecutor()
	}
	if o.retry == nil {
		o.retry = retry.New(retry.DefaultConfig())
	}
	if o.breaker == nil {
		o.breaker = retry.NewBreaker("settlement", 5, 30*time.Second)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "payments")
	return o, nil
}

// Execute runs req through the pipeline. Denials and pending approvals are
// returned as responses; errors are classified with api kinds.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (resp *Response, err error) {
	if req.Chain == nil || req.Chain.Payment == nil || req.Chain.Cart == nil || req.Chain.Intent == nil {
		return nil, ErrMissingChain
	}
	payment := req.Chain.Payment
	mode := o.guard.Mode()

	if o.telemetry != nil {
		var finish func(error)
		ctx, finish = o.telemetry.TrackOperation(ctx, Operation,
			observability.PaymentOperation(payment.MandateID, payment.Subject, req.Principal.OrganizationID, string(mode))...)
		defer func() { finish(err) }()
	}

	amount := payment.AmountMinor
	if err := o.guard.Enforce(ctx, req.Principal, req.Chain.Cart.Domain, &amount, Operation); err != nil {
		return nil, err
	}
	if mode.Live() && o.executor == nil {
		o.logger.ErrorContext(ctx, "live execution requested without a settlement executor", "mode", mode)
		return nil, ErrExecutorUnconfigured
	}

	key := req.IdempotencyKey
	if key == "" {
		key = payment.MandateID
	}
	scoped := scopeKey(req.Principal, key)

	// A completed submission is replayed before verification, which would
	// otherwise reject the already-claimed nonce.
	if out, found, err := o.idempotency.Lookup(ctx, Operation, scoped, req.Chain); err != nil {
		return nil, err
	} else if found {
		return decodeOutcome(out)
	}
	if resp, ok, err := o.parkedReplay(scoped, req.Chain); ok || err != nil {
		return resp, err
	}

	vres, err := o.verifier.Verify(ctx, req.Chain)
	if err != nil {
		return nil, api.Unavailable("MANDATE_VERIFICATION_UNAVAILABLE", "mandate chain could not be verified").WithCause(err)
	}
	if !vres.Accepted {
		return nil, rejection(vres)
	}
	observability.AddSpanEvent(ctx, "mandate.accepted", observability.AttrMandateID.String(vres.MandateID))

	creq := compliance.RequestFromChain(req.Principal.OrganizationID, req.Chain, vres)
	decision, err := o.gate.Evaluate(ctx, creq)
	if err != nil {
		return nil, err
	}
	observability.AddSpanEvent(ctx, "compliance.decided",
		observability.AttrOutcome.String(string(decision.Outcome)),
		observability.AttrReasonCode.String(decision.ReasonCode))

	result := Result{
		MandateID:         payment.MandateID,
		Subject:           payment.Subject,
		Mode:              string(mode),
		ReasonCode:        decision.ReasonCode,
		DriftScore:        vres.DriftScore,
		Flags:             decision.Flags,
		ComplianceAuditID: decision.AuditEntryID,
	}
	switch decision.Outcome {
	case compliance.OutcomeDeny:
		result.Status = StatusDenied
		return &Response{StatusCode: http.StatusForbidden, Result: result}, nil
	case compliance.OutcomePendingApproval:
		result.Status = StatusPendingApproval
		result.ApprovalID = decision.ApprovalID
		if err := o.park(scoped, req, creq, result); err != nil {
			return nil, err
		}
		return &Response{StatusCode: http.StatusAccepted, Result: result}, nil
	}
	return o.settle(ctx, scoped, req, creq, result)
}

// settle dispatches once per scoped key and stores the executed result.
func (o *Orchestrator) settle(ctx context.Context, scoped string, req Request, creq compliance.Request, result Result) (*Response, error) {
	out, err := o.idempotency.Run(ctx, Operation, scoped, req.Chain, func(ctx context.Context) (int, any, error) {
		receipt, err := o.dispatch(ctx, req.Chain.Payment)
		if err != nil {
			return 0, nil, err
		}
		result.Status = StatusExecuted
		result.TxHash = receipt.TxHash
		result.Chain = receipt.Chain
		result.AuditAnchor = receipt.AuditAnchor
		o.afterDispatch(ctx, req, creq, &result)
		return http.StatusOK, result, nil
	})
	if err != nil {
		return nil, err
	}
	return decodeOutcome(out)
}

// dispatch calls the executor behind the circuit breaker, retrying
// transient failures.
func (o *Orchestrator) dispatch(ctx context.Context, payment *mandate.Mandate) (*SettlementReceipt, error) {
	receipt, err := retry.Do(ctx, o.retry, func(ctx context.Context) (*SettlementReceipt, error) {
		if err := o.breaker.Allow(); err != nil {
			return nil, retry.Permanent(err)
		}
		r, err := o.executor.Dispatch(ctx, payment)
		if err != nil {
			o.breaker.Failure()
			return nil, err
		}
		o.breaker.Success()
		return r, nil
	})
	if err == nil {
		return receipt, nil
	}
	o.logger.ErrorContext(ctx, "settlement dispatch failed", "mandate_id", payment.MandateID, "error", err)
	if k := api.KindOf(err); k != api.KindInternal {
		return nil, err
	}
	return nil, ErrSettlementUnavailable.WithCause(err)
}

// afterDispatch books spend, opens the reconciliation journey and records
// the execution. Money has moved by now, so failures are logged only.
func (o *Orchestrator) afterDispatch(ctx context.Context, req Request, creq compliance.Request, result *Result) {
	ctx = context.WithoutCancel(ctx)
	if err := o.gate.RecordSpend(ctx, creq.Subject, creq.AmountMinor, creq.Token); err != nil {
		o.logger.ErrorContext(ctx, "spend not recorded", "mandate_id", result.MandateID, "error", err)
	}
	if o.reconciler != nil && result.TxHash != "" {
		j, err := o.reconciler.OpenJourney(ctx, req.Principal.OrganizationID, reconcile.RailOnchain,
			result.TxHash, creq.AmountMinor, creq.Token)
		if err != nil {
			o.logger.ErrorContext(ctx, "journey not opened", "mandate_id", result.MandateID, "error", err)
		} else {
			result.JourneyID = j.JourneyID
		}
	}
	if o.audit != nil {
		meta := map[string]string{"mandate_id": result.MandateID, "mode": result.Mode}
		if result.ApprovalID != "" {
			meta["approval_id"] = result.ApprovalID
		}
		if _, err := o.audit.Append(ctx, store.EntryTypeExecution, result.Subject, string(StatusExecuted), result, meta); err != nil {
			o.logger.ErrorContext(ctx, "execution not audited", "mandate_id", result.MandateID, "error", err)
		}
	}
	o.logger.InfoContext(ctx, "payment executed",
		"mandate_id", result.MandateID, "subject", result.Subject, "tx_hash", result.TxHash, "mode", result.Mode)
}

func decodeOutcome(out *idempotency.Outcome) (*Response, error) {
	resp := &Response{StatusCode: out.StatusCode, Replayed: out.Replayed}
	if err := out.Decode(&resp.Result); err != nil {
		return nil, fmt.Errorf("payments: decode stored result: %w", err)
	}
	return resp, nil
}

func scopeKey(p pilot.Principal, key string) string {
	if p.OrganizationID == "" {
		return key
	}
	return p.OrganizationID + ":" + key
}

// rejection classifies a chain rejection.
func rejection(res *mandate.Result) error {
	code := "MANDATE_" + strings.ToUpper(res.Reason)
	switch res.Reason {
	case mandate.ReasonInvalidProof, mandate.ReasonSubjectMismatch, mandate.ReasonReplay:
		return api.Authentication(code, res.Reason)
	default:
		return api.Validation(code, res.Reason)
	}
}
