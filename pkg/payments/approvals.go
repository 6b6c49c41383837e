package payments

import (
	"context"
	"errors"
	"net/http"

	"github.com/Mindburn-Labs/helmpay/pkg/api"
	"github.com/Mindburn-Labs/helmpay/pkg/canonicalize"
	"github.com/Mindburn-Labs/helmpay/pkg/compliance"
	"github.com/Mindburn-Labs/helmpay/pkg/escalation"
	"github.com/Mindburn-Labs/helmpay/pkg/idempotency"
	"github.com/Mindburn-Labs/helmpay/pkg/mandate"
)

var (
	ErrApprovalsUnconfigured = api.Unavailable("APPROVALS_UNCONFIGURED", "approval workflow is not configured")
	ErrApprovalNotFound      = api.NotFound("APPROVAL_NOT_FOUND", "approval request not found")
	ErrApprovalNotPending    = api.Conflict("APPROVAL_NOT_PENDING", "approval request is not pending")
	// ErrApprovalNotExecutable is returned when an approved request has no
	// parked payment left, because it already executed or another caller is
	// executing it.
	ErrApprovalNotExecutable = api.Conflict("APPROVAL_NOT_EXECUTABLE", "approval has no payment awaiting execution")
	ErrMandateExpired        = api.Validation("MANDATE_EXPIRED", "payment mandate expired while awaiting approval")
)

// parkedExecution is a verified submission waiting for a human decision.
// Its nonces are already consumed, so it can only run from here.
type parkedExecution struct {
	approvalID  string
	scoped      string
	fingerprint string
	req         Request
	creq        compliance.Request
	result      Result
}

// ApprovalOutcome reports how an approval was resolved and, when the payment
// ran, its execution result.
type ApprovalOutcome struct {
	Receipt   *escalation.Receipt `json:"receipt"`
	Execution *Result             `json:"execution,omitempty"`
}

func (o *Orchestrator) park(scoped string, req Request, creq compliance.Request, result Result) error {
	if o.approvals == nil {
		return nil
	}
	fp, err := canonicalize.Fingerprint(req.Chain)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.parked[result.ApprovalID] = &parkedExecution{
		approvalID:  result.ApprovalID,
		scoped:      scoped,
		fingerprint: fp,
		req:         req,
		creq:        creq,
		result:      result,
	}
	o.parkedKeys[scoped] = result.ApprovalID
	return nil
}

// parkedReplay answers a resubmission of a parked payment with its pending
// result instead of tripping the consumed nonce.
func (o *Orchestrator) parkedReplay(scoped string, chain *mandate.Chain) (*Response, bool, error) {
	o.mu.Lock()
	p := o.parked[o.parkedKeys[scoped]]
	o.mu.Unlock()
	if p == nil {
		return nil, false, nil
	}
	fp, err := canonicalize.Fingerprint(chain)
	if err != nil {
		return nil, false, err
	}
	if fp != p.fingerprint {
		return nil, true, idempotency.ErrKeyReused
	}
	return &Response{StatusCode: http.StatusAccepted, Result: p.result, Replayed: true}, true, nil
}

// take removes the parked payment for approvalID.
func (o *Orchestrator) take(approvalID string) *parkedExecution {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.parked[approvalID]
	if p != nil {
		delete(o.parked, approvalID)
		delete(o.parkedKeys, p.scoped)
	}
	return p
}

func (o *Orchestrator) restore(p *parkedExecution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.parked[p.approvalID] = p
	o.parkedKeys[p.scoped] = p.approvalID
}

// ApprovalsEnabled reports whether escalated payments can be resolved.
func (o *Orchestrator) ApprovalsEnabled() bool { return o.approvals != nil }

// Approval returns the request when it belongs to orgID.
func (o *Orchestrator) Approval(orgID, approvalID string) (escalation.Request, error) {
	if o.approvals == nil {
		return escalation.Request{}, ErrApprovalsUnconfigured
	}
	ar, err := o.approvals.Get(approvalID)
	if err != nil {
		return escalation.Request{}, ErrApprovalNotFound.WithCause(err)
	}
	if ar.OrganizationID != orgID {
		return escalation.Request{}, ErrApprovalNotFound
	}
	return ar, nil
}

// Approve approves the request and executes the parked payment. When the
// request had already timed out the receipt says so and nothing runs.
func (o *Orchestrator) Approve(ctx context.Context, orgID, approvalID, approverID string) (*ApprovalOutcome, error) {
	if _, err := o.Approval(orgID, approvalID); err != nil {
		return nil, err
	}
	receipt, err := o.approvals.Approve(ctx, approvalID, approverID)
	if err != nil {
		return nil, approvalError(err)
	}
	out := &ApprovalOutcome{Receipt: receipt}
	if receipt.Outcome != escalation.StatusApproved {
		o.take(approvalID)
		return out, nil
	}
	o.logger.InfoContext(ctx, "payment approved", "approval_id", approvalID, "by", approverID)

	resp, err := o.executeParked(ctx, approvalID)
	if errors.Is(err, ErrApprovalNotExecutable) {
		// Approvals without a parked payment only record the decision.
		return out, nil
	}
	if err != nil {
		return out, err
	}
	out.Execution = &resp.Result
	return out, nil
}

// ExecuteApproved retries execution of an approved payment whose first
// dispatch failed.
func (o *Orchestrator) ExecuteApproved(ctx context.Context, orgID, approvalID string) (*Response, error) {
	ar, err := o.Approval(orgID, approvalID)
	if err != nil {
		return nil, err
	}
	if ar.Status != escalation.StatusApproved {
		return nil, ErrApprovalNotPending.WithMessage("approval %s is %s", approvalID, ar.Status)
	}
	return o.executeParked(ctx, approvalID)
}

// Deny denies the request and drops its parked payment.
func (o *Orchestrator) Deny(ctx context.Context, orgID, approvalID, denierID, reason string) (*escalation.Receipt, error) {
	if _, err := o.Approval(orgID, approvalID); err != nil {
		return nil, err
	}
	receipt, err := o.approvals.Deny(ctx, approvalID, denierID, reason)
	if err != nil {
		return nil, approvalError(err)
	}
	o.take(approvalID)
	return receipt, nil
}

// CheckTimeouts times out overdue approvals and drops their parked payments.
func (o *Orchestrator) CheckTimeouts(ctx context.Context) ([]*escalation.Receipt, error) {
	if o.approvals == nil {
		return nil, nil
	}
	receipts, err := o.approvals.CheckTimeouts(ctx)
	for _, rc := range receipts {
		o.take(rc.ApprovalID)
	}
	return receipts, err
}

func (o *Orchestrator) executeParked(ctx context.Context, approvalID string) (*Response, error) {
	p := o.take(approvalID)
	if p == nil {
		return nil, ErrApprovalNotExecutable
	}
	payment := p.req.Chain.Payment
	if payment.ExpiresAt <= o.now().Unix() {
		o.logger.WarnContext(ctx, "approved payment expired before execution",
			"approval_id", approvalID, "mandate_id", payment.MandateID)
		return nil, ErrMandateExpired
	}

	amount := payment.AmountMinor
	if err := o.guard.Enforce(ctx, p.req.Principal, p.req.Chain.Cart.Domain, &amount, Operation); err != nil {
		o.restore(p)
		return nil, err
	}
	if o.guard.Mode().Live() && o.executor == nil {
		o.restore(p)
		return nil, ErrExecutorUnconfigured
	}

	resp, err := o.settle(ctx, p.scoped, p.req, p.creq, p.result)
	if err != nil {
		// Keep it parked so the approved payment can be retried.
		o.restore(p)
		return nil, err
	}
	return resp, nil
}

func approvalError(err error) error {
	switch {
	case errors.Is(err, escalation.ErrNotFound):
		return ErrApprovalNotFound.WithCause(err)
	case errors.Is(err, escalation.ErrNotPending):
		return ErrApprovalNotPending.WithCause(err)
	}
	return err
}
