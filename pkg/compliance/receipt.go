package compliance

import (
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helmpay/pkg/canonicalize"
)

// Receipt is the audit record of a compliance decision.
type Receipt struct {
	ReceiptID    string         `json:"receipt_id"`
	PolicyIDHash string         `json:"policy_id_hash"`
	MandateID    string         `json:"mandate_id"`
	Subject      string         `json:"subject"`
	Decision     Outcome        `json:"decision"`
	Reason       string         `json:"reason,omitempty"`
	Rule         string         `json:"rule,omitempty"`
	Context      map[string]any `json:"context"`
	IssuedAt     time.Time      `json:"issued_at"`
	ReceiptHash  string         `json:"receipt_hash"`
}

func newReceipt(req Request, d *Decision, policy *SpendingPolicy, at time.Time) *Receipt {
	policyID := "none"
	if policy != nil && policy.PolicyID != "" {
		policyID = policy.PolicyID
	}
	ctx := map[string]any{
		"amount_minor":    req.AmountMinor,
		"token":           req.Token,
		"chain":           req.Chain,
		"destination":     req.Destination,
		"drift_score":     req.DriftScore,
		"kyc_verified":    d.KYCVerified,
		"sanctions_clear": d.SanctionsClear,
	}
	if req.OrganizationID != "" {
		ctx["organization_id"] = req.OrganizationID
	}
	if len(d.Flags) > 0 {
		ctx["flags"] = d.Flags
	}
	if len(req.DriftReasons) > 0 {
		ctx["drift_reasons"] = req.DriftReasons
	}
	if req.Recommendation != "" {
		ctx["recommendation"] = req.Recommendation
	}
	if d.ApprovalID != "" {
		ctx["approval_id"] = d.ApprovalID
	}

	r := &Receipt{
		ReceiptID:    uuid.New().String(),
		PolicyIDHash: canonicalize.HashBytes([]byte(policyID)),
		MandateID:    req.MandateID,
		Subject:      req.Subject,
		Decision:     d.Outcome,
		Reason:       d.ReasonCode,
		Rule:         d.Rule,
		Context:      ctx,
		IssuedAt:     at.UTC(),
	}
	r.ReceiptHash, _ = canonicalize.Fingerprint(r)
	return r
}
