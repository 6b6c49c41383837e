// Package compliance decides whether a verified payment may execute. It
// combines KYC thresholds, sanctions screening, deterministic spending policy,
// runtime safety heuristics and human approval escalation. Every external
// dependency failure on a required gate denies.
package compliance

import (
	"slices"
	"strings"

	"github.com/Mindburn-Labs/helmpay/pkg/escalation"
	"github.com/Mindburn-Labs/helmpay/pkg/mandate"
)

// Outcome of an evaluation.
type Outcome string

const (
	OutcomeAllow           Outcome = "allow"
	OutcomeDeny            Outcome = "deny"
	OutcomePendingApproval Outcome = "pending_approval"
)

// Reason codes carried by decisions.
const (
	ReasonKYCDeclined          = "kyc_declined"
	ReasonKYCRequired          = "kyc_required"
	ReasonKYCUnavailable       = "kyc_unavailable"
	ReasonSanctionsHit         = "sanctions_hit"
	ReasonSanctionsUnavailable = "sanctions_unavailable"
	ReasonPolicyUnavailable    = "policy_unavailable"
	ReasonNoSpendingPolicy     = "no_spending_policy"
	ReasonDestinationBlocked   = "destination_not_allowed"
	ReasonChainBlocked         = "chain_not_allowed"
	ReasonTokenBlocked         = "token_not_allowed"
	ReasonPerTxLimit           = "per_transaction_limit"
	ReasonDailyLimit           = "daily_limit"
	ReasonMonthlyLimit         = "monthly_limit"
	ReasonTotalLimit           = "total_limit"
	ReasonSpendUnavailable     = "spend_unavailable"
	ReasonRuleDenied           = "policy_rule_denied"
	ReasonRuleError            = "policy_rule_error"
	ReasonPromptInjection      = "prompt_injection"
	ReasonGoalDrift            = "goal_drift"
	ReasonApprovalRequired     = "approval_required"
	ReasonApprovalUnavailable  = "approval_unavailable"
	ReasonAuditUnavailable     = "audit_unavailable"
)

// Flags attached to decisions that pass with caveats.
const (
	FlagKYCUnverified = "kyc_unverified"
	FlagNoPolicy      = "no_policy"
)

// Request is the payment context under evaluation.
type Request struct {
	MandateID      string
	Subject        string
	OrganizationID string
	AmountMinor    int64
	Token          string
	Destination    string
	Chain          string
	DriftScore     float64
	DriftReasons   []string
	// Texts are free-form fields of the mandate envelope scanned for
	// injected instructions.
	Texts []string
	// Recommendation is an upstream advisory verdict. It is recorded but
	// never replaces the deterministic policy check.
	Recommendation string
}

// Decision is the result of an evaluation.
type Decision struct {
	Allowed        bool               `json:"allowed"`
	Outcome        Outcome            `json:"outcome"`
	ReasonCode     string             `json:"reason_code,omitempty"`
	Provider       string             `json:"provider,omitempty"`
	Rule           string             `json:"rule,omitempty"`
	KYCVerified    bool               `json:"kyc_verified"`
	SanctionsClear bool               `json:"sanctions_clear"`
	Flags          []string           `json:"flags,omitempty"`
	ApprovalID     string             `json:"approval_id,omitempty"`
	Urgency        escalation.Urgency `json:"urgency,omitempty"`
	Receipt        *Receipt           `json:"receipt,omitempty"`
	AuditEntryID   string             `json:"audit_entry_id,omitempty"`
}

// HasFlag reports whether flag is set.
func (d *Decision) HasFlag(flag string) bool {
	return slices.Contains(d.Flags, flag)
}

// RequestFromChain builds a request from an accepted chain and its
// verification result.
func RequestFromChain(orgID string, chain *mandate.Chain, res *mandate.Result) Request {
	p := chain.Payment
	req := Request{
		MandateID:      p.MandateID,
		Subject:        p.Subject,
		OrganizationID: orgID,
		AmountMinor:    p.AmountMinor,
		Token:          strings.ToUpper(p.Currency),
		Destination:    p.Destination,
		Chain:          p.Chain,
		Texts:          TextFields(chain),
	}
	if res != nil {
		req.DriftScore = res.DriftScore
		req.DriftReasons = res.DriftReasons
	}
	return req
}

// TextFields collects the human-readable fields of every mandate in the chain.
func TextFields(chain *mandate.Chain) []string {
	var out []string
	for _, m := range chain.Mandates() {
		if m == nil {
			continue
		}
		if m.Description != "" {
			out = append(out, m.Description)
		}
		for _, v := range m.Metadata {
			out = append(out, v)
		}
		for _, it := range m.Items {
			if it.Description != "" {
				out = append(out, it.Description)
			}
		}
	}
	return out
}
