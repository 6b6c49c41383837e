package payments

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/helmpay/pkg/canonicalize"
	"github.com/Mindburn-Labs/helmpay/pkg/mandate"
)

// SettlementReceipt is returned by a settlement backend once it has accepted
// a payment for processing.
type SettlementReceipt struct {
	TxHash      string `json:"tx_hash"`
	Chain       string `json:"chain"`
	AuditAnchor string `json:"audit_anchor,omitempty"`
}

// SettlementExecutor moves funds for an approved payment mandate. Errors may
// be transient; the orchestrator retries them.
type SettlementExecutor interface {
	Dispatch(ctx context.Context, payment *mandate.Mandate) (*SettlementReceipt, error)
}

// SimulatedExecutor settles nothing. It derives a stable pseudo transaction
// hash from the mandate so simulated journeys reconcile like real ones.
type SimulatedExecutor struct {
	now func() time.Time
}

func NewSimulatedExecutor() *SimulatedExecutor {
	return &SimulatedExecutor{now: time.Now}
}

func (s *SimulatedExecutor) Dispatch(_ context.Context, payment *mandate.Mandate) (*SettlementReceipt, error) {
	digest, err := canonicalize.CanonicalHash(map[string]any{
		"mandate_id":   payment.MandateID,
		"subject":      payment.Subject,
		"amount_minor": payment.AmountMinor,
		"destination":  payment.Destination,
		"nonce":        payment.Nonce,
	})
	if err != nil {
		return nil, err
	}
	return &SettlementReceipt{
		TxHash:      "0xsim" + digest[:60],
		Chain:       payment.Chain,
		AuditAnchor: "simulated:" + s.now().UTC().Format(time.RFC3339),
	}, nil
}
