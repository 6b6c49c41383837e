// Package hold reserves wallet funds ahead of capture.
package hold

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/helmpay/pkg/api"
)

// Status of a hold. Only active holds may transition.
type Status string

const (
	StatusActive   Status = "active"
	StatusCaptured Status = "captured"
	StatusVoided   Status = "voided"
	StatusExpired  Status = "expired"
)

// Hold is a reservation of AmountMinor of Token from a wallet.
type Hold struct {
	HoldID              string     `json:"hold_id"`
	OrganizationID      string     `json:"organization_id,omitempty"`
	WalletID            string     `json:"wallet_id"`
	MerchantID          string     `json:"merchant_id"`
	AmountMinor         int64      `json:"amount_minor"`
	Token               string     `json:"token"`
	Purpose             string     `json:"purpose,omitempty"`
	Status              Status     `json:"status"`
	CapturedAmountMinor int64      `json:"captured_amount_minor,omitempty"`
	ReleasedAmountMinor int64      `json:"released_amount_minor,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	ExpiresAt           time.Time  `json:"expires_at"`
	CapturedAt          *time.Time `json:"captured_at,omitempty"`
	VoidedAt            *time.Time `json:"voided_at,omitempty"`
	ExpiredAt           *time.Time `json:"expired_at,omitempty"`
}

var (
	ErrNotFound          = api.NotFound("HOLD_NOT_FOUND", "hold not found")
	ErrInvalidState      = api.Conflict("invalid_state", "hold is not active")
	ErrInsufficientFunds = api.PolicyDenied("insufficient_funds", "spendable balance does not cover the hold")
	ErrInvalidAmount     = api.Validation("INVALID_AMOUNT", "amount must be positive and within the hold")
	ErrInvalidExpiration = api.Validation("INVALID_EXPIRATION", "expiration must be between 1 hour and the configured maximum")
)

// BalanceSource reports the spendable balance of a wallet before holds and
// captures recorded by the ledger.
type BalanceSource interface {
	SpendableBalance(ctx context.Context, walletID, token string) (int64, error)
}

// Store persists holds. Implementations serialize CreateIfAvailable per
// wallet and Transition per hold.
type Store interface {
	// CreateIfAvailable inserts h only if spendable minus the wallet's
	// committed total covers h.AmountMinor.
	CreateIfAvailable(ctx context.Context, h *Hold, spendable int64) error
	Get(ctx context.Context, holdID string) (*Hold, error)
	// Transition loads the hold under lock, applies mutate and saves it.
	Transition(ctx context.Context, holdID string, mutate func(h *Hold) error) (*Hold, error)
	// CommittedTotal sums active hold amounts and captured amounts.
	CommittedTotal(ctx context.Context, walletID, token string) (int64, error)
	ListExpired(ctx context.Context, now time.Time) ([]string, error)
}
