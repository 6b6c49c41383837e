package hold

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helmpay/pkg/api"
)

const (
	DefaultExpiration = 24 * time.Hour
	DefaultMaxHours   = 720
)

// CreateRequest describes a new hold.
type CreateRequest struct {
	// OrganizationID owns the hold. Set by the caller from the principal.
	OrganizationID  string `json:"-"`
	WalletID        string `json:"wallet_id"`
	MerchantID      string `json:"merchant_id"`
	AmountMinor     int64  `json:"amount_minor"`
	Token           string `json:"token"`
	Purpose         string `json:"purpose,omitempty"`
	ExpirationHours int    `json:"expiration_hours,omitempty"`
}

// Ledger manages the hold state machine.
type Ledger struct {
	store    Store
	balances BalanceSource
	maxHours int
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithMaxHours(h int) Option {
	return func(l *Ledger) {
		if h > 0 {
			l.maxHours = h
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func NewLedger(store Store, balances BalanceSource, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		balances: balances,
		maxHours: DefaultMaxHours,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create reserves funds. It fails with ErrInsufficientFunds when the
// spendable balance minus committed funds is below the requested amount.
func (l *Ledger) Create(ctx context.Context, req CreateRequest) (*Hold, error) {
	if req.AmountMinor <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.WalletID == "" || req.Token == "" {
		return nil, api.Validation("INVALID_HOLD", "wallet_id and token are required")
	}
	expiration := DefaultExpiration
	if req.ExpirationHours != 0 {
		if req.ExpirationHours < 1 || req.ExpirationHours > l.maxHours {
			return nil, ErrInvalidExpiration
		}
		expiration = time.Duration(req.ExpirationHours) * time.Hour
	}

	spendable, err := l.balances.SpendableBalance(ctx, req.WalletID, req.Token)
	if err != nil {
		return nil, api.Unavailable("BALANCE_UNAVAILABLE", "wallet balance unavailable").WithCause(err)
	}

	now := l.now().UTC()
	h := &Hold{
		HoldID:         "hold_" + uuid.NewString(),
		OrganizationID: req.OrganizationID,
		WalletID:       req.WalletID,
		MerchantID:     req.MerchantID,
		AmountMinor:    req.AmountMinor,
		Token:          req.Token,
		Purpose:        req.Purpose,
		Status:         StatusActive,
		CreatedAt:      now,
		ExpiresAt:      now.Add(expiration),
	}
	if err := l.store.CreateIfAvailable(ctx, h, spendable); err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "hold created",
		"hold_id", h.HoldID, "wallet_id", h.WalletID, "amount_minor", h.AmountMinor, "token", h.Token)
	return h, nil
}

// Capture settles amount (the full hold when nil) and releases the rest.
// The captured amount stays committed against the wallet.
func (l *Ledger) Capture(ctx context.Context, holdID string, amount *int64) (*Hold, error) {
	h, err := l.store.Transition(ctx, holdID, func(h *Hold) error {
		if err := l.requireActive(h); err != nil {
			return err
		}
		captured := h.AmountMinor
		if amount != nil {
			captured = *amount
		}
		if captured <= 0 || captured > h.AmountMinor {
			return ErrInvalidAmount
		}
		now := l.now().UTC()
		h.Status = StatusCaptured
		h.CapturedAmountMinor = captured
		h.ReleasedAmountMinor = h.AmountMinor - captured
		h.CapturedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "hold captured",
		"hold_id", h.HoldID, "captured_minor", h.CapturedAmountMinor, "released_minor", h.ReleasedAmountMinor)
	return h, nil
}

// Void releases the full hold.
func (l *Ledger) Void(ctx context.Context, holdID string) (*Hold, error) {
	h, err := l.store.Transition(ctx, holdID, func(h *Hold) error {
		if err := l.requireActive(h); err != nil {
			return err
		}
		now := l.now().UTC()
		h.Status = StatusVoided
		h.ReleasedAmountMinor = h.AmountMinor
		h.VoidedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "hold voided", "hold_id", h.HoldID, "released_minor", h.ReleasedAmountMinor)
	return h, nil
}

// Get returns a hold by id.
func (l *Ledger) Get(ctx context.Context, holdID string) (*Hold, error) {
	return l.store.Get(ctx, holdID)
}

// Owned returns the hold only when it belongs to orgID. Holds of other
// organizations are reported as not found.
func (l *Ledger) Owned(ctx context.Context, orgID, holdID string) (*Hold, error) {
	h, err := l.store.Get(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if h.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	return h, nil
}

// Available returns the spendable balance minus active holds and captures.
func (l *Ledger) Available(ctx context.Context, walletID, token string) (int64, error) {
	spendable, err := l.balances.SpendableBalance(ctx, walletID, token)
	if err != nil {
		return 0, api.Unavailable("BALANCE_UNAVAILABLE", "wallet balance unavailable").WithCause(err)
	}
	held, err := l.store.CommittedTotal(ctx, walletID, token)
	if err != nil {
		return 0, err
	}
	return spendable - held, nil
}

// ExpireOldHolds moves every active hold past its expiry to expired and
// returns how many changed. Safe to run concurrently with itself.
func (l *Ledger) ExpireOldHolds(ctx context.Context) (int, error) {
	now := l.now().UTC()
	ids, err := l.store.ListExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("hold: list expired: %w", err)
	}
	expired := 0
	for _, id := range ids {
		_, err := l.store.Transition(ctx, id, func(h *Hold) error {
			if h.Status != StatusActive || now.Before(h.ExpiresAt) {
				return ErrInvalidState
			}
			h.Status = StatusExpired
			h.ReleasedAmountMinor = h.AmountMinor
			h.ExpiredAt = &now
			return nil
		})
		switch {
		case err == nil:
			expired++
		case errors.Is(err, ErrInvalidState):
			// Captured or voided since listing.
		default:
			return expired, fmt.Errorf("hold: expire %s: %w", id, err)
		}
	}
	if expired > 0 {
		l.logger.InfoContext(ctx, "holds expired", "count", expired)
	}
	return expired, nil
}

// requireActive rejects terminal holds and expires overdue ones in place.
func (l *Ledger) requireActive(h *Hold) error {
	if h.Status != StatusActive {
		return ErrInvalidState.WithMessage("hold %s is %s", h.HoldID, h.Status)
	}
	if !l.now().Before(h.ExpiresAt) {
		return ErrInvalidState.WithMessage("hold %s has expired", h.HoldID)
	}
	return nil
}
