package hold

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store guarded by a single mutex.
type MemoryStore struct {
	mu    sync.Mutex
	holds map[string]*Hold
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{holds: make(map[string]*Hold)}
}

func (s *MemoryStore) CreateIfAvailable(_ context.Context, h *Hold, spendable int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	held := s.committedLocked(h.WalletID, h.Token)
	if spendable-held < h.AmountMinor {
		return ErrInsufficientFunds.WithMessage("available %d < requested %d", spendable-held, h.AmountMinor)
	}
	cp := *h
	s.holds[h.HoldID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, holdID string) (*Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[holdID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) Transition(_ context.Context, holdID string, mutate func(h *Hold) error) (*Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[holdID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	s.holds[holdID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) CommittedTotal(_ context.Context, walletID, token string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committedLocked(walletID, token), nil
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, h := range s.holds {
		if h.Status == StatusActive && !now.Before(h.ExpiresAt) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) committedLocked(walletID, token string) int64 {
	var total int64
	for _, h := range s.holds {
		if h.WalletID != walletID || h.Token != token {
			continue
		}
		switch h.Status {
		case StatusActive:
			total += h.AmountMinor
		case StatusCaptured:
			total += h.CapturedAmountMinor
		}
	}
	return total
}

// StaticBalances is a BalanceSource backed by a fixed table.
type StaticBalances struct {
	mu       sync.RWMutex
	balances map[string]int64
}

func NewStaticBalances() *StaticBalances {
	return &StaticBalances{balances: make(map[string]int64)}
}

// Set records the spendable balance of walletID in token.
func (b *StaticBalances) Set(walletID, token string, amount int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[walletID+"/"+token] = amount
}

func (b *StaticBalances) SpendableBalance(_ context.Context, walletID, token string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	amount, ok := b.balances[walletID+"/"+token]
	if !ok {
		return 0, fmt.Errorf("no balance for wallet %s token %s", walletID, token)
	}
	return amount, nil
}
