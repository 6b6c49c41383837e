package compliance

import (
	"context"
	"sync"

	"github.com/Mindburn-Labs/helmpay/pkg/mandate"
)

// KYCStatus is the verification state reported by a KYC provider.
type KYCStatus string

const (
	KYCVerified    KYCStatus = "verified"
	KYCPending     KYCStatus = "pending"
	KYCNotStarted  KYCStatus = "not_started"
	KYCExpired     KYCStatus = "expired"
	KYCNeedsReview KYCStatus = "needs_review"
	KYCDeclined    KYCStatus = "declined"
)

// KYCResult is a verification lookup result.
type KYCResult struct {
	Status     KYCStatus
	IsVerified bool
}

// KYCOracle looks up the verification status of a subject.
type KYCOracle interface {
	CheckVerification(ctx context.Context, subject string) (KYCResult, error)
}

// ScreeningResult is a sanctions screening verdict.
type ScreeningResult struct {
	ShouldBlock bool
	Provider    string
	Reason      string
}

// SanctionsOracle screens a destination address on a chain.
type SanctionsOracle interface {
	ScreenAddress(ctx context.Context, address, chain string) (ScreeningResult, error)
}

// StaticKYC answers from an in-memory table. Unknown subjects are not_started.
type StaticKYC struct {
	mu       sync.RWMutex
	statuses map[string]KYCStatus
}

func NewStaticKYC() *StaticKYC {
	return &StaticKYC{statuses: make(map[string]KYCStatus)}
}

func (k *StaticKYC) Set(subject string, status KYCStatus) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.statuses[subject] = status
}

func (k *StaticKYC) CheckVerification(ctx context.Context, subject string) (KYCResult, error) {
	if err := ctx.Err(); err != nil {
		return KYCResult{}, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	st, ok := k.statuses[subject]
	if !ok {
		st = KYCNotStarted
	}
	return KYCResult{Status: st, IsVerified: st == KYCVerified}, nil
}

// Blocklist screens against a local list of addresses. EVM addresses are
// compared in checksummed form.
type Blocklist struct {
	provider string
	mu       sync.RWMutex
	entries  map[string]string
}

func NewBlocklist(provider string) *Blocklist {
	return &Blocklist{provider: provider, entries: make(map[string]string)}
}

// Add blocks address with reason.
func (b *Blocklist) Add(address, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[mandate.NormalizeDestination(address)] = reason
}

func (b *Blocklist) ScreenAddress(ctx context.Context, address, _ string) (ScreeningResult, error) {
	if err := ctx.Err(); err != nil {
		return ScreeningResult{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if reason, ok := b.entries[mandate.NormalizeDestination(address)]; ok {
		return ScreeningResult{ShouldBlock: true, Provider: b.provider, Reason: reason}, nil
	}
	return ScreeningResult{Provider: b.provider}, nil
}
