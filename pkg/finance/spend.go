package finance

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Window is a spend accounting period.
type Window string

const (
	WindowDaily   Window = "daily"
	WindowMonthly Window = "monthly"
	WindowTotal   Window = "total"
)

// Start returns the UTC start of the window containing now.
func (w Window) Start(now time.Time) time.Time {
	now = now.UTC()
	switch w {
	case WindowDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case WindowMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

// SpendTracker accumulates executed spend per subject and currency.
type SpendTracker interface {
	Spent(ctx context.Context, subject, currency string, since time.Time) (int64, error)
	Record(ctx context.Context, subject string, amount Money, at time.Time) error
}

type spendEntry struct {
	subject  string
	currency string
	amount   int64
	at       time.Time
}

// MemoryTracker is an in-process SpendTracker.
type MemoryTracker struct {
	mu      sync.RWMutex
	entries []spendEntry
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{}
}

func (t *MemoryTracker) Spent(_ context.Context, subject, currency string, since time.Time) (int64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total int64
	for _, e := range t.entries {
		if e.subject == subject && strings.EqualFold(e.currency, currency) && !e.at.Before(since) {
			total += e.amount
		}
	}
	return total, nil
}

func (t *MemoryTracker) Record(_ context.Context, subject string, amount Money, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, spendEntry{subject: subject, currency: amount.Currency, amount: amount.AmountMinor, at: at.UTC()})
	return nil
}
