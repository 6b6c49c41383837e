package mandate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotArchived is returned by Archive.Get for unknown mandate ids.
var ErrNotArchived = errors.New("mandate: not archived")

// Record is the write-once archive entry for an accepted chain.
type Record struct {
	MandateID   string    `json:"mandate_id"`
	Subject     string    `json:"subject"`
	Chain       Chain     `json:"chain"`
	ContentHash string    `json:"content_hash"`
	AcceptedAt  time.Time `json:"accepted_at"`
}

// Archive stores accepted chains. Append is idempotent on MandateID: a
// second append returns the existing reference and leaves the record as is.
type Archive interface {
	Append(ctx context.Context, rec *Record) (ref string, err error)
	Get(ctx context.Context, mandateID string) (*Record, error)
}

// MemoryArchive is an in-process Archive.
type MemoryArchive struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{records: make(map[string]*Record)}
}

func (a *MemoryArchive) Append(_ context.Context, rec *Record) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.records[rec.MandateID]; !ok {
		cp := *rec
		a.records[rec.MandateID] = &cp
	}
	return "mem:" + rec.MandateID, nil
}

func (a *MemoryArchive) Get(_ context.Context, mandateID string) (*Record, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.records[mandateID]
	if !ok {
		return nil, ErrNotArchived
	}
	cp := *rec
	return &cp, nil
}
