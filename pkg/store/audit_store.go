// Package store implements the append-only hash-chained audit log and the
// SQL plumbing shared by the persistent stores.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helmpay/pkg/canonicalize"
)

var (
	ErrEntryNotFound = errors.New("entry not found")
	ErrChainBroken   = errors.New("hash chain is broken")
)

const genesisHash = "genesis"

// EntryType categorizes audit entries.
type EntryType string

const (
	EntryTypeComplianceDecision EntryType = "compliance_decision"
	EntryTypeApproval           EntryType = "approval"
	EntryTypeExecution          EntryType = "execution"
	EntryTypeHold               EntryType = "hold"
	EntryTypeReconciliation     EntryType = "reconciliation"
)

// AuditEntry is a single immutable entry in the audit store.
type AuditEntry struct {
	EntryID      string            `json:"entry_id"`
	Sequence     uint64            `json:"sequence"`
	Timestamp    time.Time         `json:"timestamp"`
	EntryType    EntryType         `json:"entry_type"`
	Subject      string            `json:"subject"`
	Action       string            `json:"action"`
	Payload      json.RawMessage   `json:"payload"`
	PayloadHash  string            `json:"payload_hash"`
	PreviousHash string            `json:"previous_hash"`
	EntryHash    string            `json:"entry_hash"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Sink durably persists entries. A failed Write aborts the Append.
type Sink interface {
	Write(ctx context.Context, entry *AuditEntry) error
}

// EntryHandler is called after an entry is appended.
type EntryHandler func(entry *AuditEntry)

// AuditStore is an append-only audit log with hash chaining.
type AuditStore struct {
	mu        sync.RWMutex
	entries   []*AuditEntry
	entryByID map[string]*AuditEntry
	sequence  uint64
	chainHead string
	handlers  []EntryHandler
	sink      Sink
	now       func() time.Time
}

// NewAuditStore creates an audit store. sink may be nil.
func NewAuditStore(sink Sink) *AuditStore {
	return &AuditStore{
		entryByID: make(map[string]*AuditEntry),
		chainHead: genesisHash,
		sink:      sink,
		now:       time.Now,
	}
}

// WithClock overrides the entry timestamp source (tests).
func (s *AuditStore) WithClock(now func() time.Time) *AuditStore {
	s.now = now
	return s
}

// Resume continues the chain from a previously persisted head.
func (s *AuditStore) Resume(sequence uint64, head string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if head == "" {
		head = genesisHash
	}
	s.sequence = sequence
	s.chainHead = head
}

// Append adds a new entry. The entry is written to the sink before it
// becomes visible; on sink failure the chain is left unchanged.
func (s *AuditStore) Append(ctx context.Context, entryType EntryType, subject, action string, payload any, metadata map[string]string) (*AuditEntry, error) {
	payloadBytes, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &AuditEntry{
		EntryID:      uuid.New().String(),
		Sequence:     s.sequence + 1,
		Timestamp:    s.now().UTC().Truncate(time.Millisecond),
		EntryType:    entryType,
		Subject:      subject,
		Action:       action,
		Payload:      payloadBytes,
		PayloadHash:  canonicalize.FingerprintPrefix + canonicalize.HashBytes(payloadBytes),
		PreviousHash: s.chainHead,
		Metadata:     metadata,
	}
	entry.EntryHash, err = computeEntryHash(entry)
	if err != nil {
		return nil, err
	}

	if s.sink != nil {
		if err := s.sink.Write(ctx, entry); err != nil {
			return nil, fmt.Errorf("audit sink write failed: %w", err)
		}
	}

	s.sequence = entry.Sequence
	s.chainHead = entry.EntryHash
	s.entries = append(s.entries, entry)
	s.entryByID[entry.EntryID] = entry

	for _, h := range s.handlers {
		h(entry)
	}
	return entry, nil
}

func computeEntryHash(entry *AuditEntry) (string, error) {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		EntryType    EntryType `json:"entry_type"`
		Subject      string    `json:"subject"`
		Action       string    `json:"action"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{
		Sequence:     entry.Sequence,
		Timestamp:    entry.Timestamp,
		EntryType:    entry.EntryType,
		Subject:      entry.Subject,
		Action:       entry.Action,
		PayloadHash:  entry.PayloadHash,
		PreviousHash: entry.PreviousHash,
	}
	h, err := canonicalize.Fingerprint(hashable)
	if err != nil {
		return "", fmt.Errorf("failed to hash entry: %w", err)
	}
	return h, nil
}

// Get retrieves an entry by ID.
func (s *AuditStore) Get(entryID string) (*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entryByID[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// ChainHead returns the current chain head hash.
func (s *AuditStore) ChainHead() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainHead
}

// QueryFilter defines filtering criteria for queries.
type QueryFilter struct {
	EntryType  EntryType
	Subject    string
	Action     string
	StartTime  *time.Time
	MaxResults int
}

func (f QueryFilter) matches(e *AuditEntry) bool {
	if f.EntryType != "" && e.EntryType != f.EntryType {
		return false
	}
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	return true
}

// Query returns entries matching the filter in append order.
func (s *AuditStore) Query(filter QueryFilter) []*AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*AuditEntry, 0)
	for _, e := range s.entries {
		if filter.matches(e) {
			results = append(results, e)
			if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
				break
			}
		}
	}
	return results
}

// VerifyChain verifies the in-memory portion of the hash chain.
func (s *AuditStore) VerifyChain() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return VerifyEntries(s.entries)
}

// VerifyEntries checks a contiguous run of entries for linkage and hashes.
func VerifyEntries(entries []*AuditEntry) error {
	for i, entry := range entries {
		if i > 0 && entry.PreviousHash != entries[i-1].EntryHash {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, entry.Sequence, entry.PreviousHash, entries[i-1].EntryHash)
		}
		if got := canonicalize.FingerprintPrefix + canonicalize.HashBytes(entry.Payload); got != entry.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, entry.Sequence)
		}
		computed, err := computeEntryHash(entry)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, entry.Sequence, err)
		}
		if computed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, entry.Sequence, computed, entry.EntryHash)
		}
	}
	return nil
}

// AddHandler registers a handler for new entries.
func (s *AuditStore) AddHandler(h EntryHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Size returns the number of entries appended by this process.
func (s *AuditStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
