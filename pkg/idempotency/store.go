// Package idempotency guarantees at-most-once execution of side-effecting
// operations keyed by (operation, idempotency key).
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Status of an idempotency record.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// ErrRecordNotFound is returned by Store.Get.
var ErrRecordNotFound = errors.New("idempotency: record not found")

// Record is one claimed (operation, key) pair.
type Record struct {
	Operation   string          `json:"operation"`
	Key         string          `json:"key"`
	Fingerprint string          `json:"fingerprint"`
	Status      Status          `json:"status"`
	StatusCode  int             `json:"status_code,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// Store persists records. Insert must be a conditional insert: exactly one
// concurrent caller observes inserted=true for a given (operation, key).
type Store interface {
	Insert(ctx context.Context, rec *Record) (inserted bool, existing *Record, err error)
	Complete(ctx context.Context, operation, key string, statusCode int, result json.RawMessage, at time.Time) error
	Delete(ctx context.Context, operation, key string) error
	Get(ctx context.Context, operation, key string) (*Record, error)
}

type recordKey struct{ op, key string }

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]*Record)}
}

func (s *MemoryStore) Insert(_ context.Context, rec *Record) (bool, *Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey{rec.Operation, rec.Key}
	if existing, ok := s.records[k]; ok {
		cp := *existing
		return false, &cp, nil
	}
	cp := *rec
	s.records[k] = &cp
	return true, nil, nil
}

func (s *MemoryStore) Complete(_ context.Context, operation, key string, statusCode int, result json.RawMessage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{operation, key}]
	if !ok {
		return ErrRecordNotFound
	}
	rec.Status = StatusCompleted
	rec.StatusCode = statusCode
	rec.Result = append(json.RawMessage(nil), result...)
	rec.CompletedAt = at
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, operation, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, recordKey{operation, key})
	return nil
}

func (s *MemoryStore) Get(_ context.Context, operation, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{operation, key}]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}
