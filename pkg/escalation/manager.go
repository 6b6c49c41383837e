// Package escalation handles human-in-the-loop approval of payments that the
// compliance gate will not execute on its own.
//
// The manager creates approval requests, tracks their lifecycle, handles
// timeouts and produces immutable receipts.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helmpay/pkg/canonicalize"
)

// Status of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusTimedOut Status = "timed_out"
)

// Urgency tells reviewers how far a request sits above its threshold.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// DefaultTimeout is how long a request stays pending before it is denied.
const DefaultTimeout = 24 * time.Hour

var (
	ErrNotFound   = errors.New("approval request not found")
	ErrNotPending = errors.New("approval request is not pending")
)

// CreateRequest describes the action awaiting approval.
type CreateRequest struct {
	OrganizationID string
	Action         string
	RequestedBy    string
	AmountMinor    int64
	Currency       string
	Reason         string
	Urgency        Urgency
	Metadata       map[string]string
	Timeout        time.Duration
}

// Request is a tracked approval request.
type Request struct {
	ID             string            `json:"approval_id"`
	OrganizationID string            `json:"organization_id,omitempty"`
	Action         string            `json:"action"`
	RequestedBy    string            `json:"requested_by"`
	AmountMinor    int64             `json:"amount_minor"`
	Currency       string            `json:"currency,omitempty"`
	Reason         string            `json:"reason"`
	Urgency        Urgency           `json:"urgency"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Status         Status            `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// Receipt records how a request was resolved.
type Receipt struct {
	ReceiptID   string    `json:"receipt_id"`
	ApprovalID  string    `json:"approval_id"`
	Outcome     Status    `json:"outcome"`
	ResolvedBy  string    `json:"resolved_by,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at"`
	DurationMs  int64     `json:"duration_ms"`
	ContentHash string    `json:"content_hash"`
}

// UrgencyFor scales urgency with the ratio of amount to threshold.
func UrgencyFor(amountMinor, thresholdMinor int64) Urgency {
	if thresholdMinor <= 0 {
		return UrgencyHigh
	}
	switch {
	case amountMinor > 10*thresholdMinor:
		return UrgencyCritical
	case amountMinor > 5*thresholdMinor:
		return UrgencyHigh
	case amountMinor > 2*thresholdMinor:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// Manager handles the lifecycle of approval requests.
type Manager struct {
	mu       sync.Mutex
	requests map[string]*Request
	timeout  time.Duration
	clock    func() time.Time
	onCreate []func(*Request)
}

// NewManager creates a new approval manager.
func NewManager() *Manager {
	return &Manager{
		requests: make(map[string]*Request),
		timeout:  DefaultTimeout,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithTimeout sets the default pending window.
func (m *Manager) WithTimeout(d time.Duration) *Manager {
	if d > 0 {
		m.timeout = d
	}
	return m
}

// OnCreate registers a notification hook invoked for each new request.
func (m *Manager) OnCreate(fn func(*Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCreate = append(m.onCreate, fn)
}

// CreateApproval registers a pending request and returns it.
func (m *Manager) CreateApproval(ctx context.Context, req CreateRequest) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Action == "" || req.RequestedBy == "" {
		return nil, fmt.Errorf("escalation: action and requester are required")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.timeout
	}
	urgency := req.Urgency
	if urgency == "" {
		urgency = UrgencyMedium
	}

	now := m.clock()
	r := &Request{
		ID:             uuid.New().String(),
		OrganizationID: req.OrganizationID,
		Action:         req.Action,
		RequestedBy:    req.RequestedBy,
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		Reason:         req.Reason,
		Urgency:        urgency,
		Metadata:       req.Metadata,
		Status:         StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(timeout),
	}

	m.mu.Lock()
	m.requests[r.ID] = r
	hooks := append([]func(*Request){}, m.onCreate...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(r)
	}
	return r, nil
}

// Approve approves a pending request. An expired request times out instead.
func (m *Manager) Approve(ctx context.Context, id, approverID string) (*Receipt, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.pendingLocked(id)
	if err != nil {
		return nil, err
	}
	now := m.clock()
	if now.After(r.ExpiresAt) {
		r.Status = StatusTimedOut
		return m.receipt(r, "", "timeout", now), nil
	}
	r.Status = StatusApproved
	return m.receipt(r, approverID, "", now), nil
}

// Deny denies a pending request.
func (m *Manager) Deny(ctx context.Context, id, denierID, reason string) (*Receipt, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.pendingLocked(id)
	if err != nil {
		return nil, err
	}
	r.Status = StatusDenied
	return m.receipt(r, denierID, reason, m.clock()), nil
}

// CheckTimeouts denies every pending request past its deadline.
func (m *Manager) CheckTimeouts(ctx context.Context) ([]*Receipt, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	var receipts []*Receipt
	for _, r := range m.requests {
		if r.Status != StatusPending || !now.After(r.ExpiresAt) {
			continue
		}
		r.Status = StatusTimedOut
		receipts = append(receipts, m.receipt(r, "", "timeout", now))
	}
	return receipts, nil
}

// Get returns a copy of the request.
func (m *Manager) Get(id string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *r, nil
}

// PendingCount returns the number of pending requests.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Status == StatusPending {
			n++
		}
	}
	return n
}

func (m *Manager) pendingLocked(id string) (*Request, error) {
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s (status=%s)", ErrNotPending, id, r.Status)
	}
	return r, nil
}

func (m *Manager) receipt(r *Request, by, reason string, at time.Time) *Receipt {
	rc := &Receipt{
		ReceiptID:  uuid.New().String(),
		ApprovalID: r.ID,
		Outcome:    r.Status,
		ResolvedBy: by,
		Reason:     reason,
		ResolvedAt: at,
		DurationMs: at.Sub(r.CreatedAt).Milliseconds(),
	}
	hashable := struct {
		ApprovalID string `json:"approval_id"`
		Outcome    Status `json:"outcome"`
		ResolvedBy string `json:"resolved_by"`
	}{r.ID, r.Status, by}
	rc.ContentHash, _ = canonicalize.Fingerprint(hashable)
	return rc
}
