// Package reconcile folds provider settlement events from several rails into
// one canonical journey per payment and raises review tasks when a journey
// drifts from what was expected.
package reconcile

import (
	"errors"
	"time"

	"github.com/Mindburn-Labs/helmpay/pkg/canonicalize"
)

// Rail is a settlement network.
type Rail string

const (
	RailCard    Rail = "card"
	RailACH     Rail = "ach"
	RailOnchain Rail = "onchain"
)

// State is the canonical payment state.
type State string

const (
	StateCreated    State = "created"
	StateProcessing State = "processing"
	StateAuthorized State = "authorized"
	StateSettled    State = "settled"
	StateReturned   State = "returned"
)

var stateRank = map[State]int{
	StateCreated:    0,
	StateProcessing: 1,
	StateAuthorized: 2,
	StateSettled:    3,
	StateReturned:   4,
}

// Pending reports whether the state is still awaiting settlement.
func (s State) Pending() bool {
	return s == StateCreated || s == StateProcessing || s == StateAuthorized
}

var (
	ErrUnknownEventType = errors.New("reconcile: unknown provider event type")
	ErrUnknownRail      = errors.New("reconcile: unknown rail")
	ErrInvalidEvent     = errors.New("reconcile: invalid event")
	ErrJourneyNotFound  = errors.New("reconcile: journey not found")
	ErrReviewNotFound   = errors.New("reconcile: review task not found")
)

// RawEvent is a provider webhook payload reduced to the fields the
// normalizers need.
type RawEvent struct {
	Provider        string            `json:"provider"`
	Rail            Rail              `json:"rail"`
	OrganizationID  string            `json:"organization_id"`
	ProviderEventID string            `json:"provider_event_id"`
	Reference       string            `json:"reference"`
	Type            string            `json:"type"`
	AmountMinor     int64             `json:"amount_minor"`
	Currency        string            `json:"currency"`
	OccurredAt      time.Time         `json:"occurred_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Event is a normalized settlement event.
type Event struct {
	OrganizationID  string            `json:"organization_id"`
	Rail            Rail              `json:"rail"`
	Reference       string            `json:"reference"`
	ProviderEventID string            `json:"provider_event_id"`
	EventType       string            `json:"canonical_event_type"`
	State           State             `json:"canonical_state"`
	Reversal        bool              `json:"reversal,omitempty"`
	AmountMinor     int64             `json:"amount_minor"`
	Currency        string            `json:"currency"`
	OccurredAt      time.Time         `json:"occurred_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Journey is the reconciled lifecycle of one payment.
type Journey struct {
	OrganizationID      string    `json:"organization_id"`
	JourneyID           string    `json:"journey_id"`
	Rail                Rail      `json:"rail"`
	Reference           string    `json:"reference"`
	State               State     `json:"canonical_state"`
	ExpectedAmountMinor int64     `json:"expected_amount_minor"`
	SettledAmountMinor  int64     `json:"settled_amount_minor"`
	Currency            string    `json:"currency"`
	CreatedAt           time.Time `json:"created_at"`
	LastEventAt         time.Time `json:"last_event_at"`
}

// JourneyID derives the stable journey id for (organization, reference).
func JourneyID(organizationID, reference string) string {
	return "jrn_" + canonicalize.HashBytes([]byte(organizationID+"\x00"+reference))[:24]
}

// ReviewReason names why a journey needs a human.
type ReviewReason string

const (
	ReviewDriftMismatch   ReviewReason = "drift_mismatch"
	ReviewStaleProcessing ReviewReason = "stale_processing"
)

// Priority of a review task.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
)

// ReviewStatus is open until resolved.
type ReviewStatus string

const (
	ReviewOpen     ReviewStatus = "open"
	ReviewResolved ReviewStatus = "resolved"
)

// ReviewTask is a manual reconciliation work item.
type ReviewTask struct {
	TaskID         string       `json:"task_id"`
	OrganizationID string       `json:"organization_id"`
	JourneyID      string       `json:"journey_id"`
	Reason         ReviewReason `json:"reason"`
	Priority       Priority     `json:"priority"`
	Status         ReviewStatus `json:"status"`
	Detail         string       `json:"detail,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
}
