package reconcile

import (
	"fmt"
	"strings"
)

// Normalizer converts provider events for one rail into canonical events.
// The mapping is deterministic.
type Normalizer interface {
	Rail() Rail
	Normalize(raw RawEvent) (Event, error)
}

type mapping struct {
	state    State
	reversal bool
}

// TableNormalizer maps provider event types through a fixed table.
type TableNormalizer struct {
	rail  Rail
	table map[string]mapping
}

func (n *TableNormalizer) Rail() Rail { return n.rail }

func (n *TableNormalizer) Normalize(raw RawEvent) (Event, error) {
	if raw.ProviderEventID == "" || raw.Reference == "" || raw.OrganizationID == "" {
		return Event{}, fmt.Errorf("%w: organization_id, reference and provider_event_id are required", ErrInvalidEvent)
	}
	if raw.AmountMinor < 0 {
		return Event{}, fmt.Errorf("%w: negative amount", ErrInvalidEvent)
	}
	m, ok := n.table[strings.ToLower(raw.Type)]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s/%s", ErrUnknownEventType, n.rail, raw.Type)
	}
	return Event{
		OrganizationID:  raw.OrganizationID,
		Rail:            n.rail,
		Reference:       raw.Reference,
		ProviderEventID: raw.ProviderEventID,
		EventType:       "payment." + string(m.state),
		State:           m.state,
		Reversal:        m.reversal,
		AmountMinor:     raw.AmountMinor,
		Currency:        strings.ToUpper(raw.Currency),
		OccurredAt:      raw.OccurredAt,
		Metadata:        raw.Metadata,
	}, nil
}

// CardNormalizer handles card network events. Refunds and chargebacks are
// reversals.
func CardNormalizer() *TableNormalizer {
	return &TableNormalizer{rail: RailCard, table: map[string]mapping{
		"payment_intent.created": {state: StateCreated},
		"authorization.request":  {state: StateProcessing},
		"authorization.approved": {state: StateAuthorized},
		"capture.succeeded":      {state: StateSettled},
		"settlement.posted":      {state: StateSettled},
		"refund.succeeded":       {state: StateReturned, reversal: true},
		"chargeback.created":     {state: StateReturned, reversal: true},
	}}
}

// ACHNormalizer handles bank transfer events. Returns are reversals.
func ACHNormalizer() *TableNormalizer {
	return &TableNormalizer{rail: RailACH, table: map[string]mapping{
		"transfer.created":   {state: StateCreated},
		"transfer.submitted": {state: StateProcessing},
		"transfer.pending":   {state: StateProcessing},
		"transfer.settled":   {state: StateSettled},
		"transfer.returned":  {state: StateReturned, reversal: true},
	}}
}

// OnchainNormalizer handles settlement executor receipts for token
// transfers. Finalized transfers cannot be reversed.
func OnchainNormalizer() *TableNormalizer {
	return &TableNormalizer{rail: RailOnchain, table: map[string]mapping{
		"tx.submitted": {state: StateCreated},
		"tx.broadcast": {state: StateProcessing},
		"tx.included":  {state: StateAuthorized},
		"tx.finalized": {state: StateSettled},
	}}
}

// DefaultNormalizers returns one normalizer per supported rail.
func DefaultNormalizers() []Normalizer {
	return []Normalizer{CardNormalizer(), ACHNormalizer(), OnchainNormalizer()}
}
