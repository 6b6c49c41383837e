// Package mandate verifies intent → cart → payment authorization chains.
package mandate

import "time"

// Type names the role of a mandate within a chain.
type Type string

const (
	TypeIntent  Type = "intent"
	TypeCart    Type = "cart"
	TypePayment Type = "payment"
)

// Proof is a detached signature over the JCS form of the mandate with the
// proof field omitted.
type Proof struct {
	KeyID     string `json:"keyid"`
	Alg       string `json:"alg"`
	Created   int64  `json:"created"`
	Signature string `json:"signature"`
}

// LineItem is one cart entry.
type LineItem struct {
	SKU            string `json:"sku"`
	Description    string `json:"description,omitempty"`
	Quantity       int64  `json:"quantity"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
}

// Mandate is a signed authorization statement. Amounts are integer minor
// units; timestamps are epoch seconds.
type Mandate struct {
	MandateID   string            `json:"mandate_id"`
	Version     string            `json:"version"`
	Type        Type              `json:"type"`
	Issuer      string            `json:"issuer,omitempty"`
	Subject     string            `json:"subject"`
	Domain      string            `json:"domain,omitempty"`
	AmountMinor int64             `json:"amount_minor"`
	Currency    string            `json:"currency"`
	Destination string            `json:"destination,omitempty"`
	Chain       string            `json:"chain,omitempty"`
	ExpiresAt   int64             `json:"expires_at"`
	Nonce       string            `json:"nonce"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// Intent bounds.
	MaxAmountMinor int64    `json:"max_amount_minor,omitempty"`
	Merchants      []string `json:"merchants,omitempty"`

	// Cart contents.
	Items      []LineItem `json:"items,omitempty"`
	TotalMinor int64      `json:"total_minor"`

	Proof *Proof `json:"proof,omitempty"`
}

// Expires returns the expiry as a time.
func (m *Mandate) Expires() time.Time {
	return time.Unix(m.ExpiresAt, 0).UTC()
}

// Unsigned returns a copy of m without its proof.
func (m *Mandate) Unsigned() Mandate {
	cp := *m
	cp.Proof = nil
	return cp
}

// Chain is the ordered triple submitted for execution.
type Chain struct {
	Intent  *Mandate `json:"intent"`
	Cart    *Mandate `json:"cart"`
	Payment *Mandate `json:"payment"`
}

// Mandates returns the chain members in order.
func (c *Chain) Mandates() []*Mandate {
	return []*Mandate{c.Intent, c.Cart, c.Payment}
}

// Rejection reason codes.
const (
	ReasonMalformed           = "malformed_mandate"
	ReasonUnsupportedVersion  = "unsupported_version"
	ReasonInvalidProof        = "invalid_proof"
	ReasonSubjectMismatch     = "subject_mismatch"
	ReasonAmountMismatch      = "amount_mismatch"
	ReasonDestinationMismatch = "destination_mismatch"
	ReasonExpired             = "mandate_expired"
	ReasonReplay              = "nonce_replayed"
)

// Result is the outcome of verifying a chain.
type Result struct {
	Accepted     bool     `json:"accepted"`
	Reason       string   `json:"reason,omitempty"`
	Detail       string   `json:"detail,omitempty"`
	MandateID    string   `json:"mandate_id,omitempty"`
	Subject      string   `json:"subject,omitempty"`
	DriftScore   float64  `json:"drift_score"`
	DriftReasons []string `json:"drift_reasons,omitempty"`
	ArchiveRef   string   `json:"archive_ref,omitempty"`
}
