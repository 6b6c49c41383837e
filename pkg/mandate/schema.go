package mandate

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SupportedVersions is the accepted mandate schema version range.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

const schemaURL = "https://helmpay.dev/schemas/mandate.json"

const mandateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["mandate_id", "version", "type", "subject", "amount_minor", "currency", "expires_at", "nonce"],
  "properties": {
    "mandate_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "version": {"type": "string", "minLength": 1},
    "type": {"enum": ["intent", "cart", "payment"]},
    "subject": {"type": "string", "minLength": 1},
    "amount_minor": {"type": "integer", "minimum": 0},
    "currency": {"type": "string", "minLength": 3, "maxLength": 12},
    "expires_at": {"type": "integer", "minimum": 1},
    "nonce": {"type": "string", "minLength": 8, "maxLength": 256},
    "max_amount_minor": {"type": "integer", "minimum": 0},
    "merchants": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "total_minor": {"type": "integer", "minimum": 0},
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["sku", "quantity", "unit_price_minor"],
        "properties": {
          "sku": {"type": "string", "minLength": 1},
          "quantity": {"type": "integer", "minimum": 1},
          "unit_price_minor": {"type": "integer", "minimum": 0}
        }
      }
    },
    "proof": {
      "type": "object",
      "required": ["keyid", "alg", "signature"],
      "properties": {
        "keyid": {"type": "string", "minLength": 1},
        "alg": {"type": "string"},
        "signature": {"type": "string", "minLength": 1}
      }
    }
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "cart"}}},
      "then": {"required": ["total_minor"]}
    },
    {
      "if": {"properties": {"type": {"const": "payment"}}},
      "then": {"required": ["destination"], "properties": {"destination": {"type": "string", "minLength": 1}}}
    }
  ]
}`

var (
	schemaOnce sync.Once
	compiled   *jsonschema.Schema
	schemaErr  error

	versionConstraint = mustConstraint(SupportedVersions)
)

func mustConstraint(c string) *semver.Constraints {
	cons, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return cons
}

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(mandateSchema)); err != nil {
			schemaErr = fmt.Errorf("mandate: add schema: %w", err)
			return
		}
		compiled, schemaErr = c.Compile(schemaURL)
	})
	return compiled, schemaErr
}

// Validate checks the structural well-formedness of a single mandate. It
// returns the rejection reason and a detail message, or "" when valid.
func Validate(m *Mandate, want Type) (reason, detail string) {
	if m == nil {
		return ReasonMalformed, fmt.Sprintf("%s mandate is missing", want)
	}
	if m.Type != want {
		return ReasonMalformed, fmt.Sprintf("expected %s mandate, got %q", want, m.Type)
	}

	schema, err := loadSchema()
	if err != nil {
		return ReasonMalformed, err.Error()
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return ReasonMalformed, err.Error()
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ReasonMalformed, err.Error()
	}
	if err := schema.Validate(doc); err != nil {
		return ReasonMalformed, fmt.Sprintf("%s mandate: %v", want, err)
	}

	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return ReasonUnsupportedVersion, fmt.Sprintf("version %q: %v", m.Version, err)
	}
	if !versionConstraint.Check(v) {
		return ReasonUnsupportedVersion, fmt.Sprintf("version %s outside %s", v, SupportedVersions)
	}

	if m.Type == TypeCart {
		if len(m.Items) > 0 {
			var sum int64
			for _, item := range m.Items {
				sum += item.Quantity * item.UnitPriceMinor
			}
			if sum != m.TotalMinor {
				return ReasonAmountMismatch, fmt.Sprintf("cart items sum to %d, total_minor is %d", sum, m.TotalMinor)
			}
		}
		if m.AmountMinor != m.TotalMinor {
			return ReasonAmountMismatch, fmt.Sprintf("cart amount_minor %d differs from total_minor %d", m.AmountMinor, m.TotalMinor)
		}
	}
	return "", ""
}
