// Package pilot restricts which organizations, merchants and amounts may
// move real money while the deployment runs in the staging pilot lane.
package pilot

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/Mindburn-Labs/helmpay/pkg/api"
)

// Mode is the execution mode of the deployment.
type Mode string

const (
	ModeSimulated      Mode = "simulated"
	ModeStagingLive    Mode = "staging_live"
	ModeProductionLive Mode = "production_live"
)

var (
	ErrAllowlistUnconfigured = api.Unavailable("PILOT_ALLOWLIST_UNCONFIGURED",
		"pilot organization allowlist is not configured")
	ErrOrgNotAllowed      = api.PolicyDenied("PILOT_ORG_NOT_ALLOWED", "organization is not enrolled in the pilot")
	ErrMerchantNotAllowed = api.PolicyDenied("PILOT_MERCHANT_NOT_ALLOWED", "merchant is not enrolled in the pilot")
	ErrAmountExceeded     = api.PolicyDenied("PILOT_AMOUNT_EXCEEDED", "amount exceeds the pilot maximum")
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, bool) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSimulated, ModeStagingLive, ModeProductionLive:
		return m, true
	}
	return "", false
}

// ResolveMode picks the active mode. A non-empty override must name a known
// mode; anything else resolves to simulated. Without an override the
// deployment environment decides.
func ResolveMode(environment, override string) Mode {
	if strings.TrimSpace(override) != "" {
		m, ok := ParseMode(override)
		if !ok {
			slog.Default().Warn("unknown execution mode override, using simulated", "override", override)
			return ModeSimulated
		}
		return m
	}
	switch strings.ToLower(strings.TrimSpace(environment)) {
	case "production", "prod":
		return ModeProductionLive
	case "staging":
		return ModeStagingLive
	default:
		return ModeSimulated
	}
}

// Live reports whether the mode dispatches to real settlement.
func (m Mode) Live() bool {
	return m == ModeStagingLive || m == ModeProductionLive
}

// Policy is the process-wide pilot configuration.
type Policy struct {
	Mode             Mode
	AllowedOrgs      []string
	AllowedMerchants []string
	MaxAmountMinor   int64
}

// Principal identifies the caller.
type Principal struct {
	OrganizationID string
	Subject        string
}

// Guard enforces Policy.
type Guard struct {
	policy Policy
	logger *slog.Logger
}

// NewGuard copies policy so later mutation by the caller has no effect.
func NewGuard(policy Policy, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	cp := policy
	cp.AllowedOrgs = normalizeList(policy.AllowedOrgs)
	cp.AllowedMerchants = normalizeList(policy.AllowedMerchants)
	return &Guard{policy: cp, logger: logger.With("component", "pilot")}
}

// Mode returns the active mode.
func (g *Guard) Mode() Mode { return g.policy.Mode }

// Enforce is a no-op outside staging_live. amountMinor may be nil when the
// operation carries no amount.
func (g *Guard) Enforce(ctx context.Context, p Principal, merchantDomain string, amountMinor *int64, operation string) error {
	if g.policy.Mode != ModeStagingLive {
		return nil
	}
	log := g.logger.With("operation", operation, "org", p.OrganizationID, "subject", p.Subject)

	if len(g.policy.AllowedOrgs) == 0 {
		log.ErrorContext(ctx, "pilot lane active without an organization allowlist")
		return ErrAllowlistUnconfigured
	}
	if !slices.Contains(g.policy.AllowedOrgs, strings.ToLower(p.OrganizationID)) {
		log.WarnContext(ctx, "pilot org rejected")
		return ErrOrgNotAllowed
	}
	if len(g.policy.AllowedMerchants) > 0 && !merchantAllowed(g.policy.AllowedMerchants, merchantDomain) {
		log.WarnContext(ctx, "pilot merchant rejected", "merchant", merchantDomain)
		return ErrMerchantNotAllowed
	}
	if g.policy.MaxAmountMinor > 0 && amountMinor != nil && *amountMinor > g.policy.MaxAmountMinor {
		log.WarnContext(ctx, "pilot amount rejected", "amount_minor", *amountMinor, "max_minor", g.policy.MaxAmountMinor)
		return ErrAmountExceeded
	}
	return nil
}

// merchantAllowed matches registered domains exactly or as a dot-suffix, so
// "shop.example.com" matches "example.com" but "badexample.com" does not.
func merchantAllowed(allowed []string, domain string) bool {
	d := normalizeDomain(domain)
	if d == "" {
		return false
	}
	for _, a := range allowed {
		a = strings.TrimPrefix(a, "*.")
		if d == a || strings.HasSuffix(d, "."+a) {
			return true
		}
	}
	return false
}

func normalizeDomain(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/:"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSuffix(s, ".")
}

func normalizeList(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, strings.TrimSuffix(s, "."))
		}
	}
	return out
}
