package compliance

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/helmpay/pkg/mandate"
)

// Rule is a named CEL expression that must evaluate to true for a payment
// to proceed.
type Rule struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

// SpendingPolicy is the deterministic policy attached to an agent.
// Zero limits are unlimited; empty allowlists allow any value.
type SpendingPolicy struct {
	PolicyID               string   `yaml:"policy_id" json:"policy_id"`
	Subject                string   `yaml:"subject" json:"subject"`
	AllowedDestinations    []string `yaml:"allowed_destinations,omitempty" json:"allowed_destinations,omitempty"`
	AllowedChains          []string `yaml:"allowed_chains,omitempty" json:"allowed_chains,omitempty"`
	AllowedTokens          []string `yaml:"allowed_tokens,omitempty" json:"allowed_tokens,omitempty"`
	PerTransactionMinor    int64    `yaml:"per_transaction_minor,omitempty" json:"per_transaction_minor,omitempty"`
	DailyLimitMinor        int64    `yaml:"daily_limit_minor,omitempty" json:"daily_limit_minor,omitempty"`
	MonthlyLimitMinor      int64    `yaml:"monthly_limit_minor,omitempty" json:"monthly_limit_minor,omitempty"`
	TotalLimitMinor        int64    `yaml:"total_limit_minor,omitempty" json:"total_limit_minor,omitempty"`
	ApprovalThresholdMinor int64    `yaml:"approval_threshold_minor,omitempty" json:"approval_threshold_minor,omitempty"`
	Rules                  []Rule   `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// ValidateExecutionContext checks destination, chain and token rails.
func (p *SpendingPolicy) ValidateExecutionContext(destination, chain, token string) (bool, string) {
	if len(p.AllowedDestinations) > 0 {
		ok := false
		for _, d := range p.AllowedDestinations {
			if mandate.SameDestination(d, destination) {
				ok = true
				break
			}
		}
		if !ok {
			return false, ReasonDestinationBlocked
		}
	}
	if len(p.AllowedChains) > 0 && !containsFold(p.AllowedChains, chain) {
		return false, ReasonChainBlocked
	}
	if len(p.AllowedTokens) > 0 && !containsFold(p.AllowedTokens, token) {
		return false, ReasonTokenBlocked
	}
	return true, ""
}

func containsFold(list []string, v string) bool {
	return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, v) })
}

// PolicyStore fetches the spending policy for a subject. A nil policy with a
// nil error means the subject has none.
type PolicyStore interface {
	FetchPolicy(ctx context.Context, subject string) (*SpendingPolicy, error)
}

// MemoryPolicyStore holds policies loaded at startup.
type MemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*SpendingPolicy
}

func NewMemoryPolicyStore(policies ...SpendingPolicy) *MemoryPolicyStore {
	s := &MemoryPolicyStore{policies: make(map[string]*SpendingPolicy)}
	for i := range policies {
		s.Put(policies[i])
	}
	return s
}

// Put installs or replaces the policy for p.Subject.
func (s *MemoryPolicyStore) Put(p SpendingPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.policies[p.Subject] = &cp
}

func (s *MemoryPolicyStore) FetchPolicy(ctx context.Context, subject string) (*SpendingPolicy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[subject]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}
