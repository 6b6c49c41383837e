package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helmpay/pkg/compliance"
)

// PolicyProfile is a YAML bundle of spending policies.
type PolicyProfile struct {
	Name     string                      `yaml:"name" json:"name"`
	Version  string                      `yaml:"version" json:"version"`
	Policies []compliance.SpendingPolicy `yaml:"policies" json:"policies"`
}

// RuleCompiler checks that a rule expression is valid.
type RuleCompiler interface {
	Compile(expr string) error
}

// LoadPolicyProfile reads and validates a profile. Every rule is compiled
// with rules when it is non-nil, so a bad expression fails startup instead
// of denying payments later.
func LoadPolicyProfile(path string, rules RuleCompiler) (*PolicyProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy profile: %w", err)
	}
	return ParsePolicyProfile(data, rules)
}

// ParsePolicyProfile is LoadPolicyProfile over raw YAML.
func ParsePolicyProfile(data []byte, rules RuleCompiler) (*PolicyProfile, error) {
	var profile PolicyProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse policy profile: %w", err)
	}

	seen := make(map[string]bool, len(profile.Policies))
	for i, p := range profile.Policies {
		if p.Subject == "" {
			return nil, fmt.Errorf("policy %d: subject is required", i)
		}
		if seen[p.Subject] {
			return nil, fmt.Errorf("policy %d: duplicate subject %q", i, p.Subject)
		}
		seen[p.Subject] = true
		if p.PolicyID == "" {
			profile.Policies[i].PolicyID = "pol_" + p.Subject
		}
		for _, limit := range []int64{p.PerTransactionMinor, p.DailyLimitMinor, p.MonthlyLimitMinor, p.TotalLimitMinor, p.ApprovalThresholdMinor} {
			if limit < 0 {
				return nil, fmt.Errorf("policy %q: limits must be non-negative", p.Subject)
			}
		}
		for _, r := range p.Rules {
			if r.Name == "" || r.Expr == "" {
				return nil, fmt.Errorf("policy %q: rules need a name and an expression", p.Subject)
			}
			if rules == nil {
				continue
			}
			if err := rules.Compile(r.Expr); err != nil {
				return nil, fmt.Errorf("policy %q rule %q: %w", p.Subject, r.Name, err)
			}
		}
	}
	return &profile, nil
}

// Store returns an in-process policy store holding the profile's policies.
func (p *PolicyProfile) Store() *compliance.MemoryPolicyStore {
	return compliance.NewMemoryPolicyStore(p.Policies...)
}
