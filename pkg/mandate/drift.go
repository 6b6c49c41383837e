package mandate

import (
	"fmt"
	"strings"
)

// DriftScorer estimates how far a cart/payment has moved from the intent
// that authorized it. Scores are clamped to [0,1]; higher means more drift.
type DriftScorer interface {
	Score(chain *Chain) (float64, []string)
}

// HeuristicScorer sums weighted signals comparing the intent's bounds with
// the cart and payment.
type HeuristicScorer struct {
	OverBudgetWeight     float64
	UnlistedMerchant     float64
	CurrencyChangeWeight float64
	DescriptionWeight    float64
}

// DefaultScorer returns the production weights.
func DefaultScorer() *HeuristicScorer {
	return &HeuristicScorer{
		OverBudgetWeight:     0.6,
		UnlistedMerchant:     0.5,
		CurrencyChangeWeight: 0.3,
		DescriptionWeight:    0.2,
	}
}

func (s *HeuristicScorer) Score(chain *Chain) (float64, []string) {
	var (
		score   float64
		reasons []string
	)
	intent, cart, payment := chain.Intent, chain.Cart, chain.Payment

	bound := intent.MaxAmountMinor
	if bound == 0 {
		bound = intent.AmountMinor
	}
	if bound > 0 && payment.AmountMinor > bound {
		over := float64(payment.AmountMinor-bound) / float64(bound)
		if over > 1 {
			over = 1
		}
		score += s.OverBudgetWeight * (0.5 + over/2)
		reasons = append(reasons, fmt.Sprintf("payment %d exceeds intent bound %d", payment.AmountMinor, bound))
	}

	if len(intent.Merchants) > 0 && cart.Domain != "" && !domainListed(cart.Domain, intent.Merchants) {
		score += s.UnlistedMerchant
		reasons = append(reasons, fmt.Sprintf("merchant %s not in intent merchants", cart.Domain))
	}

	if intent.Currency != "" && !strings.EqualFold(intent.Currency, payment.Currency) {
		score += s.CurrencyChangeWeight
		reasons = append(reasons, fmt.Sprintf("currency changed from %s to %s", intent.Currency, payment.Currency))
	}

	if intent.Description != "" && cart.Description != "" && !sharesTerm(intent.Description, cart.Description) {
		score += s.DescriptionWeight
		reasons = append(reasons, "cart description shares no terms with intent")
	}

	if score > 1 {
		score = 1
	}
	return score, reasons
}

func domainListed(domain string, allowed []string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if domain == a || strings.HasSuffix(domain, "."+a) {
			return true
		}
	}
	return false
}

func sharesTerm(a, b string) bool {
	terms := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(a)) {
		if len(w) > 3 {
			terms[w] = struct{}{}
		}
	}
	if len(terms) == 0 {
		return true
	}
	for _, w := range strings.Fields(strings.ToLower(b)) {
		if _, ok := terms[w]; ok {
			return true
		}
	}
	return false
}
