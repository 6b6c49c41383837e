package compliance

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// SafetyScanner inspects mandate text for injected instructions.
type SafetyScanner interface {
	Scan(texts []string) (matched bool, pattern string)
}

// DefaultInjectionPatterns are phrases that try to steer an agent or
// reviewer away from its declared task.
var DefaultInjectionPatterns = []string{
	"ignore previous instructions",
	"ignore all previous",
	"disregard all prior",
	"disregard previous",
	"bypass policy",
	"bypass the policy",
	"override policy",
	"developer mode",
	"you are now",
	"pretend you are",
	"act as if",
	"system prompt",
	"jailbreak",
}

// PatternScanner matches NFKC-normalized, case-folded, whitespace-collapsed
// text against substring patterns.
type PatternScanner struct {
	patterns []string
}

func NewPatternScanner(patterns ...string) *PatternScanner {
	if len(patterns) == 0 {
		patterns = DefaultInjectionPatterns
	}
	normalized := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = normalizeText(p); p != "" {
			normalized = append(normalized, p)
		}
	}
	return &PatternScanner{patterns: normalized}
}

func (s *PatternScanner) Scan(texts []string) (bool, string) {
	for _, t := range texts {
		n := normalizeText(t)
		for _, p := range s.patterns {
			if strings.Contains(n, p) {
				return true, p
			}
		}
	}
	return false, ""
}

// normalizeText folds compatibility forms (fullwidth letters and the like),
// drops zero-width characters and collapses whitespace.
func normalizeText(s string) string {
	s = strings.ToLower(norm.NFKC.String(s))
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case unicode.Is(unicode.Cf, r):
			continue
		case unicode.IsSpace(r):
			if !space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = true
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}
