// Package learning turns evaluated run output into promoted memory: the
// episodic tier for recent recall, the semantic tier for durable patterns.
package learning

import (
	"regexp"
)

// Category labels what kind of learning a piece of content carries.
type Category string

const (
	// CategoryPattern is a reusable approach that worked.
	CategoryPattern Category = "pattern"

	// CategoryAntiPattern is an approach that failed and should be avoided.
	CategoryAntiPattern Category = "anti_pattern"

	// CategoryOperational covers environment, configuration, and tooling facts.
	CategoryOperational Category = "operational"

	// CategoryObservation is the fallback for ordinary run output.
	CategoryObservation Category = "observation"
)

// classifierRule pairs a compiled regex with the evaluation it produces.
// Rules are evaluated in order; the first match wins, so more specific
// patterns are listed first to avoid shadowing.
type classifierRule struct {
	regex      *regexp.Regexp
	category   Category
	confidence float64
	promoteL2  bool
	promoteL3  bool
}

// Classifier assigns promotion flags and a category to run output for
// callers that do not bring their own evaluation.
// Thread-safe: all regex patterns are compiled at construction time.
type Classifier struct {
	rules []*classifierRule
}

// NewClassifier creates a classifier with the built-in rules.
func NewClassifier() *Classifier {
	return &Classifier{rules: buildClassifierRules()}
}

// buildClassifierRules returns the ordered rule set.
// All patterns use (?i) for case-insensitive matching.
func buildClassifierRules() []*classifierRule {
	return []*classifierRule{
		// Anti-patterns first: failure language overlaps with pattern
		// language once a workaround is described.
		{
			regex:      regexp.MustCompile(`(?i)\b(?:anti-?pattern|(?:approach|strategy|attempt)\s+(?:failed|backfired)|do\s+not\s+(?:use|retry|repeat)|dead\s+end|root\s+cause\b.*\b(?:was|turned\s+out))`),
			category:   CategoryAntiPattern,
			confidence: 0.85,
			promoteL2:  true,
			promoteL3:  true,
		},

		// Durable success patterns.
		{
			regex:      regexp.MustCompile(`(?i)\b(?:reliabl[ey]|consistently|reusable|(?:strategy|approach|heuristic)\s+(?:worked|succeeded|holds)|always\s+(?:check|verify|prefer)|rule\s+of\s+thumb)`),
			category:   CategoryPattern,
			confidence: 0.85,
			promoteL2:  true,
			promoteL3:  true,
		},

		// Operational facts: worth recent recall, too volatile for the
		// semantic tier.
		{
			regex:      regexp.MustCompile(`(?i)\b(?:endpoint|credential|quota|rate\s*limit|localhost:\d+|port\s+\d+|env(?:ironment)?\s+var|config(?:uration)?\s+(?:key|value|flag)|timeout\s+of)`),
			category:   CategoryOperational,
			confidence: 0.75,
			promoteL2:  true,
		},

		// Single-keyword failure fallback with lower confidence.
		{
			regex:      regexp.MustCompile(`(?i)\b(?:failed|error|anomaly|degraded|outage|incident)\b`),
			category:   CategoryAntiPattern,
			confidence: 0.6,
			promoteL2:  true,
		},
	}
}

// Classify evaluates content against the rule set. Unmatched content is an
// unpromoted observation.
func (c *Classifier) Classify(content string) Evaluation {
	for _, rule := range c.rules {
		if rule.regex.MatchString(content) {
			return Evaluation{
				Category:    rule.category,
				Confidence:  rule.confidence,
				Score:       rule.confidence,
				PromoteToL2: rule.promoteL2,
				PromoteToL3: rule.promoteL3,
			}
		}
	}
	return Evaluation{Category: CategoryObservation, Confidence: 0.5, Score: 0.5}
}
