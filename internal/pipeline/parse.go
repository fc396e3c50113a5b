package pipeline

import (
	"regexp"
	"strconv"
	"strings"
)

// NeutralConfidence is assumed when an assessment cannot be parsed.
// Neutral sits below the default threshold, so a model that stops
// following the format earns a retry, not a pass.
const NeutralConfidence = 0.5

// reflectionPattern matches the required assessment format:
//
//	Confidence: <float>
//	Reflection: <free text>
var reflectionPattern = regexp.MustCompile(`(?s)^\s*Confidence:\s*([0-9]*\.?[0-9]+)\s*\n\s*Reflection:\s*(.*)$`)

// ParseReflection extracts the confidence and reflection text from a model
// assessment. Malformed input yields NeutralConfidence with the raw text
// kept as the reflection.
func ParseReflection(text string) (confidence float64, reflection string) {
	m := reflectionPattern.FindStringSubmatch(text)
	if m == nil {
		return NeutralConfidence, strings.TrimSpace(text)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return NeutralConfidence, strings.TrimSpace(text)
	}
	if value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}
	return value, strings.TrimSpace(m[2])
}
