package verify

import "strings"

// CountNumericMatches reports how many of the given texts numerically
// support the value. Used for extraction diagnostics only; the verdict
// itself comes from Verify.
func CountNumericMatches(value string, texts []string) int {
	if strings.TrimSpace(value) == "" {
		return 0
	}
	n := 0
	for _, text := range texts {
		if numericMatch(value, text) {
			n++
		}
	}
	return n
}
