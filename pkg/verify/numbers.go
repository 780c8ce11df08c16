package verify

import (
	"regexp"
	"strconv"
	"strings"
)

var numberPattern = regexp.MustCompile(`-?\d{1,3}(?:,\d{3})+(?:\.\d+)?|-?\d+(?:\.\d+)?`)

// numericMatch reports whether the declared value appears in the evidence
// text under the tolerant rule: digit-sequence equality after stripping
// thousand separators, with the percentage/fraction relation bridged
// explicitly (0.25 matches 25 when the value or evidence is a percentage).
func numericMatch(value, evidence string) bool {
	valueTokens := extractNumbers(value)
	if len(valueTokens) == 0 {
		// A metric value with no numeric content cannot be verified
		// numerically; treat as mismatch.
		return false
	}
	evidenceTokens := extractNumbers(evidence)
	if len(evidenceTokens) == 0 {
		return false
	}

	evidenceSet := make(map[string]struct{}, len(evidenceTokens))
	evidenceFloats := make([]float64, 0, len(evidenceTokens))
	for _, token := range evidenceTokens {
		evidenceSet[token] = struct{}{}
		if f, err := strconv.ParseFloat(token, 64); err == nil {
			evidenceFloats = append(evidenceFloats, f)
		}
	}

	for _, token := range valueTokens {
		if _, ok := evidenceSet[token]; ok {
			continue
		}
		f, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return false
		}
		if !bridged(f, evidenceFloats) {
			return false
		}
	}
	return true
}

// bridged checks the percent/fraction relation in both directions.
func bridged(v float64, evidence []float64) bool {
	for _, e := range evidence {
		if v*100 == e || e*100 == v {
			return true
		}
	}
	return false
}

// extractNumbers returns canonical numeric tokens: thousand separators
// stripped, trailing ".0" style zeros removed so 42000 and 42,000.0 agree.
func extractNumbers(text string) []string {
	matches := numberPattern.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, canonicalNumber(m))
	}
	return out
}

func canonicalNumber(token string) string {
	token = strings.ReplaceAll(token, ",", "")
	if strings.Contains(token, ".") {
		token = strings.TrimRight(token, "0")
		token = strings.TrimSuffix(token, ".")
	}
	return token
}

// Controlled unit vocabulary. Normalization maps declared spellings onto a
// canonical token; anything outside the map is a vocabulary violation.
var unitVocabulary = map[string]string{
	"%":          "%",
	"percent":    "%",
	"pct":        "%",
	"fraction":   "fraction",
	"ratio":      "fraction",
	"eur":        "EUR",
	"usd":        "USD",
	"gbp":        "GBP",
	"tco2e":      "tCO2e",
	"t co2e":     "tCO2e",
	"co2e":       "tCO2e",
	"ktco2e":     "ktCO2e",
	"kg":         "kg",
	"t":          "t",
	"tonne":      "t",
	"tonnes":     "t",
	"ton":        "t",
	"tons":       "t",
	"kwh":        "kWh",
	"mwh":        "MWh",
	"gwh":        "GWh",
	"twh":        "TWh",
	"m3":         "m3",
	"l":          "L",
	"fte":        "FTE",
	"headcount":  "headcount",
	"employees":  "headcount",
	"count":      "count",
	"hours":      "h",
	"h":          "h",
	"year":       "year",
	"years":      "year",
	"eur/tco2e":  "EUR/tCO2e",
	"kgco2e/eur": "kgCO2e/EUR",
}

// normalizeUnit maps a declared unit to its canonical vocabulary form.
// The empty string marks an unknown unit.
func normalizeUnit(unit string) string {
	key := strings.ToLower(strings.TrimSpace(unit))
	return unitVocabulary[key]
}
