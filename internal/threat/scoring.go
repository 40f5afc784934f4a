package threat

import (
	"regexp"
	"strings"
)

const (
	maxScore     = 10
	noveltyScore = 5
	safeDiscount = 3
)

// RiskLevel is the bucket derived from a score.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskNone:     0,
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// AtLeast reports whether r is as severe as other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return riskRank[r] >= riskRank[other]
}

// BucketForScore maps a clamped score to its risk bucket.
func BucketForScore(score int) RiskLevel {
	switch {
	case score >= 9:
		return RiskCritical
	case score >= 7:
		return RiskHigh
	case score >= 5:
		return RiskMedium
	case score >= 3:
		return RiskLow
	default:
		return RiskNone
	}
}

type scoringRule struct {
	weight  int
	matches func(lowered string) bool
}

func containsAny(needles ...string) func(string) bool {
	return func(lowered string) bool {
		for _, needle := range needles {
			if strings.Contains(lowered, needle) {
				return true
			}
		}
		return false
	}
}

var (
	escapeSequence = regexp.MustCompile(`\\x[0-9a-f]{2}|\\u[0-9a-f]{4}|\\u\{[0-9a-f]+\}`)
	externalURL    = regexp.MustCompile(`(https?:)?//[a-z0-9-]+(\.[a-z0-9-]+)+`)
)

var scoringRules = []scoringRule{
	{weight: 4, matches: containsAny("eval(")},
	{weight: 4, matches: containsAny("document.cookie")},
	{weight: 3, matches: containsAny("document.write")},
	{weight: 3, matches: containsAny(".innerhtml")},
	{weight: 2, matches: containsAny("settimeout", "setinterval")},
	{weight: 3, matches: containsAny("fetch(", "xmlhttprequest")},
	{weight: 3, matches: containsAny("websocket")},
	{weight: 3, matches: containsAny("sendbeacon")},
	{weight: 2, matches: containsAny("appendchild", "insertbefore")},
	{weight: 3, matches: func(lowered string) bool {
		return strings.Contains(lowered, "createelement") && strings.Contains(lowered, "script")
	}},
	{weight: 3, matches: escapeSequence.MatchString},
	{weight: 3, matches: containsAny("fromcharcode")},
	{weight: 2, matches: containsAny("atob", "btoa")},
	{weight: 2, matches: externalURL.MatchString},
	{weight: 2, matches: containsAny("contentwindow", "contentdocument")},
	{weight: 2, matches: containsAny("window.location", "document.location")},
}

var knownSafeCalls = []string{
	"window.open(",
	"return false",
	"this.value",
	"this.checked",
	"history.back(",
	"event.preventdefault(",
}

// intrinsicScore sums the substring increments of a normalized pattern, clamped to [0,10].
func intrinsicScore(normalized string) int {
	lowered := strings.ToLower(normalized)
	score := 0
	for _, rule := range scoringRules {
		if rule.matches(lowered) {
			score += rule.weight
		}
	}
	return clampScore(score)
}

// ScorePattern computes the risk of a normalized pattern given its baseline membership.
func ScorePattern(normalized string, inBaseline bool) int {
	lowered := strings.ToLower(normalized)
	score := 0
	if !inBaseline {
		score += noveltyScore
	}
	for _, rule := range scoringRules {
		if rule.matches(lowered) {
			score += rule.weight
		}
	}
	if inBaseline && matchesKnownSafe(lowered) {
		score -= safeDiscount
	}
	return clampScore(score)
}

func matchesKnownSafe(lowered string) bool {
	for _, call := range knownSafeCalls {
		if strings.Contains(lowered, call) {
			return true
		}
	}
	return false
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > maxScore {
		return maxScore
	}
	return score
}
