package threat

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var punctuationSpacing = regexp.MustCompile(`\s*([(){}\[\];,.:=+\-*/<>!?&|'"])\s*`)

// Normalize canonicalizes a pattern so cosmetic reformatting hashes identically:
// NFKC folding, whitespace collapsed, no spacing around punctuation, no trailing semicolons.
func Normalize(raw string) string {
	folded := norm.NFKC.String(raw)
	collapsed := strings.Join(strings.Fields(folded), " ")
	tight := punctuationSpacing.ReplaceAllString(collapsed, "$1")
	return strings.TrimRight(tight, "; ")
}

// HashPattern returns the hex sha256 of an already normalized pattern.
func HashPattern(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
