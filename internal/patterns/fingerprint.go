package patterns

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

var (
	allCapsIDRe = regexp.MustCompile(`\b[A-Z][A-Z0-9_]{1,}\b`)
	digitRunRe  = regexp.MustCompile(`[0-9]+`)
)

// normalizedMaxLen bounds the normalized form so pathological queries
// cannot blow up pattern storage.
const normalizedMaxLen = 200

// Normalize reduces a query to its structural shape: concrete identifiers
// and numbers are replaced with placeholders so "why did BATCH_A fail" and
// "why did BATCH_B fail" share one pattern.
func Normalize(query string) string {
	s := allCapsIDRe.ReplaceAllString(query, "<id>")
	s = strings.ToLower(s)
	s = digitRunRe.ReplaceAllString(s, "<n>")
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > normalizedMaxLen {
		s = s[:normalizedMaxLen]
	}
	return s
}

// Fingerprint returns a stable short hash of the normalized query shape.
// Equal inputs always produce equal fingerprints across runs.
func Fingerprint(query string) string {
	h := fnv.New64a()
	h.Write([]byte(Normalize(query)))
	return fmt.Sprintf("%016x", h.Sum64())
}
