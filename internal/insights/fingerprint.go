// Package insights turns a user's financial snapshot into persisted,
// de-duplicated insights.
package insights

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"finsight/internal/core"
)

// Fingerprint derives the stable identity of an insight from its semantic
// key. Each component is length-prefixed so that no two distinct keys share
// an encoding (e.g. user "a|b" vs user "a" + type "b").
func Fingerprint(userID string, typ core.InsightType, periodStart, periodEnd *core.Date, categoryKey string) string {
	var b strings.Builder
	for _, part := range []string{userID, string(typ), dateKey(periodStart), dateKey(periodEnd), categoryKey} {
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte(':')
		b.WriteString(part)
		b.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// CandidateFingerprint is Fingerprint applied to a candidate.
func CandidateFingerprint(userID string, c core.Candidate) string {
	return Fingerprint(userID, c.Type, c.PeriodStart, c.PeriodEnd, c.CategoryKey)
}

func dateKey(d *core.Date) string {
	if d == nil {
		return ""
	}
	return d.String()
}
