package referral

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/teris-io/shortid"
)

// CodePrefix starts every referral code.
const CodePrefix = "REF-"

// NewCode returns a fresh human-shareable referral code.
func NewCode() (string, error) {
	sid, err := shortid.Generate()
	if err != nil {
		return "", fmt.Errorf("referral: generate code: %w", err)
	}
	return CodePrefix + strings.ToUpper(sid), nil
}

// NormalizeCode trims and upper-cases a user-supplied code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IdempotencyKey derives the provider idempotency key for a monetary
// transition. The same referral, transition and cycle always yield the same
// key, so a retried or repaired call never posts a second adjustment.
func (r *Referral) IdempotencyKey(t Transition) string {
	return GenerateKey("referral_"+string(t), map[string]any{
		"referral_id": r.ID.String(),
		"cycle":       r.Cycle,
	})
}

// GenerateKey hashes a scope and sorted params into a stable key.
func GenerateKey(scope string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(scope)
	for _, k := range keys {
		fmt.Fprintf(&b, ":%s=%v", k, params[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%s-%s", scope, hex.EncodeToString(sum[:8]))
}
