// services/fleet/internal/utils/fingerprint.go
package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint derives a stable key from a set of network identifiers.
// Order-insensitive: the same networks observed in any order produce the
// same fingerprint.
func Fingerprint(bssids []string) string {
	sorted := make([]string, len(bssids))
	for i, b := range bssids {
		sorted[i] = strings.ToLower(b)
	}
	sort.Strings(sorted)

	sum := sha256.Sum256([]byte(strings.Join(sorted, "|")))
	return hex.EncodeToString(sum[:16])
}
