package playbook

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/sawpanic/backtestrun/internal/features"
)

// Fingerprint hashes the bucketed (categorical) feature labels of a
// snapshot into a short, stable string. Two candidates with identical
// bucketed features produce identical fingerprints, independent of the
// exact floating-point values that produced them — this is the
// "hash of bucketed features" spec.md §3 names.
func Fingerprint(snap *features.FeatureSnapshot) string {
	keys := make([]string, 0, len(snap.Buckets))
	for k := range snap.Buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(snap.Buckets[k])
		sb.WriteByte(';')
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])[:16]
}
