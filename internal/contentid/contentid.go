// Package contentid computes the canonical content-id this service
// uses to name a stored UCAN: a base32-encoded SHA-256 digest of the
// token's encoded bytes, lowercased so it is also a valid DNS label
// fragment.
package contentid

import (
	"crypto/sha256"
	"encoding/base32"
	"strings"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Of returns the canonical content-id of raw.
func Of(raw []byte) string {
	sum := sha256.Sum256(raw)
	return strings.ToLower(encoding.EncodeToString(sum[:]))
}
