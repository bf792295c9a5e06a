// Package fingerprint derives content addresses for cache keys.
//
// A fingerprint is the upper-case hexadecimal SHA-256 digest of the UTF-8
// bytes of a key. It is stable across runs and is used directly as the
// storage name of a cache entry, so stores never see the original URL.
package fingerprint

import (
	_ "crypto/sha256" // registers SHA-256 for go-digest
	"strings"

	"github.com/opencontainers/go-digest"
)

// Size is the length in characters of every fingerprint.
const Size = 64

// Of returns the fingerprint of key.
//
// Of is total: the empty string has a fingerprint too. Callers that treat
// empty keys as invalid must check before calling.
func Of(key string) string {
	return strings.ToUpper(digest.SHA256.FromString(key).Encoded())
}

// Valid reports whether s has the shape of a fingerprint.
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
