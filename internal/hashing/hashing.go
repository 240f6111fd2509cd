// Package hashing provides the one-way digest used to store token
// fingerprints. Raw tokens are never persisted; every lookup, insert, and
// delete keyed on a token goes through Digest so the fingerprint is
// consistent across the issue, refresh, revoke, and validate paths.
package hashing

import (
	"crypto/sha256"
	"encoding/base64"
)

// Digest returns the URL-safe base64 encoding of the SHA-256 hash of raw.
// Deterministic per input.
func Digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.URLEncoding.EncodeToString(sum[:])
}
