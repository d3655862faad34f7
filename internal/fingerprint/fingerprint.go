// Package fingerprint computes the content-addressed keys the cache is
// indexed by: the question key (hash of the user's message) and the answer
// key (hash of the compressed reply).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
)

// Question returns the hex SHA-256 of the user message content bytes.
func Question(content string) string {
	return hashHex([]byte(content))
}

// Answer returns the hex SHA-256 of the compressed answer bytes.
func Answer(compressed []byte) string {
	return hashHex(compressed)
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
