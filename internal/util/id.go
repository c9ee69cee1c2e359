package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a URL-safe hex string ID.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewToken returns a random RFC 4122 UUID string, used for identifiers that
// leave the system (guest session ids, file name prefixes).
func NewToken() string {
	return uuid.NewString()
}
