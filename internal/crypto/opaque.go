package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// OpaqueTokenLength is the number of random bytes in session cookies,
// authorization codes and refresh tokens.
const OpaqueTokenLength = 32

// NewOpaqueToken returns a random base64url value.
func NewOpaqueToken() (string, error) {
	b := make([]byte, OpaqueTokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashOpaque returns the storage key for an opaque value. Stores only ever
// see this hash.
func HashOpaque(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
