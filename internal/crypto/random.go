package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// TokenLength is the entropy of generated opaque tokens in bytes.
const TokenLength = 32

// NewToken generates a cryptographically secure random token encoded as
// unpadded base64url, suitable for authorization codes, session tokens,
// and reset tokens.
func NewToken() (string, error) {
	return NewTokenN(TokenLength)
}

// NewTokenN generates a random token with n bytes of entropy.
func NewTokenN(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken hashes a token for storage and lookup.
// Returns the SHA-256 hex digest.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ConstantTimeEquals compares two strings without leaking the position of
// the first differing byte.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
