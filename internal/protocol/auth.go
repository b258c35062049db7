package protocol

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// NewSalt returns a random per-connection salt, hex encoded.
func NewSalt() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// HashPassword returns the hex SHA-256 of salt+password. The client computes
// this to answer a challenge; the server computes it to check the answer.
func HashPassword(password, salt string) string {
	sum := sha256.Sum256([]byte(salt + password))
	return hex.EncodeToString(sum[:])
}

// VerifyPassword checks a challenge answer in constant time.
func VerifyPassword(password, salt, answer string) bool {
	want := HashPassword(password, salt)
	return subtle.ConstantTimeCompare([]byte(want), []byte(answer)) == 1
}
