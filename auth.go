package main

import (
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

// genToken returns a hex string carrying n random bytes from crypto/rand.
// Callers pass at least 16 bytes (128 bits); issued tokens use 32.
func genToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// hashSecret hashes a password or client secret. It is the single path by
// which a credential is prepared for storage; callers persist the result,
// never the plaintext.
func hashSecret(s string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
	return string(b), err
}

// compareSecret checks plaintext s against a stored bcrypt hash.
func compareSecret(hash, s string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(s)) == nil
}
