// Package auth verifies CONNECT credentials against salted hashes
// stored in the catalog. Grounded on the teacher's pkg/auth/auth.go,
// which derives per-user keys with golang.org/x/crypto/pbkdf2 and
// compares them with crypto/hmac.Equal; simplified per spec.md §4.9,
// which has no roles, sessions, or permission granularity beyond
// "authenticated" — a connection either passes CONNECT once or it
// doesn't, and stays authenticated until it closes.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// ErrInvalidCredentials is returned by Verify when the username is
// unknown or the password does not match.
var ErrInvalidCredentials = errors.New("auth: invalid username or password")

const (
	saltLength     = 16
	iterationCount = 100000
	keyLength      = 32
)

// HashPassword derives a PBKDF2-SHA256 key from password under a fresh
// random salt, for storing a new credential in the catalog.
func HashPassword(password string) (salt, hash []byte, err error) {
	salt = make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("auth: generate salt: %w", err)
	}
	hash = pbkdf2.Key([]byte(password), salt, iterationCount, keyLength, sha256.New)
	return salt, hash, nil
}

// Verify checks password against the stored salt/hash pair using a
// constant-time comparison.
func Verify(password string, salt, storedHash []byte) bool {
	candidate := pbkdf2.Key([]byte(password), salt, iterationCount, keyLength, sha256.New)
	return hmac.Equal(candidate, storedHash)
}
