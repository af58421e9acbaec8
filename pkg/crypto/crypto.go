// Package crypto provides secrets, password hashing and token fingerprints.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
)

var ErrPasswordMismatch = errors.New("crypto: password mismatch")

// MinSecretBytes is the shortest signing secret GenerateSecret will produce.
const MinSecretBytes = 32

// GenerateSecret returns n random bytes hex-encoded, for HMAC signing keys.
func GenerateSecret(n int) (string, error) {
	if n < MinSecretBytes {
		n = MinSecretBytes
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("crypto: generate secret: %w", err)
	}
	return fmt.Sprintf("%x", b), nil
}

// HashToken hashes a raw token string with SHA-256.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", h[:])
}

// Fingerprint is a short, log-safe identifier for a bearer token.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	return HashToken(token)[:12]
}

// HashPassword hashes a password with bcrypt at the default cost.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("crypto: hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword compares a bcrypt hash with a candidate password.
func CheckPassword(hash, password string) error {
	if hash == "" {
		return ErrPasswordMismatch
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrPasswordMismatch
	}
	return nil
}
