package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var ErrDecryptionFailed = errors.New("crypto: decryption failed")

const saltSize = 16

// DeriveKey stretches a passphrase into a XChaCha20-Poly1305 key with Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
}

// Seal encrypts plaintext under passphrase.
// Output layout: [salt(16) | nonce(24) | ciphertext+tag]
func Seal(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, salt), nil
}

// Open reverses Seal. Any tampering or a wrong passphrase yields
// ErrDecryptionFailed.
func Open(passphrase string, sealed []byte) ([]byte, error) {
	if len(sealed) < saltSize+chacha20poly1305.NonceSizeX {
		return nil, ErrDecryptionFailed
	}
	salt := sealed[:saltSize]
	nonce := sealed[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	aead, err := chacha20poly1305.NewX(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, sealed[saltSize+len(nonce):], salt)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
