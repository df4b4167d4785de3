package security

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Cryptographic errors
var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
	ErrWeakKey             = errors.New("security: key is too weak")
	ErrInvalidKeySize      = errors.New("security: invalid key size")
)

// MinKeySize is the minimum allowed key size in bytes.
const MinKeySize = 16 // 128 bits

// ChallengeSecretSize is the amount of fresh entropy behind each derived
// challenge message.
const ChallengeSecretSize = 64

// GenerateSecureRandom fills data from random, or from crypto/rand when
// random is nil.
func GenerateSecureRandom(random io.Reader, data []byte) error {
	if random == nil {
		random = rand.Reader
	}
	n, err := io.ReadFull(random, data)
	if err != nil {
		return fmt.Errorf("%w: only got %d of %d bytes: %v", ErrInsufficientEntropy, n, len(data), err)
	}
	return nil
}

// DeriveKey derives keySize bytes from masterKey using HKDF-SHA-512.
func DeriveKey(masterKey, salt, info []byte, keySize int) ([]byte, error) {
	if len(masterKey) < MinKeySize {
		return nil, fmt.Errorf("%w: master key is %d bytes, minimum %d required",
			ErrWeakKey, len(masterKey), MinKeySize)
	}
	if keySize < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	reader := hkdf.New(sha512.New, masterKey, salt, info)

	derived := make([]byte, keySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return derived, nil
}

// DeriveChallengeMessage returns an unpredictable challenge message of size
// bytes bound to identity. Each call draws ChallengeSecretSize bytes of
// fresh entropy, so two messages for the same identity are unrelated.
func DeriveChallengeMessage(random io.Reader, identity string, size int) ([]byte, error) {
	secret := make([]byte, ChallengeSecretSize)
	defer Wipe(secret)

	if err := GenerateSecureRandom(random, secret); err != nil {
		return nil, err
	}

	info := []byte("silentauth:challenge:" + identity)
	return DeriveKey(secret, nil, info, size)
}

// SecureCompare performs a constant-time comparison of two byte slices.
// Slices of different length compare unequal; only the length is leaked.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
