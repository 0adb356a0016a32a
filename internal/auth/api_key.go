// Package auth verifies the API key presented by the trusted glue in front of the gateway.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix marks generated gateway keys.
const KeyPrefix = "sg_"

const bcryptCost = 12

// GenerateAPIKey returns a new random key (shown once) and its bcrypt hash for
// the api_key_hash setting.
func GenerateAPIKey() (plaintext string, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	plaintext = KeyPrefix + base64.RawURLEncoding.EncodeToString(b)
	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcryptCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return plaintext, string(h), nil
}

// CheckAPIKey returns nil if plaintext matches the bcrypt hash.
func CheckAPIKey(hash, plaintext string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
}

// KeyVerifier accepts a bearer key matching either a plaintext key or a bcrypt hash.
// Keys that passed the bcrypt check are remembered by SHA-256 digest so the hash
// comparison runs once per distinct key.
type KeyVerifier struct {
	plain []byte
	hash  string

	mu       sync.Mutex
	accepted map[[sha256.Size]byte]struct{}
}

// NewKeyVerifier returns a verifier; with both arguments empty it is disabled.
func NewKeyVerifier(plain, hash string) *KeyVerifier {
	return &KeyVerifier{
		plain:    []byte(plain),
		hash:     hash,
		accepted: make(map[[sha256.Size]byte]struct{}),
	}
}

// Enabled reports whether any key is configured.
func (v *KeyVerifier) Enabled() bool {
	return len(v.plain) > 0 || v.hash != ""
}

// Verify reports whether token is an accepted key.
func (v *KeyVerifier) Verify(token string) bool {
	if token == "" {
		return false
	}
	if len(v.plain) > 0 && subtle.ConstantTimeCompare([]byte(token), v.plain) == 1 {
		return true
	}
	if v.hash == "" {
		return false
	}
	digest := sha256.Sum256([]byte(token))
	v.mu.Lock()
	_, ok := v.accepted[digest]
	v.mu.Unlock()
	if ok {
		return true
	}
	if CheckAPIKey(v.hash, token) != nil {
		return false
	}
	v.mu.Lock()
	v.accepted[digest] = struct{}{}
	v.mu.Unlock()
	return true
}
