// Package envelope provides authenticated symmetric encryption for secrets at rest.
// Envelopes are "nonce:ciphertext:tag", each field raw standard base64.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required master key length in bytes.
const KeySize = 32

// Supported ciphers.
const (
	CipherAESGCM           = "aes-256-gcm"
	CipherXChaCha20Poly1305 = "xchacha20-poly1305"
)

var (
	// ErrInvalidKeySize is returned at construction for keys that are not KeySize bytes.
	ErrInvalidKeySize = errors.New("envelope: encryption key must be 32 bytes (256 bits)")
	// ErrUnknownCipher is returned for unsupported cipher names.
	ErrUnknownCipher = errors.New("envelope: unknown cipher")
	// ErrDecryption is returned for any malformed or unauthenticated envelope.
	ErrDecryption = errors.New("envelope: decryption failed")
)

var b64 = base64.RawStdEncoding.Strict()

// Service encrypts and decrypts envelopes under a single master key.
type Service struct {
	aead cipher.AEAD
	name string
}

// New builds a Service. An empty cipher name selects AES-256-GCM.
func New(key []byte, cipherName string) (*Service, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	var (
		aead cipher.AEAD
		err  error
	)
	switch cipherName {
	case "", CipherAESGCM:
		cipherName = CipherAESGCM
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("envelope: create cipher: %w", err)
		}
		aead, err = cipher.NewGCM(block)
	case CipherXChaCha20Poly1305:
		aead, err = chacha20poly1305.NewX(key)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCipher, cipherName)
	}
	if err != nil {
		return nil, fmt.Errorf("envelope: create AEAD: %w", err)
	}
	return &Service{aead: aead, name: cipherName}, nil
}

// NewFromBase64 decodes a standard base64 key and calls New.
func NewFromBase64(key, cipherName string) (*Service, error) {
	if key == "" {
		return nil, fmt.Errorf("envelope: encryption key not configured")
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: invalid encryption key format: %w", err)
	}
	return New(raw, cipherName)
}

// Cipher returns the configured cipher name.
func (s *Service) Cipher() string { return s.name }

// Encrypt seals plaintext with a fresh random nonce.
func (s *Service) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("envelope: generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - s.aead.Overhead()
	return b64.EncodeToString(nonce) + ":" + b64.EncodeToString(sealed[:split]) + ":" + b64.EncodeToString(sealed[split:]), nil
}

// EncryptString is Encrypt for string payloads.
func (s *Service) EncryptString(plaintext string) (string, error) {
	return s.Encrypt([]byte(plaintext))
}

// Decrypt opens an envelope. Any structural problem or authentication failure
// yields ErrDecryption and no plaintext.
func (s *Service) Decrypt(envelope string) ([]byte, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 3 {
		return nil, ErrDecryption
	}
	nonce, err := b64.DecodeString(parts[0])
	if err != nil || len(nonce) != s.aead.NonceSize() {
		return nil, ErrDecryption
	}
	ct, err := b64.DecodeString(parts[1])
	if err != nil {
		return nil, ErrDecryption
	}
	tag, err := b64.DecodeString(parts[2])
	if err != nil || len(tag) != s.aead.Overhead() {
		return nil, ErrDecryption
	}
	plaintext, err := s.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// DecryptString is Decrypt for string payloads.
func (s *Service) DecryptString(envelope string) (string, error) {
	b, err := s.Decrypt(envelope)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
