// Package otp issues and verifies short-lived numeric one-time codes. Only a keyed
// hash of each code is ever handed back for storage.
package otp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
)

const (
	// DefaultLength is the default number of decimal digits in a code.
	DefaultLength = 6
	// DefaultTTL is how long a code stays valid.
	DefaultTTL = 300 * time.Second
	// SecretSize is the number of CSPRNG bytes behind each code.
	SecretSize = 20

	minLength = 4
	maxLength = 9
)

// ErrInvalidLength is returned for code lengths outside 4..9.
var ErrInvalidLength = errors.New("otp: code length must be between 4 and 9")

// Config configures an Engine. Pepper keys the stored hash.
type Config struct {
	Length int
	TTL    time.Duration
	Pepper []byte
}

// Code is a freshly issued one-time code. Code must only travel to the delivery
// channel; Hash is what gets persisted.
type Code struct {
	Code      string
	Hash      string
	ExpiresAt time.Time
}

// Engine generates and verifies one-time codes. Safe for concurrent use.
type Engine struct {
	length int
	ttl    time.Duration
	pepper []byte
	now    func() time.Time
}

// NewEngine validates cfg and returns an Engine. Zero values take the defaults.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Length == 0 {
		cfg.Length = DefaultLength
	}
	if cfg.Length < minLength || cfg.Length > maxLength {
		return nil, ErrInvalidLength
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Engine{
		length: cfg.Length,
		ttl:    cfg.TTL,
		pepper: append([]byte(nil), cfg.Pepper...),
		now:    time.Now,
	}, nil
}

// Length returns the configured number of digits.
func (e *Engine) Length() int { return e.length }

// TTL returns the configured code lifetime.
func (e *Engine) TTL() time.Duration { return e.ttl }

// Generate derives a code from a fresh random secret via HOTP truncation.
func (e *Engine) Generate() (*Code, error) {
	raw := make([]byte, SecretSize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("otp: read random secret: %w", err)
	}
	secret := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
	code, err := hotp.GenerateCodeCustom(secret, 0, hotp.ValidateOpts{
		Digits:    otp.Digits(e.length),
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("otp: derive code: %w", err)
	}
	return &Code{
		Code:      code,
		Hash:      e.Hash(code),
		ExpiresAt: e.now().Add(e.ttl).UTC(),
	}, nil
}

// Hash returns the hex HMAC-SHA256 of code under the engine pepper.
func (e *Engine) Hash(code string) string {
	mac := hmac.New(sha256.New, e.pepper)
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether code matches hash. Codes of the wrong length or with
// non-digit characters are rejected before hashing.
func (e *Engine) Verify(code, hash string) bool {
	if len(code) != e.length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	computed := e.Hash(code)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// IsExpired reports whether expiresAt has been reached at now.
func IsExpired(expiresAt, now time.Time) bool {
	return !now.Before(expiresAt)
}

// TimeRemaining returns the time left until expiresAt, never negative.
func TimeRemaining(expiresAt, now time.Time) time.Duration {
	if d := expiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
