// Package identity hashes client network identities so trust decisions never need the
// raw address. There is no reverse lookup; equality is the only operation.
package identity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"strings"
)

// Unknown is used when no client address can be determined.
const Unknown = "unknown"

// ErrEmptySalt is returned when the hasher is built without a salt.
var ErrEmptySalt = errors.New("identity: salt must not be empty")

// Hasher computes salted one-way digests of client identities.
type Hasher struct {
	salt string
}

// NewHasher returns a Hasher keyed by the process-wide salt.
func NewHasher(salt string) (*Hasher, error) {
	if salt == "" {
		return nil, ErrEmptySalt
	}
	return &Hasher{salt: salt}, nil
}

// Hash returns hex(SHA-256(ip + salt)).
func (h *Hasher) Hash(ip string) string {
	sum := sha256.Sum256([]byte(ip + h.salt))
	return hex.EncodeToString(sum[:])
}

// Equal compares two identity hashes in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Contains reports whether hash is one of trusted. Every entry is compared.
func Contains(trusted []string, hash string) bool {
	found := 0
	for _, t := range trusted {
		found |= subtle.ConstantTimeCompare([]byte(t), []byte(hash))
	}
	return found == 1
}

// ClientIP extracts the client address from a request: first X-Forwarded-For hop,
// then X-Real-IP, then the transport address, else Unknown.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		return xr
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return Unknown
}
