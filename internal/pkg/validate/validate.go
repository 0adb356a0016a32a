// Package validate provides input validation for request fields before they reach the session core.
package validate

import (
	"net/mail"
	"regexp"
	"strings"
	"unicode"
)

// ClusterIDMaxLen is the maximum allowed length for clusterId (stored in DB, used in paths).
const ClusterIDMaxLen = 128

// UserIDMaxLen bounds caller identities forwarded by the chat glue.
const UserIDMaxLen = 256

// K8s name regex: DNS subdomain (RFC 1123), lowercase alphanumeric, '-' or '.', max 253 for namespace/name.
var k8sNameRe = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?(\.[a-z0-9]([-a-z0-9]*[a-z0-9])?)*$`)

// Container names are DNS labels.
var k8sLabelRe = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// Shells are absolute paths without spaces or shell metacharacters.
var shellRe = regexp.MustCompile(`^/[A-Za-z0-9._/-]{1,127}$`)

// ClusterID validates clusterId from path: alphanumeric, hyphen, underscore; 1–ClusterIDMaxLen.
func ClusterID(id string) bool {
	if id == "" || len(id) > ClusterIDMaxLen {
		return false
	}
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			continue
		}
		return false
	}
	return true
}

// Namespace validates namespace: empty (cluster-scoped) or valid DNS subdomain.
func Namespace(ns string) bool {
	if ns == "" {
		return true
	}
	if len(ns) > 253 {
		return false
	}
	return k8sNameRe.MatchString(ns)
}

// Name validates resource name: valid DNS subdomain.
func Name(name string) bool {
	if name == "" || len(name) > 253 {
		return false
	}
	return k8sNameRe.MatchString(name)
}

// Container validates an optional container name.
func Container(name string) bool {
	if name == "" {
		return true
	}
	return len(name) <= 63 && k8sLabelRe.MatchString(name)
}

// Shell validates the interactive shell path, e.g. /bin/sh.
func Shell(path string) bool {
	if !shellRe.MatchString(path) {
		return false
	}
	return !strings.Contains(path, "..")
}

// UserID validates a caller identity: printable, no whitespace, 1–UserIDMaxLen.
func UserID(id string) bool {
	if id == "" || len(id) > UserIDMaxLen {
		return false
	}
	for _, r := range id {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// ContactAddress validates an out-of-band delivery address (e-mail form).
func ContactAddress(addr string) bool {
	if addr == "" || len(addr) > 320 {
		return false
	}
	parsed, err := mail.ParseAddress(addr)
	return err == nil && parsed.Address == addr
}

// OTPCode validates that code is exactly length decimal digits.
func OTPCode(code string, length int) bool {
	if len(code) != length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
