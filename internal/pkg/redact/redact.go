// Package redact strips secrets and PII from text before it reaches users, logs, or
// recorded transcripts. Matching is deliberately over-inclusive.
package redact

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Marker prefixes every replacement. A matched value that is exactly one emitted
// marker, such as "[REDACTED]" or "[REDACTED:jwt]", is not redacted again; any other
// value is, even when it contains the word.
const Marker = "[REDACTED"

var (
	markerRe = regexp.MustCompile(`^\[REDACTED[^\[\]\n]*\]$`)
	groupRef = regexp.MustCompile(`\$\{?([0-9]+)\}?`)
)

const redactedValue = "[REDACTED]"

// Redaction categories.
const (
	CategoryPrivateKey = "private_key"
	CategoryCloud      = "cloud_credentials"
	CategoryToken      = "token"
	CategoryDatabase   = "database"
	CategoryGeneric    = "generic_secret"
	CategoryPII        = "pii"
	CategoryWebhook    = "webhook"
	CategoryRegistry   = "registry_credentials"
)

// Pattern is one redaction rule. Replacement may reference submatches (${1}).
// Validate, when set, must accept a match before it is redacted.
type Pattern struct {
	Name        string                  `yaml:"name" json:"name"`
	Expr        string                  `yaml:"pattern" json:"pattern"`
	Replacement string                  `yaml:"replacement" json:"replacement"`
	Category    string                  `yaml:"category" json:"category"`
	Validate    func(match string) bool `yaml:"-" json:"-"`
}

type compiledPattern struct {
	Pattern
	re *regexp.Regexp
	// kept lists the submatches the replacement copies through; the redacted value
	// starts after the last of them.
	kept []int
}

// Result is the outcome of Filter.
type Result struct {
	Filtered      string   `json:"filtered"`
	RedactedCount int      `json:"redacted_count"`
	Categories    []string `json:"categories,omitempty"`
}

// Sanitizer applies an immutable, ordered pattern table. Safe for concurrent use.
type Sanitizer struct {
	patterns []compiledPattern
}

// NewSanitizer compiles patterns in order.
func NewSanitizer(patterns []Pattern) (*Sanitizer, error) {
	out := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		if p.Expr == "" {
			return nil, fmt.Errorf("redact: pattern %q has empty expression", p.Name)
		}
		re, err := regexp.Compile(p.Expr)
		if err != nil {
			return nil, fmt.Errorf("redact: compile pattern %q: %w", p.Name, err)
		}
		if p.Replacement == "" {
			p.Replacement = redactedValue
		}
		if !strings.Contains(p.Replacement, Marker) {
			return nil, fmt.Errorf("redact: replacement for %q must contain %s", p.Name, Marker)
		}
		if p.Category == "" {
			p.Category = CategoryGeneric
		}
		out = append(out, compiledPattern{Pattern: p, re: re, kept: keptGroups(p.Replacement, re.NumSubexp())})
	}
	return &Sanitizer{patterns: out}, nil
}

// Default returns a Sanitizer over DefaultPatterns.
func Default() *Sanitizer {
	s, err := NewSanitizer(DefaultPatterns())
	if err != nil {
		panic(err)
	}
	return s
}

// Patterns returns a copy of the pattern table.
func (s *Sanitizer) Patterns() []Pattern {
	out := make([]Pattern, len(s.patterns))
	for i, p := range s.patterns {
		out[i] = p.Pattern
	}
	return out
}

// Filter applies every pattern in order against the evolving text.
func (s *Sanitizer) Filter(text string) Result {
	res := Result{Filtered: text}
	if text == "" {
		return res
	}
	seen := map[string]struct{}{}
	for i := range s.patterns {
		p := &s.patterns[i]
		filtered, n := p.apply(res.Filtered)
		if n == 0 {
			continue
		}
		res.Filtered = filtered
		res.RedactedCount += n
		seen[p.Category] = struct{}{}
	}
	for c := range seen {
		res.Categories = append(res.Categories, c)
	}
	slices.Sort(res.Categories)
	return res
}

// ContainsSensitiveInfo reports whether Filter would redact anything.
func (s *Sanitizer) ContainsSensitiveInfo(text string) bool {
	for i := range s.patterns {
		p := &s.patterns[i]
		if !p.re.MatchString(text) {
			continue
		}
		for _, m := range p.re.FindAllStringSubmatchIndex(text, -1) {
			if p.accept(text, m) {
				return true
			}
		}
	}
	return false
}

func keptGroups(replacement string, numSubexp int) []int {
	var out []int
	for _, ref := range groupRef.FindAllStringSubmatch(replacement, -1) {
		n, err := strconv.Atoi(ref[1])
		if err == nil && n > 0 && n <= numSubexp && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}

// value returns the part of match m that the replacement discards.
func (p *compiledPattern) value(text string, m []int) string {
	start := m[0]
	for _, g := range p.kept {
		if m[2*g] >= 0 && m[2*g+1] > start {
			start = m[2*g+1]
		}
	}
	return text[start:m[1]]
}

func isMarker(v string) bool {
	v = strings.TrimSuffix(v, "@")
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		v = v[1 : len(v)-1]
	}
	return markerRe.MatchString(v)
}

func (p *compiledPattern) accept(text string, m []int) bool {
	if isMarker(p.value(text, m)) {
		return false
	}
	return p.Validate == nil || p.Validate(text[m[0]:m[1]])
}

func (p *compiledPattern) apply(text string) (string, int) {
	matches := p.re.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, 0
	}
	var (
		b    strings.Builder
		last int
		n    int
	)
	for _, m := range matches {
		if !p.accept(text, m) {
			continue
		}
		b.WriteString(text[last:m[0]])
		b.Write(p.re.ExpandString(nil, p.Replacement, text, m))
		last = m[1]
		n++
	}
	if n == 0 {
		return text, 0
	}
	b.WriteString(text[last:])
	return b.String(), n
}

// Store holds the active Sanitizer. Readers never block; AddPatterns and Swap install
// a new immutable Sanitizer.
type Store struct {
	mu  sync.Mutex
	cur atomic.Pointer[Sanitizer]
}

// NewStore returns a Store serving s.
func NewStore(s *Sanitizer) *Store {
	st := &Store{}
	st.cur.Store(s)
	return st
}

// Current returns the active Sanitizer.
func (st *Store) Current() *Sanitizer { return st.cur.Load() }

// Filter delegates to the active Sanitizer.
func (st *Store) Filter(text string) Result { return st.cur.Load().Filter(text) }

// ContainsSensitiveInfo delegates to the active Sanitizer.
func (st *Store) ContainsSensitiveInfo(text string) bool {
	return st.cur.Load().ContainsSensitiveInfo(text)
}

// AddPatterns appends patterns after the current table. On error the active
// Sanitizer is left untouched.
func (st *Store) AddPatterns(patterns ...Pattern) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	next, err := NewSanitizer(append(st.cur.Load().Patterns(), patterns...))
	if err != nil {
		return err
	}
	st.cur.Store(next)
	return nil
}

// Swap replaces the active Sanitizer with s.
func (st *Store) Swap(s *Sanitizer) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cur.Store(s)
}

var sensitiveKeyRe = regexp.MustCompile(`(?i)(password|passwd|secret|token|api[_-]?key|access[_-]?key|private[_-]?key|credential|auth)`)

// EnvMap redacts values of env (in place) whose key names look sensitive. Key names are
// kept so readers know which variables existed.
func EnvMap(env map[string]string) {
	for k := range env {
		if sensitiveKeyRe.MatchString(k) {
			env[k] = redactedValue
		}
	}
}
