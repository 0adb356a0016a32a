// Package policy implements admission control for shell commands and loads the
// operator policy file that extends the built-in rule tables.
package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	DefaultMaxPipes      = 3
	DefaultMaxSemicolons = 3
	DefaultMaxMetachars  = 5
)

// shellMetachars are counted by the structural heuristic.
const shellMetachars = ";&|`$()<>"

// ErrEmptyCommand is the reason given for blank commands.
var ErrEmptyCommand = errors.New("empty command")

// Rule blocks a command when Pattern matches. Pattern is a literal substring unless
// Regex is set.
type Rule struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Regex   bool   `yaml:"regex" json:"regex"`
	Reason  string `yaml:"reason" json:"reason"`
}

// GateConfig configures a Gate. Zero heuristic limits take the defaults.
type GateConfig struct {
	Rules           []Rule
	CaseInsensitive bool
	MaxPipes        int
	MaxSemicolons   int
	MaxMetachars    int
}

// Decision is the result of Validate. Rule is the offending pattern, or the
// heuristic name when a structural limit tripped.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Rule    string `json:"rule,omitempty"`
}

type compiledRule struct {
	Rule
	literal string
	re      *regexp.Regexp
}

// Gate evaluates commands against an immutable rule table. Safe for concurrent use.
type Gate struct {
	cfg   GateConfig
	rules []compiledRule
}

// NewGate compiles cfg.Rules in order.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.MaxPipes <= 0 {
		cfg.MaxPipes = DefaultMaxPipes
	}
	if cfg.MaxSemicolons <= 0 {
		cfg.MaxSemicolons = DefaultMaxSemicolons
	}
	if cfg.MaxMetachars <= 0 {
		cfg.MaxMetachars = DefaultMaxMetachars
	}
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for i, r := range cfg.Rules {
		if r.Pattern == "" {
			return nil, fmt.Errorf("policy: rule %d has empty pattern", i)
		}
		if r.Reason == "" {
			return nil, fmt.Errorf("policy: rule %q has no reason", r.Pattern)
		}
		cr := compiledRule{Rule: r}
		if r.Regex {
			expr := r.Pattern
			if cfg.CaseInsensitive {
				expr = "(?i)" + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("policy: compile rule %q: %w", r.Pattern, err)
			}
			cr.re = re
		} else {
			cr.literal = r.Pattern
			if cfg.CaseInsensitive {
				cr.literal = strings.ToLower(r.Pattern)
			}
		}
		rules = append(rules, cr)
	}
	cfg.Rules = append([]Rule(nil), cfg.Rules...)
	return &Gate{cfg: cfg, rules: rules}, nil
}

// DefaultGate returns a case-sensitive Gate over DefaultRules.
func DefaultGate() *Gate {
	g, err := NewGate(GateConfig{Rules: DefaultRules()})
	if err != nil {
		panic(err)
	}
	return g
}

// Config returns a copy of the configuration the gate was built from.
func (g *Gate) Config() GateConfig {
	cfg := g.cfg
	cfg.Rules = append([]Rule(nil), g.cfg.Rules...)
	return cfg
}

// Validate trims cmd and returns the first matching rule in table order, then the
// structural heuristics. Callers should Sanitize first.
func (g *Gate) Validate(cmd string) Decision {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return Decision{Reason: ErrEmptyCommand.Error(), Rule: "empty"}
	}
	subject := cmd
	if g.cfg.CaseInsensitive {
		subject = strings.ToLower(cmd)
	}
	for _, r := range g.rules {
		if r.re != nil {
			if r.re.MatchString(cmd) {
				return Decision{Reason: r.Reason, Rule: r.Pattern}
			}
			continue
		}
		if strings.Contains(subject, r.literal) {
			return Decision{Reason: r.Reason, Rule: r.Pattern}
		}
	}
	if n := strings.Count(cmd, "|"); n > g.cfg.MaxPipes {
		return Decision{Reason: fmt.Sprintf("too many pipes (%d > %d)", n, g.cfg.MaxPipes), Rule: "max_pipes"}
	}
	if n := strings.Count(cmd, ";"); n > g.cfg.MaxSemicolons {
		return Decision{Reason: fmt.Sprintf("too many chained commands (%d > %d)", n, g.cfg.MaxSemicolons), Rule: "max_semicolons"}
	}
	if n := countMetachars(cmd); n > g.cfg.MaxMetachars {
		return Decision{Reason: fmt.Sprintf("too many shell metacharacters (%d > %d)", n, g.cfg.MaxMetachars), Rule: "max_metachars"}
	}
	return Decision{Allowed: true}
}

func countMetachars(cmd string) int {
	n := 0
	for i := 0; i < len(cmd); i++ {
		if strings.IndexByte(shellMetachars, cmd[i]) >= 0 {
			n++
		}
	}
	return n
}

// Sanitize strips NUL bytes and collapses runs of whitespace. It normalizes input for
// Validate and is not a security boundary by itself.
func Sanitize(cmd string) string {
	cmd = strings.ReplaceAll(cmd, "\x00", "")
	return strings.Join(strings.Fields(cmd), " ")
}

// GateStore holds the active Gate. Readers never block; AddRules and Swap install a
// new immutable Gate.
type GateStore struct {
	mu  sync.Mutex
	cur atomic.Pointer[Gate]
}

// NewGateStore returns a store serving g.
func NewGateStore(g *Gate) *GateStore {
	s := &GateStore{}
	s.cur.Store(g)
	return s
}

// Gate returns the active Gate.
func (s *GateStore) Gate() *Gate { return s.cur.Load() }

// Validate delegates to the active Gate.
func (s *GateStore) Validate(cmd string) Decision { return s.cur.Load().Validate(cmd) }

// AddRules appends rules after the current table. On error the active Gate is left
// untouched.
func (s *GateStore) AddRules(rules ...Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cur.Load().Config()
	cfg.Rules = append(cfg.Rules, rules...)
	next, err := NewGate(cfg)
	if err != nil {
		return err
	}
	s.cur.Store(next)
	return nil
}

// Swap replaces the active Gate with g.
func (s *GateStore) Swap(g *Gate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Store(g)
}
