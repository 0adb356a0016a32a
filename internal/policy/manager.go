package policy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/redact"
)

// ErrInvalidPolicy wraps rules, patterns or policy files that fail to compile or decode.
var ErrInvalidPolicy = errors.New("invalid policy")

// Summary describes the tables in force after a change.
type Summary struct {
	Path              string `json:"path,omitempty"`
	CommandRules      int    `json:"command_rules"`
	RedactionPatterns int    `json:"redaction_patterns"`
	CaseInsensitive   bool   `json:"command_case_insensitive"`
}

// Manager owns runtime changes to the live gate and sanitizer. Reload rebuilds both
// from the defaults plus the policy file, dropping rules added since the last load.
type Manager struct {
	mu              sync.Mutex
	path            string
	caseInsensitive bool
	gates           *GateStore
	redactor        *redact.Store
}

// NewManager returns a Manager for the stores. An empty path reloads the defaults only.
func NewManager(path string, caseInsensitive bool, gates *GateStore, redactor *redact.Store) *Manager {
	return &Manager{path: path, caseInsensitive: caseInsensitive, gates: gates, redactor: redactor}
}

// Reload re-reads the policy file and swaps in freshly built tables. On error the
// live tables are left untouched.
func (m *Manager) Reload() (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pf *File
	if m.path != "" {
		var err error
		if pf, err = LoadFile(m.path); err != nil {
			return nil, err
		}
	}
	gate, sanitizer, err := Build(pf, m.caseInsensitive)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	m.gates.Swap(gate)
	m.redactor.Swap(sanitizer)
	return m.summary(), nil
}

// AddRules appends command rules to the live gate.
func (m *Manager) AddRules(rules ...Rule) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: no rules", ErrInvalidPolicy)
	}
	if err := m.gates.AddRules(rules...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return m.summary(), nil
}

// AddPatterns appends redaction patterns to the live sanitizer.
func (m *Manager) AddPatterns(patterns ...redact.Pattern) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(patterns) == 0 {
		return nil, fmt.Errorf("%w: no patterns", ErrInvalidPolicy)
	}
	if err := m.redactor.AddPatterns(patterns...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return m.summary(), nil
}

func (m *Manager) summary() *Summary {
	cfg := m.gates.Gate().Config()
	return &Summary{
		Path:              m.path,
		CommandRules:      len(cfg.Rules),
		RedactionPatterns: len(m.redactor.Current().Patterns()),
		CaseInsensitive:   cfg.CaseInsensitive,
	}
}
