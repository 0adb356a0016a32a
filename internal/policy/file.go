package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/redact"
)

// File is the operator policy file. Its entries are appended after the built-in
// tables, so built-in rules keep precedence.
type File struct {
	CommandCaseInsensitive *bool            `yaml:"command_case_insensitive,omitempty"`
	CommandRules           []Rule           `yaml:"command_rules"`
	RedactionPatterns      []redact.Pattern `yaml:"redaction_patterns"`
}

// LoadFile reads and decodes a policy file. Unknown keys are rejected.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("policy: open %s: %w", path, err)
	}
	defer f.Close()

	var pf File
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("policy: decode %s: %w: %v", path, ErrInvalidPolicy, err)
	}
	return &pf, nil
}

// Build returns a Gate and Sanitizer over the defaults plus any policy file entries.
// pf may be nil.
func Build(pf *File, caseInsensitive bool) (*Gate, *redact.Sanitizer, error) {
	rules := DefaultRules()
	patterns := redact.DefaultPatterns()
	if pf != nil {
		rules = append(rules, pf.CommandRules...)
		patterns = append(patterns, pf.RedactionPatterns...)
		if pf.CommandCaseInsensitive != nil {
			caseInsensitive = *pf.CommandCaseInsensitive
		}
	}
	gate, err := NewGate(GateConfig{Rules: rules, CaseInsensitive: caseInsensitive})
	if err != nil {
		return nil, nil, err
	}
	sanitizer, err := redact.NewSanitizer(patterns)
	if err != nil {
		return nil, nil, err
	}
	return gate, sanitizer, nil
}
