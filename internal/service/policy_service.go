package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/kubilitics/kubilitics-shellgate/internal/audit"
	"github.com/kubilitics/kubilitics-shellgate/internal/models"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/redact"
	"github.com/kubilitics/kubilitics-shellgate/internal/policy"
)

// SystemActor is the audit user for changes not made through the API.
const SystemActor = "system"

// PolicyService applies runtime policy changes and audits each one.
type PolicyService struct {
	manager *policy.Manager
	audit   *audit.Logger
	log     *slog.Logger
}

func NewPolicyService(manager *policy.Manager, auditLog *audit.Logger, log *slog.Logger) *PolicyService {
	return &PolicyService{manager: manager, audit: auditLog, log: log}
}

// Reload rebuilds the command gate and sanitizer from the policy file.
func (s *PolicyService) Reload(ctx context.Context, userID string) (*policy.Summary, error) {
	sum, err := s.manager.Reload()
	return s.finish(ctx, userID, "reload", sum, err)
}

// AddRules appends command rules to the live gate.
func (s *PolicyService) AddRules(ctx context.Context, userID string, rules []policy.Rule) (*policy.Summary, error) {
	sum, err := s.manager.AddRules(rules...)
	return s.finish(ctx, userID, "add_rules", sum, err)
}

// AddPatterns appends redaction patterns to the live sanitizer.
func (s *PolicyService) AddPatterns(ctx context.Context, userID string, patterns []redact.Pattern) (*policy.Summary, error) {
	sum, err := s.manager.AddPatterns(patterns...)
	return s.finish(ctx, userID, "add_patterns", sum, err)
}

func (s *PolicyService) finish(ctx context.Context, userID, op string, sum *policy.Summary, err error) (*policy.Summary, error) {
	e := &models.AuditLogEntry{UserID: userID, Action: models.AuditPolicyChanged}
	if err != nil {
		e.Outcome = audit.OutcomeFailure
		e.Metadata = metadata("op", op, "error", err.Error())
		if aerr := s.audit.Record(ctx, e); aerr != nil {
			return nil, aerr
		}
		s.log.Warn("policy change rejected", "op", op, "user_id", userID, "error", err)
		if errors.Is(err, policy.ErrInvalidPolicy) {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
		}
		return nil, err
	}
	e.Metadata = metadata("op", op,
		"command_rules", strconv.Itoa(sum.CommandRules),
		"redaction_patterns", strconv.Itoa(sum.RedactionPatterns))
	if err := s.audit.Record(ctx, e); err != nil {
		return nil, err
	}
	s.log.Info("policy updated", "op", op, "user_id", userID,
		"command_rules", sum.CommandRules, "redaction_patterns", sum.RedactionPatterns)
	return sum, nil
}
