package service

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-shellgate/internal/audit"
	"github.com/kubilitics/kubilitics-shellgate/internal/models"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/logger"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/redact"
	"github.com/kubilitics/kubilitics-shellgate/internal/policy"
	"github.com/kubilitics/kubilitics-shellgate/internal/repository"
	"github.com/kubilitics/kubilitics-shellgate/migrations"
)

func newPolicyService(t *testing.T, path string) (*PolicyService, *policy.GateStore, *redact.Store, *repository.SQLRepository) {
	t.Helper()
	repo, err := repository.New(repository.DriverSQLite, ":memory:")
	require.NoError(t, err)
	require.NoError(t, repo.Migrate(migrations.FS))
	t.Cleanup(func() { _ = repo.Close() })

	gate, san, err := policy.Build(nil, false)
	require.NoError(t, err)
	gates := policy.NewGateStore(gate)
	redactor := redact.NewStore(san)
	svc := NewPolicyService(policy.NewManager(path, false, gates, redactor), audit.NewWithWriter(repo, io.Discard), logger.Discard())
	return svc, gates, redactor, repo
}

func policyAudit(t *testing.T, repo *repository.SQLRepository) []*models.AuditLogEntry {
	t.Helper()
	action := models.AuditPolicyChanged
	entries, err := repo.ListAuditLog(context.Background(), models.AuditLogFilter{Action: &action})
	require.NoError(t, err)
	return entries
}

func TestPolicyService_ReloadAppliesFileAndAudits(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`command_rules:
  - pattern: "kubectl drain"
    reason: "node drain"
redaction_patterns:
  - name: ticket
    pattern: "TICKET-[0-9]+"
`), 0o600))
	svc, gates, redactor, repo := newPolicyService(t, path)
	assert.True(t, gates.Validate("kubectl drain node-1").Allowed)

	sum, err := svc.Reload(ctx, SystemActor)
	require.NoError(t, err)
	assert.Equal(t, len(policy.DefaultRules())+1, sum.CommandRules)
	assert.False(t, gates.Validate("kubectl drain node-1").Allowed)
	assert.Equal(t, "see [REDACTED]", redactor.Filter("see TICKET-9").Filtered)

	entries := policyAudit(t, repo)
	require.Len(t, entries, 1)
	assert.Equal(t, SystemActor, entries[0].UserID)
	assert.Equal(t, audit.OutcomeSuccess, entries[0].Outcome)
	assert.Contains(t, entries[0].Metadata, `"op":"reload"`)
}

func TestPolicyService_InvalidChangeIsRejectedAndAudited(t *testing.T) {
	ctx := context.Background()
	svc, gates, _, repo := newPolicyService(t, "")
	live := gates.Gate()

	_, err := svc.AddRules(ctx, "alice", []policy.Rule{{Pattern: "(", Regex: true, Reason: "broken"}})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
	assert.Same(t, live, gates.Gate())

	_, err = svc.AddPatterns(ctx, "alice", nil)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	entries := policyAudit(t, repo)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, audit.OutcomeFailure, e.Outcome)
		assert.Equal(t, "alice", e.UserID)
	}
}

func TestPolicyService_AddRulesTakesEffect(t *testing.T) {
	ctx := context.Background()
	svc, gates, redactor, repo := newPolicyService(t, "")

	_, err := svc.AddRules(ctx, "alice", []policy.Rule{{Pattern: "kubectl cordon", Reason: "node cordon"}})
	require.NoError(t, err)
	d := gates.Validate("kubectl cordon node-2")
	assert.False(t, d.Allowed)
	assert.Equal(t, "node cordon", d.Reason)

	_, err = svc.AddPatterns(ctx, "alice", []redact.Pattern{{Name: "ticket", Expr: `TICKET-[0-9]+`}})
	require.NoError(t, err)
	assert.True(t, redactor.ContainsSensitiveInfo("TICKET-1"))
	assert.Len(t, policyAudit(t, repo), 2)
}
