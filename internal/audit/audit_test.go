package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-shellgate/internal/models"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/logger"
)

type memStore struct {
	entries []*models.AuditLogEntry
	err     error
}

func (m *memStore) CreateAuditLog(_ context.Context, e *models.AuditLogEntry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func TestRecord_StoresAndMirrors(t *testing.T) {
	store := &memStore{}
	var buf bytes.Buffer
	l := NewWithWriter(store, &buf)

	s := &models.Session{ID: "s1", UserID: "alice", ClusterID: "c1", Namespace: "default", Pod: "web-0", IdentityHash: "h"}
	e := SessionEntry(s, models.AuditExecBlocked, OutcomeDenied)
	cmd := "rm -rf /"
	e.Command = &cmd

	ctx := logger.WithRequestID(context.Background(), "req-1")
	require.NoError(t, l.Record(ctx, e))
	require.Len(t, store.entries, 1)
	assert.False(t, store.entries[0].Timestamp.IsZero())

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "audit", line["msg"])
	assert.Equal(t, models.AuditExecBlocked, line["action"])
	assert.Equal(t, "rm -rf /", line["command"])
	assert.Equal(t, "s1", line["session_id"])
	assert.Equal(t, "req-1", line["request_id"])
}

func TestRecord_StoreFailureIsReturnedAndNotMirroredAsAudit(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	var buf bytes.Buffer
	l := NewWithWriter(store, &buf)

	err := l.Record(context.Background(), &models.AuditLogEntry{UserID: "alice", Action: models.AuditSessionKilled})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, buf.String(), "audit write failed")
	assert.NotContains(t, buf.String(), `"msg":"audit"`)
}

func TestRecord_DefaultsOutcome(t *testing.T) {
	store := &memStore{}
	l := NewWithWriter(store, &bytes.Buffer{})
	require.NoError(t, l.Record(context.Background(), &models.AuditLogEntry{UserID: "alice", Action: models.AuditSessionStarted}))
	assert.Equal(t, OutcomeSuccess, store.entries[0].Outcome)
	assert.NoError(t, l.Close())
}

func TestNew_RotatingFile(t *testing.T) {
	path := t.TempDir() + "/audit.log"
	l := New(&memStore{}, Config{Path: path, MaxSizeMB: 1})
	require.NoError(t, l.Record(context.Background(), &models.AuditLogEntry{UserID: "alice", Action: models.AuditSessionStarted}))
	require.NoError(t, l.Close())
}
