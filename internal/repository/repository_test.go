package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-shellgate/internal/models"
	"github.com/kubilitics/kubilitics-shellgate/migrations"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()
	repo, err := New(DriverSQLite, ":memory:")
	require.NoError(t, err)
	require.NoError(t, repo.Migrate(migrations.FS))
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func seedSession(t *testing.T, repo *SQLRepository, userID string, status models.SessionStatus) *models.Session {
	t.Helper()
	ctx := context.Background()
	_, err := repo.GetOrCreateUser(ctx, userID)
	require.NoError(t, err)
	s := &models.Session{
		UserID:         userID,
		ClusterID:      "c1",
		Namespace:      "default",
		Pod:            "web-0",
		Shell:          "/bin/sh",
		Status:         status,
		IdentityHash:   "hash-a",
		TokenExpiresAt: time.Now().Add(10 * time.Minute),
	}
	require.NoError(t, repo.CreateSession(ctx, s))
	return s
}

func TestNew_UnsupportedDriver(t *testing.T) {
	_, err := New("mysql", "x")
	assert.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	repo := newTestRepo(t)
	assert.NoError(t, repo.Migrate(migrations.FS))
	assert.NoError(t, repo.Ping(context.Background()))
}

func TestUsers(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	u, err := repo.GetOrCreateUser(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, u.Verified)
	assert.Nil(t, u.ContactAddress)
	assert.Empty(t, u.TrustedIdentities)

	again, err := repo.GetOrCreateUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, again.ID)

	require.NoError(t, repo.UpdateUserContact(ctx, "alice", "alice@example.com", true))
	require.NoError(t, repo.AddTrustedIdentity(ctx, "alice", "h1"))
	require.NoError(t, repo.AddTrustedIdentity(ctx, "alice", "h2"))
	require.NoError(t, repo.AddTrustedIdentity(ctx, "alice", "h1"))
	at := time.Now()
	require.NoError(t, repo.MarkUserVerified(ctx, "alice", at))

	u, err = repo.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, u.HasVerifiedContact())
	assert.Equal(t, []string{"h1", "h2"}, u.TrustedIdentities)
	require.NotNil(t, u.LastVerifiedAt)
	assert.WithinDuration(t, at, *u.LastVerifiedAt, time.Second)

	_, err = repo.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.UpdateUserContact(ctx, "nobody", "x@example.com", true), ErrNotFound)
}

func TestClusterCredentials(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	_, err := repo.GetOrCreateUser(ctx, "alice")
	require.NoError(t, err)

	c := &models.ClusterCredential{Name: "prod", OwnerID: "alice", EncryptedKubeconfig: "n:c:t"}
	require.NoError(t, repo.CreateClusterCredential(ctx, c))
	assert.NotEmpty(t, c.ID)

	got, err := repo.GetClusterCredential(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "n:c:t", got.EncryptedKubeconfig)

	list, err := repo.ListClusterCredentials(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.Error(t, repo.CreateClusterCredential(ctx, &models.ClusterCredential{Name: "prod", OwnerID: "alice", EncryptedKubeconfig: "x"}))

	assert.ErrorIs(t, repo.DeleteClusterCredential(ctx, c.ID, "mallory"), ErrNotFound)
	require.NoError(t, repo.DeleteClusterCredential(ctx, c.ID, "alice"))
	_, err = repo.GetClusterCredential(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessions_StateMachine(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	s := seedSession(t, repo, "alice", models.SessionPendingOTP)

	assert.ErrorIs(t, repo.ActivateSession(ctx, s.ID, "other-hash", "tok", time.Now().Add(time.Hour)), ErrConflict)
	require.NoError(t, repo.ActivateSession(ctx, s.ID, "hash-a", "tok", time.Now().Add(time.Hour)))
	assert.ErrorIs(t, repo.ActivateSession(ctx, s.ID, "hash-a", "tok", time.Now().Add(time.Hour)), ErrConflict)

	got, err := repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, got.Status)
	assert.Equal(t, "tok", got.TokenCiphertext)
	assert.Nil(t, got.EndedAt)

	n, err := repo.IncrementCommandCount(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, repo.TransitionSession(ctx, s.ID, models.SessionActive, models.SessionKilled, time.Now()))
	assert.ErrorIs(t, repo.TransitionSession(ctx, s.ID, models.SessionActive, models.SessionEnded, time.Now()), ErrConflict)

	got, err = repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionKilled, got.Status)
	assert.NotNil(t, got.EndedAt)

	_, err = repo.IncrementCommandCount(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessions_ConcurrentTransitionHasOneWinner(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	s := seedSession(t, repo, "alice", models.SessionActive)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if repo.TransitionSession(ctx, s.ID, models.SessionActive, models.SessionKilled, time.Now()) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestSessions_ListAndExpirePending(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	pending := seedSession(t, repo, "alice", models.SessionPendingOTP)
	active := seedSession(t, repo, "alice", models.SessionActive)
	seedSession(t, repo, "bob", models.SessionActive)

	list, err := repo.ListSessions(ctx, models.SessionFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = repo.ListSessions(ctx, models.SessionFilter{Status: models.SessionActive})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	ids, err := repo.ExpirePendingSessions(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{pending.ID}, ids)

	got, err := repo.GetSession(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, got.Status)
	got, err = repo.GetSession(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, got.Status)
}

func TestChallenges(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	s1 := seedSession(t, repo, "alice", models.SessionPendingOTP)
	s2 := seedSession(t, repo, "alice", models.SessionPendingOTP)

	_, err := repo.LatestUnconsumedChallenge(ctx, "alice", "")
	assert.ErrorIs(t, err, ErrNotFound)

	c1 := &models.OTPChallenge{UserID: "alice", SessionID: s1.ID, CodeHash: "h1", IdentityHash: "hash-a", ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, repo.CreateChallenge(ctx, c1))
	time.Sleep(2 * time.Millisecond)
	c2 := &models.OTPChallenge{UserID: "alice", SessionID: s2.ID, CodeHash: "h2", IdentityHash: "hash-a", ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, repo.CreateChallenge(ctx, c2))

	latest, err := repo.LatestUnconsumedChallenge(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, c2.ID, latest.ID)

	scoped, err := repo.LatestUnconsumedChallenge(ctx, "alice", s1.ID)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, scoped.ID)

	n, err := repo.IncrementChallengeAttempts(ctx, c2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, repo.ConsumeChallenge(ctx, c2.ID))
	assert.ErrorIs(t, repo.ConsumeChallenge(ctx, c2.ID), ErrConflict)

	latest, err = repo.LatestUnconsumedChallenge(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, latest.ID)

	removed, err := repo.DeleteExpiredChallenges(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}

func TestRecordings_FramesAndFinalize(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	s := seedSession(t, repo, "alice", models.SessionActive)

	rec := &models.Recording{SessionID: s.ID, UserID: "alice", ClusterID: "c1", Namespace: "default", Pod: "web-0",
		Shell: "/bin/sh", Width: 80, Height: 24, Env: map[string]string{"TERM": "xterm"}, StartedAt: time.Now()}
	require.NoError(t, repo.CreateRecording(ctx, rec))

	sess, err := repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, sess.RecordingID)
	assert.Equal(t, rec.ID, *sess.RecordingID)

	exit := 0
	frames := []*models.Frame{
		{RecordingID: rec.ID, OffsetMs: 0, Kind: models.FrameInput, Payload: "ls\n"},
		{RecordingID: rec.ID, OffsetMs: 500, Kind: models.FrameOutput, Payload: "file.txt\n", ExitCode: &exit},
		{RecordingID: rec.ID, OffsetMs: 900, Kind: models.FrameSystem, Payload: "resize"},
	}
	for _, f := range frames {
		require.NoError(t, repo.AppendFrame(ctx, f, 10))
	}
	assert.Equal(t, []int{1, 2, 3}, []int{frames[0].Seq, frames[1].Seq, frames[2].Seq})

	sess, err = repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.CommandCount)

	got, err := repo.ListFrames(ctx, rec.ID, FrameQuery{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.NotNil(t, got[1].ExitCode)

	from, to := int64(100), int64(800)
	got, err = repo.ListFrames(ctx, rec.ID, FrameQuery{FromMs: &from, ToMs: &to})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "file.txt\n", got[0].Payload)

	got, err = repo.ListFrames(ctx, rec.ID, FrameQuery{Kinds: []models.FrameKind{models.FrameInput, models.FrameSystem}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.FrameInput, got[0].Kind)

	exp := time.Now().Add(time.Hour)
	require.NoError(t, repo.FinalizeRecording(ctx, rec.ID, time.Now(), 900, &exp))
	assert.ErrorIs(t, repo.FinalizeRecording(ctx, rec.ID, time.Now(), 900, &exp), ErrConflict)
	assert.ErrorIs(t, repo.AppendFrame(ctx, &models.Frame{RecordingID: rec.ID, Kind: models.FrameOutput}, 1), ErrRecordingClosed)
	assert.ErrorIs(t, repo.AppendFrame(ctx, &models.Frame{RecordingID: "missing", Kind: models.FrameOutput}, 1), ErrNotFound)

	loaded, err := repo.GetRecording(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.FrameCount)
	assert.Equal(t, int64(30), loaded.SizeBytes)
	assert.Equal(t, int64(900), loaded.DurationMs)
	assert.Equal(t, "xterm", loaded.Env["TERM"])
	assert.NotNil(t, loaded.EndedAt)
}

func TestRecordings_SearchStatsCleanup(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	var ids []string
	for i, exp := range []*time.Time{&past, &future, nil} {
		s := seedSession(t, repo, "alice", models.SessionActive)
		rec := &models.Recording{SessionID: s.ID, UserID: "alice", ClusterID: "c1", Namespace: "default",
			Pod: "web-0", Shell: "/bin/sh", Width: 80, Height: 24, StartedAt: time.Now()}
		require.NoError(t, repo.CreateRecording(ctx, rec))
		require.NoError(t, repo.AppendFrame(ctx, &models.Frame{RecordingID: rec.ID, Kind: models.FrameOutput, Payload: "x"}, 100))
		require.NoError(t, repo.FinalizeRecording(ctx, rec.ID, time.Now(), int64(1000*(i+1)), exp))
		ids = append(ids, rec.ID)
	}

	found, err := repo.SearchRecordings(ctx, models.RecordingFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, found, 3)

	st, err := repo.RecordingStats(ctx, models.RecordingFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Count)
	assert.Equal(t, int64(6000), st.TotalDurationMs)
	assert.InDelta(t, 2000, st.AvgDurationMs, 0.001)
	assert.Equal(t, int64(300), st.TotalSizeBytes)
	assert.Equal(t, int64(3), st.TotalFrames)

	removed, err := repo.DeleteExpiredRecordings(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = repo.GetRecording(ctx, ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
	frames, err := repo.ListFrames(ctx, ids[0], FrameQuery{})
	require.NoError(t, err)
	assert.Empty(t, frames)
	for _, id := range ids[1:] {
		_, err := repo.GetRecording(ctx, id)
		assert.NoError(t, err)
	}

	require.NoError(t, repo.DeleteRecording(ctx, ids[1]))
	assert.ErrorIs(t, repo.DeleteRecording(ctx, ids[1]), ErrNotFound)
}

func TestAuditLog_AppendAndList(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	sid := "s1"
	cmd := "cat /etc/shadow"

	require.NoError(t, repo.CreateAuditLog(ctx, &models.AuditLogEntry{UserID: "alice", Action: models.AuditExecBlocked, SessionID: &sid, Command: &cmd, Outcome: "denied"}))
	require.NoError(t, repo.CreateAuditLog(ctx, &models.AuditLogEntry{UserID: "alice", Action: models.AuditSessionStarted, SessionID: &sid, Outcome: "success"}))
	require.NoError(t, repo.CreateAuditLog(ctx, &models.AuditLogEntry{UserID: "bob", Action: models.AuditSessionStarted, Outcome: "success"}))

	user := "alice"
	list, err := repo.ListAuditLog(ctx, models.AuditLogFilter{UserID: &user})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	action := models.AuditExecBlocked
	list, err = repo.ListAuditLog(ctx, models.AuditLogFilter{SessionID: &sid, Action: &action})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].Command)
	assert.Equal(t, cmd, *list[0].Command)
}
