package rest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-shellgate/internal/api/middleware"
	"github.com/kubilitics/kubilitics-shellgate/internal/api/websocket"
	"github.com/kubilitics/kubilitics-shellgate/internal/audit"
	"github.com/kubilitics/kubilitics-shellgate/internal/auth"
	"github.com/kubilitics/kubilitics-shellgate/internal/k8s"
	"github.com/kubilitics/kubilitics-shellgate/internal/models"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/envelope"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/logger"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/redact"
	"github.com/kubilitics/kubilitics-shellgate/internal/policy"
	"github.com/kubilitics/kubilitics-shellgate/internal/recording"
	"github.com/kubilitics/kubilitics-shellgate/internal/service"
)

const testUser = "U024BE7LH"

type fakeClusters struct {
	registered *models.RegisterClusterRequest
	err        error
}

func (f *fakeClusters) Register(_ context.Context, req *models.RegisterClusterRequest) (*models.ClusterCredential, error) {
	f.registered = req
	if f.err != nil {
		return nil, f.err
	}
	return &models.ClusterCredential{ID: "c-1", Name: req.Name, OwnerID: req.UserID, EncryptedKubeconfig: "ciphertext"}, nil
}

func (f *fakeClusters) Get(_ context.Context, userID, clusterID string) (*models.ClusterCredential, error) {
	if clusterID != "c-1" {
		return nil, service.ErrClusterNotFound
	}
	return &models.ClusterCredential{ID: clusterID, OwnerID: userID}, nil
}

func (f *fakeClusters) List(context.Context, string) ([]*models.ClusterCredential, error) {
	return nil, nil
}

func (f *fakeClusters) Delete(context.Context, string, string) error { return f.err }

func (f *fakeClusters) ListPods(_ context.Context, _, _, namespace string) ([]models.PodSummary, error) {
	return []models.PodSummary{{Name: "web-0", Namespace: namespace, Phase: "Running"}}, nil
}

type fakeSessions struct {
	start  *models.StartSessionRequest
	exec   *models.ExecRequest
	kill   *models.KillRequest
	otp    bool
	err    error
	filter models.SessionFilter
}

func (f *fakeSessions) Start(_ context.Context, req *models.StartSessionRequest) (*models.StartSessionResponse, error) {
	f.start = req
	if f.err != nil {
		return nil, f.err
	}
	return &models.StartSessionResponse{
		Session:     &models.Session{ID: "s-1", UserID: req.UserID, Status: models.SessionActive},
		OTPRequired: f.otp,
	}, nil
}

func (f *fakeSessions) VerifyOTP(_ context.Context, req *models.VerifyOTPRequest) (*models.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Session{ID: "s-1", Status: models.SessionActive}, nil
}

func (f *fakeSessions) Exec(_ context.Context, req *models.ExecRequest) (*models.ExecResponse, error) {
	f.exec = req
	if f.err != nil {
		return nil, f.err
	}
	return &models.ExecResponse{SessionID: req.SessionID, Output: "ok\n", CommandCount: 1}, nil
}

func (f *fakeSessions) Kill(_ context.Context, req *models.KillRequest) (*models.Session, error) {
	f.kill = req
	if f.err != nil {
		return nil, f.err
	}
	return &models.Session{ID: req.SessionID, Status: models.SessionKilled}, nil
}

func (f *fakeSessions) Get(_ context.Context, _, sessionID string) (*models.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Session{ID: sessionID, Status: models.SessionActive}, nil
}

func (f *fakeSessions) List(_ context.Context, _ string, filter models.SessionFilter) ([]*models.Session, error) {
	f.filter = filter
	return nil, nil
}

func (f *fakeSessions) Logs(_ context.Context, req *models.LogsRequest) (*models.LogsResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &models.LogsResponse{SessionID: req.SessionID, Output: "line\n"}, nil
}

func (f *fakeSessions) UpdateContact(_ context.Context, req *models.UpdateContactRequest) (*models.User, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &models.User{ID: req.UserID, ContactAddress: &req.ContactAddress, Verified: true}, nil
}

type fakeRecordings struct {
	frames []*models.Frame
	export recording.ExportOptions
}

func (f *fakeRecordings) Enabled() bool { return true }

func (f *fakeRecordings) Search(context.Context, string, models.RecordingFilter) ([]*models.Recording, error) {
	return []*models.Recording{{ID: "r-1"}}, nil
}

func (f *fakeRecordings) Stats(context.Context, string, models.RecordingFilter) (*models.RecordingStats, error) {
	return &models.RecordingStats{Count: 1}, nil
}

func (f *fakeRecordings) Get(_ context.Context, _, id string) (*models.Recording, error) {
	if id != "r-1" {
		return nil, service.ErrRecordingNotFound
	}
	return &models.Recording{ID: id}, nil
}

func (f *fakeRecordings) Playback(_ context.Context, _, id string, _ recording.PlaybackOptions) (iter.Seq2[*models.Frame, error], error) {
	if id != "r-1" {
		return nil, service.ErrRecordingNotFound
	}
	return func(yield func(*models.Frame, error) bool) {
		for _, fr := range f.frames {
			if !yield(fr, nil) {
				return
			}
		}
	}, nil
}

func (f *fakeRecordings) Export(_ context.Context, _, id string, opts recording.ExportOptions) (*recording.Export, error) {
	f.export = opts
	if opts.Format == "pdf" {
		return nil, recording.ErrUnknownFormat
	}
	return &recording.Export{Filename: id + ".txt", ContentType: "text/plain; charset=utf-8", Data: []byte("$ ls\n")}, nil
}

func (f *fakeRecordings) Delete(context.Context, string, string) error { return nil }

func (f *fakeRecordings) CleanupExpired(context.Context) (int64, error) { return 3, nil }

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fixture struct {
	clusters   *fakeClusters
	sessions   *fakeSessions
	recordings *fakeRecordings
	handler    *Handler
	router     http.Handler
}

func newFixture(t *testing.T, recordingsEnabled bool) *fixture {
	t.Helper()
	f := &fixture{
		clusters:   &fakeClusters{},
		sessions:   &fakeSessions{},
		recordings: &fakeRecordings{},
	}
	var recs RecordingAPI
	if recordingsEnabled {
		recs = f.recordings
	}
	h := NewHandler(f.clusters, f.sessions, recs, fakePinger{})
	f.handler = h
	root := mux.NewRouter()
	SetupSystemRoutes(root, h)
	SetupRoutes(root.PathPrefix("/api/v1").Subrouter(), h)
	f.router = middleware.Caller(root)
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set(middleware.UserHeader, testUser)
	req.RemoteAddr = "203.0.113.7:4242"
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"recording":true`)

	h := NewHandler(f.clusters, f.sessions, nil, fakePinger{err: errors.New("down")})
	rec = httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMissingCallerRejected(t *testing.T) {
	f := newFixture(t, true)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterCluster(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(http.MethodPost, "/api/v1/clusters", `{"name":"dev","kubeconfig":"apiVersion: v1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, testUser, f.clusters.registered.UserID)
	assert.NotContains(t, rec.Body.String(), "ciphertext")

	f.clusters.err = service.ErrInvalidKubeconfig
	rec = f.do(http.MethodPost, "/api/v1/clusters", `{"name":"dev","kubeconfig":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/clusters", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrCodeInvalidRequest)
}

func TestClusterRoutes(t *testing.T) {
	f := newFixture(t, true)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/clusters/c-1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/clusters/c-2", "").Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/api/v1/clusters/c-1", "").Code)

	rec := f.do(http.MethodGet, "/api/v1/clusters", "")
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = f.do(http.MethodGet, "/api/v1/clusters/c-1/namespaces/prod/pods", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"namespace":"prod"`)
}

func TestStartSession(t *testing.T) {
	f := newFixture(t, true)
	body := `{"cluster_id":"c-1","namespace":"prod","pod":"web-0"}`

	rec := f.do(http.MethodPost, "/api/v1/sessions", body)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, testUser, f.sessions.start.UserID)
	assert.Equal(t, "203.0.113.7", f.sessions.start.ClientIP)

	f.sessions.otp = true
	rec = f.do(http.MethodPost, "/api/v1/sessions", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"otp_required":true`)
}

func TestStartSession_UnknownFieldRejected(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(http.MethodPost, "/api/v1/sessions", `{"cluster_id":"c-1","user_id":"someone-else"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, f.sessions.start)
}

func TestServiceErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", models.ErrInvalidRequest, http.StatusBadRequest},
		{"pod missing", k8s.ErrPodNotFound, http.StatusNotFound},
		{"container required", k8s.ErrContainerRequired, http.StatusBadRequest},
		{"otp invalid", service.ErrOTPInvalid, http.StatusUnauthorized},
		{"otp locked", service.ErrOTPAttemptsExceeded, http.StatusUnauthorized},
		{"blocked", &service.CommandBlockedError{Reason: "destructive", Rule: "rm-root"}, http.StatusForbidden},
		{"not active", service.ErrSessionNotActive, http.StatusConflict},
		{"expired", service.ErrSessionExpired, http.StatusConflict},
		{"rate", service.ErrRateLimited, http.StatusTooManyRequests},
		{"credential", errors.Join(service.ErrCredentialIssue, errors.New("apiserver said no")), http.StatusBadGateway},
		{"delivery", service.ErrDeliveryFailed, http.StatusBadGateway},
		{"frame", recording.ErrFrameTooLarge, http.StatusRequestEntityTooLarge},
		{"decrypt", envelope.ErrDecryption, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, true)
			f.sessions.err = tc.err
			rec := f.do(http.MethodPost, "/api/v1/sessions/s-1/exec", `{"command":"ls"}`)
			assert.Equal(t, tc.want, rec.Code)
			assert.NotContains(t, rec.Body.String(), "apiserver said no")
			assert.NotContains(t, rec.Body.String(), "boom")
		})
	}
}

func TestExec(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(http.MethodPost, "/api/v1/sessions/s-1/exec", `{"command":"ls -la"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s-1", f.sessions.exec.SessionID)
	assert.Equal(t, "ls -la", f.sessions.exec.Command)

	f.sessions.err = &service.CommandBlockedError{Reason: "recursive delete of root", Rule: "rm-root"}
	rec = f.do(http.MethodPost, "/api/v1/sessions/s-1/exec", `{"command":"rm -rf /"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rule":"rm-root"`)
}

func TestKillSession(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(http.MethodDelete, "/api/v1/sessions/s-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s-1", f.sessions.kill.SessionID)

	rec = f.do(http.MethodDelete, "/api/v1/sessions/s-1", `{"reason":"incident"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "incident", f.sessions.kill.Reason)
}

func TestListSessionsAndLogs(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(http.MethodGet, "/api/v1/sessions?status=ACTIVE&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.SessionActive, f.sessions.filter.Status)
	assert.Equal(t, 5, f.sessions.filter.Limit)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/sessions?limit=x", "").Code)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/sessions/s-1/logs?tail_lines=10", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/sessions/s-1/logs?tail_lines=999999", "").Code)
}

func TestVerifyAndContact(t *testing.T) {
	f := newFixture(t, true)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/sessions/verify", `{"code":"123456"}`).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPut, "/api/v1/users/me/contact", `{"contact_address":"a@example.com"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/v1/users/me/contact", `{"contact_address":"nope"}`).Code)
}

func TestRecordingsDisabled(t *testing.T) {
	f := newFixture(t, false)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/api/v1/recordings", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/api/v1/recordings/r-1/playback", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodPost, "/api/v1/recordings/cleanup", "").Code)
}

func TestRecordingRoutes(t *testing.T) {
	f := newFixture(t, true)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/recordings?limit=10", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/recordings?started_after=yesterday", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/recordings/stats", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/recordings/r-2", "").Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/api/v1/recordings/r-1", "").Code)

	rec := f.do(http.MethodPost, "/api/v1/recordings/cleanup", "")
	assert.Equal(t, `{"deleted":3}`+"\n", rec.Body.String())
}

func TestPlaybackStreamsNDJSON(t *testing.T) {
	f := newFixture(t, true)
	code := 0
	f.recordings.frames = []*models.Frame{
		{Seq: 1, OffsetMs: 0, Kind: models.FrameInput, Payload: "ls\n"},
		{Seq: 2, OffsetMs: 10, Kind: models.FrameOutput, Payload: "app.env\n", ExitCode: &code},
	}
	rec := f.do(http.MethodGet, "/api/v1/recordings/r-1/playback?speed=2&kinds=input,output", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	var lines []string
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"kind":"input"`)
	assert.Contains(t, lines[1], `"exit_code":0`)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/recordings/r-1/playback?speed=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/recordings/r-1/playback?kinds=video", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/recordings/r-9/playback", "").Code)
}

func TestExportRecording(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(http.MethodGet, "/api/v1/recordings/r-1/export?format=TEXT&metadata=false", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, recording.FormatText, f.recordings.export.Format)
	assert.False(t, f.recordings.export.IncludeMetadata)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="r-1.txt"`)
	assert.Equal(t, "$ ls\n", rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/recordings/r-1/export?format=pdf", "").Code)
}

func TestParseTimeParam(t *testing.T) {
	f, err := parseRecordingFilter(map[string][]string{"started_after": {"2026-01-02T03:04:05Z"}})
	require.NoError(t, err)
	require.NotNil(t, f.StartedAfter)
	assert.True(t, f.StartedAfter.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
}

func TestPlaybackStream(t *testing.T) {
	f := newFixture(t, true)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/api/v1/recordings/r-1/playback/ws", "").Code)

	f.handler.SetPlaybackHub(websocket.NewHub([]string{"*"}, logger.Discard()))
	f.recordings.frames = []*models.Frame{{Seq: 1, Kind: models.FrameOutput, Payload: "hello"}}
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/recordings/r-9/playback/ws", "").Code)

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	header := http.Header{}
	header.Set(middleware.UserHeader, testUser)
	conn, _, err := gorillaws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/recordings/r-1/playback/ws", header)
	require.NoError(t, err)
	defer conn.Close()

	var m websocket.Message
	require.NoError(t, conn.ReadJSON(&m))
	assert.Equal(t, websocket.TypeFrame, m.Type)
	assert.Equal(t, "hello", m.Frame.Payload)
	require.NoError(t, conn.ReadJSON(&m))
	assert.Equal(t, websocket.TypeEnd, m.Type)
}

type memAudit struct{ entries []*models.AuditLogEntry }

func (m *memAudit) CreateAuditLog(_ context.Context, e *models.AuditLogEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

func TestPolicyRoutes(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(http.MethodPost, "/api/v1/admin/policy/reload", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	gate, san, err := policy.Build(nil, false)
	require.NoError(t, err)
	gates := policy.NewGateStore(gate)
	redactor := redact.NewStore(san)
	store := &memAudit{}
	f.handler.SetPolicy(service.NewPolicyService(
		policy.NewManager("", false, gates, redactor), audit.NewWithWriter(store, io.Discard), logger.Discard()))

	rec = f.do(http.MethodPost, "/api/v1/admin/policy/rules", `{"rules":[{"pattern":"kubectl drain","reason":"node drain"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"command_rules"`)
	assert.False(t, gates.Validate("kubectl drain node-1").Allowed)

	rec = f.do(http.MethodPost, "/api/v1/admin/policy/patterns", `{"patterns":[{"name":"ticket","pattern":"TICKET-[0-9]+"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ref [REDACTED]", redactor.Filter("ref TICKET-3").Filtered)

	rec = f.do(http.MethodPost, "/api/v1/admin/policy/rules", `{"rules":[{"pattern":"(","regex":true,"reason":"x"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/admin/policy/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gates.Validate("kubectl drain node-1").Allowed)

	require.Len(t, store.entries, 4)
	for _, e := range store.entries {
		assert.Equal(t, models.AuditPolicyChanged, e.Action)
		assert.Equal(t, testUser, e.UserID)
	}
}

func TestPolicyRoutes_RequireAPIKey(t *testing.T) {
	f := newFixture(t, true)
	gate, san, err := policy.Build(nil, false)
	require.NoError(t, err)
	f.handler.SetPolicy(service.NewPolicyService(
		policy.NewManager("", false, policy.NewGateStore(gate), redact.NewStore(san)),
		audit.NewWithWriter(&memAudit{}, io.Discard), logger.Discard()))
	h := middleware.APIKey(auth.NewKeyVerifier("s3cret", ""))(f.router)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/policy/reload", nil)
	req.Header.Set(middleware.UserHeader, testUser)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/policy/reload", nil)
	req.Header.Set(middleware.UserHeader, testUser)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
