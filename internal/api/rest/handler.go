package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kubilitics/kubilitics-shellgate/internal/api/websocket"
	"github.com/kubilitics/kubilitics-shellgate/internal/models"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/redact"
	"github.com/kubilitics/kubilitics-shellgate/internal/policy"
	"github.com/kubilitics/kubilitics-shellgate/internal/recording"
)

// ClusterAPI is the cluster registry surface used by the handlers.
type ClusterAPI interface {
	Register(ctx context.Context, req *models.RegisterClusterRequest) (*models.ClusterCredential, error)
	Get(ctx context.Context, userID, clusterID string) (*models.ClusterCredential, error)
	List(ctx context.Context, userID string) ([]*models.ClusterCredential, error)
	Delete(ctx context.Context, userID, clusterID string) error
	ListPods(ctx context.Context, userID, clusterID, namespace string) ([]models.PodSummary, error)
}

// SessionAPI is the session coordinator surface used by the handlers.
type SessionAPI interface {
	Start(ctx context.Context, req *models.StartSessionRequest) (*models.StartSessionResponse, error)
	VerifyOTP(ctx context.Context, req *models.VerifyOTPRequest) (*models.Session, error)
	Exec(ctx context.Context, req *models.ExecRequest) (*models.ExecResponse, error)
	Kill(ctx context.Context, req *models.KillRequest) (*models.Session, error)
	Get(ctx context.Context, userID, sessionID string) (*models.Session, error)
	List(ctx context.Context, userID string, f models.SessionFilter) ([]*models.Session, error)
	Logs(ctx context.Context, req *models.LogsRequest) (*models.LogsResponse, error)
	UpdateContact(ctx context.Context, req *models.UpdateContactRequest) (*models.User, error)
}

// RecordingAPI is the recording surface used by the handlers.
type RecordingAPI interface {
	Enabled() bool
	Search(ctx context.Context, userID string, f models.RecordingFilter) ([]*models.Recording, error)
	Stats(ctx context.Context, userID string, f models.RecordingFilter) (*models.RecordingStats, error)
	Get(ctx context.Context, userID, id string) (*models.Recording, error)
	Playback(ctx context.Context, userID, id string, opts recording.PlaybackOptions) (iter.Seq2[*models.Frame, error], error)
	Export(ctx context.Context, userID, id string, opts recording.ExportOptions) (*recording.Export, error)
	Delete(ctx context.Context, userID, id string) error
	CleanupExpired(ctx context.Context) (int64, error)
}

// PolicyAPI applies runtime changes to the command gate and output sanitizer.
type PolicyAPI interface {
	Reload(ctx context.Context, userID string) (*policy.Summary, error)
	AddRules(ctx context.Context, userID string, rules []policy.Rule) (*policy.Summary, error)
	AddPatterns(ctx context.Context, userID string, patterns []redact.Pattern) (*policy.Summary, error)
}

// Pinger reports storage liveness for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler manages HTTP request handlers
type Handler struct {
	clusters   ClusterAPI
	sessions   SessionAPI
	recordings RecordingAPI
	health     Pinger
	streams    *websocket.Hub
	policy     PolicyAPI
}

// NewHandler creates a new HTTP handler. recordings may be nil when recording is disabled.
func NewHandler(clusters ClusterAPI, sessions SessionAPI, recordings RecordingAPI, health Pinger) *Handler {
	return &Handler{
		clusters:   clusters,
		sessions:   sessions,
		recordings: recordings,
		health:     health,
	}
}

// SetPlaybackHub enables WebSocket playback streams.
func (h *Handler) SetPlaybackHub(hub *websocket.Hub) {
	h.streams = hub
}

// SetPolicy enables the policy admin routes.
func (h *Handler) SetPolicy(p PolicyAPI) {
	h.policy = p
}

// SetupRoutes configures API routes on the /api/v1 subrouter.
func SetupRoutes(router *mux.Router, h *Handler) {
	// Clusters
	router.HandleFunc("/clusters", h.ListClusters).Methods("GET")
	router.HandleFunc("/clusters", h.RegisterCluster).Methods("POST")
	router.HandleFunc("/clusters/{clusterId}", h.GetCluster).Methods("GET")
	router.HandleFunc("/clusters/{clusterId}", h.DeleteCluster).Methods("DELETE")
	router.HandleFunc("/clusters/{clusterId}/namespaces/{namespace}/pods", h.ListPods).Methods("GET")

	// Sessions
	router.HandleFunc("/sessions", h.StartSession).Methods("POST")
	router.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	router.HandleFunc("/sessions/verify", h.VerifyOTP).Methods("POST")
	router.HandleFunc("/sessions/{sessionId}", h.GetSession).Methods("GET")
	router.HandleFunc("/sessions/{sessionId}", h.KillSession).Methods("DELETE")
	router.HandleFunc("/sessions/{sessionId}/exec", h.Exec).Methods("POST")
	router.HandleFunc("/sessions/{sessionId}/logs", h.Logs).Methods("GET")

	// Users
	router.HandleFunc("/users/me/contact", h.UpdateContact).Methods("PUT")

	// Recordings
	router.HandleFunc("/recordings", h.SearchRecordings).Methods("GET")
	router.HandleFunc("/recordings/stats", h.RecordingStats).Methods("GET")
	router.HandleFunc("/recordings/cleanup", h.CleanupRecordings).Methods("POST")
	router.HandleFunc("/recordings/{recordingId}", h.GetRecording).Methods("GET")
	router.HandleFunc("/recordings/{recordingId}", h.DeleteRecording).Methods("DELETE")
	router.HandleFunc("/recordings/{recordingId}/playback", h.PlaybackRecording).Methods("GET")
	router.HandleFunc("/recordings/{recordingId}/playback/ws", h.PlaybackStream).Methods("GET")
	router.HandleFunc("/recordings/{recordingId}/export", h.ExportRecording).Methods("GET")

	// Policy
	router.HandleFunc("/admin/policy/reload", h.ReloadPolicy).Methods("POST")
	router.HandleFunc("/admin/policy/rules", h.AddPolicyRules).Methods("POST")
	router.HandleFunc("/admin/policy/patterns", h.AddRedactionPatterns).Methods("POST")
}

// SetupSystemRoutes registers /health and /metrics on the root router.
func SetupSystemRoutes(router *mux.Router, h *Handler) {
	router.HandleFunc("/health", h.Health).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	db := "ok"
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			status, code, db = "unhealthy", http.StatusServiceUnavailable, "unreachable"
		}
	}
	respondJSON(w, code, map[string]any{
		"status":    status,
		"database":  db,
		"recording": h.recordings != nil && h.recordings.Enabled(),
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON reads a JSON body. An empty body leaves v untouched when allowEmpty is set.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
