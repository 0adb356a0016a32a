package rest

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/kubilitics/kubilitics-shellgate/internal/api/middleware"
	"github.com/kubilitics/kubilitics-shellgate/internal/auth/identity"
	"github.com/kubilitics/kubilitics-shellgate/internal/models"
)

// StartSession handles POST /sessions
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req models.StartSessionRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondServiceError(w, r, bodyError(err))
		return
	}
	req.UserID = middleware.CallerFromContext(r.Context())
	req.ClientIP = identity.ClientIP(r)

	resp, err := h.sessions.Start(r.Context(), &req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if resp.OTPRequired {
		status = http.StatusAccepted
	}
	respondJSON(w, status, resp)
}

// VerifyOTP handles POST /sessions/verify
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyOTPRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondServiceError(w, r, bodyError(err))
		return
	}
	req.UserID = middleware.CallerFromContext(r.Context())
	req.ClientIP = identity.ClientIP(r)

	sess, err := h.sessions.VerifyOTP(r.Context(), &req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// ListSessions handles GET /sessions?cluster_id=&status=&limit=
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.SessionFilter{
		ClusterID: q.Get("cluster_id"),
		Status:    models.SessionStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	sessions, err := h.sessions.List(r.Context(), middleware.CallerFromContext(r.Context()), f)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

// GetSession handles GET /sessions/{sessionId}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), middleware.CallerFromContext(r.Context()), mux.Vars(r)["sessionId"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// KillSession handles DELETE /sessions/{sessionId}. The optional JSON body carries a reason.
func (h *Handler) KillSession(w http.ResponseWriter, r *http.Request) {
	var req models.KillRequest
	if err := decodeJSON(r, &req, true); err != nil {
		respondServiceError(w, r, bodyError(err))
		return
	}
	if req.Reason == "" {
		req.Reason = r.URL.Query().Get("reason")
	}
	req.UserID = middleware.CallerFromContext(r.Context())
	req.ClientIP = identity.ClientIP(r)
	req.SessionID = mux.Vars(r)["sessionId"]

	sess, err := h.sessions.Kill(r.Context(), &req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// Exec handles POST /sessions/{sessionId}/exec
func (h *Handler) Exec(w http.ResponseWriter, r *http.Request) {
	var req models.ExecRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondServiceError(w, r, bodyError(err))
		return
	}
	req.UserID = middleware.CallerFromContext(r.Context())
	req.ClientIP = identity.ClientIP(r)
	req.SessionID = mux.Vars(r)["sessionId"]

	resp, err := h.sessions.Exec(r.Context(), &req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// Logs handles GET /sessions/{sessionId}/logs?tail_lines=
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	req := models.LogsRequest{
		UserID:    middleware.CallerFromContext(r.Context()),
		SessionID: mux.Vars(r)["sessionId"],
	}
	if v := r.URL.Query().Get("tail_lines"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid tail_lines")
			return
		}
		req.TailLines = n
	}
	resp, err := h.sessions.Logs(r.Context(), &req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// UpdateContact handles PUT /users/me/contact
func (h *Handler) UpdateContact(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateContactRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondServiceError(w, r, bodyError(err))
		return
	}
	req.UserID = middleware.CallerFromContext(r.Context())

	user, err := h.sessions.UpdateContact(r.Context(), &req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}
