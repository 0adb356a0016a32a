package rest

import (
	"net/http"

	"github.com/kubilitics/kubilitics-shellgate/internal/api/middleware"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/redact"
	"github.com/kubilitics/kubilitics-shellgate/internal/policy"
)

type addRulesRequest struct {
	Rules []policy.Rule `json:"rules"`
}

type addPatternsRequest struct {
	Patterns []redact.Pattern `json:"patterns"`
}

// ReloadPolicy handles POST /admin/policy/reload
func (h *Handler) ReloadPolicy(w http.ResponseWriter, r *http.Request) {
	if !h.policyEnabled(w, r) {
		return
	}
	sum, err := h.policy.Reload(r.Context(), middleware.CallerFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

// AddPolicyRules handles POST /admin/policy/rules
func (h *Handler) AddPolicyRules(w http.ResponseWriter, r *http.Request) {
	if !h.policyEnabled(w, r) {
		return
	}
	var req addRulesRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondServiceError(w, r, bodyError(err))
		return
	}
	sum, err := h.policy.AddRules(r.Context(), middleware.CallerFromContext(r.Context()), req.Rules)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

// AddRedactionPatterns handles POST /admin/policy/patterns
func (h *Handler) AddRedactionPatterns(w http.ResponseWriter, r *http.Request) {
	if !h.policyEnabled(w, r) {
		return
	}
	var req addPatternsRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondServiceError(w, r, bodyError(err))
		return
	}
	sum, err := h.policy.AddPatterns(r.Context(), middleware.CallerFromContext(r.Context()), req.Patterns)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (h *Handler) policyEnabled(w http.ResponseWriter, r *http.Request) bool {
	if h.policy == nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, "policy administration is disabled")
		return false
	}
	return true
}
