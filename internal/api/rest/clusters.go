package rest

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kubilitics/kubilitics-shellgate/internal/api/middleware"
	"github.com/kubilitics/kubilitics-shellgate/internal/models"
)

// RegisterCluster handles POST /clusters
func (h *Handler) RegisterCluster(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterClusterRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondServiceError(w, r, bodyError(err))
		return
	}
	req.UserID = middleware.CallerFromContext(r.Context())

	cluster, err := h.clusters.Register(r.Context(), &req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, cluster)
}

// ListClusters handles GET /clusters
func (h *Handler) ListClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := h.clusters.List(r.Context(), middleware.CallerFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if clusters == nil {
		clusters = []*models.ClusterCredential{}
	}
	respondJSON(w, http.StatusOK, clusters)
}

// GetCluster handles GET /clusters/{clusterId}
func (h *Handler) GetCluster(w http.ResponseWriter, r *http.Request) {
	cluster, err := h.clusters.Get(r.Context(), middleware.CallerFromContext(r.Context()), mux.Vars(r)["clusterId"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cluster)
}

// DeleteCluster handles DELETE /clusters/{clusterId}
func (h *Handler) DeleteCluster(w http.ResponseWriter, r *http.Request) {
	if err := h.clusters.Delete(r.Context(), middleware.CallerFromContext(r.Context()), mux.Vars(r)["clusterId"]); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPods handles GET /clusters/{clusterId}/namespaces/{namespace}/pods
func (h *Handler) ListPods(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	pods, err := h.clusters.ListPods(r.Context(), middleware.CallerFromContext(r.Context()), vars["clusterId"], vars["namespace"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if pods == nil {
		pods = []models.PodSummary{}
	}
	respondJSON(w, http.StatusOK, pods)
}
