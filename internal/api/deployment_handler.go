package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lzjever/crawlhub/internal/core"
)

type CreateDeploymentRequest struct {
	DeployNote string `json:"deploy_note"`
}

type PruneRequest struct {
	Keep *int `json:"keep"`
}

type DeploymentListResponse struct {
	Deployments []*core.Deployment `json:"deployments"`
	Active      *core.Deployment   `json:"active,omitempty"`
}

// ListDeployments lists deployments newest version first.
func (a *API) ListDeployments(w http.ResponseWriter, r *http.Request) {
	list, err := a.orc.ListDeployments(r.Context(), chi.URLParam(r, "spider_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	resp := DeploymentListResponse{Deployments: list}
	if resp.Deployments == nil {
		resp.Deployments = []*core.Deployment{}
	}
	for _, d := range list {
		if d.IsActive() {
			resp.Active = d
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// CreateDeployment snapshots the workspace into a new active version.
func (a *API) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req CreateDeploymentRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	d, err := a.orc.Deploy(r.Context(), chi.URLParam(r, "spider_id"), req.DeployNote)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, d)
}

func (a *API) RollbackDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := a.orc.Rollback(r.Context(), chi.URLParam(r, "spider_id"), chi.URLParam(r, "deployment_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

// RestoreDeployment writes the active deployment back into the workspace.
func (a *API) RestoreDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := a.orc.Restore(r.Context(), chi.URLParam(r, "spider_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

func (a *API) DeleteDeployment(w http.ResponseWriter, r *http.Request) {
	if err := a.orc.DeleteDeployment(r.Context(), chi.URLParam(r, "spider_id"), chi.URLParam(r, "deployment_id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) PruneDeployments(w http.ResponseWriter, r *http.Request) {
	var req PruneRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.Keep == nil {
		WriteError(w, core.NewAppError(core.ErrBadRequest, "keep is required"))
		return
	}
	removed, err := a.orc.PruneDeployments(r.Context(), chi.URLParam(r, "spider_id"), *req.Keep)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if removed == nil {
		removed = []*core.Deployment{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}
