package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lzjever/crawlhub/internal/core"
)

// GetWorkspace returns the stored workspace state. It never contacts the
// provider, so clients may call it as often as they like.
func (a *API) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := a.orc.WorkspaceStatus(r.Context(), chi.URLParam(r, "spider_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, ws)
}

// CreateWorkspace provisions the spider's workspace if it does not exist yet.
func (a *API) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	spiderID := chi.URLParam(r, "spider_id")
	existing, err := a.orc.WorkspaceStatus(r.Context(), spiderID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ws, err := a.orc.GetOrCreateWorkspace(r.Context(), spiderID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if existing.Phase() == core.PhaseAbsent {
		status = http.StatusCreated
	}
	WriteJSON(w, status, ws)
}

func (a *API) StartWorkspace(w http.ResponseWriter, r *http.Request) {
	a.workspaceOp(w, r, a.orc.StartWorkspace)
}

func (a *API) StopWorkspace(w http.ResponseWriter, r *http.Request) {
	a.workspaceOp(w, r, a.orc.StopWorkspace)
}

// RefreshWorkspace asks the provider for the current state now.
func (a *API) RefreshWorkspace(w http.ResponseWriter, r *http.Request) {
	a.workspaceOp(w, r, a.orc.RefreshWorkspace)
}

func (a *API) workspaceOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (core.Workspace, error)) {
	ws, err := op(r.Context(), chi.URLParam(r, "spider_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, ws)
}
