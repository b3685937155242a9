package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lzjever/crawlhub/internal/core"
)

type SubmitTaskRequest struct {
	TriggerType string `json:"trigger_type"`
	IsTest      bool   `json:"is_test"`
}

// SubmitTask records a run of the spider's active deployment.
func (a *API) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	trigger, ok := core.ParseTriggerType(req.TriggerType)
	if !ok {
		WriteError(w, core.NewAppError(core.ErrBadRequest, "trigger_type must be manual or schedule"))
		return
	}
	task, err := a.orc.SubmitRun(r.Context(), chi.URLParam(r, "spider_id"), trigger, req.IsTest)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteAccepted(w, task, "/v1/tasks/")
}

// ListTasks lists tasks with optional spider_id and status filters.
func (a *API) ListTasks(w http.ResponseWriter, r *http.Request) {
	a.listTasks(w, r, r.URL.Query().Get("spider_id"))
}

func (a *API) ListSpiderTasks(w http.ResponseWriter, r *http.Request) {
	a.listTasks(w, r, chi.URLParam(r, "spider_id"))
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request, spiderID string) {
	f := core.TaskFilter{
		SpiderID: spiderID,
		Limit:    parseLimit(r.URL.Query().Get("limit"), 20, 500),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		st, ok := core.ParseTaskStatus(s)
		if !ok {
			WriteError(w, core.NewAppError(core.ErrBadRequest, "unknown status "+s))
			return
		}
		f.Status = st
	}
	list, err := a.orc.ListTasks(r.Context(), f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*core.Task{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"tasks": list})
}

// GetTask gets a single task by ID.
func (a *API) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.orc.GetTask(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, task)
}

// CancelTask cancels a pending task or requests cancellation of a running one.
func (a *API) CancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.orc.CancelTask(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, task)
}

func (a *API) GetTaskLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := a.orc.TaskLogs(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, logs)
}

func parseLimit(s string, defaultVal, maxVal int) int {
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return defaultVal
	}
	if n > maxVal {
		return maxVal
	}
	return n
}
