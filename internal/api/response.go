package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/lzjever/crawlhub/internal/api/middleware"
	"github.com/lzjever/crawlhub/internal/core"
)

// maxBody bounds JSON request bodies.
const maxBody = 1 << 20

// ErrorResponse represents a CrawlHub error response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a CrawlHub error response.
func WriteError(w http.ResponseWriter, err *core.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Code.HTTPStatus())
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    string(err.Code),
		Message: err.Message,
	})
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteAccepted writes a 202 Accepted response with a task reference.
func WriteAccepted(w http.ResponseWriter, task *core.Task, path string) {
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"task":        task,
		"task_id":     task.ID,
		"status":      task.Status,
		"status_href": path + task.ID,
	})
}

// fail maps err to a response. Server-side failures are logged; caller
// errors are not.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	appErr := core.AsAppError(err)
	if appErr.Code.HTTPStatus() >= 500 {
		a.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r)),
			zap.Error(err))
	}
	WriteError(w, appErr)
}

// decode reads an optional JSON body into v. An empty body leaves v as is.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return core.NewAppError(core.ErrBadRequest, "invalid request body: "+err.Error())
	}
	return nil
}
