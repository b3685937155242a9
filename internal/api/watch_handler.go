package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lzjever/crawlhub/internal/core"
)

// WatchEvent is one server-sent event on a workspace watch.
type WatchEvent struct {
	Workspace core.Workspace `json:"workspace"`
	Exists    bool           `json:"exists"`
	Stale     bool           `json:"stale,omitempty"`
	// NextPollMS is when the server will look again.
	NextPollMS int64 `json:"next_poll_ms"`
}

// WatchWorkspace streams workspace state as server-sent events until the
// client disconnects. Each event carries the full state.
func (a *API) WatchWorkspace(w http.ResponseWriter, r *http.Request) {
	spiderID := chi.URLParam(r, "spider_id")
	watch, err := a.orc.WatchWorkspace(spiderID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	defer watch.Release()

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		a.log.Warn("watch stream cannot flush", zap.Error(err))
		return
	}

	keepalive := time.NewTicker(a.keepalive)
	defer keepalive.Stop()
	seq := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
		case u, ok := <-watch.C:
			if !ok {
				return
			}
			seq++
			data, err := json.Marshal(WatchEvent{
				Workspace:  u.Workspace,
				Exists:     u.Exists,
				Stale:      u.Stale,
				NextPollMS: u.Next.Milliseconds(),
			})
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: workspace\ndata: %s\n\n", seq, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
