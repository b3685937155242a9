package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/crawlhub/internal/core"
	"github.com/lzjever/crawlhub/internal/localws"
)

// Local hosts workspaces as directories on this machine. Builds take Warmup
// to settle, which lets the poller be exercised without a real provider.
type Local struct {
	layout  localws.Layout
	warmup  time.Duration
	baseURL string
	now     func() time.Time

	mu sync.Mutex
}

func NewLocal(layout localws.Layout, warmup time.Duration, baseURL string) *Local {
	return &Local{
		layout:  layout,
		warmup:  warmup,
		baseURL: baseURL,
		now:     time.Now,
	}
}

func (l *Local) Create(ctx context.Context, spiderID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := "ws-" + core.NewShortID()
	if err := l.layout.Init(id); err != nil {
		return "", fmt.Errorf("init workspace: %w", err)
	}
	if err := l.layout.WriteState(id, localws.State{Phase: "pending", Since: l.now()}); err != nil {
		return "", err
	}
	l.layout.Logger().Info("local workspace created", zap.String("spider_id", spiderID), zap.String("workspace_id", id))
	return id, nil
}

func (l *Local) Start(ctx context.Context, workspaceID string) error {
	return l.transition(ctx, workspaceID, "starting")
}

func (l *Local) Stop(ctx context.Context, workspaceID string) error {
	return l.transition(ctx, workspaceID, "stopping")
}

func (l *Local) transition(ctx context.Context, workspaceID, phase string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.layout.Exists(workspaceID) {
		return &APIError{StatusCode: 404, Message: "workspace not found"}
	}
	return l.layout.WriteState(workspaceID, localws.State{Phase: phase, Since: l.now()})
}

// settle advances a transitional phase once warmup has elapsed.
func (l *Local) settle(st localws.State) localws.State {
	if l.now().Sub(st.Since) < l.warmup {
		return st
	}
	switch st.Phase {
	case "pending", "starting":
		return localws.State{Phase: "running", Since: st.Since.Add(l.warmup)}
	case "stopping":
		return localws.State{Phase: "stopped", Since: st.Since.Add(l.warmup)}
	}
	return st
}

func (l *Local) Status(ctx context.Context, workspaceID string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st, err := l.layout.ReadState(workspaceID)
	if errors.Is(err, localws.ErrNotFound) {
		return Status{}, &APIError{StatusCode: 404, Message: "workspace not found"}
	}
	if err != nil {
		return Status{}, err
	}
	if next := l.settle(st); next != st {
		if err := l.layout.WriteState(workspaceID, next); err != nil {
			return Status{}, err
		}
		st = next
	}

	out := Status{State: st.Phase, CodeSyncStatus: string(core.CodeSyncIdle)}
	if st.Phase == "running" {
		if l.layout.Syncing(workspaceID) {
			out.CodeSyncStatus = string(core.CodeSyncSyncing)
		} else {
			out.IsReady = true
			if l.baseURL != "" {
				out.URL = l.baseURL + "/" + workspaceID
			}
		}
	}
	return out, nil
}
