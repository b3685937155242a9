// Package provider talks to the service that hosts remote development
// workspaces.
package provider

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/lzjever/crawlhub/internal/core"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks github.com/lzjever/crawlhub/internal/provider Client

// Client is the workspace provider contract. Implementations do not apply
// their own deadline; callers bound every call with ctx.
type Client interface {
	Create(ctx context.Context, spiderID string) (string, error)
	Start(ctx context.Context, workspaceID string) error
	Stop(ctx context.Context, workspaceID string) error
	Status(ctx context.Context, workspaceID string) (Status, error)
}

// Status is a provider report in the provider's own vocabulary.
type Status struct {
	State          string `json:"state"`
	IsReady        bool   `json:"is_ready"`
	CodeSyncStatus string `json:"code_sync_status"`
	URL            string `json:"url,omitempty"`
}

// stateMap translates provider build states into workspace states. Anything
// missing maps to unknown.
var stateMap = map[string]core.WorkspaceStatus{
	"pending":   core.WorkspacePending,
	"queued":    core.WorkspacePending,
	"starting":  core.WorkspaceStarting,
	"running":   core.WorkspaceRunning,
	"started":   core.WorkspaceRunning,
	"stopping":  core.WorkspaceStopping,
	"canceling": core.WorkspaceStopping,
	"stopped":   core.WorkspaceStopped,
	"canceled":  core.WorkspaceStopped,
	"failed":    core.WorkspaceFailed,
}

// Normalize maps a provider report onto the orchestrator's vocabulary.
func Normalize(s Status) core.Observation {
	st, ok := stateMap[strings.ToLower(strings.TrimSpace(s.State))]
	if !ok {
		st = core.WorkspaceUnknown
	}
	return core.Observation{
		Status:   st,
		Ready:    s.IsReady,
		CodeSync: core.ParseCodeSyncStatus(s.CodeSyncStatus),
		URL:      s.URL,
	}
}

// IsTimeout reports whether err is a deadline expiry rather than a provider
// refusal.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
