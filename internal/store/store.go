// Package store persists workspaces, tasks and deployments.
package store

import (
	"context"
	"errors"

	"github.com/lzjever/crawlhub/internal/core"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrStale means a conditional update lost a race with another writer.
	ErrStale = errors.New("store: stale")
	// ErrConflict means the write would break a uniqueness or active-version rule.
	ErrConflict = errors.New("store: conflict")
)

type Store interface {
	Ping(ctx context.Context) error

	GetWorkspace(ctx context.Context, spiderID string) (core.Workspace, error)
	// InsertWorkspace records a freshly provisioned workspace at revision 1 and
	// points spiders.coder_workspace_id at it.
	InsertWorkspace(ctx context.Context, ws core.Workspace) (core.Workspace, error)
	// UpdateWorkspace writes ws only if the stored revision equals
	// expectedRevision, and returns the record with the bumped revision.
	UpdateWorkspace(ctx context.Context, ws core.Workspace, expectedRevision int64) (core.Workspace, error)

	InsertTask(ctx context.Context, t *core.Task) error
	GetTask(ctx context.Context, taskID string) (*core.Task, error)
	ListTasks(ctx context.Context, f core.TaskFilter) ([]*core.Task, error)
	// UpdateTask writes t only if the stored status still equals from. A
	// recorded cancel request is never cleared.
	UpdateTask(ctx context.Context, t *core.Task, from core.TaskStatus) error
	// ClaimTask marks the oldest undispatched pending task as dispatched and
	// returns it, or ErrNotFound when the queue is empty.
	ClaimTask(ctx context.Context) (*core.Task, error)
	PendingTaskCount(ctx context.Context) (int, error)
	AppendTaskLog(ctx context.Context, taskID string, stream core.LogStream, chunk string) error
	TaskLogs(ctx context.Context, taskID string) (core.TaskLogs, error)

	GetDeployment(ctx context.Context, deploymentID string) (*core.Deployment, error)
	ActiveDeployment(ctx context.Context, spiderID string) (*core.Deployment, error)
	// ListDeployments returns the spider's deployments, newest version first.
	ListDeployments(ctx context.Context, spiderID string) ([]*core.Deployment, error)
	// LastVersion returns the highest version ever issued to the spider,
	// including deleted ones.
	LastVersion(ctx context.Context, spiderID string) (int, error)
	// CreateDeployment assigns the next version, archives the previous active
	// deployment and inserts d as active, all in one transaction.
	CreateDeployment(ctx context.Context, d *core.Deployment) error
	// ActivateDeployment makes deploymentID the active deployment of spiderID.
	// ErrNotFound if it does not belong to the spider, ErrConflict if it is
	// already active.
	ActivateDeployment(ctx context.Context, spiderID, deploymentID string) (*core.Deployment, error)
	// DeleteDeployment removes an archived deployment. ErrConflict if active.
	DeleteDeployment(ctx context.Context, spiderID, deploymentID string) (*core.Deployment, error)
	// PruneDeployments deletes archived deployments beyond the newest keep
	// archived ones and returns what was removed.
	PruneDeployments(ctx context.Context, spiderID string, keep int) ([]*core.Deployment, error)
	// DeploymentSpiders lists spiders that have at least one deployment.
	DeploymentSpiders(ctx context.Context) ([]string, error)
}
