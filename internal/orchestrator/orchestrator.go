// Package orchestrator is the single entry point for workspace, task and
// deployment operations. Handlers, the callback server and the dispatch
// worker all go through it.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/crawlhub/internal/blobstore"
	"github.com/lzjever/crawlhub/internal/core"
	"github.com/lzjever/crawlhub/internal/deploy"
	"github.com/lzjever/crawlhub/internal/filetree"
	"github.com/lzjever/crawlhub/internal/lock"
	"github.com/lzjever/crawlhub/internal/poller"
	"github.com/lzjever/crawlhub/internal/provider"
	"github.com/lzjever/crawlhub/internal/store"
	"github.com/lzjever/crawlhub/internal/tasks"
	"github.com/lzjever/crawlhub/internal/workspace"
)

type Options struct {
	ProviderTimeout time.Duration
}

type Orchestrator struct {
	store      store.Store
	workspaces *workspace.Machine
	poller     *poller.Poller
	tasks      *tasks.Tracker
	deploys    *deploy.Service
	log        *zap.Logger
}

func New(st store.Store, pc provider.Client, tree filetree.Tree, blobs blobstore.Store, opts Options, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	locks := lock.NewKeyed()
	machine := workspace.New(st, pc, locks, opts.ProviderTimeout, log)
	return &Orchestrator{
		store:      st,
		workspaces: machine,
		poller:     poller.New(machine, log),
		tasks:      tasks.New(st, log),
		deploys:    deploy.New(st, blobs, tree, machine, locks, log),
		log:        log,
	}
}

// Close stops every watch loop.
func (o *Orchestrator) Close() { o.poller.Close() }

func (o *Orchestrator) Ping(ctx context.Context) error { return o.store.Ping(ctx) }

// Deployments exposes the deployment service for the prune scheduler.
func (o *Orchestrator) Deployments() *deploy.Service { return o.deploys }

func (o *Orchestrator) GetOrCreateWorkspace(ctx context.Context, spiderID string) (core.Workspace, error) {
	if err := requireID("spider_id", spiderID); err != nil {
		return core.Workspace{}, err
	}
	return o.workspaces.GetOrCreate(ctx, spiderID)
}

func (o *Orchestrator) StartWorkspace(ctx context.Context, spiderID string) (core.Workspace, error) {
	if err := requireID("spider_id", spiderID); err != nil {
		return core.Workspace{}, err
	}
	return o.workspaces.Start(ctx, spiderID)
}

func (o *Orchestrator) StopWorkspace(ctx context.Context, spiderID string) (core.Workspace, error) {
	if err := requireID("spider_id", spiderID); err != nil {
		return core.Workspace{}, err
	}
	return o.workspaces.Stop(ctx, spiderID)
}

// WorkspaceStatus returns the stored record without calling the provider. A
// spider without a workspace reports the absent phase.
func (o *Orchestrator) WorkspaceStatus(ctx context.Context, spiderID string) (core.Workspace, error) {
	if err := requireID("spider_id", spiderID); err != nil {
		return core.Workspace{}, err
	}
	ws, _, err := o.workspaces.Get(ctx, spiderID)
	return ws, err
}

// RefreshWorkspace queries the provider now. A provider timeout returns the
// last known state instead of an error.
func (o *Orchestrator) RefreshWorkspace(ctx context.Context, spiderID string) (core.Workspace, error) {
	if err := requireID("spider_id", spiderID); err != nil {
		return core.Workspace{}, err
	}
	ws, err := o.workspaces.RefreshStatus(ctx, spiderID)
	if errors.Is(err, core.ErrProviderTimeout) {
		o.log.Debug("refresh timed out, returning last known state", zap.String("spider_id", spiderID))
		return ws, nil
	}
	return ws, err
}

// WatchWorkspace streams workspace state until the watch is released.
func (o *Orchestrator) WatchWorkspace(spiderID string) (*poller.Watch, error) {
	if err := requireID("spider_id", spiderID); err != nil {
		return nil, err
	}
	return o.poller.Watch(spiderID), nil
}

func (o *Orchestrator) SubmitRun(ctx context.Context, spiderID string, trigger core.TriggerType, isTest bool) (*core.Task, error) {
	return o.tasks.Submit(ctx, spiderID, trigger, isTest)
}

func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) (*core.Task, error) {
	return o.tasks.Cancel(ctx, taskID)
}

func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (*core.Task, error) {
	return o.tasks.Get(ctx, taskID)
}

func (o *Orchestrator) ListTasks(ctx context.Context, f core.TaskFilter) ([]*core.Task, error) {
	return o.tasks.List(ctx, f)
}

func (o *Orchestrator) TaskLogs(ctx context.Context, taskID string) (core.TaskLogs, error) {
	return o.tasks.Logs(ctx, taskID)
}

// Executor side.

func (o *Orchestrator) StartTask(ctx context.Context, taskID string) (*core.Task, error) {
	return o.tasks.Start(ctx, taskID)
}

func (o *Orchestrator) ReportProgress(ctx context.Context, taskID string, p core.Progress) (bool, error) {
	return o.tasks.ReportProgress(ctx, taskID, p)
}

func (o *Orchestrator) CompleteTask(ctx context.Context, taskID string, out core.Outcome) (*core.Task, error) {
	return o.tasks.Complete(ctx, taskID, out)
}

func (o *Orchestrator) AppendTaskLog(ctx context.Context, taskID string, stream core.LogStream, chunk string) error {
	return o.tasks.AppendLog(ctx, taskID, stream, chunk)
}

// ClaimTask hands the oldest undispatched pending task to a dispatcher.
// ok is false when the queue is empty.
func (o *Orchestrator) ClaimTask(ctx context.Context) (*core.Task, bool, error) {
	t, err := o.store.ClaimTask(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, core.WrapAppError(core.ErrInternal, "claim task", err)
	}
	return t, true, nil
}

func (o *Orchestrator) PendingTaskCount(ctx context.Context) (int, error) {
	return o.store.PendingTaskCount(ctx)
}

// TaskArchive resolves the deployment a task is bound to and a download URL
// for its archive.
func (o *Orchestrator) TaskArchive(ctx context.Context, t *core.Task, ttl time.Duration) (*core.Deployment, string, error) {
	if t.DeploymentID == nil {
		return nil, "", core.NewAppError(core.ErrNotFound, "task has no deployment")
	}
	d, err := o.deploys.Get(ctx, t.SpiderID, *t.DeploymentID)
	if err != nil {
		return nil, "", err
	}
	u, err := o.deploys.ArchiveURL(ctx, d, ttl)
	if err != nil {
		return nil, "", err
	}
	return d, u, nil
}

func (o *Orchestrator) Deploy(ctx context.Context, spiderID, note string) (*core.Deployment, error) {
	if err := requireID("spider_id", spiderID); err != nil {
		return nil, err
	}
	return o.deploys.Deploy(ctx, spiderID, note)
}

func (o *Orchestrator) ListDeployments(ctx context.Context, spiderID string) ([]*core.Deployment, error) {
	return o.deploys.List(ctx, spiderID)
}

func (o *Orchestrator) Rollback(ctx context.Context, spiderID, deploymentID string) (*core.Deployment, error) {
	return o.deploys.Rollback(ctx, spiderID, deploymentID)
}

func (o *Orchestrator) Restore(ctx context.Context, spiderID string) (*core.Deployment, error) {
	return o.deploys.Restore(ctx, spiderID)
}

func (o *Orchestrator) DeleteDeployment(ctx context.Context, spiderID, deploymentID string) error {
	return o.deploys.Delete(ctx, spiderID, deploymentID)
}

func (o *Orchestrator) PruneDeployments(ctx context.Context, spiderID string, keep int) ([]*core.Deployment, error) {
	return o.deploys.Prune(ctx, spiderID, keep)
}

func requireID(name, v string) error {
	if v == "" {
		return core.NewAppError(core.ErrBadRequest, name+" is required")
	}
	return nil
}
