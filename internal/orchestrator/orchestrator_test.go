package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lzjever/crawlhub/internal/blobstore"
	"github.com/lzjever/crawlhub/internal/core"
	"github.com/lzjever/crawlhub/internal/filetree"
	"github.com/lzjever/crawlhub/internal/localws"
	"github.com/lzjever/crawlhub/internal/provider"
	"github.com/lzjever/crawlhub/internal/store"
)

type env struct {
	o      *Orchestrator
	layout localws.Layout
	blobs  *blobstore.Memory
}

func newEnv(t *testing.T) *env {
	t.Helper()
	layout := localws.Layout{Root: t.TempDir(), Log: zap.NewNop()}
	blobs := blobstore.NewMemory()
	o := New(store.NewMemory(), provider.NewLocal(layout, 0, "http://ws.local"),
		filetree.NewLocal(layout), blobs, Options{ProviderTimeout: 5 * time.Second}, zap.NewNop())
	t.Cleanup(o.Close)
	return &env{o: o, layout: layout, blobs: blobs}
}

func (e *env) writeCode(t *testing.T, ws core.Workspace, name, body string) {
	t.Helper()
	cur, err := e.layout.CurrentPath(ws.ProviderWorkspaceID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cur, name), []byte(body), 0o644))
}

func (e *env) readCode(t *testing.T, ws core.Workspace, name string) string {
	t.Helper()
	cur, err := e.layout.CurrentPath(ws.ProviderWorkspaceID)
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(cur, name))
	require.NoError(t, err)
	return string(b)
}

func (e *env) readyWorkspace(t *testing.T, spiderID string) core.Workspace {
	t.Helper()
	ctx := context.Background()
	ws, err := e.o.GetOrCreateWorkspace(ctx, spiderID)
	require.NoError(t, err)
	require.Equal(t, core.PhasePending, ws.Phase())
	ws, err = e.o.RefreshWorkspace(ctx, spiderID)
	require.NoError(t, err)
	require.Equal(t, core.PhaseReady, ws.Phase())
	return ws
}

func TestWorkspaceLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	ws, err := e.o.WorkspaceStatus(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, core.PhaseAbsent, ws.Phase())

	ws = e.readyWorkspace(t, "sp1")
	assert.Equal(t, "http://ws.local/"+ws.ProviderWorkspaceID, ws.URL())

	again, err := e.o.GetOrCreateWorkspace(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, ws.ProviderWorkspaceID, again.ProviderWorkspaceID)

	ws, err = e.o.StopWorkspace(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, core.PhaseStopping, ws.Phase())
	ws, err = e.o.RefreshWorkspace(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, core.PhaseStopped, ws.Phase())

	stopped, err := e.o.StopWorkspace(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, ws.Revision, stopped.Revision, "stop on stopped is a no-op")

	ws, err = e.o.StartWorkspace(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, core.PhaseStarting, ws.Phase())

	_, err = e.o.StopWorkspace(ctx, "nobody")
	assert.True(t, errors.Is(err, core.ErrNotFound))
	_, err = e.o.GetOrCreateWorkspace(ctx, "")
	assert.Equal(t, core.ErrBadRequest, core.CodeOf(err))
}

func TestWatchWorkspace(t *testing.T) {
	e := newEnv(t)
	_, err := e.o.GetOrCreateWorkspace(context.Background(), "sp1")
	require.NoError(t, err)

	w, err := e.o.WatchWorkspace("sp1")
	require.NoError(t, err)
	defer w.Release()

	select {
	case u := <-w.C:
		assert.True(t, u.Exists)
		assert.Equal(t, core.PhaseReady, u.Workspace.Phase())
	case <-time.After(5 * time.Second):
		t.Fatal("no update from watch")
	}
}

func TestDeployRunRollbackRestore(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ws := e.readyWorkspace(t, "sp1")

	e.writeCode(t, ws, "main.py", "v1")
	v1, err := e.o.Deploy(ctx, "sp1", "initial")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	e.writeCode(t, ws, "main.py", "v2")
	v2, err := e.o.Deploy(ctx, "sp1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	task, err := e.o.SubmitRun(ctx, "sp1", core.TriggerManual, false)
	require.NoError(t, err)
	require.NotNil(t, task.DeploymentID)
	assert.Equal(t, v2.ID, *task.DeploymentID)

	claimed, ok, err := e.o.ClaimTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.ID, claimed.ID)
	dep, url, err := e.o.TaskArchive(ctx, claimed, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, dep.ID)
	assert.NotEmpty(t, url)

	_, ok, err = e.o.ClaimTask(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.o.Rollback(ctx, "sp1", v1.ID)
	require.NoError(t, err)
	list, err := e.o.ListDeployments(ctx, "sp1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, core.DeploymentArchived, list[0].Status)
	assert.Equal(t, core.DeploymentActive, list[1].Status)
	assert.Equal(t, "v2", e.readCode(t, ws, "main.py"), "rollback leaves the workspace alone")

	restored, err := e.o.Restore(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, restored.ID)
	assert.Equal(t, "v1", e.readCode(t, ws, "main.py"))

	ws, err = e.o.RefreshWorkspace(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, core.PhaseReady, ws.Phase(), "sync marker cleared after restore")

	require.NoError(t, e.o.DeleteDeployment(ctx, "sp1", v2.ID))
	err = e.o.DeleteDeployment(ctx, "sp1", v1.ID)
	assert.True(t, errors.Is(err, core.ErrCannotDeleteActive))

	_, err = e.o.StopWorkspace(ctx, "sp1")
	require.NoError(t, err)
	_, err = e.o.Restore(ctx, "sp1")
	assert.True(t, errors.Is(err, core.ErrWorkspaceUnavailable))
}

func TestRunWithoutDeploymentAndCancel(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	failed, err := e.o.SubmitRun(ctx, "sp1", core.TriggerManual, true)
	require.NoError(t, err)
	assert.Equal(t, core.TaskFailed, failed.Status)
	require.NotNil(t, failed.ErrorCategory)
	assert.Equal(t, core.CategorySystem, *failed.ErrorCategory)

	_, err = e.o.CancelTask(ctx, failed.ID)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))

	ws := e.readyWorkspace(t, "sp1")
	e.writeCode(t, ws, "main.py", "x")
	_, err = e.o.Deploy(ctx, "sp1", "")
	require.NoError(t, err)

	task, err := e.o.SubmitRun(ctx, "sp1", core.TriggerSchedule, false)
	require.NoError(t, err)
	cancelled, err := e.o.CancelTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.FinishedAt)
	_, err = e.o.CancelTask(ctx, task.ID)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))

	// Cancelled before dispatch: never claimed.
	_, ok, err := e.o.ClaimTask(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := e.o.ListTasks(ctx, core.TaskFilter{SpiderID: "sp1"})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestExecutorCallbacks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ws := e.readyWorkspace(t, "sp1")
	e.writeCode(t, ws, "main.py", "x")
	_, err := e.o.Deploy(ctx, "sp1", "")
	require.NoError(t, err)

	task, err := e.o.SubmitRun(ctx, "sp1", core.TriggerManual, false)
	require.NoError(t, err)
	_, err = e.o.StartTask(ctx, task.ID)
	require.NoError(t, err)

	cancel, err := e.o.ReportProgress(ctx, task.ID, core.Progress{Progress: 50, SuccessCount: 5, TotalCount: 10})
	require.NoError(t, err)
	assert.False(t, cancel)
	require.NoError(t, e.o.AppendTaskLog(ctx, task.ID, core.StreamStdout, "page 5\n"))

	done, err := e.o.CompleteTask(ctx, task.ID, core.Outcome{Status: core.TaskFailed, ErrorMessage: "HTTP 403 Forbidden"})
	require.NoError(t, err)
	require.NotNil(t, done.ErrorCategory)
	assert.Equal(t, core.CategoryAuth, *done.ErrorCategory)

	logs, err := e.o.TaskLogs(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "page 5\n", logs.Stdout)

	_, err = e.o.ReportProgress(ctx, task.ID, core.Progress{Progress: 60})
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))
}
