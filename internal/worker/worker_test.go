package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lzjever/crawlhub/internal/blobstore"
	"github.com/lzjever/crawlhub/internal/core"
	"github.com/lzjever/crawlhub/internal/executorrpc"
	"github.com/lzjever/crawlhub/internal/filetree"
	"github.com/lzjever/crawlhub/internal/localws"
	"github.com/lzjever/crawlhub/internal/orchestrator"
	"github.com/lzjever/crawlhub/internal/provider"
	"github.com/lzjever/crawlhub/internal/store"
)

type fakeExecutor struct {
	mu     sync.Mutex
	calls  []executorrpc.ExecuteRequest
	result executorrpc.ExecuteResult
	err    error
}

func (f *fakeExecutor) ExecuteTask(_ context.Context, req executorrpc.ExecuteRequest) (executorrpc.ExecuteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.result, f.err
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// deployed returns an orchestrator whose spider sp1 has one active
// deployment.
func deployed(t *testing.T) (*orchestrator.Orchestrator, *core.Deployment) {
	t.Helper()
	layout := localws.Layout{Root: t.TempDir()}
	orc := orchestrator.New(store.NewMemory(), provider.NewLocal(layout, 0, ""),
		filetree.NewLocal(layout), blobstore.NewMemory(), orchestrator.Options{ProviderTimeout: 5 * time.Second}, zap.NewNop())
	t.Cleanup(orc.Close)

	ctx := context.Background()
	_, err := orc.GetOrCreateWorkspace(ctx, "sp1")
	require.NoError(t, err)
	ws, err := orc.RefreshWorkspace(ctx, "sp1")
	require.NoError(t, err)
	cur, err := layout.CurrentPath(ws.ProviderWorkspaceID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cur, "main.py"), []byte("x"), 0o644))
	dep, err := orc.Deploy(ctx, "sp1", "")
	require.NoError(t, err)
	return orc, dep
}

func TestPollDispatchesAccepted(t *testing.T) {
	orc, dep := deployed(t)
	ctx := context.Background()
	task, err := orc.SubmitRun(ctx, "sp1", core.TriggerSchedule, true)
	require.NoError(t, err)

	exec := &fakeExecutor{result: executorrpc.ExecuteResult{Accepted: true}}
	w := New(orc, exec, Config{}, zap.NewNop())
	assert.True(t, w.Poll(ctx))

	require.Equal(t, 1, exec.count())
	req := exec.calls[0]
	assert.Equal(t, task.ID, req.TaskID)
	assert.Equal(t, dep.ID, req.DeploymentID)
	assert.Equal(t, dep.Checksum, req.Checksum)
	assert.True(t, req.IsTest)
	assert.Equal(t, "schedule", req.TriggerType)
	assert.True(t, strings.HasPrefix(req.ArchiveURL, "memory://"))

	got, err := orc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	assert.False(t, w.Poll(ctx), "queue is drained")
}

func TestPollRecordsDispatchFailures(t *testing.T) {
	cases := []struct {
		name     string
		exec     *fakeExecutor
		category core.ErrorCategory
		message  string
	}{
		{"rejected", &fakeExecutor{result: executorrpc.ExecuteResult{Reason: "at capacity"}}, core.CategorySystem, "at capacity"},
		{"transport", &fakeExecutor{err: errors.New("connection refused")}, core.CategoryNetwork, "connection refused"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orc, _ := deployed(t)
			ctx := context.Background()
			task, err := orc.SubmitRun(ctx, "sp1", core.TriggerManual, false)
			require.NoError(t, err)

			w := New(orc, tc.exec, Config{}, zap.NewNop())
			assert.True(t, w.Poll(ctx))

			got, err := orc.GetTask(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, core.TaskFailed, got.Status)
			require.NotNil(t, got.ErrorCategory)
			assert.Equal(t, tc.category, *got.ErrorCategory)
			assert.Contains(t, got.ErrorMessage, tc.message)
		})
	}
}

func TestCancelledTaskIsNeverDispatched(t *testing.T) {
	orc, _ := deployed(t)
	ctx := context.Background()
	task, err := orc.SubmitRun(ctx, "sp1", core.TriggerManual, false)
	require.NoError(t, err)
	_, err = orc.CancelTask(ctx, task.ID)
	require.NoError(t, err)

	exec := &fakeExecutor{result: executorrpc.ExecuteResult{Accepted: true}}
	w := New(orc, exec, Config{}, zap.NewNop())
	assert.False(t, w.Poll(ctx))
	assert.Equal(t, 0, exec.count())
}

func TestRunStopsOnCancel(t *testing.T) {
	orc, _ := deployed(t)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := orc.SubmitRun(ctx, "sp1", core.TriggerManual, false)
	require.NoError(t, err)

	exec := &fakeExecutor{result: executorrpc.ExecuteResult{Accepted: true}}
	w := New(orc, exec, Config{IdleBackoff: 5 * time.Millisecond}, zap.NewNop())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return exec.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
