package tasks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lzjever/crawlhub/internal/core"
	"github.com/lzjever/crawlhub/internal/store"
)

func setup(t *testing.T) (*Tracker, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.CreateDeployment(context.Background(),
		&core.Deployment{ID: "dep-1", SpiderID: "sp1", Checksum: "c", ArchiveKey: "k"}))
	return New(st, zap.NewNop()), st
}

func running(t *testing.T, tr *Tracker) *core.Task {
	t.Helper()
	ctx := context.Background()
	task, err := tr.Submit(ctx, "sp1", core.TriggerManual, false)
	require.NoError(t, err)
	task, err = tr.Start(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskRunning, task.Status)
	return task
}

func intp(v int) *int { return &v }

func TestSubmitBindsActiveDeployment(t *testing.T) {
	tr, _ := setup(t)
	task, err := tr.Submit(context.Background(), "sp1", "", true)
	require.NoError(t, err)
	assert.Equal(t, core.TaskPending, task.Status)
	assert.Equal(t, core.TriggerManual, task.TriggerType)
	assert.True(t, task.IsTest)
	require.NotNil(t, task.DeploymentID)
	assert.Equal(t, "dep-1", *task.DeploymentID)
	assert.Nil(t, task.FinishedAt)
}

func TestSubmitWithoutActiveDeployment(t *testing.T) {
	tr, _ := setup(t)
	task, err := tr.Submit(context.Background(), "no-deploys", core.TriggerSchedule, false)
	require.NoError(t, err)
	assert.Equal(t, core.TaskFailed, task.Status)
	require.NotNil(t, task.ErrorCategory)
	assert.Equal(t, core.CategorySystem, *task.ErrorCategory)
	assert.NotNil(t, task.FinishedAt)
	assert.Nil(t, task.DeploymentID)

	got, err := tr.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskFailed, got.Status)
}

func TestProgressMonotonic(t *testing.T) {
	tr, _ := setup(t)
	ctx := context.Background()
	task := running(t, tr)

	cancel, err := tr.ReportProgress(ctx, task.ID, core.Progress{Progress: 10, SuccessCount: 1, TotalCount: 10})
	require.NoError(t, err)
	assert.False(t, cancel)

	_, err = tr.ReportProgress(ctx, task.ID, core.Progress{Progress: 5, SuccessCount: 1, TotalCount: 10})
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))

	_, err = tr.ReportProgress(ctx, task.ID, core.Progress{Progress: 50, SuccessCount: 8, FailedCount: 5, TotalCount: 10})
	assert.Equal(t, core.ErrBadRequest, core.CodeOf(err))

	_, err = tr.ReportProgress(ctx, task.ID, core.Progress{Progress: 101})
	assert.Equal(t, core.ErrBadRequest, core.CodeOf(err))

	// Same value again is fine.
	_, err = tr.ReportProgress(ctx, task.ID, core.Progress{Progress: 10, SuccessCount: 1, TotalCount: 10})
	require.NoError(t, err)

	// total_count unknown while running
	_, err = tr.ReportProgress(ctx, task.ID, core.Progress{Progress: 20, SuccessCount: 30, FailedCount: 2})
	require.NoError(t, err)

	got, err := tr.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.Progress)
	assert.Equal(t, 30, got.SuccessCount)
}

func TestProgressRejectedOutsideRunning(t *testing.T) {
	tr, _ := setup(t)
	ctx := context.Background()
	task, err := tr.Submit(ctx, "sp1", core.TriggerManual, false)
	require.NoError(t, err)

	_, err = tr.ReportProgress(ctx, task.ID, core.Progress{Progress: 1})
	assert.True(t, errors.Is(err, core.ErrInvalidTransition), "pending")

	_, err = tr.Start(ctx, task.ID)
	require.NoError(t, err)
	_, err = tr.Complete(ctx, task.ID, core.Outcome{Status: core.TaskCompleted})
	require.NoError(t, err)

	_, err = tr.ReportProgress(ctx, task.ID, core.Progress{Progress: 100})
	assert.True(t, errors.Is(err, core.ErrInvalidTransition), "terminal")

	_, err = tr.ReportProgress(ctx, "missing", core.Progress{Progress: 1})
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestCompleteIdempotent(t *testing.T) {
	tr, _ := setup(t)
	ctx := context.Background()
	task := running(t, tr)

	done, err := tr.Complete(ctx, task.ID, core.Outcome{
		Status: core.TaskCompleted, SuccessCount: intp(9), FailedCount: intp(1), TotalCount: intp(10),
	})
	require.NoError(t, err)
	assert.Equal(t, 100, done.Progress)
	require.NotNil(t, done.FinishedAt)

	again, err := tr.Complete(ctx, task.ID, core.Outcome{Status: core.TaskCompleted})
	require.NoError(t, err)
	assert.Equal(t, *done.FinishedAt, *again.FinishedAt)

	_, err = tr.Complete(ctx, task.ID, core.Outcome{Status: core.TaskFailed, ErrorMessage: "late"})
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))

	_, err = tr.Complete(ctx, task.ID, core.Outcome{Status: core.TaskRunning})
	assert.Equal(t, core.ErrBadRequest, core.CodeOf(err))
}

func TestCompleteFailedClassifies(t *testing.T) {
	tests := []struct {
		name    string
		outcome core.Outcome
		want    *core.ErrorCategory
	}{
		{"keyword", core.Outcome{Status: core.TaskFailed, ErrorMessage: "connection refused by host"}, catp(core.CategoryNetwork)},
		{"explicit", core.Outcome{Status: core.TaskFailed, ErrorMessage: "whatever", ErrorCategory: catp(core.CategoryParse)}, catp(core.CategoryParse)},
		{"unknown", core.Outcome{Status: core.TaskFailed, ErrorMessage: "something odd"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := setup(t)
			task := running(t, tr)
			got, err := tr.Complete(context.Background(), task.ID, tt.outcome)
			require.NoError(t, err)
			assert.Equal(t, tt.outcome.ErrorMessage, got.ErrorMessage)
			assert.Equal(t, tt.want, got.ErrorCategory)
		})
	}
}

func catp(c core.ErrorCategory) *core.ErrorCategory { return &c }

func TestCancelPendingTwice(t *testing.T) {
	tr, _ := setup(t)
	ctx := context.Background()
	task, err := tr.Submit(ctx, "sp1", core.TriggerManual, false)
	require.NoError(t, err)

	cancelled, err := tr.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.FinishedAt)

	_, err = tr.Cancel(ctx, task.ID)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))

	_, err = tr.Start(ctx, task.ID)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))
}

func TestCancelRunningIsCooperative(t *testing.T) {
	tr, _ := setup(t)
	ctx := context.Background()
	task := running(t, tr)

	got, err := tr.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskRunning, got.Status)
	assert.True(t, got.CancelRequested)

	// second request is a no-op while still running
	_, err = tr.Cancel(ctx, task.ID)
	require.NoError(t, err)

	cancel, err := tr.ReportProgress(ctx, task.ID, core.Progress{Progress: 40})
	require.NoError(t, err)
	assert.True(t, cancel)

	got, err = tr.Complete(ctx, task.ID, core.Outcome{Status: core.TaskCancelled})
	require.NoError(t, err)
	assert.Equal(t, core.TaskCancelled, got.Status)
	assert.NotNil(t, got.FinishedAt)
}

// staleOnce makes the first conditional task update lose a race.
type staleOnce struct {
	store.Store
	tripped bool
}

func (s *staleOnce) UpdateTask(ctx context.Context, t *core.Task, from core.TaskStatus) error {
	if !s.tripped {
		s.tripped = true
		return store.ErrStale
	}
	return s.Store.UpdateTask(ctx, t, from)
}

func TestUpdateRetriesOnceOnStale(t *testing.T) {
	_, mem := setup(t)
	st := &staleOnce{Store: mem}
	tr := New(st, zap.NewNop())
	ctx := context.Background()

	task, err := tr.Submit(ctx, "sp1", core.TriggerManual, false)
	require.NoError(t, err)
	got, err := tr.Start(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskRunning, got.Status)
	assert.True(t, st.tripped)
}

func TestLogs(t *testing.T) {
	tr, _ := setup(t)
	ctx := context.Background()
	task := running(t, tr)

	logs, err := tr.Logs(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, logs.HasLogs)

	require.NoError(t, tr.AppendLog(ctx, task.ID, core.StreamStdout, "fetched 10 pages\n"))
	require.NoError(t, tr.AppendLog(ctx, task.ID, core.StreamStderr, "warning: slow\n"))
	require.NoError(t, tr.AppendLog(ctx, task.ID, core.StreamStdout, ""))

	err = tr.AppendLog(ctx, task.ID, "video", "x")
	assert.Equal(t, core.ErrBadRequest, core.CodeOf(err))

	logs, err = tr.Logs(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, logs.HasLogs)
	assert.Equal(t, "fetched 10 pages\n", logs.Stdout)
	assert.Equal(t, "warning: slow\n", logs.Stderr)

	_, err = tr.Logs(ctx, "missing")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestList(t *testing.T) {
	tr, _ := setup(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := tr.Submit(ctx, "sp1", core.TriggerManual, false)
		require.NoError(t, err)
	}
	_, err := tr.Submit(ctx, "sp2", core.TriggerManual, false)
	require.NoError(t, err)

	list, err := tr.List(ctx, core.TaskFilter{SpiderID: "sp1"})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	list, err = tr.List(ctx, core.TaskFilter{Status: core.TaskFailed})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sp2", list[0].SpiderID)

	list, err = tr.List(ctx, core.TaskFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
