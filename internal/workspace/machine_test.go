package workspace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lzjever/crawlhub/internal/core"
	"github.com/lzjever/crawlhub/internal/lock"
	"github.com/lzjever/crawlhub/internal/provider"
	"github.com/lzjever/crawlhub/internal/provider/mocks"
	"github.com/lzjever/crawlhub/internal/store"
)

func newMachine(t *testing.T) (*Machine, *mocks.MockClient, *store.Memory) {
	t.Helper()
	ctrl := gomock.NewController(t)
	pc := mocks.NewMockClient(ctrl)
	st := store.NewMemory()
	return New(st, pc, lock.NewKeyed(), time.Second, zap.NewNop()), pc, st
}

func running(ready bool) provider.Status {
	s := provider.Status{State: "running", IsReady: ready, CodeSyncStatus: "idle"}
	if ready {
		s.URL = "https://ws.example"
	}
	return s
}

func TestGetOrCreateProvisionsOnce(t *testing.T) {
	m, pc, _ := newMachine(t)
	ctx := context.Background()
	pc.EXPECT().Create(gomock.Any(), "sp1").DoAndReturn(func(context.Context, string) (string, error) {
		time.Sleep(10 * time.Millisecond)
		return "ws-1", nil
	}).Times(1)

	var wg sync.WaitGroup
	results := make([]core.Workspace, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ws, err := m.GetOrCreate(ctx, "sp1")
			assert.NoError(t, err)
			results[i] = ws
		}(i)
	}
	wg.Wait()
	for _, ws := range results {
		assert.Equal(t, "ws-1", ws.ProviderWorkspaceID)
		assert.Equal(t, core.WorkspacePending, ws.Status)
	}
}

func TestGetOrCreateProvisioningError(t *testing.T) {
	m, pc, st := newMachine(t)
	ctx := context.Background()
	pc.EXPECT().Create(gomock.Any(), "sp1").Return("", errors.New("quota exceeded"))

	_, err := m.GetOrCreate(ctx, "sp1")
	require.Error(t, err)
	assert.Equal(t, core.ErrProvisioning, core.CodeOf(err))

	_, err = st.GetWorkspace(ctx, "sp1")
	assert.ErrorIs(t, err, store.ErrNotFound, "nothing persisted on failure")
}

func TestStartIsIdempotent(t *testing.T) {
	m, pc, _ := newMachine(t)
	ctx := context.Background()
	pc.EXPECT().Create(gomock.Any(), "sp1").Return("ws-1", nil).Times(1)
	pc.EXPECT().Status(gomock.Any(), "ws-1").Return(running(true), nil).Times(1)

	ws, err := m.Start(ctx, "sp1") // absent: delegates to GetOrCreate
	require.NoError(t, err)
	assert.Equal(t, core.WorkspacePending, ws.Status)

	ws, err = m.RefreshStatus(ctx, "sp1")
	require.NoError(t, err)
	require.Equal(t, core.PhaseReady, ws.Phase())

	// Start on running issues no provider call (gomock fails on unexpected Start).
	ws2, err := m.Start(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, ws.Revision, ws2.Revision)
}

func TestStopAndRestart(t *testing.T) {
	m, pc, _ := newMachine(t)
	ctx := context.Background()
	gomock.InOrder(
		pc.EXPECT().Create(gomock.Any(), "sp1").Return("ws-1", nil),
		pc.EXPECT().Status(gomock.Any(), "ws-1").Return(running(true), nil),
		pc.EXPECT().Stop(gomock.Any(), "ws-1").Return(nil).Times(1),
		pc.EXPECT().Status(gomock.Any(), "ws-1").Return(provider.Status{State: "stopped"}, nil),
		pc.EXPECT().Start(gomock.Any(), "ws-1").Return(nil).Times(1),
	)

	_, err := m.GetOrCreate(ctx, "sp1")
	require.NoError(t, err)
	_, err = m.RefreshStatus(ctx, "sp1")
	require.NoError(t, err)

	ws, err := m.Stop(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, core.WorkspaceStopping, ws.Status)
	assert.False(t, ws.Ready())

	// stop while stopping: no provider call
	_, err = m.Stop(ctx, "sp1")
	require.NoError(t, err)

	ws, err = m.RefreshStatus(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, core.WorkspaceStopped, ws.Status)

	// stop while stopped: no provider call
	_, err = m.Stop(ctx, "sp1")
	require.NoError(t, err)

	ws, err = m.Start(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, core.WorkspaceStarting, ws.Status)
}

func TestStopRules(t *testing.T) {
	m, pc, _ := newMachine(t)
	ctx := context.Background()

	_, err := m.Stop(ctx, "missing")
	assert.True(t, errors.Is(err, core.ErrNotFound))

	pc.EXPECT().Create(gomock.Any(), "sp1").Return("ws-1", nil)
	_, err = m.GetOrCreate(ctx, "sp1")
	require.NoError(t, err)
	_, err = m.Stop(ctx, "sp1") // pending
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))
}

func TestStartFailureRollsBack(t *testing.T) {
	m, pc, _ := newMachine(t)
	ctx := context.Background()
	pc.EXPECT().Create(gomock.Any(), "sp1").Return("ws-1", nil)
	pc.EXPECT().Status(gomock.Any(), "ws-1").Return(provider.Status{State: "failed"}, nil)
	pc.EXPECT().Start(gomock.Any(), "ws-1").Return(&provider.APIError{StatusCode: 500, Message: "boom"})

	_, err := m.GetOrCreate(ctx, "sp1")
	require.NoError(t, err)
	_, err = m.RefreshStatus(ctx, "sp1")
	require.NoError(t, err)

	ws, err := m.Start(ctx, "sp1")
	require.Error(t, err)
	assert.Equal(t, core.ErrProvider, core.CodeOf(err))
	assert.Equal(t, core.WorkspaceFailed, ws.Status)

	got, _, err := m.Get(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, core.WorkspaceFailed, got.Status)
}

func TestProviderTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	pc := mocks.NewMockClient(ctrl)
	m := New(store.NewMemory(), pc, nil, 20*time.Millisecond, zap.NewNop())
	ctx := context.Background()

	pc.EXPECT().Create(gomock.Any(), "sp1").Return("ws-1", nil)
	pc.EXPECT().Status(gomock.Any(), "ws-1").DoAndReturn(func(ctx context.Context, _ string) (provider.Status, error) {
		<-ctx.Done()
		return provider.Status{}, ctx.Err()
	})
	_, err := m.GetOrCreate(ctx, "sp1")
	require.NoError(t, err)

	ws, err := m.RefreshStatus(ctx, "sp1")
	require.Error(t, err)
	assert.Equal(t, core.ErrProviderTimeout, core.CodeOf(err))
	assert.Equal(t, core.WorkspacePending, ws.Status, "last known state returned")
}

func TestStaleRefreshDiscarded(t *testing.T) {
	m, pc, _ := newMachine(t)
	ctx := context.Background()
	pc.EXPECT().Create(gomock.Any(), "sp1").Return("ws-1", nil)
	pc.EXPECT().Status(gomock.Any(), "ws-1").Return(running(true), nil)
	_, err := m.GetOrCreate(ctx, "sp1")
	require.NoError(t, err)
	_, err = m.RefreshStatus(ctx, "sp1")
	require.NoError(t, err)

	// A refresh reads "running", then a stop lands before it applies.
	release := make(chan struct{})
	pc.EXPECT().Status(gomock.Any(), "ws-1").DoAndReturn(func(context.Context, string) (provider.Status, error) {
		<-release
		return running(true), nil
	})
	pc.EXPECT().Stop(gomock.Any(), "ws-1").Return(nil)

	done := make(chan core.Workspace)
	go func() {
		ws, err := m.RefreshStatus(ctx, "sp1")
		assert.NoError(t, err)
		done <- ws
	}()
	time.Sleep(20 * time.Millisecond)
	stopped, err := m.Stop(ctx, "sp1")
	require.NoError(t, err)
	close(release)

	ws := <-done
	assert.Equal(t, core.WorkspaceStopping, ws.Status)
	assert.Equal(t, stopped.Revision, ws.Revision)
}

func TestRefreshGuard(t *testing.T) {
	m, pc, _ := newMachine(t)
	ctx := context.Background()
	pc.EXPECT().Create(gomock.Any(), "sp1").Return("ws-1", nil)
	pc.EXPECT().Status(gomock.Any(), "ws-1").Return(running(true), nil)
	_, err := m.GetOrCreate(ctx, "sp1")
	require.NoError(t, err)

	_, err = m.RefreshStatusIf(ctx, "sp1", func() bool { return false })
	assert.ErrorIs(t, err, ErrSuperseded)

	ws, _, err := m.Get(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, core.WorkspacePending, ws.Status)
}

func TestRefreshDuringStopCallIsStale(t *testing.T) {
	m, pc, _ := newMachine(t)
	ctx := context.Background()
	pc.EXPECT().Create(gomock.Any(), "sp1").Return("ws-1", nil)
	pc.EXPECT().Status(gomock.Any(), "ws-1").Return(running(true), nil)
	_, err := m.GetOrCreate(ctx, "sp1")
	require.NoError(t, err)
	_, err = m.RefreshStatus(ctx, "sp1")
	require.NoError(t, err)

	// The refresh reads the record after "stopping" is saved but queries the
	// provider before it has acted on the stop.
	observed := make(chan struct{})
	pc.EXPECT().Status(gomock.Any(), "ws-1").DoAndReturn(func(context.Context, string) (provider.Status, error) {
		close(observed)
		return running(true), nil
	})
	refreshed := make(chan core.Workspace)
	pc.EXPECT().Stop(gomock.Any(), "ws-1").DoAndReturn(func(context.Context, string) error {
		go func() {
			ws, err := m.RefreshStatus(ctx, "sp1")
			assert.NoError(t, err)
			refreshed <- ws
		}()
		<-observed
		return nil
	})

	stopped, err := m.Stop(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, core.WorkspaceStopping, stopped.Status)

	ws := <-refreshed
	assert.Equal(t, core.WorkspaceStopping, ws.Status)

	got, _, err := m.Get(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, core.WorkspaceStopping, got.Status)
	assert.False(t, got.Ready())
}
