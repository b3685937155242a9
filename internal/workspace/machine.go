// Package workspace owns the lifecycle of each spider's remote workspace.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/crawlhub/internal/core"
	"github.com/lzjever/crawlhub/internal/lock"
	"github.com/lzjever/crawlhub/internal/observability"
	"github.com/lzjever/crawlhub/internal/provider"
	"github.com/lzjever/crawlhub/internal/store"
)

const DefaultProviderTimeout = 15 * time.Second

// ErrSuperseded is returned by RefreshStatusIf when the guard rejected the
// result; nothing was written.
var ErrSuperseded = errors.New("workspace: refresh superseded")

// Machine serializes workspace transitions per spider and keeps the stored
// record in step with the provider.
type Machine struct {
	store    store.Store
	provider provider.Client
	locks    *lock.Keyed
	timeout  time.Duration
	log      *zap.Logger
}

func New(st store.Store, pc provider.Client, locks *lock.Keyed, timeout time.Duration, log *zap.Logger) *Machine {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	if locks == nil {
		locks = lock.NewKeyed()
	}
	return &Machine{
		store:    st,
		provider: pc,
		locks:    locks,
		timeout:  timeout,
		log:      observability.Component(log, "workspace"),
	}
}

// Get returns the stored record without contacting the provider. The bool is
// false when the spider has no workspace yet.
func (m *Machine) Get(ctx context.Context, spiderID string) (core.Workspace, bool, error) {
	ws, err := m.store.GetWorkspace(ctx, spiderID)
	if errors.Is(err, store.ErrNotFound) {
		return core.Workspace{SpiderID: spiderID}, false, nil
	}
	if err != nil {
		return core.Workspace{}, false, core.WrapAppError(core.ErrInternal, "load workspace", err)
	}
	return ws, true, nil
}

func (m *Machine) lock(ctx context.Context, spiderID string) (func(), error) {
	start := time.Now()
	unlock, err := m.locks.Lock(ctx, spiderID)
	if err != nil {
		return nil, err
	}
	observability.LockWaitSeconds.Observe(time.Since(start).Seconds())
	return unlock, nil
}

// GetOrCreate provisions a workspace on first use. Concurrent callers for
// the same spider provision at most once.
func (m *Machine) GetOrCreate(ctx context.Context, spiderID string) (core.Workspace, error) {
	unlock, err := m.lock(ctx, spiderID)
	if err != nil {
		return core.Workspace{}, err
	}
	defer unlock()
	return m.getOrCreateLocked(ctx, spiderID)
}

func (m *Machine) getOrCreateLocked(ctx context.Context, spiderID string) (core.Workspace, error) {
	ws, ok, err := m.Get(ctx, spiderID)
	if err != nil || ok {
		return ws, err
	}
	log := observability.SpiderLogger(m.log, spiderID)

	var providerID string
	err = m.call(ctx, "create", func(ctx context.Context) error {
		var cerr error
		providerID, cerr = m.provider.Create(ctx, spiderID)
		return cerr
	})
	if err != nil {
		log.Warn("provision failed", zap.Error(err))
		return core.Workspace{}, core.WrapAppError(core.ErrProvisioning, "provision workspace", err)
	}

	next, _, err := core.Workspace{SpiderID: spiderID}.Apply(core.Provisioned{ProviderWorkspaceID: providerID})
	if err != nil {
		return core.Workspace{}, err
	}
	saved, err := m.store.InsertWorkspace(ctx, next)
	if errors.Is(err, store.ErrConflict) {
		// Another process won the race; its record stands.
		log.Warn("workspace provisioned concurrently, discarding ours", zap.String("provider_workspace_id", providerID))
		existing, _, gerr := m.Get(ctx, spiderID)
		return existing, gerr
	}
	if err != nil {
		return core.Workspace{}, core.WrapAppError(core.ErrInternal, "save workspace", err)
	}
	recordTransition(string(core.PhaseAbsent), saved.Status)
	log.Info("workspace provisioned", zap.String("provider_workspace_id", providerID))
	return saved, nil
}

// Start brings a stopped or failed workspace back up. It is a no-op while the
// workspace is already pending, starting or running.
func (m *Machine) Start(ctx context.Context, spiderID string) (core.Workspace, error) {
	unlock, err := m.lock(ctx, spiderID)
	if err != nil {
		return core.Workspace{}, err
	}
	defer unlock()

	ws, ok, err := m.Get(ctx, spiderID)
	if err != nil {
		return core.Workspace{}, err
	}
	if !ok {
		return m.getOrCreateLocked(ctx, spiderID)
	}
	return m.transitionLocked(ctx, ws, core.StartRequested{}, "start", m.provider.Start)
}

// Stop shuts a running or starting workspace down. It is a no-op while the
// workspace is already stopping or stopped.
func (m *Machine) Stop(ctx context.Context, spiderID string) (core.Workspace, error) {
	unlock, err := m.lock(ctx, spiderID)
	if err != nil {
		return core.Workspace{}, err
	}
	defer unlock()

	ws, ok, err := m.Get(ctx, spiderID)
	if err != nil {
		return core.Workspace{}, err
	}
	if !ok {
		return core.Workspace{}, core.NewAppError(core.ErrNotFound, "spider has no workspace")
	}
	return m.transitionLocked(ctx, ws, core.StopRequested{}, "stop", m.provider.Stop)
}

// transitionLocked persists the transitional state, then asks the provider.
// If the provider refuses, the previous state is written back.
func (m *Machine) transitionLocked(ctx context.Context, ws core.Workspace, ev core.WorkspaceEvent, op string,
	call func(context.Context, string) error) (core.Workspace, error) {
	next, changed, err := ws.Apply(ev)
	if err != nil || !changed {
		return ws, err
	}
	log := observability.SpiderLogger(m.log, ws.SpiderID)

	saved, err := m.store.UpdateWorkspace(ctx, next, ws.Revision)
	if err != nil {
		return ws, m.storeError(err)
	}
	recordTransition(string(ws.Status), saved.Status)

	err = m.call(ctx, op, func(ctx context.Context) error {
		return call(ctx, ws.ProviderWorkspaceID)
	})
	if err == nil {
		// Observations read before the provider acknowledged the call carry
		// this revision; bump it so RefreshStatusIf drops them.
		acked, aerr := m.store.UpdateWorkspace(context.WithoutCancel(ctx), saved, saved.Revision)
		if aerr != nil {
			log.Error("record provider acknowledgement", zap.String("op", op), zap.Error(aerr))
		} else {
			saved = acked
		}
		log.Info("workspace "+op+" requested", zap.String("status", string(saved.Status)))
		return saved, nil
	}

	// Write back what was there before; the provider never saw the change.
	rolled, rerr := m.store.UpdateWorkspace(context.WithoutCancel(ctx), ws, saved.Revision)
	if rerr != nil {
		log.Error("rollback after provider failure", zap.String("op", op), zap.Error(rerr))
		return saved, err
	}
	recordTransition(string(saved.Status), rolled.Status)
	log.Warn("provider "+op+" failed, state rolled back", zap.Error(err))
	return rolled, err
}

// RefreshStatus asks the provider for the workspace's state and applies it.
func (m *Machine) RefreshStatus(ctx context.Context, spiderID string) (core.Workspace, error) {
	return m.RefreshStatusIf(ctx, spiderID, nil)
}

// RefreshStatusIf is RefreshStatus with a guard evaluated under the spider
// lock; if valid returns false the observation is dropped and ErrSuperseded
// returned. The provider is queried without holding the lock. An observation
// is only applied if the record has not changed since it was read.
func (m *Machine) RefreshStatusIf(ctx context.Context, spiderID string, valid func() bool) (core.Workspace, error) {
	ws, ok, err := m.Get(ctx, spiderID)
	if err != nil {
		return core.Workspace{}, err
	}
	if !ok {
		return ws, core.NewAppError(core.ErrNotFound, "spider has no workspace")
	}

	var status provider.Status
	err = m.call(ctx, "status", func(ctx context.Context) error {
		var serr error
		status, serr = m.provider.Status(ctx, ws.ProviderWorkspaceID)
		return serr
	})
	if err != nil {
		return ws, err
	}
	obs := provider.Normalize(status)

	unlock, err := m.lock(ctx, spiderID)
	if err != nil {
		return ws, err
	}
	defer unlock()

	if valid != nil && !valid() {
		return ws, ErrSuperseded
	}
	cur, _, err := m.Get(ctx, spiderID)
	if err != nil {
		return ws, err
	}
	if cur.Revision != ws.Revision {
		observability.StaleObservationsTotal.Inc()
		return cur, nil
	}
	next, changed, err := cur.Apply(core.Observed{Observation: obs})
	if err != nil || !changed {
		return cur, err
	}
	saved, err := m.store.UpdateWorkspace(ctx, next, cur.Revision)
	if errors.Is(err, store.ErrStale) {
		// A writer in another process got there first.
		observability.StaleObservationsTotal.Inc()
		fresh, _, gerr := m.Get(ctx, spiderID)
		return fresh, gerr
	}
	if err != nil {
		return cur, m.storeError(err)
	}
	if saved.Status != cur.Status {
		recordTransition(string(cur.Status), saved.Status)
		observability.SpiderLogger(m.log, spiderID).Info("workspace status changed",
			zap.String("from", string(cur.Status)), zap.String("to", string(saved.Status)),
			zap.String("phase", string(saved.Phase())))
	}
	return saved, nil
}

// call runs fn with the provider deadline and maps failures to
// ProviderTimeout or ProviderError. Cancellation of the caller's context is
// returned unchanged.
func (m *Machine) call(ctx context.Context, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	err := fn(cctx)
	observability.ProviderCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if provider.IsTimeout(err) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
		observability.ProviderErrorsTotal.WithLabelValues(op, "timeout").Inc()
		return core.WrapAppError(core.ErrProviderTimeout, fmt.Sprintf("provider %s timed out after %s", op, m.timeout), err)
	}
	observability.ProviderErrorsTotal.WithLabelValues(op, "error").Inc()
	return core.WrapAppError(core.ErrProvider, "provider "+op+" failed", err)
}

func (m *Machine) storeError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return core.NewAppError(core.ErrNotFound, "spider has no workspace")
	case errors.Is(err, store.ErrStale):
		return core.WrapAppError(core.ErrInvalidTransition, "workspace changed concurrently, retry", err)
	}
	return core.WrapAppError(core.ErrInternal, "save workspace", err)
}

func recordTransition(from string, to core.WorkspaceStatus) {
	if from == string(to) {
		return
	}
	observability.WorkspaceStateTransitions.WithLabelValues(from, string(to)).Inc()
}
