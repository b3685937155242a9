// Package deploy publishes workspace code as immutable, versioned
// deployments and moves the active pointer between them.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/crawlhub/internal/archive"
	"github.com/lzjever/crawlhub/internal/blobstore"
	"github.com/lzjever/crawlhub/internal/core"
	"github.com/lzjever/crawlhub/internal/filetree"
	"github.com/lzjever/crawlhub/internal/lock"
	"github.com/lzjever/crawlhub/internal/observability"
	"github.com/lzjever/crawlhub/internal/store"
)

const MaxNoteLength = 500

// Workspaces resolves a spider to its stored workspace record.
type Workspaces interface {
	Get(ctx context.Context, spiderID string) (core.Workspace, bool, error)
}

type Service struct {
	store      store.Store
	blobs      blobstore.Store
	tree       filetree.Tree
	workspaces Workspaces
	locks      *lock.Keyed
	log        *zap.Logger
}

// New wires the service. locks should be shared with the workspace machine
// so code pushes and lifecycle changes of one spider never interleave.
func New(st store.Store, blobs blobstore.Store, tree filetree.Tree, ws Workspaces, locks *lock.Keyed, log *zap.Logger) *Service {
	if locks == nil {
		locks = lock.NewKeyed()
	}
	return &Service{
		store:      st,
		blobs:      blobs,
		tree:       tree,
		workspaces: ws,
		locks:      locks,
		log:        observability.Component(log, "deploy"),
	}
}

// Deploy snapshots the spider's workspace and records it as the new active
// version. Nothing is recorded unless the archive was stored.
func (s *Service) Deploy(ctx context.Context, spiderID, note string) (d *core.Deployment, err error) {
	if len(note) > MaxNoteLength {
		return nil, core.NewAppError(core.ErrBadRequest, fmt.Sprintf("deploy note longer than %d characters", MaxNoteLength))
	}
	defer func() { countOp("deploy", err) }()

	unlock, err := s.locks.Lock(ctx, spiderID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	log := observability.SpiderLogger(s.log, spiderID)

	ws, ok, err := s.workspaces.Get(ctx, spiderID)
	if err != nil {
		return nil, err
	}
	if !ok || ws.ProviderWorkspaceID == "" {
		return nil, core.NewAppError(core.ErrWorkspaceUnavailable, "spider has no workspace to deploy from")
	}

	a, err := s.tree.Snapshot(ctx, ws.ProviderWorkspaceID)
	if err != nil {
		log.Warn("snapshot failed", zap.Error(err))
		return nil, core.WrapAppError(core.ErrDeployment, "snapshot workspace", err)
	}
	fileCount, err := validate(a)
	if err != nil {
		return nil, core.WrapAppError(core.ErrDeployment, "package workspace", err)
	}

	d = &core.Deployment{
		ID:          core.NewID(),
		SpiderID:    spiderID,
		FileCount:   fileCount,
		ArchiveSize: a.Size(),
		Checksum:    a.Checksum(),
		DeployNote:  note,
	}
	d.ArchiveKey = core.ArchiveKeyFor(spiderID, d.ID)

	if err := s.blobs.Put(ctx, d.ArchiveKey, a.Data); err != nil {
		return nil, core.WrapAppError(core.ErrDeployment, "store archive", err)
	}
	if err := s.store.CreateDeployment(ctx, d); err != nil {
		s.dropArchive(context.WithoutCancel(ctx), log, d.ArchiveKey)
		return nil, core.WrapAppError(core.ErrInternal, "record deployment", err)
	}

	observability.DeployArchiveBytes.Observe(float64(d.ArchiveSize))
	log.Info("deployed",
		zap.String("deployment_id", d.ID),
		zap.Int("version", d.Version),
		zap.Int("file_count", d.FileCount),
		zap.Int64("archive_size", d.ArchiveSize))
	return d, nil
}

// validate checks the snapshot is a readable, non-empty archive within the
// size limit and returns its file count.
func validate(a archive.Archive) (int, error) {
	if a.Size() > archive.MaxSize {
		return 0, archive.ErrTooLarge
	}
	entries, err := archive.Inspect(a.Data)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, archive.ErrEmpty
	}
	if a.FileCount != 0 && a.FileCount != len(entries) {
		return 0, fmt.Errorf("snapshot reported %d files, archive holds %d", a.FileCount, len(entries))
	}
	return len(entries), nil
}

// Rollback makes an older deployment active again. No version is created
// and the workspace is left alone.
func (s *Service) Rollback(ctx context.Context, spiderID, deploymentID string) (d *core.Deployment, err error) {
	defer func() { countOp("rollback", err) }()
	err = s.locks.With(ctx, spiderID, func() error {
		var aerr error
		d, aerr = s.store.ActivateDeployment(ctx, spiderID, deploymentID)
		switch {
		case errors.Is(aerr, store.ErrNotFound):
			return notFound(deploymentID)
		case errors.Is(aerr, store.ErrConflict):
			return core.NewAppError(core.ErrInvalidTransition, "deployment is already active")
		case aerr != nil:
			return core.WrapAppError(core.ErrInternal, "activate deployment", aerr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.SpiderLogger(s.log, spiderID).Info("rolled back",
		zap.String("deployment_id", d.ID), zap.Int("version", d.Version))
	return d, nil
}

// Restore writes the active deployment back into the running workspace.
func (s *Service) Restore(ctx context.Context, spiderID string) (d *core.Deployment, err error) {
	defer func() { countOp("restore", err) }()
	unlock, err := s.locks.Lock(ctx, spiderID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	log := observability.SpiderLogger(s.log, spiderID)

	ws, ok, err := s.workspaces.Get(ctx, spiderID)
	if err != nil {
		return nil, err
	}
	if !ok || ws.Status != core.WorkspaceRunning {
		state := string(core.PhaseAbsent)
		if ok {
			state = string(ws.Status)
		}
		return nil, core.NewAppError(core.ErrWorkspaceUnavailable,
			fmt.Sprintf("workspace must be running to restore (is %s)", state))
	}

	d, err = s.store.ActiveDeployment(ctx, spiderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, core.NewAppError(core.ErrNotFound, "spider has no active deployment")
	}
	if err != nil {
		return nil, core.WrapAppError(core.ErrInternal, "load active deployment", err)
	}

	data, err := s.blobs.Get(ctx, d.ArchiveKey)
	if err != nil {
		return nil, core.WrapAppError(core.ErrDeployment, "fetch archive", err)
	}
	if err := archive.Verify(data, d.Checksum); err != nil {
		return nil, core.WrapAppError(core.ErrDeployment, "verify archive", err)
	}
	if err := s.tree.Overwrite(ctx, ws.ProviderWorkspaceID, archive.Archive{Data: data, FileCount: d.FileCount}); err != nil {
		log.Warn("restore overwrite failed", zap.Error(err))
		return nil, core.WrapAppError(core.ErrDeployment, "overwrite workspace", err)
	}
	log.Info("restored", zap.String("deployment_id", d.ID), zap.Int("version", d.Version))
	return d, nil
}

// Delete removes an archived deployment. Its version number stays used.
func (s *Service) Delete(ctx context.Context, spiderID, deploymentID string) (err error) {
	defer func() { countOp("delete", err) }()
	var d *core.Deployment
	err = s.locks.With(ctx, spiderID, func() error {
		var derr error
		d, derr = s.store.DeleteDeployment(ctx, spiderID, deploymentID)
		switch {
		case errors.Is(derr, store.ErrNotFound):
			return notFound(deploymentID)
		case errors.Is(derr, store.ErrConflict):
			return core.NewAppError(core.ErrCannotDeleteActive, "cannot delete the active deployment")
		case derr != nil:
			return core.WrapAppError(core.ErrInternal, "delete deployment", derr)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// The row is gone; the archive can be dropped outside the lock.
	log := observability.SpiderLogger(s.log, spiderID)
	s.dropArchive(context.WithoutCancel(ctx), log, d.ArchiveKey)
	log.Info("deployment deleted", zap.String("deployment_id", d.ID), zap.Int("version", d.Version))
	return nil
}

// Prune deletes archived deployments beyond the newest keep archived ones.
// The active deployment is never pruned.
func (s *Service) Prune(ctx context.Context, spiderID string, keep int) (removed []*core.Deployment, err error) {
	if keep < 0 {
		return nil, core.NewAppError(core.ErrBadRequest, "keep must not be negative")
	}
	defer func() { countOp("prune", err) }()
	unlock, err := s.locks.Lock(ctx, spiderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	removed, err = s.store.PruneDeployments(ctx, spiderID, keep)
	if err != nil {
		return nil, core.WrapAppError(core.ErrInternal, "prune deployments", err)
	}
	if len(removed) == 0 {
		return removed, nil
	}
	log := observability.SpiderLogger(s.log, spiderID)
	for _, d := range removed {
		s.dropArchive(context.WithoutCancel(ctx), log, d.ArchiveKey)
	}
	observability.PrunedDeploymentsTotal.Add(float64(len(removed)))
	log.Info("pruned deployments", zap.Int("removed", len(removed)), zap.Int("keep", keep))
	return removed, nil
}

// PruneAll prunes every spider that has deployments and returns how many
// deployments were removed in total.
func (s *Service) PruneAll(ctx context.Context, keep int) (int, error) {
	spiders, err := s.store.DeploymentSpiders(ctx)
	if err != nil {
		return 0, core.WrapAppError(core.ErrInternal, "list spiders", err)
	}
	total := 0
	var errs []error
	for _, id := range spiders {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		removed, err := s.Prune(ctx, id, keep)
		if err != nil {
			errs = append(errs, fmt.Errorf("spider %s: %w", id, err))
			continue
		}
		total += len(removed)
	}
	return total, errors.Join(errs...)
}

// List returns the spider's deployments, newest version first.
func (s *Service) List(ctx context.Context, spiderID string) ([]*core.Deployment, error) {
	list, err := s.store.ListDeployments(ctx, spiderID)
	if err != nil {
		return nil, core.WrapAppError(core.ErrInternal, "list deployments", err)
	}
	return list, nil
}

func (s *Service) Get(ctx context.Context, spiderID, deploymentID string) (*core.Deployment, error) {
	d, err := s.store.GetDeployment(ctx, deploymentID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && d.SpiderID != spiderID) {
		return nil, notFound(deploymentID)
	}
	if err != nil {
		return nil, core.WrapAppError(core.ErrInternal, "load deployment", err)
	}
	return d, nil
}

// ArchiveURL returns a time-limited download URL for a deployment archive.
func (s *Service) ArchiveURL(ctx context.Context, d *core.Deployment, ttl time.Duration) (string, error) {
	u, err := s.blobs.PresignGet(ctx, d.ArchiveKey, ttl)
	if err != nil {
		return "", core.WrapAppError(core.ErrDeployment, "presign archive", err)
	}
	return u, nil
}

func (s *Service) dropArchive(ctx context.Context, log *zap.Logger, key string) {
	if err := s.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		log.Warn("archive cleanup failed", zap.String("key", key), zap.Error(err))
	}
}

func notFound(deploymentID string) error {
	return core.NewAppError(core.ErrNotFound, "deployment not found: "+deploymentID)
}

func countOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.DeployTotal.WithLabelValues(op, result).Inc()
}
