package filetree

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/lzjever/crawlhub/internal/archive"
	"github.com/lzjever/crawlhub/internal/core"
	"github.com/lzjever/crawlhub/internal/localws"
)

// Local reads and replaces trees of workspaces hosted by provider.Local.
type Local struct {
	layout localws.Layout
}

func NewLocal(layout localws.Layout) *Local { return &Local{layout: layout} }

func (l *Local) Snapshot(ctx context.Context, workspaceID string) (archive.Archive, error) {
	if err := ctx.Err(); err != nil {
		return archive.Archive{}, err
	}
	cur, err := l.layout.CurrentPath(workspaceID)
	if err != nil {
		return archive.Archive{}, err
	}
	return archive.Pack(os.DirFS(cur))
}

// Overwrite unpacks into a fresh live directory and switches current to it,
// so readers see either the old tree or the new one. The workspace reports
// code sync while this runs.
func (l *Local) Overwrite(ctx context.Context, workspaceID string, a archive.Archive) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !l.layout.Exists(workspaceID) {
		return localws.ErrNotFound
	}
	log := l.layout.Logger().With(zap.String("workspace_id", workspaceID))

	if err := l.layout.BeginSync(workspaceID); err != nil {
		return fmt.Errorf("mark sync: %w", err)
	}
	defer func() {
		if err := l.layout.EndSync(workspaceID); err != nil {
			log.Warn("clear sync marker failed", zap.Error(err))
		}
	}()

	abs, rel, err := l.layout.NewLiveDir(workspaceID, core.NewShortID())
	if err != nil {
		return err
	}
	n, err := archive.Unpack(a.Data, abs)
	if err != nil {
		_ = os.RemoveAll(abs)
		return fmt.Errorf("unpack: %w", err)
	}
	if err := l.layout.SwitchCurrent(workspaceID, rel); err != nil {
		_ = os.RemoveAll(abs)
		return err
	}
	log.Info("workspace tree overwritten", zap.Int("files", n))
	return nil
}
