// Package filetree reads and replaces the code tree inside a workspace.
package filetree

import (
	"context"

	"github.com/lzjever/crawlhub/internal/archive"
)

type Tree interface {
	// Snapshot packages the workspace's live code tree.
	Snapshot(ctx context.Context, workspaceID string) (archive.Archive, error)
	// Overwrite replaces the live code tree with the archive's contents.
	Overwrite(ctx context.Context, workspaceID string, a archive.Archive) error
}
