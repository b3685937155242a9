package filetree

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzjever/crawlhub/internal/archive"
	"github.com/lzjever/crawlhub/internal/localws"
)

func TestLocalSnapshotOverwrite(t *testing.T) {
	ctx := context.Background()
	layout := localws.Layout{Root: t.TempDir()}
	require.NoError(t, layout.Init("ws-1"))
	cur, err := layout.CurrentPath("ws-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cur, "main.py"), []byte("v1"), 0o644))

	tree := NewLocal(layout)
	snap, err := tree.Snapshot(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.FileCount)

	// Edit, then restore the snapshot over the edit.
	require.NoError(t, os.WriteFile(filepath.Join(cur, "main.py"), []byte("v2-edit"), 0o644))
	require.NoError(t, tree.Overwrite(ctx, "ws-1", snap))

	cur, err = layout.CurrentPath("ws-1")
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(cur, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))
	assert.False(t, layout.Syncing("ws-1"))
}

func TestLocalSnapshotEmptyTree(t *testing.T) {
	layout := localws.Layout{Root: t.TempDir()}
	require.NoError(t, layout.Init("ws-1"))
	_, err := NewLocal(layout).Snapshot(context.Background(), "ws-1")
	assert.ErrorIs(t, err, archive.ErrEmpty)
}

func TestLocalOverwriteBadArchiveKeepsTree(t *testing.T) {
	ctx := context.Background()
	layout := localws.Layout{Root: t.TempDir()}
	require.NoError(t, layout.Init("ws-1"))
	before, _ := layout.CurrentPath("ws-1")

	err := NewLocal(layout).Overwrite(ctx, "ws-1", archive.Archive{Data: []byte("garbage")})
	require.Error(t, err)
	after, _ := layout.CurrentPath("ws-1")
	assert.Equal(t, before, after)
	assert.False(t, layout.Syncing("ws-1"))
}

func TestHTTPTree(t *testing.T) {
	a, err := archive.Pack(fstest.MapFS{"main.py": {Data: []byte("x")}})
	require.NoError(t, err)

	var uploaded []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/workspaces/ws-1/files", r.URL.Path)
		assert.Equal(t, "tok", r.Header.Get("Coder-Session-Token"))
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("X-File-Count", "1")
			w.Write(a.Data)
		case http.MethodPut:
			uploaded, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	tree := NewHTTPTree(srv.URL, "tok", nil)
	got, err := tree.Snapshot(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.FileCount)
	assert.Equal(t, a.Checksum(), got.Checksum())

	require.NoError(t, tree.Overwrite(context.Background(), "ws-1", a))
	assert.Equal(t, a.Data, uploaded)
}

func TestHTTPTreeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "workspace offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, err := NewHTTPTree(srv.URL, "", nil).Snapshot(context.Background(), "ws-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
