package localws

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitAndSwitch(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	require.NoError(t, l.Init("ws-1"))
	require.NoError(t, l.Init("ws-1"))
	assert.True(t, l.Exists("ws-1"))

	cur, err := l.CurrentPath("ws-1")
	require.NoError(t, err)
	assert.Equal(t, "initial", filepath.Base(cur))

	abs, rel, err := l.NewLiveDir("ws-1", "v2")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(abs, "main.py"), []byte("x"), 0o644))
	require.NoError(t, l.SwitchCurrent("ws-1", rel))

	cur, err = l.CurrentPath("ws-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", filepath.Base(cur))
	_, err = os.Stat(filepath.Join(l.Root, "ws-1", "live", "initial"))
	assert.True(t, os.IsNotExist(err), "old live tree should be removed")
}

func TestStateAndSync(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	require.NoError(t, l.Init("ws-1"))

	_, err := l.ReadState("ws-1")
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, l.WriteState("ws-1", State{Phase: "running", Since: now}))
	st, err := l.ReadState("ws-1")
	require.NoError(t, err)
	assert.Equal(t, "running", st.Phase)
	assert.True(t, st.Since.Equal(now))

	assert.False(t, l.Syncing("ws-1"))
	require.NoError(t, l.BeginSync("ws-1"))
	assert.True(t, l.Syncing("ws-1"))
	require.NoError(t, l.EndSync("ws-1"))
	assert.False(t, l.Syncing("ws-1"))
}

func TestInvalidID(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	assert.Error(t, l.Init("../escape"))
	_, err := l.CurrentPath("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
