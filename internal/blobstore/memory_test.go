package blobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	data := []byte("archive")
	require.NoError(t, m.Put(ctx, "k", data))
	data[0] = 'X' // caller mutation must not leak in

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "archive", string(got))

	u, err := m.PresignGet(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "memory://k", u)

	require.NoError(t, m.Delete(ctx, "k"))
	assert.Empty(t, m.Keys())
}
