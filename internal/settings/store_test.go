package settings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinpilot/pkg/db"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewStore(database)
}

func TestGetMissingKey(t *testing.T) {
	s := newStore(t)

	_, ok, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetOverwrites(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, KeyDryOverride, "on"))
	v, ok, err := s.Get(ctx, KeyDryOverride)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "on", v)

	require.NoError(t, s.Set(ctx, KeyDryOverride, "off"))
	v, ok, err = s.Get(ctx, KeyDryOverride)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "off", v)
}

func TestDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, KeyDryOverride, "on"))
	require.NoError(t, s.Delete(ctx, KeyDryOverride))

	_, ok, err := s.Get(ctx, KeyDryOverride)
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting again is a no-op.
	require.NoError(t, s.Delete(ctx, KeyDryOverride))
}
