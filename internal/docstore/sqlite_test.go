package docstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLite_PersistAndReload(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "nested", "huddle.db")

	db, err := OpenSQLite(dbPath)
	require.NoError(t, err)
	assert.Equal(t, dbPath, db.Path())

	m, err := NewMemory(WithPersister(db))
	require.NoError(t, err)

	require.NoError(t, m.Set(ctx, "rooms/r1", Data{"name": "Standup", "createdAt": ServerTimestamp()}))
	require.NoError(t, m.Set(ctx, "rooms/r1/members/u1", Data{"role": "admin"}))
	require.NoError(t, m.Set(ctx, "rooms/r2", Data{"name": "gone"}))
	require.NoError(t, m.Delete(ctx, "rooms/r2"))
	require.NoError(t, m.Update(ctx, "rooms/r1", Data{"lockChat": true}))

	before, err := m.Get(ctx, "rooms/r1")
	require.NoError(t, err)
	require.NoError(t, m.Close())

	db, err = OpenSQLite(dbPath)
	require.NoError(t, err)
	reloaded, err := NewMemory(WithPersister(db))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reloaded.Close() })

	snap, err := reloaded.Get(ctx, "rooms/r1")
	require.NoError(t, err)
	require.True(t, snap.Exists)
	assert.Equal(t, before.Data, snap.Data)
	assert.True(t, before.CreateTime.Equal(snap.CreateTime))
	assert.True(t, before.UpdateTime.Equal(snap.UpdateTime))

	snap, err = reloaded.Get(ctx, "rooms/r2")
	require.NoError(t, err)
	assert.False(t, snap.Exists)

	members, err := reloaded.Query(ctx, "rooms/r1/members", Query{})
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "u1", members[0].ID)

	// Timestamps keep increasing across restarts.
	require.NoError(t, reloaded.Update(ctx, "rooms/r1", Data{"name": "Retro"}))
	snap, err = reloaded.Get(ctx, "rooms/r1")
	require.NoError(t, err)
	assert.True(t, snap.UpdateTime.After(before.UpdateTime))
}
