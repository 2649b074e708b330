package migrate

import (
	"path/filepath"
	"testing"

	"github.com/panktist/crocks/internal/coordinator"
	"github.com/panktist/crocks/internal/storage"
	"github.com/stretchr/testify/require"
)

type fakeShardTable struct {
	removed []uint32
}

func (f *fakeShardTable) Remove(id uint32) { f.removed = append(f.removed, id) }

func openEngine(t *testing.T) *storage.Engine {
	e, err := storage.Open(t.TempDir(), storage.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestIntentWriteListClearRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeIntent(dir, 7))
	require.NoError(t, writeIntent(dir, 3))

	pending, err := listIntents(dir)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint32{3, 7}, pending)

	require.NoError(t, clearIntent(dir, 7))
	pending, err = listIntents(dir)
	require.NoError(t, err)
	require.Equal(t, []uint32{3}, pending)
}

func TestListIntentsOnMissingDirReturnsEmpty(t *testing.T) {
	pending, err := listIntents(filepath.Join(t.TempDir(), "never-created"))
	require.NoError(t, err)
	require.Nil(t, pending)
}

func TestRecoverIntentsClearsStaleMarkerWhenShardStillOwned(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeIntent(dir, 1))

	rec := coordinator.NewRecord()
	id, err := rec.AddNodeWithNewShards("self:1", 4)
	require.NoError(t, err)
	require.Equal(t, 0, id)

	e := openEngine(t)
	table := &fakeShardTable{}

	require.NoError(t, RecoverIntents(dir, rec, 0, e, table))

	pending, err := listIntents(dir)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Empty(t, table.removed)
}

func TestRecoverIntentsFinishesHandoverWhenGiveShardCommitted(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeIntent(dir, 2))

	rec := coordinator.NewRecord()
	_, err := rec.AddNodeWithNewShards("self:1", 4)
	require.NoError(t, err)
	require.NoError(t, rec.SetRunning())
	_, err = rec.AddNode("peer:1")
	require.NoError(t, err)
	rec.Redistribute()
	require.NoError(t, rec.SetMigrating())

	// Simulate give_shard having committed for shard 2 away from node 0,
	// regardless of which shard Redistribute actually chose to move, by
	// directly moving shard 2 off node 0 and into node 1's Shards and
	// Future.
	delete(rec.Nodes[0].Shards, 2)
	rec.Nodes[1].Shards[2] = struct{}{}
	rec.Nodes[1].Future[2] = struct{}{}

	e := openEngine(t)
	_, err = e.CreateKeyspace(2)
	require.NoError(t, err)
	table := &fakeShardTable{}

	require.NoError(t, RecoverIntents(dir, rec, 0, e, table))

	pending, err := listIntents(dir)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Equal(t, []uint32{2}, table.removed)

	ids, err := e.Keyspaces()
	require.NoError(t, err)
	require.NotContains(t, ids, uint32(2))
}
