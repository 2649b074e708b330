package server

import (
	"testing"

	"github.com/panktist/crocks/internal/coordinator"
	"github.com/panktist/crocks/internal/migrate"
	"github.com/panktist/crocks/internal/shard"
	"github.com/stretchr/testify/require"
)

func TestRecoverReopensOwnedShardsNotYetInTable(t *testing.T) {
	e := openTestEngine(t)
	rec := coordinator.NewRecord()
	_, err := rec.AddNodeWithNewShards("self:1", 4)
	require.NoError(t, err)
	require.NoError(t, rec.SetRunning())

	for id := range rec.Nodes[0].Shards {
		_, err := e.CreateKeyspace(id)
		require.NoError(t, err)
	}

	table := shard.NewTable()
	require.NoError(t, Recover(t.TempDir(), rec, 0, e, table))

	for id := range rec.Nodes[0].Shards {
		_, ok := table.At(id)
		require.True(t, ok, "shard %d should have been reopened", id)
	}
}

func TestRecoverRestoresImportingShardWithPersistedWatermarkAndAddress(t *testing.T) {
	e := openTestEngine(t)
	rec := coordinator.NewRecord()
	_, err := rec.AddNodeWithNewShards("a:1", 4)
	require.NoError(t, err)
	require.NoError(t, rec.SetRunning())
	_, err = rec.AddNode("b:1")
	require.NoError(t, err)

	var moving uint32
	for s := range rec.Nodes[0].Shards {
		moving = s
		break
	}
	require.NoError(t, rec.SetMigrating())
	delete(rec.Nodes[0].Shards, moving)
	rec.Nodes[1].Future[moving] = struct{}{}

	_, err = e.CreateKeyspace(moving)
	require.NoError(t, err)
	require.NoError(t, e.SetLargestKey(moving, []byte("m")))

	scratch := t.TempDir()
	require.NoError(t, migrate.WriteOldAddressForTesting(scratch, moving, "a:1"))

	table := shard.NewTable()
	require.NoError(t, Recover(scratch, rec, 1, e, table))

	sh, ok := table.At(moving)
	require.True(t, ok)
	require.True(t, sh.Importing())
	require.Equal(t, []byte("m"), sh.LargestKey())
	require.Equal(t, "a:1", sh.OldAddress())
}

func TestRecoverSkipsFutureShardNotYetCreatedOnDisk(t *testing.T) {
	e := openTestEngine(t)
	rec := coordinator.NewRecord()
	_, err := rec.AddNodeWithNewShards("a:1", 4)
	require.NoError(t, err)
	require.NoError(t, rec.SetRunning())
	_, err = rec.AddNode("b:1")
	require.NoError(t, err)
	rec.Redistribute()
	require.NoError(t, rec.SetMigrating())

	table := shard.NewTable()
	require.NoError(t, Recover(t.TempDir(), rec, 1, e, table))

	for s := range rec.Nodes[1].Future {
		_, ok := table.At(s)
		require.False(t, ok, "an un-pulled future shard has nothing to reopen yet")
	}
}

