package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) *Engine {
	dir := t.TempDir()
	e, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestKeyspacePutGetDelete(t *testing.T) {
	e := openTestEngine(t)
	ks, err := e.CreateKeyspace(3)
	require.NoError(t, err)

	require.NoError(t, ks.Put([]byte("x"), []byte("1")))
	v, err := ks.Get([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, ks.Delete([]byte("x")))
	_, err = ks.Get([]byte("x"))
	require.Error(t, err)
}

func TestKeyspacesDoNotLeakAcrossShards(t *testing.T) {
	e := openTestEngine(t)
	a, _ := e.CreateKeyspace(1)
	b, _ := e.CreateKeyspace(2)

	require.NoError(t, a.Put([]byte("k"), []byte("a")))
	require.NoError(t, b.Put([]byte("k"), []byte("b")))

	va, _ := a.Get([]byte("k"))
	vb, _ := b.Get([]byte("k"))
	require.Equal(t, []byte("a"), va)
	require.Equal(t, []byte("b"), vb)
}

func TestBatchCommitsAtomicallyAcrossShards(t *testing.T) {
	e := openTestEngine(t)
	_, _ = e.CreateKeyspace(1)
	_, _ = e.CreateKeyspace(2)

	batch := e.NewBatch()
	require.NoError(t, batch.Put(1, []byte("k"), []byte("one")))
	require.NoError(t, batch.Put(2, []byte("k"), []byte("two")))
	require.NoError(t, batch.Commit())
	require.NoError(t, batch.Close())

	v1, err := e.Keyspace(1).Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("one"), v1)
	v2, err := e.Keyspace(2).Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("two"), v2)
}

func TestDropKeyspaceRemovesManifestAndData(t *testing.T) {
	e := openTestEngine(t)
	ks, _ := e.CreateKeyspace(5)
	require.NoError(t, ks.Put([]byte("k"), []byte("v")))

	ids, err := e.Keyspaces()
	require.NoError(t, err)
	require.Contains(t, ids, uint32(5))

	require.NoError(t, e.DropKeyspace(5))
	ids, err = e.Keyspaces()
	require.NoError(t, err)
	require.NotContains(t, ids, uint32(5))

	_, err = e.Keyspace(5).Get([]byte("k"))
	require.Error(t, err)
}

func TestSnapshotIteratorOrdersWithinShard(t *testing.T) {
	e := openTestEngine(t)
	ks, _ := e.CreateKeyspace(7)
	require.NoError(t, ks.Put([]byte("b"), []byte("2")))
	require.NoError(t, ks.Put([]byte("a"), []byte("1")))
	require.NoError(t, ks.Put([]byte("c"), []byte("3")))

	it, err := ks.NewSnapshotIterator()
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestBulkFileRoundTripAndIngestBehind(t *testing.T) {
	e := openTestEngine(t)
	ks, _ := e.CreateKeyspace(9)
	require.NoError(t, ks.Put([]byte("a"), []byte("old-a")))
	require.NoError(t, ks.Put([]byte("b"), []byte("old-b")))

	it, err := ks.NewSnapshotIterator()
	require.NoError(t, err)
	it.SeekToFirst()

	path := filepath.Join(t.TempDir(), "file-0")
	count, largest, exhausted, err := WriteBulkFile(path, it, 1<<20)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, []byte("b"), largest)
	require.True(t, exhausted)
	require.NoError(t, it.Close())

	// Simulate a write racing ahead of the ingest: "a" gets a newer
	// value on the new master before the stale bulk file is applied.
	other, _ := e.CreateKeyspace(10)
	require.NoError(t, other.Put([]byte("a"), []byte("new-a")))

	largestIngested, err := e.IngestFile(10, path, true)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), largestIngested)

	va, _ := other.Get([]byte("a"))
	require.Equal(t, []byte("new-a"), va, "ingest-behind must not overwrite a newer write")
	vb, _ := other.Get([]byte("b"))
	require.Equal(t, []byte("old-b"), vb)
}

func TestIngestFileIsIdempotent(t *testing.T) {
	e := openTestEngine(t)
	src, _ := e.CreateKeyspace(1)
	require.NoError(t, src.Put([]byte("k"), []byte("v")))

	it, _ := src.NewSnapshotIterator()
	it.SeekToFirst()
	path := filepath.Join(t.TempDir(), "file-0")
	_, _, _, err := WriteBulkFile(path, it, 1<<20)
	require.NoError(t, err)
	require.NoError(t, it.Close())

	dst, _ := e.CreateKeyspace(2)
	_, err = e.IngestFile(2, path, true)
	require.NoError(t, err)
	_, err = e.IngestFile(2, path, true)
	require.NoError(t, err)

	v, err := dst.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)
}

func TestMultiIteratorOrdersByShardThenKey(t *testing.T) {
	e := openTestEngine(t)
	ks1, _ := e.CreateKeyspace(1)
	ks2, _ := e.CreateKeyspace(2)
	require.NoError(t, ks1.Put([]byte("b"), []byte("1b")))
	require.NoError(t, ks1.Put([]byte("a"), []byte("1a")))
	require.NoError(t, ks2.Put([]byte("z"), []byte("2z")))

	mit, err := e.NewMultiIterator([]uint32{1, 2})
	require.NoError(t, err)
	defer mit.Close()

	var keys []string
	for mit.SeekToFirst(); mit.Valid(); mit.Next() {
		keys = append(keys, string(mit.Key()))
	}
	require.Equal(t, []string{"a", "b", "z"}, keys)
}

func TestMultiIteratorSeekAndSeekForPrev(t *testing.T) {
	e := openTestEngine(t)
	ks1, _ := e.CreateKeyspace(1)
	ks2, _ := e.CreateKeyspace(2)
	require.NoError(t, ks1.Put([]byte("a"), []byte("1a")))
	require.NoError(t, ks1.Put([]byte("c"), []byte("1c")))
	require.NoError(t, ks2.Put([]byte("e"), []byte("2e")))

	mit, err := e.NewMultiIterator([]uint32{1, 2})
	require.NoError(t, err)
	defer mit.Close()

	require.True(t, mit.Seek([]byte("b")))
	require.Equal(t, []byte("c"), mit.Key())

	require.True(t, mit.Seek([]byte("d")))
	require.Equal(t, []byte("e"), mit.Key(), "seek past the end of shard 1 falls through to shard 2")

	require.True(t, mit.SeekForPrev([]byte("d")))
	require.Equal(t, []byte("c"), mit.Key(), "no key in shard 2 is before d, so this falls back to shard 1's last key")

	require.True(t, mit.SeekForPrev([]byte("b")))
	require.Equal(t, []byte("a"), mit.Key())
}

func TestLargestKeySidecarSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, e.SetLargestKey(3, []byte("m")))
	require.NoError(t, e.Close())

	e2, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	defer e2.Close()

	key, ok, err := e2.LargestKey(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("m"), key)
}

func TestOpenCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "db")
	e, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	defer e.Close()
	_, err = os.Stat(dir)
	require.NoError(t, err)
}
