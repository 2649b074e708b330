package migrate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/panktist/crocks/internal/rpcapi"
	"github.com/panktist/crocks/internal/shard"
	"github.com/panktist/crocks/internal/storage"
	"github.com/stretchr/testify/require"
)

func writeBulkFileAt(t *testing.T, e *storage.Engine, srcShard uint32, path string) []byte {
	ks, err := e.CreateKeyspace(srcShard)
	require.NoError(t, err)
	require.NoError(t, ks.Put([]byte("a"), []byte("1")))
	require.NoError(t, ks.Put([]byte("b"), []byte("2")))

	it, err := ks.NewSnapshotIterator()
	require.NoError(t, err)
	defer it.Close()
	it.SeekToFirst()

	_, largest, exhausted, err := storage.WriteBulkFile(path, it, 1<<20)
	require.NoError(t, err)
	require.True(t, exhausted)
	return largest
}

func TestResumeFileIndexWithEmptyDirStartsAtZero(t *testing.T) {
	e := openEngine(t)
	dstKs, err := e.CreateKeyspace(1)
	require.NoError(t, err)
	sh := shard.NewShard(1, dstKs)

	im := &Importer{Engine: e}
	dir := t.TempDir()

	next, err := im.resumeFileIndex(dir, 1, sh)
	require.NoError(t, err)
	require.Equal(t, uint32(0), next)
}

func TestResumeFileIndexIngestsLeftoverFilesAndAdvances(t *testing.T) {
	e := openEngine(t)
	dir := t.TempDir()
	largest := writeBulkFileAt(t, e, 9, filepath.Join(dir, fmtShard(0)))
	require.Equal(t, []byte("b"), largest)

	dstKs, err := e.CreateKeyspace(2)
	require.NoError(t, err)
	sh := shard.NewShard(2, dstKs)

	im := &Importer{Engine: e}
	next, err := im.resumeFileIndex(dir, 2, sh)
	require.NoError(t, err)
	require.Equal(t, uint32(1), next)
	require.Equal(t, []byte("b"), sh.LargestKey())

	_, err = os.Stat(filepath.Join(dir, fmtShard(0)))
	require.True(t, os.IsNotExist(err), "fully ingested bulk file should be removed")

	v, err := dstKs.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
}

func TestResumeFileIndexStopsAtPartialFile(t *testing.T) {
	e := openEngine(t)
	dir := t.TempDir()

	largest := writeBulkFileAt(t, e, 9, filepath.Join(dir, fmtShard(0)))
	require.Equal(t, []byte("b"), largest)

	// A truncated second file, as if the sender crashed mid-write.
	require.NoError(t, os.WriteFile(filepath.Join(dir, fmtShard(1)), []byte{0, 0, 0, 1}, 0o644))

	dstKs, err := e.CreateKeyspace(3)
	require.NoError(t, err)
	sh := shard.NewShard(3, dstKs)

	im := &Importer{Engine: e}
	next, err := im.resumeFileIndex(dir, 3, sh)
	require.NoError(t, err)
	require.Equal(t, uint32(1), next, "must resume at the partially-written file, not past it")

	_, err = os.Stat(filepath.Join(dir, fmtShard(1)))
	require.NoError(t, err, "partial file is left in place for the sender to overwrite")
}

func TestIngestChunkWritesAdvancesWatermarkAndCleansUp(t *testing.T) {
	e := openEngine(t)
	dstKs, err := e.CreateKeyspace(4)
	require.NoError(t, err)
	sh := shard.NewShard(4, dstKs)

	dir := t.TempDir()
	im := &Importer{Engine: e}

	srcDir := t.TempDir()
	writeBulkFileAt(t, e, 40, filepath.Join(srcDir, "src"))
	data, err := os.ReadFile(filepath.Join(srcDir, "src"))
	require.NoError(t, err)

	require.NoError(t, im.ingestChunk(dir, 4, sh, &rpcapi.MigrateResponse{FileNumber: 0, Bytes: data}))

	require.Equal(t, []byte("b"), sh.LargestKey())
	largest, ok, err := e.LargestKey(4)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("b"), largest)

	v, err := dstKs.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	_, err = os.Stat(filepath.Join(dir, fmtShard(0)))
	require.True(t, os.IsNotExist(err))
}

func TestResumableImportsFindsOnlyImportingShardsWithTheirOldAddress(t *testing.T) {
	e := openEngine(t)

	ownedKs, err := e.CreateKeyspace(5)
	require.NoError(t, err)
	owned := shard.NewShard(5, ownedKs)

	importingKs, err := e.CreateKeyspace(6)
	require.NoError(t, err)
	importing := shard.NewShard(6, importingKs)
	importing.SetImporting(true)
	importing.SetOldAddress("old-master:1")

	table := shard.NewTable()
	table.Add(owned)
	table.Add(importing)

	got := resumableImports(table)
	require.Equal(t, map[uint32]string{6: "old-master:1"}, got)
}
