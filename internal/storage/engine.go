// Package storage binds the embedded storage engine contract in the
// spec to a single github.com/cockroachdb/pebble database per node.
// Shards are not one pebble.DB each (pebble has no column-family
// equivalent); instead every shard is a key-prefixed keyspace inside
// one database, which is what lets Batch commit atomically across
// shards the way a RocksDB WriteBatch can span column families.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/cockroachdb/pebble"
)

// Code mirrors RocksDB's Status::Code enum, since the spec's external
// contract passes the storage engine's native status code through
// opaquely (spec.md §7, §6).
type Code int

const (
	CodeOK                 Code = 0
	CodeNotFound           Code = 1
	CodeCorruption         Code = 2
	CodeNotSupported       Code = 3
	CodeInvalidArgument    Code = 4
	CodeIOError            Code = 5
	CodeMergeInProgress    Code = 6
	CodeIncomplete         Code = 7
	CodeShutdownInProgress Code = 8
	CodeTimedOut           Code = 9
	CodeAborted            Code = 10
	CodeBusy               Code = 11
	CodeExpired            Code = 12
	CodeTryAgain           Code = 13
)

// CodeForError maps an engine error to its native status code.
func CodeForError(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, pebble.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, pebble.ErrClosed):
		return CodeShutdownInProgress
	default:
		return CodeIOError
	}
}

// namespace tags separate shard data, the keyspace manifest, and the
// crash-recovery sidecar inside the single shared key range.
const (
	nsShardData byte = 0x01
	nsManifest  byte = 0x02
	nsSidecar   byte = 0x03
)

func shardPrefix(ns byte, shard uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = ns
	binary.BigEndian.PutUint32(buf[1:], shard)
	return buf
}

func dataKey(shard uint32, key []byte) []byte {
	return append(shardPrefix(nsShardData, shard), key...)
}

// prefixUpperBound returns the first key past every key starting with
// prefix, for use as an exclusive pebble iterator/range-delete bound.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil // prefix is all 0xff; unbounded above
}

// Options configures the pebble database: open-file limit, memtable
// size, block cache size and compaction concurrency. Compaction style
// and priority are not configurable here; pebble's own defaults apply.
type Options struct {
	MaxOpenFiles    int
	MemTableSize    int
	CacheSizeBytes  int64
	MaxCompactions  int
}

// DefaultOptions returns performance-oriented defaults in the spirit of
// the original's DefaultRocksdbOptions / the teacher's applyPebbleTuning.
func DefaultOptions() Options {
	compactions := runtime.NumCPU() / 2
	if compactions < 4 {
		compactions = 4
	}
	return Options{
		MaxOpenFiles:   1000,
		MemTableSize:   64 * 1024 * 1024,
		CacheSizeBytes: 256 * 1024 * 1024,
		MaxCompactions: compactions,
	}
}

// Engine is the node-local storage adapter: one pebble.DB, many
// key-prefixed keyspaces.
type Engine struct {
	db   *pebble.DB
	path string
}

// Open creates or reopens the database at dir.
func Open(dir string, opts Options) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}
	dbOpts := &pebble.Options{
		MaxOpenFiles:             opts.MaxOpenFiles,
		MemTableSize:             uint64(opts.MemTableSize),
		MaxConcurrentCompactions: func() int { return opts.MaxCompactions },
	}
	if opts.CacheSizeBytes > 0 {
		dbOpts.Cache = pebble.NewCache(opts.CacheSizeBytes)
	}
	db, err := pebble.Open(dir, dbOpts)
	if err != nil {
		return nil, fmt.Errorf("storage: open pebble at %s: %w", dir, err)
	}
	return &Engine{db: db, path: dir}, nil
}

// Close flushes and closes the database.
func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

// Flush forces in-memory data to disk.
func (e *Engine) Flush() error { return e.db.Flush() }

// Compact triggers a manual full-database compaction.
func (e *Engine) Compact() error { return e.db.Compact(nil, nil, false) }

// Backup checkpoints the database to path, matching the teacher's
// Backup/Checkpoint pattern.
func (e *Engine) Backup(path string) error { return e.db.Checkpoint(path) }

// Keyspaces enumerates shard ids that have a manifest entry, i.e. every
// shard this node has ever created, whether or not it currently holds
// data. Used on boot to cross-check local state against InfoRecord
// (spec.md §6's keyspace enumeration requirement).
func (e *Engine) Keyspaces() ([]uint32, error) {
	lower := []byte{nsManifest}
	upper := prefixUpperBound(lower)
	iter, err := e.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []uint32
	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()
		if len(k) != 5 {
			continue
		}
		ids = append(ids, binary.BigEndian.Uint32(k[1:]))
	}
	return ids, iter.Error()
}

// CreateKeyspace records shard in the manifest and returns a handle to
// it. Idempotent.
func (e *Engine) CreateKeyspace(shard uint32) (*Keyspace, error) {
	if err := e.db.Set(shardPrefix(nsManifest, shard), []byte{1}, pebble.Sync); err != nil {
		return nil, fmt.Errorf("storage: create keyspace %d: %w", shard, err)
	}
	return &Keyspace{engine: e, shard: shard}, nil
}

// Keyspace returns a handle to an already-created shard without
// touching the manifest.
func (e *Engine) Keyspace(shard uint32) *Keyspace {
	return &Keyspace{engine: e, shard: shard}
}

// DropKeyspace deletes every key belonging to shard, plus its manifest
// and sidecar entries. Used after a shard has been fully handed off.
func (e *Engine) DropKeyspace(shard uint32) error {
	dataLower := shardPrefix(nsShardData, shard)
	if err := e.db.DeleteRange(dataLower, prefixUpperBound(dataLower), pebble.Sync); err != nil {
		return fmt.Errorf("storage: drop keyspace %d data: %w", shard, err)
	}
	if err := e.db.Delete(shardPrefix(nsManifest, shard), pebble.Sync); err != nil {
		return fmt.Errorf("storage: drop keyspace %d manifest: %w", shard, err)
	}
	if err := e.db.Delete(shardPrefix(nsSidecar, shard), pebble.Sync); err != nil {
		return fmt.Errorf("storage: drop keyspace %d sidecar: %w", shard, err)
	}
	return nil
}

// SetLargestKey persists the importer's largest-ingested-key watermark
// for shard, surviving restarts (spec.md §6's sidecar mapping).
func (e *Engine) SetLargestKey(shard uint32, key []byte) error {
	return e.db.Set(shardPrefix(nsSidecar, shard), key, pebble.Sync)
}

// LargestKey reads back the persisted watermark, if any.
func (e *Engine) LargestKey(shard uint32) ([]byte, bool, error) {
	v, closer, err := e.db.Get(shardPrefix(nsSidecar, shard))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), true, nil
}

// Keyspace is a shard-scoped view over the shared pebble database.
type Keyspace struct {
	engine *Engine
	shard  uint32
}

func (k *Keyspace) Get(key []byte) ([]byte, error) {
	v, closer, err := k.engine.db.Get(dataKey(k.shard, key))
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (k *Keyspace) Put(key, value []byte) error {
	return k.engine.db.Set(dataKey(k.shard, key), value, pebble.NoSync)
}

func (k *Keyspace) Delete(key []byte) error {
	return k.engine.db.Delete(dataKey(k.shard, key), pebble.NoSync)
}

func (k *Keyspace) SingleDelete(key []byte) error {
	return k.engine.db.SingleDelete(dataKey(k.shard, key), pebble.NoSync)
}

func (k *Keyspace) Merge(key, value []byte) error {
	return k.engine.db.Merge(dataKey(k.shard, key), value, pebble.NoSync)
}

// putIfAbsent applies the ingest-behind rule: a value already present
// (written through the normal path, which always wins during import)
// must not be clobbered by a stale ingested record.
func (k *Keyspace) putIfAbsent(key, value []byte) error {
	_, closer, err := k.engine.db.Get(dataKey(k.shard, key))
	if err == nil {
		closer.Close()
		return nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	return k.Put(key, value)
}

// Iterator wraps a pebble snapshot iterator bounded to one shard's
// key range.
type Iterator struct {
	snap *pebble.Snapshot
	iter *pebble.Iterator
}

// NewSnapshotIterator opens a point-in-time iterator over the shard,
// used to dump a shard for migration (spec.md §4.4 step 6); the
// Iterator RPC uses NewMultiIterator instead.
func (k *Keyspace) NewSnapshotIterator() (*Iterator, error) {
	snap := k.engine.db.NewSnapshot()
	lower := shardPrefix(nsShardData, k.shard)
	iter, err := snap.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixUpperBound(lower)})
	if err != nil {
		snap.Close()
		return nil, err
	}
	return &Iterator{snap: snap, iter: iter}, nil
}

func (it *Iterator) SeekToFirst() bool { return it.iter.First() }
func (it *Iterator) SeekToLast() bool  { return it.iter.Last() }
func (it *Iterator) Seek(target []byte, shard uint32) bool {
	return it.iter.SeekGE(dataKey(shard, target))
}
func (it *Iterator) SeekForPrev(target []byte, shard uint32) bool {
	return it.iter.SeekLT(dataKey(shard, target))
}
func (it *Iterator) Next() bool  { return it.iter.Next() }
func (it *Iterator) Prev() bool  { return it.iter.Prev() }
func (it *Iterator) Valid() bool { return it.iter.Valid() }

// Key strips the namespace+shard prefix, returning the user key.
func (it *Iterator) Key() []byte {
	k := it.iter.Key()
	if len(k) <= 5 {
		return nil
	}
	return append([]byte(nil), k[5:]...)
}

func (it *Iterator) Value() []byte { return append([]byte(nil), it.iter.Value()...) }
func (it *Iterator) Error() error  { return it.iter.Error() }

func (it *Iterator) Close() error {
	err := it.iter.Close()
	if snapErr := it.snap.Close(); snapErr != nil && err == nil {
		err = snapErr
	}
	return err
}

// NewMultiIterator opens one snapshot whose iterator ranges over every
// shard this node currently owns, for the Iterator RPC, which the spec
// requires to present a single seekable view over all owned keyspaces.
func (e *Engine) NewMultiIterator(shards []uint32) (*MultiIterator, error) {
	snap := e.db.NewSnapshot()
	return &MultiIterator{engine: e, snap: snap, shards: shards}, nil
}

// MultiIterator walks multiple shard keyspaces as one logical sequence:
// shards in the order of the slice given to NewMultiIterator, then keys
// in order within each shard.
type MultiIterator struct {
	engine *Engine
	snap   *pebble.Snapshot
	shards []uint32
	cur    *pebble.Iterator
	idx    int
}

func (m *MultiIterator) openAt(idx int) error {
	if m.cur != nil {
		m.cur.Close()
		m.cur = nil
	}
	if idx < 0 || idx >= len(m.shards) {
		return nil
	}
	lower := shardPrefix(nsShardData, m.shards[idx])
	iter, err := m.snap.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixUpperBound(lower)})
	if err != nil {
		return err
	}
	m.cur = iter
	m.idx = idx
	return nil
}

func (m *MultiIterator) SeekToFirst() bool {
	for i := range m.shards {
		if err := m.openAt(i); err != nil {
			return false
		}
		if m.cur.First() {
			return true
		}
	}
	m.closeCur()
	return false
}

func (m *MultiIterator) SeekToLast() bool {
	for i := len(m.shards) - 1; i >= 0; i-- {
		if err := m.openAt(i); err != nil {
			return false
		}
		if m.cur.Last() {
			return true
		}
	}
	m.closeCur()
	return false
}

func (m *MultiIterator) Next() bool {
	if m.cur != nil && m.cur.Next() {
		return true
	}
	for i := m.idx + 1; i < len(m.shards); i++ {
		if err := m.openAt(i); err != nil {
			return false
		}
		if m.cur.First() {
			return true
		}
	}
	m.closeCur()
	return false
}

func (m *MultiIterator) Prev() bool {
	if m.cur != nil && m.cur.Prev() {
		return true
	}
	for i := m.idx - 1; i >= 0; i-- {
		if err := m.openAt(i); err != nil {
			return false
		}
		if m.cur.Last() {
			return true
		}
	}
	m.closeCur()
	return false
}

// Seek positions at the first key >= target within the shard the
// iterator currently sits in (or the first owned shard, if not yet
// positioned), falling through into later shards if target is past
// the end of the current one. Used to resume an Iterator RPC cursor.
func (m *MultiIterator) Seek(target []byte) bool {
	idx := m.idx
	if m.cur == nil {
		idx = 0
	}
	if idx >= len(m.shards) {
		return false
	}
	if err := m.openAt(idx); err != nil {
		return false
	}
	if m.cur.SeekGE(dataKey(m.shards[idx], target)) {
		return true
	}
	for i := idx + 1; i < len(m.shards); i++ {
		if err := m.openAt(i); err != nil {
			return false
		}
		if m.cur.First() {
			return true
		}
	}
	m.closeCur()
	return false
}

// SeekForPrev positions at the last key <= target within the current
// shard, falling back into earlier shards if target is before the
// start of the current one.
func (m *MultiIterator) SeekForPrev(target []byte) bool {
	idx := m.idx
	if m.cur == nil {
		idx = len(m.shards) - 1
	}
	if idx < 0 {
		return false
	}
	if err := m.openAt(idx); err != nil {
		return false
	}
	// SeekLT against target+0x00 lands on the last key <= target.
	if m.cur.SeekLT(dataKey(m.shards[idx], append(append([]byte(nil), target...), 0))) {
		return true
	}
	for i := idx - 1; i >= 0; i-- {
		if err := m.openAt(i); err != nil {
			return false
		}
		if m.cur.Last() {
			return true
		}
	}
	m.closeCur()
	return false
}

func (m *MultiIterator) Valid() bool { return m.cur != nil && m.cur.Valid() }

func (m *MultiIterator) Key() []byte {
	if !m.Valid() {
		return nil
	}
	k := m.cur.Key()
	if len(k) <= 5 {
		return nil
	}
	return append([]byte(nil), k[5:]...)
}

func (m *MultiIterator) Value() []byte {
	if !m.Valid() {
		return nil
	}
	return append([]byte(nil), m.cur.Value()...)
}

func (m *MultiIterator) closeCur() {
	if m.cur != nil {
		m.cur.Close()
		m.cur = nil
	}
}

func (m *MultiIterator) Close() error {
	m.closeCur()
	return m.snap.Close()
}

// Batch accumulates writes across potentially many shards and commits
// them atomically, the Go analogue of a rocksdb::WriteBatch spanning
// column families.
type Batch struct {
	db    *pebble.DB
	batch *pebble.Batch
}

// NewBatch opens an atomic cross-shard batch.
func (e *Engine) NewBatch() *Batch {
	return &Batch{db: e.db, batch: e.db.NewBatch()}
}

func (b *Batch) Put(shard uint32, key, value []byte) error {
	return b.batch.Set(dataKey(shard, key), value, nil)
}

func (b *Batch) Delete(shard uint32, key []byte) error {
	return b.batch.Delete(dataKey(shard, key), nil)
}

func (b *Batch) SingleDelete(shard uint32, key []byte) error {
	return b.batch.SingleDelete(dataKey(shard, key), nil)
}

func (b *Batch) Merge(shard uint32, key, value []byte) error {
	return b.batch.Merge(dataKey(shard, key), value, nil)
}

func (b *Batch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

func (b *Batch) Close() error {
	return b.batch.Close()
}
