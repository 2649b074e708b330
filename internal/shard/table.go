package shard

import "sync"

// Table is the node-local map from shard id to its reference-counted
// Shard handle. Guarded by an rwlock: lookups from request handlers
// take the read side, add/remove from the watcher and migrator take the
// write side.
type Table struct {
	mu     sync.RWMutex
	shards map[uint32]*Shard
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{shards: make(map[uint32]*Shard)}
}

// At returns the handle for shard_id, if present.
func (t *Table) At(id uint32) (*Shard, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.shards[id]
	return s, ok
}

// Add inserts a new Shard, returning its handle. If a shard with this
// id already exists, it is replaced; callers are expected to have
// checked At first.
func (t *Table) Add(s *Shard) *Shard {
	t.mu.Lock()
	t.shards[s.ID] = s
	t.mu.Unlock()
	return s
}

// Remove drops a shard from the table once its keyspace has been
// deleted, e.g. after a completed handover to a new master.
func (t *Table) Remove(id uint32) {
	t.mu.Lock()
	delete(t.shards, id)
	t.mu.Unlock()
}

// ShardIDs returns every shard id currently present, for constructing a
// multi-keyspace iterator over everything this node owns.
func (t *Table) ShardIDs() []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]uint32, 0, len(t.shards))
	for id := range t.shards {
		ids = append(ids, id)
	}
	return ids
}

// Empty reports whether the table holds no shards, the trigger for a
// departing node to call InfoClient.RemoveSelf.
func (t *Table) Empty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.shards) == 0
}
