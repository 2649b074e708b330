// Package shard implements the node-local ShardTable and Shard handle:
// a reference-counted guard around one storage-engine keyspace, plus
// the import bookkeeping a shard carries while it is being pulled from
// its previous owner.
package shard

import (
	"sync"

	"github.com/panktist/crocks/internal/storage"
)

// Shard is per-shard node-local state. The reference counter gates
// Put/Delete/Batch against an in-progress migration: the Migrator
// drains the shard's self-reference before opening a snapshot, so every
// write that started before the drain has committed by the time the
// snapshot iterator opens.
type Shard struct {
	ID       uint32
	Keyspace *storage.Keyspace

	mu       sync.Mutex
	cond     *sync.Cond
	refs     int
	draining bool

	importing  bool
	oldAddress string
	largestKey []byte
}

// NewShard returns a Shard holding a single self-reference, as if the
// ShardTable itself were the first caller of Ref.
func NewShard(id uint32, ks *storage.Keyspace) *Shard {
	s := &Shard{ID: id, Keyspace: ks, refs: 1}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Ref atomically increments the reference count unless a drain has
// already been signaled. Reports whether it succeeded.
func (s *Shard) Ref() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.refs++
	return true
}

// Unref decrements the reference count. If a drain was signaled and the
// count reaches zero, it wakes any WaitRefs caller.
func (s *Shard) Unref() {
	s.mu.Lock()
	s.refs--
	if s.draining && s.refs == 0 {
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

// UnrefDrain sets the drain flag, preventing future Ref calls from
// succeeding, then decrements the self-reference the Shard was created
// with. It reports whether the count was already zero after the
// decrement, meaning the caller need not call WaitRefs.
func (s *Shard) UnrefDrain() bool {
	s.mu.Lock()
	s.draining = true
	s.refs--
	zero := s.refs == 0
	if zero {
		s.cond.Broadcast()
	}
	s.mu.Unlock()
	return zero
}

// WaitRefs blocks until the reference count reaches zero. Must only be
// called after UnrefDrain.
func (s *Shard) WaitRefs() {
	s.mu.Lock()
	for s.refs > 0 {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// Importing reports whether the shard is still being pulled in.
func (s *Shard) Importing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.importing
}

// SetImporting flips the importing flag, set to false once the
// receiver-side import protocol (internal/migrate.Importer) completes.
func (s *Shard) SetImporting(v bool) {
	s.mu.Lock()
	s.importing = v
	s.mu.Unlock()
}

// OldAddress returns the previous owner's address, valid while importing.
func (s *Shard) OldAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oldAddress
}

// SetOldAddress records the previous owner, set once at shard creation
// for an importing shard.
func (s *Shard) SetOldAddress(addr string) {
	s.mu.Lock()
	s.oldAddress = addr
	s.mu.Unlock()
}

// LargestKey returns the upper bound of keys already ingested from the
// old master. A Get for a key greater than this must proxy to
// OldAddress instead of reading locally.
func (s *Shard) LargestKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.largestKey
}

// SetLargestKey advances the watermark, called after each bulk file is
// ingested.
func (s *Shard) SetLargestKey(key []byte) {
	s.mu.Lock()
	s.largestKey = append([]byte(nil), key...)
	s.mu.Unlock()
}

// NeedsProxy reports whether, while importing, a Get for key must be
// proxied to the old master rather than served from the local keyspace.
func (s *Shard) NeedsProxy(key []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.importing {
		return false
	}
	return string(key) > string(s.largestKey)
}
