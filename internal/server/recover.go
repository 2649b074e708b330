package server

import (
	"fmt"

	"github.com/panktist/crocks/internal/coordinator"
	"github.com/panktist/crocks/internal/migrate"
	"github.com/panktist/crocks/internal/shard"
	"github.com/panktist/crocks/internal/storage"
)

// Recover runs once at boot, after the coordinator client's first
// Get but before the watcher starts, to bring the node's local shard
// table back in sync with both the InfoRecord it was last part of and
// whatever it finds on disk. It first resolves any sender-side
// handover left mid-flight by a crash (migrate.RecoverIntents), then
// reopens a Shard handle for every shard the record still lists this
// node as owning or importing.
func Recover(scratchRoot string, rec *coordinator.Record, selfID int, engine *storage.Engine, shards *shard.Table) error {
	if selfID < 0 || selfID >= len(rec.Nodes) {
		return fmt.Errorf("server: recover: self id %d out of range for %d nodes", selfID, len(rec.Nodes))
	}

	if err := migrate.RecoverIntents(scratchRoot, rec, selfID, engine, shards); err != nil {
		return fmt.Errorf("server: recover: %w", err)
	}

	onDisk, err := engine.Keyspaces()
	if err != nil {
		return fmt.Errorf("server: recover: list keyspaces: %w", err)
	}
	present := make(map[uint32]bool, len(onDisk))
	for _, id := range onDisk {
		present[id] = true
	}

	self := rec.Nodes[selfID]

	for id := range self.Shards {
		if _, ok := shards.At(id); ok {
			continue
		}
		if _, pending := self.Future[id]; pending {
			// Handed over but not yet fully imported: the Future pass
			// below reopens it as importing.
			continue
		}
		shards.Add(shard.NewShard(id, engine.Keyspace(id)))
	}

	for id := range self.Future {
		if _, ok := shards.At(id); ok {
			continue
		}
		if !present[id] {
			// Nothing ingested yet; the watcher's Importer will create
			// this shard itself once it starts pulling.
			continue
		}
		sh := shard.NewShard(id, engine.Keyspace(id))
		sh.SetImporting(true)
		if largest, ok, err := engine.LargestKey(id); err == nil && ok {
			sh.SetLargestKey(largest)
		}
		if addr, ok, err := migrate.ReadOldAddress(scratchRoot, id); err == nil && ok {
			sh.SetOldAddress(addr)
		}
		shards.Add(sh)
	}

	return nil
}
