package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/panktist/crocks/internal/coordinator"
	"github.com/panktist/crocks/internal/storage"
)

// intentDir is the subdirectory of a node's scratch root holding one
// marker file per shard currently being given away. spec.md §9 flags
// this as an open question ("what if the sender crashes between
// give_shard and dropping the keyspace"); this is the fix the
// question itself proposes, adopted here rather than left unsolved.
const intentDir = "intents"

func intentPath(scratchRoot string, shard uint32) string {
	return filepath.Join(scratchRoot, intentDir, strconv.FormatUint(uint64(shard), 10))
}

// writeIntent records that shard is about to be handed off, before
// the give_shard CAS is attempted. Must be durable before give_shard
// commits, so a crash after commit but before cleanup is detectable.
func writeIntent(scratchRoot string, shard uint32) error {
	path := intentPath(scratchRoot, shard)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("migrate: mkdir intent dir: %w", err)
	}
	if err := os.WriteFile(path, []byte{}, 0o644); err != nil {
		return fmt.Errorf("migrate: write intent for shard %d: %w", shard, err)
	}
	return nil
}

// clearIntent removes the marker once the handover is fully resolved,
// one way or the other.
func clearIntent(scratchRoot string, shard uint32) error {
	err := os.Remove(intentPath(scratchRoot, shard))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("migrate: clear intent for shard %d: %w", shard, err)
	}
	return nil
}

func listIntents(scratchRoot string) ([]uint32, error) {
	entries, err := os.ReadDir(filepath.Join(scratchRoot, intentDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("migrate: list intents: %w", err)
	}
	var shards []uint32
	for _, e := range entries {
		id, err := strconv.ParseUint(strings.TrimSpace(e.Name()), 10, 32)
		if err != nil {
			continue
		}
		shards = append(shards, uint32(id))
	}
	return shards, nil
}

// ShardTable is the subset of *shard.Table RecoverIntents needs,
// narrowed to keep this file's dependency surface small and the
// behavior easy to exercise with a fake in tests.
type ShardTable interface {
	Remove(id uint32)
}

// RecoverIntents runs once at boot, against the InfoRecord the caller
// has just fetched with Client.Get (before the watcher starts). For
// each leftover intent marker it checks whether the give_shard that
// preceded the crash ever committed:
//
//   - if this node is still the shard's owner, give_shard never
//     landed (or this node re-joined under the same id before
//     anyone else claimed it); the intent is stale and is cleared.
//   - otherwise the handover committed but the sender-side cleanup
//     (drop keyspace, remove from ShardTable) never ran; finish it now.
func RecoverIntents(scratchRoot string, rec *coordinator.Record, selfID int, engine *storage.Engine, shards ShardTable) error {
	pending, err := listIntents(scratchRoot)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	self := selfID

	for _, shardID := range pending {
		if owner, ok := rec.IndexForShard(shardID); ok && owner == self {
			if err := clearIntent(scratchRoot, shardID); err != nil {
				return err
			}
			continue
		}
		if err := engine.DropKeyspace(shardID); err != nil {
			return fmt.Errorf("migrate: recover intents: drop shard %d: %w", shardID, err)
		}
		shards.Remove(shardID)
		if err := clearIntent(scratchRoot, shardID); err != nil {
			return err
		}
	}
	return nil
}
