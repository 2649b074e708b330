// Package migrate implements both ends of the shard handover protocol
// from spec.md §4.4/§4.5: Migrator runs on the shard's current owner
// and streams a snapshot to whichever peer has claimed the shard in
// its InfoRecord Future set; Importer runs on that peer and drives
// the pull, including the watch-triggered retry loop and resumption
// from already-received bulk files after a crash. RecoverIntents
// finishes, at boot, a sender-side handover a crash interrupted.
package migrate

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/panktist/crocks/internal/coordinator"
	"github.com/panktist/crocks/internal/rpcapi"
	"github.com/panktist/crocks/internal/shard"
	"github.com/panktist/crocks/internal/storage"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// bulkFileTargetBytes bounds each on-wire chunk of a shard dump. Kept
// modest since the whole file also has to fit in one gRPC message.
const bulkFileTargetBytes = 4 << 20

// Migrator is the sender side of a shard handover, invoked by
// internal/server.Server when a peer opens the Migrate RPC.
type Migrator struct {
	Info        *coordinator.Client
	Engine      *storage.Engine
	Shards      *shard.Table
	ScratchRoot string

	// AfterDrop, if set, is called once a shard has been fully handed
	// off and removed from the table, so the server can check whether
	// it should now shut down (ShardTable empty and this node marked
	// for removal).
	AfterDrop func()
}

func peerAwaitingShard(rec *coordinator.Record, shardID uint32) (int, bool) {
	if rec == nil {
		return 0, false
	}
	for id := range rec.Nodes {
		if _, ok := rec.Nodes[id].Future[shardID]; ok {
			return id, true
		}
	}
	return 0, false
}

// Handle drives one Migrate stream to completion, implementing
// spec.md §4.4 steps 1-8.
func (m *Migrator) Handle(stream rpcapi.MigrateServer) error {
	req, err := stream.Recv()
	if err != nil {
		return err
	}
	shardID := req.Shard
	startFrom := req.StartFrom

	sh, ok := m.Shards.At(shardID)
	if !ok {
		return status.Error(codes.InvalidArgument, "not responsible for this shard")
	}

	alreadyIdle := sh.UnrefDrain()

	if err := writeIntent(m.ScratchRoot, shardID); err != nil {
		return err
	}

	ctx := stream.Context()
	if err := m.Info.GiveShard(ctx, shardID); err != nil {
		_ = clearIntent(m.ScratchRoot, shardID)
		return fmt.Errorf("migrate: give_shard for shard %d: %w", shardID, err)
	}

	if err := stream.Send(&rpcapi.MigrateResponse{}); err != nil {
		m.markPeerUnavailable(shardID)
		return err
	}

	if !alreadyIdle {
		sh.WaitRefs()
	}

	if err := m.dumpShard(stream, sh, shardID, startFrom); err != nil {
		m.markPeerUnavailable(shardID)
		return err
	}

	if err := m.awaitFinal(stream); err != nil {
		m.markPeerUnavailable(shardID)
		return err
	}

	return m.finish(shardID)
}

func (m *Migrator) dumpShard(stream rpcapi.MigrateServer, sh *shard.Shard, shardID, startFrom uint32) error {
	it, err := sh.Keyspace.NewSnapshotIterator()
	if err != nil {
		return fmt.Errorf("migrate: open snapshot for shard %d: %w", shardID, err)
	}
	defer it.Close()

	dir := filepath.Join(m.ScratchRoot, "dump", fmtShard(shardID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("migrate: mkdir dump dir: %w", err)
	}
	defer os.RemoveAll(dir)

	it.SeekToFirst()
	fileNum := startFrom
	for {
		path := filepath.Join(dir, fmtShard(fileNum))
		count, largest, exhausted, err := storage.WriteBulkFile(path, it, bulkFileTargetBytes)
		if err != nil {
			return fmt.Errorf("migrate: write bulk file %s: %w", path, err)
		}
		if count > 0 {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("migrate: read back bulk file %s: %w", path, err)
			}
			if err := stream.Send(&rpcapi.MigrateResponse{
				FileNumber: fileNum,
				Bytes:      data,
				LargestKey: largest,
			}); err != nil {
				return err
			}
			fileNum++
		}
		if exhausted {
			break
		}
	}
	return stream.Send(&rpcapi.MigrateResponse{Finished: true})
}

func (m *Migrator) awaitFinal(stream rpcapi.MigrateServer) error {
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if req.Final {
			return nil
		}
	}
}

// finish runs spec.md §4.4 step 8: drop the keyspace, drop the shard
// from the table, clear scratch state, and shut down if this node is
// now both empty and marked for removal.
func (m *Migrator) finish(shardID uint32) error {
	if err := m.Engine.DropKeyspace(shardID); err != nil {
		return fmt.Errorf("migrate: drop keyspace %d: %w", shardID, err)
	}
	m.Shards.Remove(shardID)
	if err := clearIntent(m.ScratchRoot, shardID); err != nil {
		return err
	}
	if m.AfterDrop != nil {
		m.AfterDrop()
	}
	return nil
}

func (m *Migrator) markPeerUnavailable(shardID uint32) {
	rec := m.Info.Cache()
	peer, ok := peerAwaitingShard(rec, shardID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
	defer cancel()
	_ = m.Info.SetAvailable(ctx, peer, false)
}

func fmtShard(id uint32) string {
	return fmt.Sprintf("%010d", id)
}
