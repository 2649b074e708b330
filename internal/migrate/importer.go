package migrate

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/panktist/crocks/internal/coordinator"
	"github.com/panktist/crocks/internal/peerconn"
	"github.com/panktist/crocks/internal/rpcapi"
	"github.com/panktist/crocks/internal/shard"
	"github.com/panktist/crocks/internal/storage"
)

// Importer drives the receiver side of shard handover: a watch-loop
// that rescans InfoRecord.Tasks on every change and, for each shard
// this node must still fetch, runs the pull protocol from spec.md
// §4.5 to completion.
type Importer struct {
	Info        *coordinator.Client
	Engine      *storage.Engine
	Shards      *shard.Table
	Peers       *peerconn.Pool
	ScratchRoot string

	mu     sync.Mutex
	active map[uint32]bool
}

func (im *Importer) markActive(shardID uint32) bool {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.active == nil {
		im.active = make(map[uint32]bool)
	}
	if im.active[shardID] {
		return false
	}
	im.active[shardID] = true
	return true
}

func (im *Importer) clearActive(shardID uint32) {
	im.mu.Lock()
	delete(im.active, shardID)
	im.mu.Unlock()
}

func (im *Importer) pullDir(shardID uint32) string {
	return PullDir(im.ScratchRoot, shardID)
}

// PullDir returns the scratch directory holding one shard's leftover
// bulk files and old-address marker, exported so internal/server.Recover
// can find the same files on boot.
func PullDir(scratchRoot string, shardID uint32) string {
	return filepath.Join(scratchRoot, "pull", fmtShard(shardID))
}

func oldAddressPath(dir string) string {
	return filepath.Join(dir, "old_address")
}

func writeOldAddress(dir, addr string) error {
	return os.WriteFile(oldAddressPath(dir), []byte(addr), 0o644)
}

// WriteOldAddressForTesting writes the same marker pull writes when it
// first creates an importing shard, for other packages' tests that
// exercise ReadOldAddress without running a real pull.
func WriteOldAddressForTesting(scratchRoot string, shardID uint32, addr string) error {
	dir := PullDir(scratchRoot, shardID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeOldAddress(dir, addr)
}

// ReadOldAddress returns the previous owner's address recorded for an
// in-progress pull of shardID, if any. Used by internal/server.Recover
// to restore a Shard's proxy target after a crash mid-import.
func ReadOldAddress(scratchRoot string, shardID uint32) (string, bool, error) {
	data, err := os.ReadFile(oldAddressPath(PullDir(scratchRoot, shardID)))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// Run blocks, reconciling tasks on every InfoRecord change until ctx
// is canceled or the watch is otherwise torn down.
func (im *Importer) Run(ctx context.Context) error {
	ch, err := im.Info.Watch(ctx)
	if err != nil {
		return fmt.Errorf("migrate: importer: open watch: %w", err)
	}
	im.reconcile(ctx)
	for {
		canceled, err := im.Info.WatchNext(ch)
		if canceled {
			return err
		}
		if err != nil {
			log.Printf("migrate: importer: watch error: %v", err)
			continue
		}
		im.reconcile(ctx)
	}
}

// reconcile rescans tasks(self_id) and starts a pull goroutine for
// every (peer, shard) pair not already being pulled, then separately
// resumes any shard this node already started importing before a
// crash. That second pass exists because once give_shard commits, the
// record lists this node itself as the shard's owner until
// migration_over (record.go's GiveShard), so Tasks can no longer point
// back at the sender for it; the old-address marker Recover restored from disk is
// the only way back to that peer.
func (im *Importer) reconcile(ctx context.Context) {
	self := im.Info.SelfID()
	rec := im.Info.Cache()

	for peerID, shards := range im.Info.Tasks(self) {
		if !rec.IsAvailable(peerID) || peerID < 0 || peerID >= len(rec.Nodes) {
			continue
		}
		peerAddr := rec.Nodes[peerID].Address
		for _, shardID := range shards {
			im.startPull(ctx, shardID, peerAddr)
		}
	}

	for shardID, peerAddr := range resumableImports(im.Shards) {
		im.startPull(ctx, shardID, peerAddr)
	}
}

// resumableImports returns, for every shard already marked Importing in
// the local table, the old-address marker recorded for it. Factored out
// of reconcile so the selection logic can be tested without a real pull.
func resumableImports(shards *shard.Table) map[uint32]string {
	out := make(map[uint32]string)
	for _, shardID := range shards.ShardIDs() {
		sh, ok := shards.At(shardID)
		if !ok || !sh.Importing() {
			continue
		}
		out[shardID] = sh.OldAddress()
	}
	return out
}

func (im *Importer) startPull(ctx context.Context, shardID uint32, peerAddr string) {
	if !im.markActive(shardID) {
		return
	}
	go func() {
		defer im.clearActive(shardID)
		if err := im.pull(ctx, shardID, peerAddr); err != nil {
			log.Printf("migrate: importer: pull shard %d from %s: %v", shardID, peerAddr, err)
		}
	}()
}

// pull runs spec.md §4.5 steps 1-5 for one shard.
func (im *Importer) pull(ctx context.Context, shardID uint32, peerAddr string) error {
	dir := im.pullDir(shardID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir pull dir: %w", err)
	}

	sh, ok := im.Shards.At(shardID)
	if !ok {
		ks, err := im.Engine.CreateKeyspace(shardID)
		if err != nil {
			return fmt.Errorf("create keyspace %d: %w", shardID, err)
		}
		sh = shard.NewShard(shardID, ks)
		sh.SetImporting(true)
		sh.SetOldAddress(peerAddr)
		im.Shards.Add(sh)
	}
	// Persisted alongside the pull files so a crash-restart can
	// rediscover who to resume pulling from even though InfoRecord
	// itself no longer names the sender as owner between give_shard and
	// migration_over (see record.go's GiveShard).
	if err := writeOldAddress(dir, peerAddr); err != nil {
		return fmt.Errorf("persist old address: %w", err)
	}

	startFrom, err := im.resumeFileIndex(dir, shardID, sh)
	if err != nil {
		return fmt.Errorf("resume file index: %w", err)
	}

	peer, err := im.Peers.Get(peerAddr)
	if err != nil {
		return err
	}
	stream, err := peer.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("open migrate stream: %w", err)
	}
	if err := stream.Send(&rpcapi.MigrateRequest{Shard: shardID, StartFrom: startFrom}); err != nil {
		return fmt.Errorf("send migrate request: %w", err)
	}

	// The empty "you may proceed" response.
	if _, err := stream.Recv(); err != nil {
		return fmt.Errorf("recv proceed signal: %w", err)
	}

	if err := im.waitForOwnership(ctx, shardID); err != nil {
		return fmt.Errorf("wait for ownership: %w", err)
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			return fmt.Errorf("recv bulk file: %w", err)
		}
		if resp.Finished {
			break
		}
		if err := im.ingestChunk(dir, shardID, sh, resp); err != nil {
			return err
		}
	}

	if err := stream.Send(&rpcapi.MigrateRequest{Shard: shardID, Final: true}); err != nil {
		return fmt.Errorf("send final request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close send: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("drain stream: %w", err)
		}
	}

	if err := im.Info.MigrationOver(ctx, shardID); err != nil {
		return fmt.Errorf("migration_over: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("migrate: importer: clear scratch for shard %d: %v", shardID, err)
	}
	if err := im.waitNotMigrating(ctx); err != nil {
		return fmt.Errorf("wait for RUNNING: %w", err)
	}
	sh.SetImporting(false)
	return nil
}

func (im *Importer) ingestChunk(dir string, shardID uint32, sh *shard.Shard, resp *rpcapi.MigrateResponse) error {
	path := filepath.Join(dir, fmtShard(resp.FileNumber))
	if err := os.WriteFile(path, resp.Bytes, 0o644); err != nil {
		return fmt.Errorf("write bulk file %s: %w", path, err)
	}
	largest, err := im.Engine.IngestFile(shardID, path, true)
	if err != nil {
		return fmt.Errorf("ingest bulk file %s: %w", path, err)
	}
	sh.SetLargestKey(largest)
	if err := im.Engine.SetLargestKey(shardID, largest); err != nil {
		return fmt.Errorf("persist largest key sidecar: %w", err)
	}
	return os.Remove(path)
}

// resumeFileIndex re-ingests any bulk files left over from a crashed
// prior attempt (idempotent, since IngestFile is put-if-absent) and
// returns the first file index not yet durably ingested.
func (im *Importer) resumeFileIndex(dir string, shardID uint32, sh *shard.Shard) (uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read pull dir: %w", err)
	}
	var nums []int
	for _, e := range entries {
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)

	var next uint32
	for _, n := range nums {
		path := filepath.Join(dir, fmtShard(uint32(n)))
		largest, err := im.Engine.IngestFile(shardID, path, true)
		if err != nil {
			// Partial file from a crash mid-write; leave it in place
			// and ask the sender to resend from this index.
			return uint32(n), nil
		}
		_ = os.Remove(path)
		sh.SetLargestKey(largest)
		_ = im.Engine.SetLargestKey(shardID, largest)
		next = uint32(n) + 1
	}
	return next, nil
}

func (im *Importer) waitForOwnership(ctx context.Context, shardID uint32) error {
	self := im.Info.SelfID()
	if owner, ok := im.Info.Cache().IndexForShard(shardID); ok && owner == self {
		return nil
	}
	ch, err := im.Info.Watch(ctx)
	if err != nil {
		return err
	}
	for {
		if owner, ok := im.Info.Cache().IndexForShard(shardID); ok && owner == self {
			return nil
		}
		canceled, err := im.Info.WatchNext(ch)
		if canceled {
			if err != nil {
				return err
			}
			return fmt.Errorf("watch canceled while waiting for ownership of shard %d", shardID)
		}
		if err != nil {
			return err
		}
	}
}

func (im *Importer) waitNotMigrating(ctx context.Context) error {
	if im.Info.Cache().NoMigrations() {
		return nil
	}
	ch, err := im.Info.Watch(ctx)
	if err != nil {
		return err
	}
	for {
		if im.Info.Cache().NoMigrations() {
			return nil
		}
		canceled, err := im.Info.WatchNext(ch)
		if canceled {
			if err != nil {
				return err
			}
			return fmt.Errorf("watch canceled while waiting for migration to end")
		}
		if err != nil {
			return err
		}
	}
}
