// Command crocks-server runs one node of a crocks cluster: it joins
// (or rejoins) the InfoRecord roster kept in etcd, serves the
// rpcapi.RPCServer surface over gRPC, and runs the migration importer
// in the background. Flags mirror original_source/src/server/main.cc's
// getopt set, translated to the standard flag package the way
// worker/cmd/worker/main.go does for its own node binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/panktist/crocks/internal/coordinator"
	"github.com/panktist/crocks/internal/migrate"
	"github.com/panktist/crocks/internal/peerconn"
	"github.com/panktist/crocks/internal/rpcapi"
	"github.com/panktist/crocks/internal/server"
	"github.com/panktist/crocks/internal/shard"
	"github.com/panktist/crocks/internal/storage"
	"google.golang.org/grpc"
)

const joinTimeout = 10 * time.Second

func main() {
	var (
		dbPath    = flag.String("path", "", "storage directory [default: a fresh temp dir]")
		host      = flag.String("host", "localhost", "address this node advertises to the cluster")
		port      = flag.Int("port", 0, "listening port [default: chosen by the OS]")
		etcd      = flag.String("etcd", "localhost:2379", "comma-separated etcd endpoints")
		numShards = flag.Uint("shards", 10, "number of shards to create if this node founds the cluster")
	)
	flag.Parse()

	if *dbPath == "" {
		dir, err := os.MkdirTemp("", "crocksdb_")
		if err != nil {
			log.Fatalf("crocks-server: create temp data dir: %v", err)
		}
		*dbPath = dir
	}

	lis, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", *port))
	if err != nil {
		log.Fatalf("crocks-server: listen: %v", err)
	}
	address := fmt.Sprintf("%s:%d", *host, lis.Addr().(*net.TCPAddr).Port)

	engine, err := storage.Open(*dbPath, storage.DefaultOptions())
	if err != nil {
		log.Fatalf("crocks-server: open storage at %s: %v", *dbPath, err)
	}
	defer engine.Close()

	info, err := coordinator.NewClient(splitEndpoints(*etcd), joinTimeout)
	if err != nil {
		log.Fatalf("crocks-server: connect to etcd at %s: %v", *etcd, err)
	}
	defer info.Close()

	joinCtx, cancelJoin := context.WithTimeout(context.Background(), joinTimeout)
	selfID, err := info.Add(joinCtx, address, uint32(*numShards))
	cancelJoin()
	if err != nil {
		log.Fatalf("crocks-server: join cluster: %v", err)
	}
	log.Printf("crocks-server: joined as node %d at %s", selfID, address)

	if err := info.Run(context.Background()); err != nil {
		log.Printf("crocks-server: run transition: %v", err)
	}

	shards := shard.NewTable()
	scratchRoot := filepath.Join(*dbPath, "scratch")
	if err := server.Recover(scratchRoot, info.Cache(), selfID, engine, shards); err != nil {
		log.Fatalf("crocks-server: recover: %v", err)
	}

	peers := peerconn.New()
	defer func() { _ = peers.CloseAll() }()

	done := make(chan struct{})
	var closeDone sync.Once
	migrator := &migrate.Migrator{
		Info:        info,
		Engine:      engine,
		Shards:      shards,
		ScratchRoot: scratchRoot,
		AfterDrop:   func() { checkSelfRemoved(info, selfID, shards, done, &closeDone) },
	}
	importer := &migrate.Importer{
		Info:        info,
		Engine:      engine,
		Shards:      shards,
		Peers:       peers,
		ScratchRoot: scratchRoot,
	}

	srv := server.New(info, engine, shards, peers, migrator)
	gs := grpc.NewServer()
	rpcapi.RegisterRPCServer(gs, srv)

	importCtx, cancelImport := context.WithCancel(context.Background())
	defer cancelImport()
	go func() {
		if err := importer.Run(importCtx); err != nil && importCtx.Err() == nil {
			log.Printf("crocks-server: importer stopped: %v", err)
		}
	}()

	go func() {
		log.Printf("crocks-server: serving at %s", lis.Addr())
		if err := gs.Serve(lis); err != nil {
			log.Printf("crocks-server: serve: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		log.Println("crocks-server: signal received, shutting down")
	case <-done:
		log.Println("crocks-server: removal complete, shutting down")
	}

	gs.GracefulStop()
}

// checkSelfRemoved is the AfterDrop hook the Migrator calls once a
// shard handover completes: if this node has been marked for removal
// and now owns nothing, RemoveSelf empties its slot and done signals
// main to exit, matching the terminal step of spec.md's single-node
// removal walkthrough.
func checkSelfRemoved(info *coordinator.Client, selfID int, shards *shard.Table, done chan struct{}, closeDone *sync.Once) {
	if !shards.Empty() {
		return
	}
	rec := info.Cache()
	if selfID < 0 || selfID >= len(rec.Nodes) || !rec.Nodes[selfID].Remove {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	if err := info.RemoveSelf(ctx); err != nil {
		log.Printf("crocks-server: remove self: %v", err)
		return
	}
	closeDone.Do(func() { close(done) })
}

func splitEndpoints(raw string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}
