// Package server implements ServerCore: the rpcapi.RPCServer exposed
// by a crocks node, plus the boot-time recovery pass (Recover); shard
// import is driven by internal/migrate.Importer. Grounded on
// original_source/src/server/async_server.cc's call classes (Ping,
// Get, Put, Delete, Batch, Iterator, Migrate) and the wiring idiom of
// worker/internal/grpc.go and worker/cmd/worker/main.go.
package server

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/panktist/crocks/internal/coordinator"
	"github.com/panktist/crocks/internal/migrate"
	"github.com/panktist/crocks/internal/peerconn"
	"github.com/panktist/crocks/internal/rpcapi"
	"github.com/panktist/crocks/internal/shard"
	"github.com/panktist/crocks/internal/storage"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// iteratorBatchSize bounds the number of key/value pairs returned per
// Iterator response, matching the batch constant
// original_source/src/server/util.cc uses for the same purpose.
const iteratorBatchSize = 10

// proxyCallTimeout bounds the "ask the former master" round trip a Get
// makes while a shard is still importing.
const proxyCallTimeout = 5 * time.Second

// Server implements rpcapi.RPCServer against one node's local shard
// table and storage engine. Migrate calls are serialized through
// migrateLane, a buffered channel of size 1 standing in for the second
// completion queue async_server.cc dedicates to MigrateCall (spec.md
// §9's second open question; see DESIGN.md).
type Server struct {
	Info     *coordinator.Client
	Engine   *storage.Engine
	Shards   *shard.Table
	Peers    *peerconn.Pool
	Migrator *migrate.Migrator

	migrateLane chan struct{}
}

// New wires a Server from its collaborators, ready to register against
// a *grpc.Server with rpcapi.RegisterRPCServer.
func New(info *coordinator.Client, engine *storage.Engine, shards *shard.Table, peers *peerconn.Pool, migrator *migrate.Migrator) *Server {
	return &Server{
		Info:        info,
		Engine:      engine,
		Shards:      shards,
		Peers:       peers,
		Migrator:    migrator,
		migrateLane: make(chan struct{}, 1),
	}
}

func (s *Server) Ping(ctx context.Context, req *rpcapi.PingRequest) (*rpcapi.PingResponse, error) {
	return &rpcapi.PingResponse{}, nil
}

// Get implements spec.md §4.6's "ask the former master" proxy read,
// transcribed from async_server.cc's GetCall::Proceed.
func (s *Server) Get(ctx context.Context, req *rpcapi.GetRequest) (*rpcapi.GetResponse, error) {
	rec := s.Info.Cache()
	shardID := rec.ShardForKey(req.Key)
	owner, ok := rec.IndexForShard(shardID)
	wrongShard := !ok || owner != s.Info.SelfID()
	if wrongShard && !req.Force {
		return nil, status.Error(codes.InvalidArgument, "not responsible for this shard")
	}

	// Reads take no shard reference, so a former master whose shard is
	// already draining still answers a forced proxy read.
	sh, ok := s.Shards.At(shardID)
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "not responsible for this shard")
	}

	if !sh.NeedsProxy(req.Key) {
		value, err := sh.Keyspace.Get(req.Key)
		return &rpcapi.GetResponse{Status: int32(storage.CodeForError(err)), Value: value}, nil
	}

	resp, proxyErr := s.proxyGet(ctx, sh, req.Key)
	switch {
	case proxyErr != nil:
		if status.Code(proxyErr) == codes.Unavailable && rec.IndexOf(sh.OldAddress()) >= 0 {
			return nil, status.Error(codes.Unavailable, "the former master has crashed")
		}
		// Old master is gone from the roster or failed for some other
		// transient reason; the import must have completed meanwhile.
		// Fall through and retry locally.
	case resp.Status == int32(storage.CodeInvalidArgument):
		// The former master no longer recognizes this shard either;
		// same meanwhile-finished case.
	default:
		return resp, nil
	}

	value, err := sh.Keyspace.Get(req.Key)
	return &rpcapi.GetResponse{Status: int32(storage.CodeForError(err)), Value: value}, nil
}

func (s *Server) proxyGet(ctx context.Context, sh *shard.Shard, key []byte) (*rpcapi.GetResponse, error) {
	addr := sh.OldAddress()
	peer, err := s.Peers.Get(addr)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "dial former master %s: %v", addr, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, proxyCallTimeout)
	defer cancel()
	resp, err := peer.Get(callCtx, &rpcapi.GetRequest{Key: key, Force: true})
	if err != nil {
		s.Peers.Drop(addr)
		return nil, err
	}
	return resp, nil
}

func (s *Server) Put(ctx context.Context, req *rpcapi.PutRequest) (*rpcapi.PutResponse, error) {
	shardID := s.Info.Cache().ShardForKey(req.Key)
	sh, ok := s.Shards.At(shardID)
	if !ok || !sh.Ref() {
		return nil, status.Error(codes.InvalidArgument, "not responsible for this shard")
	}
	defer sh.Unref()
	err := sh.Keyspace.Put(req.Key, req.Value)
	return &rpcapi.PutResponse{Status: int32(storage.CodeForError(err))}, nil
}

func (s *Server) Delete(ctx context.Context, req *rpcapi.DeleteRequest) (*rpcapi.DeleteResponse, error) {
	shardID := s.Info.Cache().ShardForKey(req.Key)
	sh, ok := s.Shards.At(shardID)
	if !ok || !sh.Ref() {
		return nil, status.Error(codes.InvalidArgument, "not responsible for this shard")
	}
	defer sh.Unref()
	err := sh.Keyspace.Delete(req.Key)
	return &rpcapi.DeleteResponse{Status: int32(storage.CodeForError(err))}, nil
}

// Batch implements the bidirectional batch-write stream from spec.md
// §4.6, grounded on async_server.cc's BatchCall: every shard touched
// by the stream is ref'd on first sight and unref'd only once the
// stream ends, so a migrator draining that shard blocks on WaitRefs
// until this whole batch has either committed or aborted.
func (s *Server) Batch(stream rpcapi.BatchServer) error {
	batch := s.Engine.NewBatch()
	defer batch.Close()

	refed := make(map[uint32]*shard.Shard)
	defer func() {
		for _, sh := range refed {
			sh.Unref()
		}
	}()

	for {
		req, err := stream.Recv()
		if err == io.EOF {
			commitErr := batch.Commit()
			return stream.Send(&rpcapi.BatchResponse{Status: int32(storage.CodeForError(commitErr))})
		}
		if err != nil {
			return err
		}

		if !s.applyBatchMessage(batch, refed, req) {
			if err := stream.Send(&rpcapi.BatchResponse{Status: int32(storage.CodeInvalidArgument)}); err != nil {
				return err
			}
			continue
		}
		if err := stream.Send(&rpcapi.BatchResponse{Status: int32(storage.CodeOK)}); err != nil {
			return err
		}
	}
}

// applyBatchMessage refs any not-yet-seen shard among req's updates and
// stages every update into batch. It returns false without staging
// anything if a shard this node isn't responsible for is touched.
func (s *Server) applyBatchMessage(batch *storage.Batch, refed map[uint32]*shard.Shard, req *rpcapi.BatchRequest) bool {
	for _, u := range req.Updates {
		if _, ok := refed[u.Shard]; !ok {
			sh, exists := s.Shards.At(u.Shard)
			if !exists || !sh.Ref() {
				return false
			}
			refed[u.Shard] = sh
		}
	}
	for _, u := range req.Updates {
		if err := applyBatchUpdate(batch, u); err != nil {
			return false
		}
	}
	return true
}

func applyBatchUpdate(batch *storage.Batch, u rpcapi.BatchUpdate) error {
	switch u.Op {
	case rpcapi.BatchPut:
		return batch.Put(u.Shard, u.Key, u.Value)
	case rpcapi.BatchDelete:
		return batch.Delete(u.Shard, u.Key)
	case rpcapi.BatchSingleDelete:
		return batch.SingleDelete(u.Shard, u.Key)
	case rpcapi.BatchMerge:
		return batch.Merge(u.Shard, u.Key, u.Value)
	default:
		return fmt.Errorf("server: unknown batch op %d", u.Op)
	}
}

// Iterator implements the bidirectional scan stream from spec.md §4.6,
// grounded on async_server.cc's IteratorCall: one MultiIterator spans
// every shard this node currently owns for the life of the stream, and
// each request advances it by one seek or step, returning up to
// iteratorBatchSize pairs per response.
func (s *Server) Iterator(stream rpcapi.IteratorServer) error {
	mit, err := s.Engine.NewMultiIterator(s.Shards.ShardIDs())
	if err != nil {
		return err
	}
	defer mit.Close()

	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := stream.Send(applyIteratorRequest(mit, req)); err != nil {
			return err
		}
	}
}

func applyIteratorRequest(mit *storage.MultiIterator, req *rpcapi.IteratorRequest) *rpcapi.IteratorResponse {
	var valid, reverse bool
	switch req.Op {
	case rpcapi.IterSeekToFirst:
		valid = mit.SeekToFirst()
	case rpcapi.IterSeekToLast:
		valid = mit.SeekToLast()
		reverse = true
	case rpcapi.IterSeek:
		valid = mit.Seek(req.Target)
	case rpcapi.IterSeekForPrev:
		valid = mit.SeekForPrev(req.Target)
		reverse = true
	case rpcapi.IterNext:
		valid = mit.Valid() && mit.Next()
	case rpcapi.IterPrev:
		valid = mit.Valid() && mit.Prev()
		reverse = true
	}
	if !valid {
		return &rpcapi.IteratorResponse{Done: true}
	}

	// A full batch leaves the iterator on its last pair, so the next
	// IterNext/IterPrev steps onto the first pair not yet returned.
	var kvs []rpcapi.KeyValue
	for mit.Valid() {
		kvs = append(kvs, rpcapi.KeyValue{Key: mit.Key(), Value: mit.Value()})
		if len(kvs) >= iteratorBatchSize {
			break
		}
		if reverse {
			if !mit.Prev() {
				break
			}
		} else if !mit.Next() {
			break
		}
	}
	return &rpcapi.IteratorResponse{Kvs: kvs}
}

// Migrate delegates to the sender-side protocol in internal/migrate,
// gated by migrateLane so only one handover runs at a time per node
// (spec.md §9's second open question).
func (s *Server) Migrate(stream rpcapi.MigrateServer) error {
	select {
	case s.migrateLane <- struct{}{}:
	case <-stream.Context().Done():
		return stream.Context().Err()
	}
	defer func() { <-s.migrateLane }()
	return s.Migrator.Handle(stream)
}
