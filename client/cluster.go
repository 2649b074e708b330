// Package client implements ClientCore: key routing against the
// cluster map, the error-driven retry loop from spec.md §4.7, and a
// per-node connection cache. Grounded on
// original_source/src/client/cluster_impl.cc's ClusterImpl::Operation
// and ClusterImpl::Update, transcribed into idiomatic Go (one
// synchronous call path per user operation, no background thread
// pool) the way clientlibs/go/client.go wraps a single dialed
// connection for its own users.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/panktist/crocks/internal/coordinator"
	"github.com/panktist/crocks/internal/peerconn"
	"github.com/panktist/crocks/internal/rpcapi"
	"github.com/panktist/crocks/internal/storage"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// formerMasterCrashedMessage must match the literal string
// internal/server.Server.Get returns when a proxied read's target
// (the shard's former master) is unreachable but still listed in the
// cluster map.
const formerMasterCrashedMessage = "the former master has crashed"

// dialer is the subset of *peerconn.Pool a Cluster needs, factored out
// so tests can substitute a fake without a live network.
type dialer interface {
	Get(address string) (rpcapi.RPCClient, error)
	Drop(address string)
}

// Cluster is ClientCore: spec.md §4.7's InfoClient-backed router plus
// retry loop, reusable concurrently by multiple goroutines the way the
// C++ implementation shares one ClusterImpl's connection map across
// application threads.
type Cluster struct {
	info       *coordinator.Client
	peers      dialer
	opts       Options
	refreshMap func(ctx context.Context)
}

// New dials the coordinator at endpoints and loads the current cluster
// map, without registering this process as a node (spec.md §4.7: "its
// own InfoClient, without joining").
func New(endpoints []string, opts Options) (*Cluster, error) {
	opts = fillDurations(opts)
	info, err := coordinator.NewClient(endpoints, opts.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: connect to coordinator: %w", err)
	}
	if _, err := info.Get(context.Background()); err != nil {
		info.Close()
		return nil, fmt.Errorf("client: load cluster map: %w", err)
	}
	c := &Cluster{info: info, peers: peerconn.New(), opts: opts}
	c.refreshMap = func(ctx context.Context) { _, _ = info.Get(ctx) }
	return c, nil
}

// newForTesting builds a Cluster around caller-supplied collaborators,
// bypassing any etcd or network dependency. refreshMap replaces the
// coordinator-backed cache refresh the retry loop would otherwise call,
// since the coordinator.Client built by coordinator.NewClientForTesting
// has no etcd connection to refresh from.
func newForTesting(info *coordinator.Client, peers dialer, opts Options, refreshMap func(context.Context)) *Cluster {
	return &Cluster{info: info, peers: peers, opts: fillDurations(opts), refreshMap: refreshMap}
}

// Close releases the coordinator connection and every pooled peer
// connection.
func (c *Cluster) Close() error {
	if pool, ok := c.peers.(*peerconn.Pool); ok {
		_ = pool.CloseAll()
	}
	return c.info.Close()
}

// RouteKey reports the node currently responsible for key without
// issuing any operation, mirroring cluster_impl.cc's
// IndexForKey/NodeForKey pair.
func (c *Cluster) RouteKey(key []byte) (nodeID int, address string, ok bool) {
	rec := c.info.Cache()
	shardID := rec.ShardForKey(key)
	id, ok := rec.IndexForShard(shardID)
	if !ok {
		return 0, "", false
	}
	return id, rec.Nodes[id].Address, true
}

// WaitUntilHealthy blocks until the cluster map reports every node
// available.
func (c *Cluster) WaitUntilHealthy(ctx context.Context) error {
	return c.info.WaitUntilHealthy(ctx)
}

// Get reads key, transparently following a proxied read through a
// shard's former master when the node it lands on reports that case.
func (c *Cluster) Get(ctx context.Context, key []byte) (int32, []byte, error) {
	return c.call(ctx, key, func(ctx context.Context, peer rpcapi.RPCClient) (int32, []byte, error) {
		resp, err := peer.Get(ctx, &rpcapi.GetRequest{Key: key})
		if err != nil {
			return 0, nil, err
		}
		return resp.Status, resp.Value, nil
	})
}

// Put writes key=value.
func (c *Cluster) Put(ctx context.Context, key, value []byte) (int32, error) {
	respStatus, _, err := c.call(ctx, key, func(ctx context.Context, peer rpcapi.RPCClient) (int32, []byte, error) {
		resp, err := peer.Put(ctx, &rpcapi.PutRequest{Key: key, Value: value})
		if err != nil {
			return 0, nil, err
		}
		return resp.Status, nil, nil
	})
	return respStatus, err
}

// Delete removes key.
func (c *Cluster) Delete(ctx context.Context, key []byte) (int32, error) {
	respStatus, _, err := c.call(ctx, key, func(ctx context.Context, peer rpcapi.RPCClient) (int32, []byte, error) {
		resp, err := peer.Delete(ctx, &rpcapi.DeleteRequest{Key: key})
		if err != nil {
			return 0, nil, err
		}
		return resp.Status, nil, nil
	})
	return respStatus, err
}

// SingleDelete removes key via RocksDB's single-delete op, sent as a
// one-update Batch since the RPC surface only exposes SingleDelete
// through the batch stream (spec.md §6's method table has no unary
// SingleDelete).
func (c *Cluster) SingleDelete(ctx context.Context, key []byte) (int32, error) {
	return c.batchOne(ctx, key, rpcapi.BatchSingleDelete, nil)
}

// Merge applies a RocksDB merge operand to key, via the same one-update
// Batch path as SingleDelete.
func (c *Cluster) Merge(ctx context.Context, key, value []byte) (int32, error) {
	return c.batchOne(ctx, key, rpcapi.BatchMerge, value)
}

func (c *Cluster) batchOne(ctx context.Context, key []byte, op rpcapi.BatchOp, value []byte) (int32, error) {
	respStatus, _, err := c.call(ctx, key, func(ctx context.Context, peer rpcapi.RPCClient) (int32, []byte, error) {
		stream, err := peer.Batch(ctx)
		if err != nil {
			return 0, nil, err
		}
		shardID := c.info.Cache().ShardForKey(key)
		if err := stream.Send(&rpcapi.BatchRequest{Updates: []rpcapi.BatchUpdate{
			{Op: op, Shard: shardID, Key: key, Value: value},
		}}); err != nil {
			return 0, nil, err
		}
		ack, err := stream.Recv()
		if err != nil {
			return 0, nil, err
		}
		if ack.Status == int32(storage.CodeInvalidArgument) {
			_ = stream.CloseSend()
			return 0, nil, status.Error(codes.InvalidArgument, "not responsible for this shard")
		}
		if err := stream.CloseSend(); err != nil {
			return 0, nil, err
		}
		// The ack only confirms the update staged into the server's
		// batch; the actual write outcome is the commit status sent
		// once the stream closes.
		final, err := stream.Recv()
		if err != nil {
			return 0, nil, err
		}
		return final.Status, nil, nil
	})
	return respStatus, err
}

// operationFunc issues one RPC against peer and reports the
// storage-engine status code alongside any gRPC-level error that
// drives the retry loop in call.
type operationFunc func(ctx context.Context, peer rpcapi.RPCClient) (int32, []byte, error)

// call implements spec.md §4.7's retry loop: resolve the owning node,
// issue op, and on a retryable gRPC status, refresh the cluster map
// and/or the peer connection before resending. Transcribed from
// cluster_impl.cc's ClusterImpl::Operation.
func (c *Cluster) call(ctx context.Context, key []byte, op operationFunc) (int32, []byte, error) {
	id, peer, err := c.dial(key)
	if err != nil {
		return 0, nil, err
	}
	respStatus, value, callErr := op(ctx, peer)

	for callErr != nil {
		code := status.Code(callErr)
		if code != codes.InvalidArgument && code != codes.Unavailable {
			return respStatus, value, callErr
		}

		if code == codes.InvalidArgument {
			// The cached routing table is stale; give a migration a
			// moment to finish locally, then resend against whoever
			// the refreshed map says owns this key now.
			time.Sleep(c.opts.RetryInterval)
			c.refresh(ctx)
			id, peer, err = c.dial(key)
			if err != nil {
				return 0, nil, err
			}
			respStatus, value, callErr = op(ctx, peer)
			continue
		}

		// codes.Unavailable.
		if status.Convert(callErr).Message() == formerMasterCrashedMessage {
			c.refresh(ctx)
			id, peer, err = c.dial(key)
			if err != nil {
				return 0, nil, err
			}
			respStatus, value, callErr = op(ctx, peer)
			continue
		}

		oldID := id
		c.dropConnection(id)
		time.Sleep(c.opts.RetryInterval)
		c.refresh(ctx)
		id, peer, err = c.dial(key)
		if err != nil {
			return 0, nil, err
		}
		if id != oldID {
			// The old master shut down cleanly and the coordinator
			// already reassigned the shard; resend against the new
			// owner.
			respStatus, value, callErr = op(ctx, peer)
			continue
		}

		if pingErr := c.ping(ctx, peer); pingErr == nil {
			// Same node, but it's back online; just resend.
			respStatus, value, callErr = op(ctx, peer)
			continue
		}

		for c.info.IsHealthy() {
			time.Sleep(c.opts.RetryInterval)
			c.dropConnection(id)
			c.refresh(ctx)
			if c.opts.InformOnUnavailable {
				_ = c.info.SetAvailable(ctx, id, false)
			}
			id, peer, err = c.dial(key)
			if err != nil {
				return 0, nil, err
			}
			if pingErr := c.ping(ctx, peer); pingErr == nil {
				break
			}
		}

		if !c.info.IsHealthy() {
			if !c.opts.WaitOnUnhealthy {
				return respStatus, value, callErr
			}
			if err := c.info.WaitUntilHealthy(ctx); err != nil {
				return 0, nil, err
			}
			c.dropConnection(id)
			c.refresh(ctx)
			id, peer, err = c.dial(key)
			if err != nil {
				return 0, nil, err
			}
		}

		respStatus, value, callErr = op(ctx, peer)
	}
	return respStatus, value, callErr
}

// refresh reloads the cluster map. A failure here surfaces again on
// the next dial or op call, so there's nothing useful to do with the
// error at this call site.
func (c *Cluster) refresh(ctx context.Context) {
	c.refreshMap(ctx)
}

func (c *Cluster) dial(key []byte) (int, rpcapi.RPCClient, error) {
	id, addr, ok := c.RouteKey(key)
	if !ok {
		return 0, nil, fmt.Errorf("client: no node owns shard for this key")
	}
	peer, err := c.peers.Get(addr)
	if err != nil {
		return id, nil, err
	}
	return id, peer, nil
}

func (c *Cluster) dropConnection(id int) {
	rec := c.info.Cache()
	if id < 0 || id >= len(rec.Nodes) {
		return
	}
	c.peers.Drop(rec.Nodes[id].Address)
}

func (c *Cluster) ping(ctx context.Context, peer rpcapi.RPCClient) error {
	_, err := peer.Ping(ctx, &rpcapi.PingRequest{})
	return err
}
