package client

import (
	"context"
	"fmt"

	"github.com/panktist/crocks/internal/rpcapi"
)

// Iterator walks every key currently stored anywhere in the cluster,
// one node at a time, for tools like crocksctl's list/dump/clear that
// need to see every key rather than look one up by its owning shard.
// It makes no attempt at a consistent snapshot across nodes: a shard
// mid-migration may be seen on its old master, its new master, or (if
// it moves between two nodes this Iterator has already visited and
// ones it hasn't) not at all, matching spec.md's Non-goal of
// consistent range scans during migration.
type Iterator struct {
	c       *Cluster
	ctx     context.Context
	addrs   []string
	nodeIdx int

	stream  rpcapi.IteratorClient
	pending []rpcapi.KeyValue
	current rpcapi.KeyValue
	err     error
}

// NewIterator opens a cluster-wide iterator over the current node
// roster, snapshotted at call time. The returned Iterator is
// positioned before the first key; call Next to advance.
func (c *Cluster) NewIterator(ctx context.Context) (*Iterator, error) {
	rec := c.info.Cache()
	addrs := make([]string, 0, len(rec.Nodes))
	for _, n := range rec.Nodes {
		if n.Address != "" {
			addrs = append(addrs, n.Address)
		}
	}
	return &Iterator{c: c, ctx: ctx, addrs: addrs}, nil
}

// Next advances to the next key/value pair in the cluster, opening
// each node's Iterator stream in turn and fetching a fresh batch once
// the one in hand is exhausted. It reports false once every node has
// been visited or a call failed; use Err to distinguish the two.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	if len(it.pending) == 0 && !it.fetchBatch() {
		return false
	}
	it.current = it.pending[0]
	it.pending = it.pending[1:]
	return true
}

// fetchBatch requests the next batch of key/value pairs from the
// current node's stream, opening the next node's stream (seeking to
// its first key) whenever the current one reports Done, until either
// a non-empty batch arrives or every node has been visited.
func (it *Iterator) fetchBatch() bool {
	for {
		var resp *rpcapi.IteratorResponse
		var err error
		if it.stream == nil {
			if it.nodeIdx >= len(it.addrs) {
				return false
			}
			addr := it.addrs[it.nodeIdx]
			it.nodeIdx++
			var peer rpcapi.RPCClient
			peer, err = it.c.peers.Get(addr)
			if err != nil {
				it.err = fmt.Errorf("client: dial %s: %w", addr, err)
				return false
			}
			it.stream, err = peer.Iterator(it.ctx)
			if err != nil {
				it.err = fmt.Errorf("client: open iterator on %s: %w", addr, err)
				return false
			}
			if err = it.stream.Send(&rpcapi.IteratorRequest{Op: rpcapi.IterSeekToFirst}); err != nil {
				it.err = err
				return false
			}
		} else if err = it.stream.Send(&rpcapi.IteratorRequest{Op: rpcapi.IterNext}); err != nil {
			it.err = err
			return false
		}

		resp, err = it.stream.Recv()
		if err != nil {
			it.err = err
			return false
		}
		if resp.Done {
			it.stream = nil
			continue
		}
		it.pending = resp.Kvs
		return true
	}
}

// Key returns the key at the iterator's current position.
func (it *Iterator) Key() []byte { return it.current.Key }

// Value returns the value at the iterator's current position.
func (it *Iterator) Value() []byte { return it.current.Value }

// Err reports the first error Next encountered, if any.
func (it *Iterator) Err() error { return it.err }
