package coordinator

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const defaultInfoKey = "/crocks/info"

// Client wraps an etcd client with the cluster-map cache and the
// compare-and-swap mutators described by the InfoClient component: a
// cache of the latest observed Record plus a watch loop that keeps it
// fresh, guarded by a single-writer many-reader lock.
type Client struct {
	etcd *clientv3.Client
	key  string

	mu     sync.RWMutex
	cache  *Record
	selfID int
	joined bool
}

// NewClient dials etcd at the given endpoints. Modeled on the teacher's
// auth/service/internal/etcd client construction.
func NewClient(endpoints []string, dialTimeout time.Duration) (*Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: dial etcd: %w", err)
	}
	return &Client{etcd: cli, key: defaultInfoKey, selfID: -1}, nil
}

// Close releases the underlying etcd connection.
func (c *Client) Close() error { return c.etcd.Close() }

// NewClientForTesting returns a Client with no etcd connection, whose
// Cache and SelfID are pinned to rec and selfID. Used by other
// packages' tests (internal/server, internal/migrate) that need a
// coordinator.Client collaborator without a live etcd instance.
func NewClientForTesting(rec *Record, selfID int) *Client {
	return &Client{key: defaultInfoKey, selfID: selfID, cache: rec}
}

// SelfID returns the id this client joined as, or -1 if it never joined.
func (c *Client) SelfID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfID
}

func serializeRecord(r *Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("coordinator: encode record: %w", err)
	}
	return buf.Bytes(), nil
}

func parseRecord(data []byte) (*Record, error) {
	var r Record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return nil, fmt.Errorf("coordinator: decode record: %w", err)
	}
	return &r, nil
}

func (c *Client) setCache(r *Record) {
	c.mu.Lock()
	c.cache = r
	c.mu.Unlock()
}

// Cache returns a clone of the last observed Record.
func (c *Client) Cache() *Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cache == nil {
		return NewRecord()
	}
	return c.cache.Clone()
}

// Get fetches and parses the current record, refreshing the cache.
func (c *Client) Get(ctx context.Context) (*Record, error) {
	resp, err := c.etcd.Get(ctx, c.key)
	if err != nil {
		return nil, fmt.Errorf("coordinator: get: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	r, err := parseRecord(resp.Kvs[0].Value)
	if err != nil {
		return nil, err
	}
	c.setCache(r)
	return r, nil
}

func (c *Client) txnPutIfValueEquals(ctx context.Context, newVal, oldVal []byte) (bool, error) {
	resp, err := c.etcd.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(c.key), "=", string(oldVal))).
		Then(clientv3.OpPut(c.key, string(newVal))).
		Commit()
	if err != nil {
		return false, fmt.Errorf("coordinator: cas put: %w", err)
	}
	return resp.Succeeded, nil
}

func (c *Client) txnPutIfKeyMissing(ctx context.Context, newVal []byte) (bool, error) {
	resp, err := c.etcd.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(c.key), "=", 0)).
		Then(clientv3.OpPut(c.key, string(newVal))).
		Commit()
	if err != nil {
		return false, fmt.Errorf("coordinator: cas put-if-missing: %w", err)
	}
	return resp.Succeeded, nil
}

// mutate runs the standard optimistic loop: read current bytes (and
// parsed record), apply fn to a clone, CAS the serialized result back,
// retry on conflict. If the key does not exist, missing is invoked on a
// fresh Record and written with put-if-missing instead.
func (c *Client) mutate(ctx context.Context, fn func(*Record) error, missing func(*Record) error) error {
	for {
		resp, err := c.etcd.Get(ctx, c.key)
		if err != nil {
			return fmt.Errorf("coordinator: get: %w", err)
		}
		if len(resp.Kvs) == 0 {
			if missing == nil {
				return errors.New("coordinator: no record present")
			}
			fresh := NewRecord()
			if err := missing(fresh); err != nil {
				return err
			}
			newVal, err := serializeRecord(fresh)
			if err != nil {
				return err
			}
			ok, err := c.txnPutIfKeyMissing(ctx, newVal)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			c.setCache(fresh)
			return nil
		}

		oldVal := append([]byte(nil), resp.Kvs[0].Value...)
		current, err := parseRecord(oldVal)
		if err != nil {
			return err
		}
		next := current.Clone()
		if err := fn(next); err != nil {
			return err
		}
		newVal, err := serializeRecord(next)
		if err != nil {
			return err
		}
		ok, err := c.txnPutIfValueEquals(ctx, newVal, oldVal)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		c.setCache(next)
		return nil
	}
}

// Add joins the cluster at address. If the node already appears in the
// roster and is marked available, that is treated as another live node
// squatting on the address and Add fails; otherwise Add rejoins under
// the existing id. INIT clusters redistribute directly; RUNNING
// clusters append with zero shards; MIGRATING rejects with a retryable
// error. On a missing key, this node becomes the very first, founding
// INIT with numShards shards.
func (c *Client) Add(ctx context.Context, address string, numShards uint32) (int, error) {
	var joinedID int
	err := c.mutate(ctx, func(r *Record) error {
		id := r.IndexOf(address)
		if id >= 0 {
			if r.IsAvailable(id) {
				return fmt.Errorf("coordinator: another node is already listening on %s", address)
			}
			joinedID = id
			return nil
		}
		switch r.State {
		case StateInit:
			newID, err := r.AddNodeWithNewShards(address, numShards)
			if err != nil {
				return err
			}
			joinedID = newID
		case StateRunning:
			newID, err := r.AddNode(address)
			if err != nil {
				return err
			}
			joinedID = newID
		case StateMigrating:
			return errors.New("coordinator: cluster is migrating, try again later")
		}
		return nil
	}, func(fresh *Record) error {
		id, err := fresh.AddNodeWithNewShards(address, numShards)
		if err != nil {
			return err
		}
		joinedID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.selfID = joinedID
	c.joined = true
	c.mu.Unlock()
	return joinedID, nil
}

// MarkForRemoval flags node id for graceful removal; an operator-driven
// mutator, not tied to this client's own joined id.
func (c *Client) MarkForRemoval(ctx context.Context, id int) error {
	return c.mutate(ctx, func(r *Record) error {
		return r.MarkRemoveNode(id)
	}, nil)
}

// RemoveSelf empties this client's own slot once it owns zero shards,
// called by a node as the last step of graceful shutdown.
func (c *Client) RemoveSelf(ctx context.Context) error {
	c.mu.RLock()
	id := c.selfID
	c.mu.RUnlock()
	if id < 0 {
		return errors.New("coordinator: client never joined")
	}
	return c.mutate(ctx, func(r *Record) error {
		return r.RemoveNode(id)
	}, nil)
}

// Run transitions INIT -> RUNNING if there is nothing pending.
func (c *Client) Run(ctx context.Context) error {
	r, err := c.Get(ctx)
	if err != nil {
		return err
	}
	if r == nil {
		return nil
	}
	if r.State == StateRunning || !r.NoMigrations() {
		return nil
	}
	err = c.mutate(ctx, func(r *Record) error {
		if r.State == StateRunning || !r.NoMigrations() {
			return errRunNoop
		}
		return r.SetRunning()
	}, nil)
	if errors.Is(err, errRunNoop) {
		return nil
	}
	return err
}

var errRunNoop = errors.New("coordinator: run: nothing to do")

// Migrate recomputes the target shard allocation and transitions to
// MIGRATING. Returns false if nothing needed to move.
func (c *Client) Migrate(ctx context.Context) (bool, error) {
	moved := false
	err := c.mutate(ctx, func(r *Record) error {
		moved = r.Redistribute()
		if r.NoMigrations() {
			return errMigrateNoop
		}
		return r.SetMigrating()
	}, nil)
	if errors.Is(err, errMigrateNoop) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return moved, nil
}

var errMigrateNoop = errors.New("coordinator: migrate: nothing to migrate")

// GiveShard persists the handover of shard away from this client's own
// node id; after this commits, servers reject new requests for shard on
// the old master with INVALID_ARGUMENT.
func (c *Client) GiveShard(ctx context.Context, shard uint32) error {
	c.mu.RLock()
	id := c.selfID
	c.mu.RUnlock()
	return c.mutate(ctx, func(r *Record) error {
		return r.GiveShard(id, shard)
	}, nil)
}

// MigrationOver confirms the new master has finished ingesting shard.
func (c *Client) MigrationOver(ctx context.Context, shard uint32) error {
	return c.mutate(ctx, func(r *Record) error {
		return r.MigrationOver(shard)
	}, nil)
}

// SetAvailable flips the advisory liveness bit for node id.
func (c *Client) SetAvailable(ctx context.Context, id int, available bool) error {
	err := c.mutate(ctx, func(r *Record) error {
		if r.IsAvailable(id) == available {
			return errSetAvailableNoop
		}
		r.SetAvailable(id, available)
		return nil
	}, nil)
	if errors.Is(err, errSetAvailableNoop) {
		return nil
	}
	return err
}

var errSetAvailableNoop = errors.New("coordinator: set_available: already set")

// Watch opens a cancellable stream of InfoRecord changes, re-seeding the
// local cache with the current value first.
func (c *Client) Watch(ctx context.Context) (clientv3.WatchChan, error) {
	if _, err := c.Get(ctx); err != nil {
		return nil, err
	}
	return c.etcd.Watch(ctx, c.key), nil
}

// WatchNext blocks for the next batch of events from ch, re-parsing the
// newest value into the cache. It reports whether the watch was
// canceled (channel closed or a canceled event).
func (c *Client) WatchNext(ch clientv3.WatchChan) (canceled bool, err error) {
	resp, ok := <-ch
	if !ok {
		return true, nil
	}
	if resp.Canceled {
		return true, resp.Err()
	}
	var latest []byte
	for _, ev := range resp.Events {
		if ev.Type == clientv3.EventTypePut {
			latest = ev.Kv.Value
		}
	}
	if latest == nil {
		return false, nil
	}
	r, err := parseRecord(latest)
	if err != nil {
		return false, err
	}
	c.setCache(r)
	return false, nil
}

// Tasks reports, from the cache, the shards nodeID must still fetch,
// keyed by the peer that currently owns each one.
func (c *Client) Tasks(nodeID int) map[int][]uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cache == nil {
		return nil
	}
	return c.cache.Tasks(nodeID)
}

// IsHealthy reports the cached health view.
func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache == nil || c.cache.IsHealthy()
}

// WaitUntilHealthy blocks on the watch loop until the cache reports
// every node available.
func (c *Client) WaitUntilHealthy(ctx context.Context) error {
	if c.IsHealthy() {
		return nil
	}
	ch, err := c.Watch(ctx)
	if err != nil {
		return err
	}
	for !c.IsHealthy() {
		canceled, err := c.WatchNext(ch)
		if err != nil {
			return err
		}
		if canceled {
			return errors.New("coordinator: watch canceled while waiting for health")
		}
	}
	return nil
}
