package server

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/panktist/crocks/internal/coordinator"
	"github.com/panktist/crocks/internal/rpcapi"
	"github.com/panktist/crocks/internal/shard"
	"github.com/panktist/crocks/internal/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func openTestEngine(t *testing.T) *storage.Engine {
	e, err := storage.Open(t.TempDir(), storage.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// keyForShard brute-forces a key that hashes to shard under rec, since
// ShardForKey is a plain FNV hash with no inverse.
func keyForShard(rec *coordinator.Record, target uint32) []byte {
	for i := 0; i < 10000; i++ {
		k := []byte(fmt.Sprintf("k%d", i))
		if rec.ShardForKey(k) == target {
			return k
		}
	}
	panic("no key found for shard")
}

func oneOwnedShard(t *testing.T, rec *coordinator.Record, nodeID int) uint32 {
	for s := range rec.Nodes[nodeID].Shards {
		return s
	}
	t.Fatalf("node %d owns no shards", nodeID)
	return 0
}

func TestPingReturnsEmptyResponse(t *testing.T) {
	s := New(nil, nil, shard.NewTable(), nil, nil)
	resp, err := s.Ping(context.Background(), &rpcapi.PingRequest{})
	require.NoError(t, err)
	require.NotNil(t, resp)
}

func TestGetReturnsInvalidArgumentForWrongShardWithoutForce(t *testing.T) {
	rec := coordinator.NewRecord()
	_, err := rec.AddNodeWithNewShards("self:1", 4)
	require.NoError(t, err)
	require.NoError(t, rec.SetRunning())
	_, err = rec.AddNode("peer:1")
	require.NoError(t, err)

	moved := oneOwnedShard(t, rec, 0)
	delete(rec.Nodes[0].Shards, moved)
	rec.Nodes[1].Shards[moved] = struct{}{}

	info := coordinator.NewClientForTesting(rec, 0)
	s := New(info, nil, shard.NewTable(), nil, nil)

	_, err = s.Get(context.Background(), &rpcapi.GetRequest{Key: keyForShard(rec, moved)})
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestPutGetDeleteRoundTripOnOwnedShard(t *testing.T) {
	e := openTestEngine(t)
	rec := coordinator.NewRecord()
	_, err := rec.AddNodeWithNewShards("self:1", 4)
	require.NoError(t, err)
	require.NoError(t, rec.SetRunning())
	info := coordinator.NewClientForTesting(rec, 0)

	owned := oneOwnedShard(t, rec, 0)
	ks, err := e.CreateKeyspace(owned)
	require.NoError(t, err)
	table := shard.NewTable()
	table.Add(shard.NewShard(owned, ks))

	s := New(info, e, table, nil, nil)
	key := keyForShard(rec, owned)

	putResp, err := s.Put(context.Background(), &rpcapi.PutRequest{Key: key, Value: []byte("v1")})
	require.NoError(t, err)
	require.Equal(t, int32(storage.CodeOK), putResp.Status)

	getResp, err := s.Get(context.Background(), &rpcapi.GetRequest{Key: key})
	require.NoError(t, err)
	require.Equal(t, int32(storage.CodeOK), getResp.Status)
	require.Equal(t, []byte("v1"), getResp.Value)

	delResp, err := s.Delete(context.Background(), &rpcapi.DeleteRequest{Key: key})
	require.NoError(t, err)
	require.Equal(t, int32(storage.CodeOK), delResp.Status)

	getResp, err = s.Get(context.Background(), &rpcapi.GetRequest{Key: key})
	require.NoError(t, err)
	require.Equal(t, int32(storage.CodeNotFound), getResp.Status)
}

func TestPutOnUnownedShardReturnsInvalidArgument(t *testing.T) {
	rec := coordinator.NewRecord()
	_, err := rec.AddNodeWithNewShards("self:1", 4)
	require.NoError(t, err)
	require.NoError(t, rec.SetRunning())
	info := coordinator.NewClientForTesting(rec, 0)

	s := New(info, nil, shard.NewTable(), nil, nil)
	_, err = s.Put(context.Background(), &rpcapi.PutRequest{Key: []byte("x"), Value: []byte("v")})
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

// fakeServerStream satisfies grpc.ServerStream with no-op behavior,
// letting the typed Batch/Iterator fakes below implement only Send
// and Recv.
type fakeServerStream struct{}

func (fakeServerStream) SetHeader(metadata.MD) error { return nil }
func (fakeServerStream) SendHeader(metadata.MD) error { return nil }
func (fakeServerStream) SetTrailer(metadata.MD)       {}
func (fakeServerStream) Context() context.Context     { return context.Background() }
func (fakeServerStream) SendMsg(m interface{}) error  { return nil }
func (fakeServerStream) RecvMsg(m interface{}) error  { return nil }

type fakeBatchServer struct {
	fakeServerStream
	reqs []*rpcapi.BatchRequest
	idx  int
	sent []*rpcapi.BatchResponse
}

func (f *fakeBatchServer) Send(m *rpcapi.BatchResponse) error {
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeBatchServer) Recv() (*rpcapi.BatchRequest, error) {
	if f.idx >= len(f.reqs) {
		return nil, io.EOF
	}
	r := f.reqs[f.idx]
	f.idx++
	return r, nil
}

func TestBatchCommitsAtomicallyAcrossShards(t *testing.T) {
	e := openTestEngine(t)
	rec := coordinator.NewRecord()
	_, err := rec.AddNodeWithNewShards("self:1", 4)
	require.NoError(t, err)
	require.NoError(t, rec.SetRunning())
	info := coordinator.NewClientForTesting(rec, 0)

	table := shard.NewTable()
	for s := range rec.Nodes[0].Shards {
		ks, err := e.CreateKeyspace(s)
		require.NoError(t, err)
		table.Add(shard.NewShard(s, ks))
	}

	shards := rec.Nodes[0].SortedShards()
	require.GreaterOrEqual(t, len(shards), 2)
	a, b := shards[0], shards[1]

	srv := New(info, e, table, nil, nil)
	fake := &fakeBatchServer{reqs: []*rpcapi.BatchRequest{
		{Updates: []rpcapi.BatchUpdate{{Op: rpcapi.BatchPut, Shard: a, Key: []byte("k"), Value: []byte("one")}}},
		{Updates: []rpcapi.BatchUpdate{{Op: rpcapi.BatchPut, Shard: b, Key: []byte("k"), Value: []byte("two")}}},
	}}

	err = srv.Batch(fake)
	require.NoError(t, err)
	require.Len(t, fake.sent, 3)
	require.Equal(t, int32(storage.CodeOK), fake.sent[0].Status)
	require.Equal(t, int32(storage.CodeOK), fake.sent[1].Status)
	require.Equal(t, int32(storage.CodeOK), fake.sent[2].Status, "final message carries the commit status")

	va, err := e.Keyspace(a).Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("one"), va)
	vb, err := e.Keyspace(b).Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("two"), vb)
}

func TestBatchMessageTouchingUnownedShardIsRejectedWithoutApplying(t *testing.T) {
	e := openTestEngine(t)
	rec := coordinator.NewRecord()
	_, err := rec.AddNodeWithNewShards("self:1", 4)
	require.NoError(t, err)
	require.NoError(t, rec.SetRunning())
	info := coordinator.NewClientForTesting(rec, 0)

	table := shard.NewTable()
	owned := oneOwnedShard(t, rec, 0)
	ks, err := e.CreateKeyspace(owned)
	require.NoError(t, err)
	table.Add(shard.NewShard(owned, ks))

	const unowned = uint32(999)
	srv := New(info, e, table, nil, nil)
	fake := &fakeBatchServer{reqs: []*rpcapi.BatchRequest{
		{Updates: []rpcapi.BatchUpdate{{Op: rpcapi.BatchPut, Shard: unowned, Key: []byte("k"), Value: []byte("v")}}},
	}}

	err = srv.Batch(fake)
	require.NoError(t, err)
	require.Len(t, fake.sent, 2)
	require.Equal(t, int32(storage.CodeInvalidArgument), fake.sent[0].Status)
	require.Equal(t, int32(storage.CodeOK), fake.sent[1].Status, "an empty batch still commits cleanly")
}

type fakeIteratorServer struct {
	fakeServerStream
	reqs []*rpcapi.IteratorRequest
	idx  int
	sent []*rpcapi.IteratorResponse
}

func (f *fakeIteratorServer) Send(m *rpcapi.IteratorResponse) error {
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeIteratorServer) Recv() (*rpcapi.IteratorRequest, error) {
	if f.idx >= len(f.reqs) {
		return nil, io.EOF
	}
	r := f.reqs[f.idx]
	f.idx++
	return r, nil
}

func TestIteratorSeekToFirstThenNextCoversWholeShard(t *testing.T) {
	e := openTestEngine(t)
	rec := coordinator.NewRecord()
	_, err := rec.AddNodeWithNewShards("self:1", 1)
	require.NoError(t, err)
	require.NoError(t, rec.SetRunning())
	info := coordinator.NewClientForTesting(rec, 0)

	owned := oneOwnedShard(t, rec, 0)
	ks, err := e.CreateKeyspace(owned)
	require.NoError(t, err)
	require.NoError(t, ks.Put([]byte("a"), []byte("1")))
	require.NoError(t, ks.Put([]byte("b"), []byte("2")))

	table := shard.NewTable()
	table.Add(shard.NewShard(owned, ks))

	srv := New(info, e, table, nil, nil)
	fake := &fakeIteratorServer{reqs: []*rpcapi.IteratorRequest{
		{Op: rpcapi.IterSeekToFirst},
	}}

	require.NoError(t, srv.Iterator(fake))
	require.Len(t, fake.sent, 1)
	require.False(t, fake.sent[0].Done)
	require.Len(t, fake.sent[0].Kvs, 2)
	require.Equal(t, []byte("a"), fake.sent[0].Kvs[0].Key)
	require.Equal(t, []byte("b"), fake.sent[0].Kvs[1].Key)
}

func TestApplyIteratorRequestSeekForPrevWalksBackward(t *testing.T) {
	e := openTestEngine(t)
	ks, err := e.CreateKeyspace(1)
	require.NoError(t, err)
	require.NoError(t, ks.Put([]byte("a"), []byte("1")))
	require.NoError(t, ks.Put([]byte("c"), []byte("3")))

	mit, err := e.NewMultiIterator([]uint32{1})
	require.NoError(t, err)
	defer mit.Close()

	resp := applyIteratorRequest(mit, &rpcapi.IteratorRequest{Op: rpcapi.IterSeekForPrev, Target: []byte("z")})
	require.False(t, resp.Done)
	require.Equal(t, []byte("c"), resp.Kvs[0].Key)
	require.Equal(t, []byte("a"), resp.Kvs[1].Key)
}
