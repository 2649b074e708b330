// Package rpcapi defines the cluster RPC surface from spec.md §6
// (Ping/Get/Put/Delete/Batch/Iterator/Migrate) as plain Go structs, a
// JSON wire codec, and a hand-built grpc.ServiceDesc standing in for
// protoc-generated stubs, since no protoc invocation is available in
// this environment. See DESIGN.md for the deviation note.
package rpcapi

// BatchOp mirrors RocksDB's WriteBatch operation kinds.
type BatchOp int32

const (
	BatchPut          BatchOp = 0
	BatchDelete       BatchOp = 1
	BatchSingleDelete BatchOp = 2
	BatchMerge        BatchOp = 3
)

// IteratorOp mirrors the seek/step operations a client-side iterator
// can request of a node's multi-keyspace iterator.
type IteratorOp int32

const (
	IterSeekToFirst IteratorOp = 0
	IterSeekToLast  IteratorOp = 1
	IterSeek        IteratorOp = 2
	IterSeekForPrev IteratorOp = 3
	IterNext        IteratorOp = 4
	IterPrev        IteratorOp = 5
)

type PingRequest struct{}
type PingResponse struct{}

type GetRequest struct {
	Key   []byte
	Force bool
}

type GetResponse struct {
	Status int32
	Value  []byte
}

type PutRequest struct {
	Key   []byte
	Value []byte
}

type PutResponse struct {
	Status int32
}

type DeleteRequest struct {
	Key []byte
}

type DeleteResponse struct {
	Status int32
}

type BatchUpdate struct {
	Op    BatchOp
	Shard uint32
	Key   []byte
	Value []byte
}

type BatchRequest struct {
	Updates []BatchUpdate
}

type BatchResponse struct {
	Status int32
}

type IteratorRequest struct {
	Op     IteratorOp
	Target []byte
}

type KeyValue struct {
	Key   []byte
	Value []byte
}

type IteratorResponse struct {
	Kvs    []KeyValue
	Done   bool
	Status int32
}

// MigrateRequest is sent by the importing node. The first message
// names the shard and the resume point; the stream ends with a Final
// message carrying no other fields, per spec.md §4.4 step 7.
type MigrateRequest struct {
	Shard     uint32
	StartFrom uint32
	Final     bool
}

// MigrateResponse carries one completed bulk file per message; Bytes
// is the raw bulk-file content (see internal/storage's bulk file
// format), which the receiver writes to a scratch file and ingests.
// The first response on the stream is empty save for nothing set,
// signaling "you may start accepting requests" (spec.md §4.4 step 4).
type MigrateResponse struct {
	FileNumber uint32
	Bytes      []byte
	LargestKey []byte
	Finished   bool
}
