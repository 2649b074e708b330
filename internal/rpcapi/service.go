package rpcapi

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName = "crocks.RPC"

	methodPing     = "/crocks.RPC/Ping"
	methodGet      = "/crocks.RPC/Get"
	methodPut      = "/crocks.RPC/Put"
	methodDelete   = "/crocks.RPC/Delete"
	methodBatch    = "/crocks.RPC/Batch"
	methodIterator = "/crocks.RPC/Iterator"
	methodMigrate  = "/crocks.RPC/Migrate"
)

// RPCServer is implemented by internal/server.Server. The four unary
// methods cover spec.md §4.6's key-value path; Batch and Iterator are
// bidirectional streams because a batch/iterator session spans many
// request/response pairs over one call; Migrate is the bidirectional
// shard-handover stream described in spec.md §4.4.
type RPCServer interface {
	Ping(context.Context, *PingRequest) (*PingResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Put(context.Context, *PutRequest) (*PutResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
	Batch(BatchServer) error
	Iterator(IteratorServer) error
	Migrate(MigrateServer) error
}

// BatchServer is the server side of the Batch stream.
type BatchServer interface {
	Send(*BatchResponse) error
	Recv() (*BatchRequest, error)
	grpc.ServerStream
}

type batchServer struct{ grpc.ServerStream }

func (x *batchServer) Send(m *BatchResponse) error { return x.ServerStream.SendMsg(m) }
func (x *batchServer) Recv() (*BatchRequest, error) {
	m := new(BatchRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// IteratorServer is the server side of the Iterator stream.
type IteratorServer interface {
	Send(*IteratorResponse) error
	Recv() (*IteratorRequest, error)
	grpc.ServerStream
}

type iteratorServer struct{ grpc.ServerStream }

func (x *iteratorServer) Send(m *IteratorResponse) error { return x.ServerStream.SendMsg(m) }
func (x *iteratorServer) Recv() (*IteratorRequest, error) {
	m := new(IteratorRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// MigrateServer is the server side of the Migrate stream, implemented
// by the shard's current owner (internal/migrate.Migrator).
type MigrateServer interface {
	Send(*MigrateResponse) error
	Recv() (*MigrateRequest, error)
	grpc.ServerStream
}

type migrateServer struct{ grpc.ServerStream }

func (x *migrateServer) Send(m *MigrateResponse) error { return x.ServerStream.SendMsg(m) }
func (x *migrateServer) Recv() (*MigrateRequest, error) {
	m := new(MigrateRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _RPC_Ping_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RPCServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPing}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RPCServer).Ping(ctx, req.(*PingRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _RPC_Get_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RPCServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGet}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RPCServer).Get(ctx, req.(*GetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _RPC_Put_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PutRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RPCServer).Put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPut}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RPCServer).Put(ctx, req.(*PutRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _RPC_Delete_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeleteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RPCServer).Delete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDelete}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RPCServer).Delete(ctx, req.(*DeleteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _RPC_Batch_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(RPCServer).Batch(&batchServer{stream})
}

func _RPC_Iterator_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(RPCServer).Iterator(&iteratorServer{stream})
}

func _RPC_Migrate_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(RPCServer).Migrate(&migrateServer{stream})
}

// ServiceDesc is registered against a *grpc.Server with
// RegisterRPCServer, standing in for the protoc-generated
// _RPC_serviceDesc a .proto file would otherwise produce.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RPCServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: _RPC_Ping_Handler},
		{MethodName: "Get", Handler: _RPC_Get_Handler},
		{MethodName: "Put", Handler: _RPC_Put_Handler},
		{MethodName: "Delete", Handler: _RPC_Delete_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Batch", Handler: _RPC_Batch_Handler, ServerStreams: true, ClientStreams: true},
		{StreamName: "Iterator", Handler: _RPC_Iterator_Handler, ServerStreams: true, ClientStreams: true},
		{StreamName: "Migrate", Handler: _RPC_Migrate_Handler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "internal/rpcapi/service.go",
}

// RegisterRPCServer attaches srv's handlers to s.
func RegisterRPCServer(s grpc.ServiceRegistrar, srv RPCServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// RPCClient is the caller side of the service, used by both the
// client package and a node proxying a read to a shard's old master.
type RPCClient interface {
	Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error)
	Get(ctx context.Context, in *GetRequest, opts ...grpc.CallOption) (*GetResponse, error)
	Put(ctx context.Context, in *PutRequest, opts ...grpc.CallOption) (*PutResponse, error)
	Delete(ctx context.Context, in *DeleteRequest, opts ...grpc.CallOption) (*DeleteResponse, error)
	Batch(ctx context.Context, opts ...grpc.CallOption) (BatchClient, error)
	Iterator(ctx context.Context, opts ...grpc.CallOption) (IteratorClient, error)
	Migrate(ctx context.Context, opts ...grpc.CallOption) (MigrateClient, error)
}

type rpcClient struct {
	cc grpc.ClientConnInterface
}

// NewRPCClient wraps a dialed connection, which callers establish with
// grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpcapi.CodecName)).
func NewRPCClient(cc grpc.ClientConnInterface) RPCClient {
	return &rpcClient{cc: cc}
}

func (c *rpcClient) Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error) {
	out := new(PingResponse)
	if err := c.cc.Invoke(ctx, methodPing, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *rpcClient) Get(ctx context.Context, in *GetRequest, opts ...grpc.CallOption) (*GetResponse, error) {
	out := new(GetResponse)
	if err := c.cc.Invoke(ctx, methodGet, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *rpcClient) Put(ctx context.Context, in *PutRequest, opts ...grpc.CallOption) (*PutResponse, error) {
	out := new(PutResponse)
	if err := c.cc.Invoke(ctx, methodPut, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *rpcClient) Delete(ctx context.Context, in *DeleteRequest, opts ...grpc.CallOption) (*DeleteResponse, error) {
	out := new(DeleteResponse)
	if err := c.cc.Invoke(ctx, methodDelete, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// BatchClient is the caller side of the Batch stream.
type BatchClient interface {
	Send(*BatchRequest) error
	Recv() (*BatchResponse, error)
	grpc.ClientStream
}

type batchClient struct{ grpc.ClientStream }

func (x *batchClient) Send(m *BatchRequest) error { return x.ClientStream.SendMsg(m) }
func (x *batchClient) Recv() (*BatchResponse, error) {
	m := new(BatchResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *rpcClient) Batch(ctx context.Context, opts ...grpc.CallOption) (BatchClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], methodBatch, opts...)
	if err != nil {
		return nil, err
	}
	return &batchClient{stream}, nil
}

// IteratorClient is the caller side of the Iterator stream.
type IteratorClient interface {
	Send(*IteratorRequest) error
	Recv() (*IteratorResponse, error)
	grpc.ClientStream
}

type iteratorClient struct{ grpc.ClientStream }

func (x *iteratorClient) Send(m *IteratorRequest) error { return x.ClientStream.SendMsg(m) }
func (x *iteratorClient) Recv() (*IteratorResponse, error) {
	m := new(IteratorResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *rpcClient) Iterator(ctx context.Context, opts ...grpc.CallOption) (IteratorClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[1], methodIterator, opts...)
	if err != nil {
		return nil, err
	}
	return &iteratorClient{stream}, nil
}

// MigrateClient is the caller side of the Migrate stream, dialed by
// the importing node against the shard's current owner.
type MigrateClient interface {
	Send(*MigrateRequest) error
	Recv() (*MigrateResponse, error)
	grpc.ClientStream
}

type migrateClient struct{ grpc.ClientStream }

func (x *migrateClient) Send(m *MigrateRequest) error { return x.ClientStream.SendMsg(m) }
func (x *migrateClient) Recv() (*MigrateResponse, error) {
	m := new(MigrateResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *rpcClient) Migrate(ctx context.Context, opts ...grpc.CallOption) (MigrateClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[2], methodMigrate, opts...)
	if err != nil {
		return nil, err
	}
	return &migrateClient{stream}, nil
}
