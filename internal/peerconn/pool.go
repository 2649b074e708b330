// Package peerconn caches gRPC connections to peer nodes, the way
// worker/internal/pd.Client caches its connection to the placement
// driver leader instead of dialing fresh for every call. It is shared
// by the migrate importer (dialing the shard's current owner) and the
// server's proxy-read path (dialing a shard's former owner).
package peerconn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panktist/crocks/internal/rpcapi"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Pool holds one *grpc.ClientConn per peer address, dialed lazily and
// reused across calls until explicitly closed.
type Pool struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{conns: make(map[string]*grpc.ClientConn)}
}

// Get returns an RPCClient bound to address, dialing and caching the
// underlying connection on first use.
func (p *Pool) Get(address string) (rpcapi.RPCClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[address]; ok {
		return rpcapi.NewRPCClient(conn), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(ctx, address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpcapi.CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("peerconn: dial %s: %w", address, err)
	}
	p.conns[address] = conn
	return rpcapi.NewRPCClient(conn), nil
}

// Drop closes and evicts the cached connection to address, if any, so
// the next Get redials. Used after a peer call fails with a transport
// error that a stale connection might explain.
func (p *Pool) Drop(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[address]; ok {
		conn.Close()
		delete(p.conns, address)
	}
}

// CloseAll tears down every cached connection.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for addr, conn := range p.conns {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
		delete(p.conns, addr)
	}
	return first
}
