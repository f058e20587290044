package testutil

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// BufNet is an in-memory network of gRPC servers,
// each listening at its own address.
type BufNet struct {
	mu        sync.Mutex
	listeners map[string]*bufconn.Listener
	servers   map[string]*grpc.Server
}

func NewBufNet() *BufNet {
	return &BufNet{
		listeners: make(map[string]*bufconn.Listener),
		servers:   make(map[string]*grpc.Server),
	}
}

// Serve starts a gRPC server at addr.
// The register callback installs services on it.
// The server is stopped at the end of the test.
func (b *BufNet) Serve(t *testing.T, addr string, register func(*grpc.Server)) {
	t.Helper()

	gs := grpc.NewServer()
	register(gs)

	l := bufconn.Listen(1 << 20)

	b.mu.Lock()
	b.listeners[addr] = l
	b.servers[addr] = gs
	b.mu.Unlock()

	go gs.Serve(l)
	t.Cleanup(func() { b.Stop(addr) })
}

// Stop abruptly stops the server at addr,
// severing its connections.
func (b *BufNet) Stop(addr string) {
	b.mu.Lock()
	gs := b.servers[addr]
	delete(b.servers, addr)
	delete(b.listeners, addr)
	b.mu.Unlock()

	if gs != nil {
		gs.Stop()
	}
}

// DialContext connects to the server at addr.
// It is suitable for use with grpc.WithContextDialer.
func (b *BufNet) DialContext(_ context.Context, addr string) (net.Conn, error) {
	b.mu.Lock()
	l, ok := b.listeners[addr]
	b.mu.Unlock()

	if !ok {
		return nil, errors.Errorf("connection refused: %s", addr)
	}
	return l.Dial()
}

// DialOption is a gRPC dial option routing connections through b.
func (b *BufNet) DialOption() grpc.DialOption {
	return grpc.WithContextDialer(b.DialContext)
}
