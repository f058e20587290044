package testutil

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/bobg/p2psync"
)

var _ p2psync.Dialer = &Network{}

// Network is an in-process p2psync.Dialer.
// Peers can be added and removed at any time;
// requests to a removed peer fail with a network error,
// as if it had disconnected.
type Network struct {
	mu    sync.Mutex
	peers map[string]p2psync.Peer
}

func NewNetwork() *Network {
	return &Network{peers: make(map[string]p2psync.Peer)}
}

func (n *Network) Add(addr string, p p2psync.Peer) {
	n.mu.Lock()
	n.peers[addr] = p
	n.mu.Unlock()
}

func (n *Network) Remove(addr string) {
	n.mu.Lock()
	delete(n.peers, addr)
	n.mu.Unlock()
}

// Dial implements p2psync.Dialer.
func (n *Network) Dial(_ context.Context, addr string) (p2psync.Peer, error) {
	return &netPeer{n: n, addr: addr}, nil
}

type netPeer struct {
	n    *Network
	addr string
}

func (p *netPeer) get() (p2psync.Peer, error) {
	p.n.mu.Lock()
	defer p.n.mu.Unlock()
	if peer, ok := p.n.peers[p.addr]; ok {
		return peer, nil
	}
	return nil, p2psync.NetworkError(errors.Errorf("%s unreachable", p.addr))
}

func (p *netPeer) GetMetadata(ctx context.Context, h p2psync.Hash) (*p2psync.ContentNode, error) {
	peer, err := p.get()
	if err != nil {
		return nil, err
	}
	return peer.GetMetadata(ctx, h)
}

func (p *netPeer) GetChunk(ctx context.Context, h p2psync.Hash, index int) ([]byte, error) {
	peer, err := p.get()
	if err != nil {
		return nil, err
	}
	return peer.GetChunk(ctx, h, index)
}

// FaultyPeer wraps a Peer, misbehaving on request.
type FaultyPeer struct {
	p2psync.Peer

	// Corrupt, if set, selects chunks whose bytes are altered before being returned.
	Corrupt func(h p2psync.Hash, index int) bool

	// FailAfter, if positive, is the number of successful GetChunk calls
	// after which every call fails with a network error.
	FailAfter int

	// Block makes GetChunk wait until its context is canceled.
	Block bool

	mu    sync.Mutex
	calls int
}

// Calls is the number of GetChunk calls the peer has received.
func (f *FaultyPeer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FaultyPeer) GetChunk(ctx context.Context, h p2psync.Hash, index int) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	calls := f.calls
	f.mu.Unlock()

	if f.Block {
		<-ctx.Done()
		return nil, p2psync.NetworkError(ctx.Err())
	}
	if f.FailAfter > 0 && calls > f.FailAfter {
		return nil, p2psync.NetworkError(errors.New("connection reset"))
	}

	data, err := f.Peer.GetChunk(ctx, h, index)
	if err != nil {
		return nil, err
	}
	if f.Corrupt != nil && f.Corrupt(h, index) {
		data = append([]byte(nil), data...)
		data[0] ^= 0xff
	}
	return data, nil
}
