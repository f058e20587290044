package rpc

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/grpc"

	"github.com/bobg/p2psync"
)

var _ p2psync.Dialer = &Dialer{}

// Dialer produces PeerClients and TrackerClients,
// reusing one connection per address.
// Its zero value dials insecure TCP connections.
type Dialer struct {
	// Opts are extra dial options,
	// e.g. grpc.WithContextDialer for tests.
	Opts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func (d *Dialer) conn(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cc, ok := d.conns[addr]; ok {
		return cc, nil
	}

	opts := append([]grpc.DialOption{grpc.WithInsecure()}, d.Opts...)
	cc, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, p2psync.NetworkError(errors.Wrapf(err, "dialing %s", addr))
	}
	if d.conns == nil {
		d.conns = make(map[string]*grpc.ClientConn)
	}
	d.conns[addr] = cc
	return cc, nil
}

// Dial implements p2psync.Dialer.
// Connection happens lazily,
// so an unreachable peer shows up as a network error on its first request.
func (d *Dialer) Dial(ctx context.Context, addr string) (p2psync.Peer, error) {
	cc, err := d.conn(ctx, addr)
	if err != nil {
		return nil, err
	}
	return NewPeerClient(cc), nil
}

// DialTracker produces a client for the tracker at addr.
func (d *Dialer) DialTracker(ctx context.Context, addr string) (*TrackerClient, error) {
	cc, err := d.conn(ctx, addr)
	if err != nil {
		return nil, err
	}
	return NewTrackerClient(cc), nil
}

// DialTrackers produces a p2psync.MultiTracker for the trackers at addrs.
func (d *Dialer) DialTrackers(ctx context.Context, addrs []string) (p2psync.MultiTracker, error) {
	var result p2psync.MultiTracker
	for _, addr := range addrs {
		tc, err := d.DialTracker(ctx, addr)
		if err != nil {
			return nil, err
		}
		result = append(result, tc)
	}
	return result, nil
}

// Close closes all the Dialer's connections.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for addr, cc := range d.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "closing connection to %s", addr)
		}
	}
	d.conns = nil
	return firstErr
}
