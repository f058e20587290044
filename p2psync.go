package p2psync

import (
	"context"
	"time"
)

// PeerRecord is a tracker's knowledge of one peer offering some hash.
type PeerRecord struct {
	// Addr is the peer's host:port.
	Addr string

	// LastAnnounce is when the peer last announced the hash.
	LastAnnounce time.Time
}

// Announcer accepts announcements of the hashes a peer can serve.
type Announcer interface {
	// Announce records that the peer at addr currently offers hashes.
	// It is idempotent.
	Announce(ctx context.Context, addr string, hashes []Hash) error
}

// Querier answers questions about which peers offer a hash.
type Querier interface {
	// Query produces the live peers offering h.
	// An unknown hash produces an empty list and no error.
	Query(ctx context.Context, h Hash) ([]PeerRecord, error)
}

// Tracker is a peer registry.
type Tracker interface {
	Announcer
	Querier
}

// Peer is a source of content.
type Peer interface {
	// GetMetadata describes the node with hash h.
	// A directory's children are described without their own descendants.
	// An unknown hash produces an error matching ErrNotFound.
	GetMetadata(ctx context.Context, h Hash) (*ContentNode, error)

	// GetChunk produces the bytes of chunk number index of the file with hash h.
	// An unknown hash produces ErrNotFound,
	// and an index outside the file's chunk list produces ErrRange.
	GetChunk(ctx context.Context, h Hash, index int) ([]byte, error)
}

// Dialer produces a Peer for a peer address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Peer, error)
}
