package server

import (
	"context"
	"log"

	"github.com/bobg/p2psync"
)

var _ p2psync.Peer = &Logging{}

// Logging is a p2psync.Peer that delegates to a nested Peer,
// logging requests as they happen.
type Logging struct {
	p p2psync.Peer
}

func NewLogging(p p2psync.Peer) *Logging {
	return &Logging{p: p}
}

func (l *Logging) GetMetadata(ctx context.Context, h p2psync.Hash) (*p2psync.ContentNode, error) {
	n, err := l.p.GetMetadata(ctx, h)
	if err != nil {
		log.Printf("ERROR GetMetadata %s: %s", h, err)
	} else {
		log.Printf("GetMetadata %s: %s %s", h, n.Kind, n.Path)
	}
	return n, err
}

func (l *Logging) GetChunk(ctx context.Context, h p2psync.Hash, index int) ([]byte, error) {
	data, err := l.p.GetChunk(ctx, h, index)
	if err != nil {
		log.Printf("ERROR GetChunk %s[%d]: %s", h, index, err)
	} else {
		log.Printf("GetChunk %s[%d]: %d bytes", h, index, len(data))
	}
	return data, err
}
