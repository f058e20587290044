// Package server serves the content described by Specs to other peers.
package server

import (
	"context"
	"io"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/bobg/p2psync"
)

// DefaultCacheSize is the default number of chunks held in a Server's cache.
const DefaultCacheSize = 64

var _ p2psync.Peer = &Server{}

// Server is a p2psync.Peer answering from one or more Specs.
// When a hash appears in more than one Spec,
// the Spec added first answers for it.
type Server struct {
	fs    afero.Fs
	cache *lru.Cache // chunkKey -> []byte

	mu    sync.RWMutex
	specs []*p2psync.Spec
}

type chunkKey struct {
	h     p2psync.Hash
	index int
}

// New produces a new Server reading content from fs
// and caching up to cacheSize recently served chunks.
// A nil fs means the host filesystem.
func New(fs afero.Fs, cacheSize int, specs ...*p2psync.Spec) (*Server, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	c, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating chunk cache")
	}
	return &Server{fs: fs, cache: c, specs: specs}, nil
}

// Add makes the content of spec available from s.
func (s *Server) Add(spec *p2psync.Spec) {
	s.mu.Lock()
	s.specs = append(s.specs, spec)
	s.mu.Unlock()
}

// Hashes produces every hash s can serve, in sorted order.
func (s *Server) Hashes() []p2psync.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[p2psync.Hash]struct{})
	var result []p2psync.Hash
	for _, spec := range s.specs {
		for _, h := range spec.Hashes() {
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			result = append(result, h)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Less(result[j]) })
	return result
}

func (s *Server) lookup(h p2psync.Hash) (*p2psync.Spec, *p2psync.ContentNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, spec := range s.specs {
		if n, ok := spec.Lookup(h); ok {
			return spec, n, true
		}
	}
	return nil, nil, false
}

// GetMetadata implements p2psync.Peer.
func (s *Server) GetMetadata(_ context.Context, h p2psync.Hash) (*p2psync.ContentNode, error) {
	_, n, ok := s.lookup(h)
	if !ok {
		return nil, p2psync.NotFoundError(errors.Errorf("hash %s", h))
	}
	return n.Shallow(), nil
}

// GetChunk implements p2psync.Peer.
func (s *Server) GetChunk(_ context.Context, h p2psync.Hash, index int) ([]byte, error) {
	spec, n, ok := s.lookup(h)
	if !ok {
		return nil, p2psync.NotFoundError(errors.Errorf("hash %s", h))
	}
	if index < 0 || index >= len(n.Chunks) {
		return nil, p2psync.RangeError(errors.Errorf("chunk %d of %s (%d chunks)", index, h, len(n.Chunks)))
	}

	key := chunkKey{h: h, index: index}
	if got, ok := s.cache.Get(key); ok {
		return got.([]byte), nil
	}

	data, err := s.readChunk(spec, n, index)
	if err != nil {
		return nil, p2psync.IOError(err)
	}
	s.cache.Add(key, data)
	return data, nil
}

func (s *Server) readChunk(spec *p2psync.Spec, n *p2psync.ContentNode, index int) ([]byte, error) {
	path := spec.FilePath(n)
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	buf := make([]byte, n.Chunks[index].Size)
	k, err := f.ReadAt(buf, int64(index)*spec.ChunkSize)
	if k == len(buf) {
		return buf, nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return nil, errors.Wrapf(err, "reading chunk %d of %s", index, path)
}
