// Package tracker implements the peer registry:
// a mapping from content hashes to the peers that have recently announced them.
package tracker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/p2psync"
)

const (
	// DefaultTTL is how long an announcement stays live:
	// three missed announce intervals.
	DefaultTTL = 90 * time.Second

	// DefaultAnnounceInterval is how often peers are expected to re-announce.
	DefaultAnnounceInterval = 30 * time.Second

	// DefaultShards is the number of independently locked buckets.
	DefaultShards = 64
)

var _ p2psync.Tracker = &Registry{}

// Registry is an in-memory, concurrency-safe peer registry.
// Hashes are distributed over shards,
// each with its own lock,
// so operations on hashes in different shards never contend.
type Registry struct {
	ttl    time.Duration
	now    func() time.Time
	shards []*shard
}

type shard struct {
	mu    sync.RWMutex
	peers map[p2psync.Hash]map[string]time.Time // hash -> addr -> last announce
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL sets the time an announcement stays live.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithClock sets the source of the current time.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithShards sets the number of shards.
func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = make([]*shard, n)
		}
	}
}

// New produces a new, empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		ttl:    DefaultTTL,
		now:    time.Now,
		shards: make([]*shard, DefaultShards),
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := range r.shards {
		r.shards[i] = &shard{peers: make(map[p2psync.Hash]map[string]time.Time)}
	}
	return r
}

// TTL is the registry's liveness window.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

func (r *Registry) shardFor(h p2psync.Hash) *shard {
	// Hashes are uniformly distributed, so the leading bytes suffice.
	n := uint(h[0])<<8 | uint(h[1])
	return r.shards[n%uint(len(r.shards))]
}

// Announce records that addr currently offers each of hashes.
func (r *Registry) Announce(_ context.Context, addr string, hashes []p2psync.Hash) error {
	if addr == "" {
		return errors.New("empty address")
	}

	now := r.now()

	byShard := make(map[*shard][]p2psync.Hash)
	for _, h := range hashes {
		s := r.shardFor(h)
		byShard[s] = append(byShard[s], h)
	}

	for s, hs := range byShard {
		s.mu.Lock()
		for _, h := range hs {
			m, ok := s.peers[h]
			if !ok {
				m = make(map[string]time.Time)
				s.peers[h] = m
			}
			m[addr] = now
		}
		s.mu.Unlock()
	}

	return nil
}

// Query produces the live peers offering h,
// most recently announced first
// (ties broken by address).
// Stale entries for h are pruned along the way.
func (r *Registry) Query(_ context.Context, h p2psync.Hash) ([]p2psync.PeerRecord, error) {
	var (
		now   = r.now()
		s     = r.shardFor(h)
		stale bool
	)

	s.mu.RLock()
	m := s.peers[h]
	result := make([]p2psync.PeerRecord, 0, len(m))
	for addr, last := range m {
		if r.live(last, now) {
			result = append(result, p2psync.PeerRecord{Addr: addr, LastAnnounce: last})
		} else {
			stale = true
		}
	}
	s.mu.RUnlock()

	if stale {
		s.mu.Lock()
		s.prune(h, r.ttl, now)
		s.mu.Unlock()
	}

	p2psync.SortPeerRecords(result)

	return result, nil
}

func (r *Registry) live(last, now time.Time) bool {
	return now.Sub(last) <= r.ttl
}

// Caller must obtain a write lock.
func (s *shard) prune(h p2psync.Hash, ttl time.Duration, now time.Time) int {
	m := s.peers[h]
	var n int
	for addr, last := range m {
		if now.Sub(last) > ttl {
			delete(m, addr)
			n++
		}
	}
	if len(m) == 0 {
		delete(s.peers, h)
	}
	return n
}

// Sweep removes every stale entry from the registry,
// returning the number removed.
func (r *Registry) Sweep() int {
	now := r.now()
	var n int
	for _, s := range r.shards {
		s.mu.Lock()
		for h := range s.peers {
			n += s.prune(h, r.ttl, now)
		}
		s.mu.Unlock()
	}
	return n
}

// Run sweeps the registry every interval until the context is canceled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				log.Printf("Swept %d stale peer record(s)", n)
			}
		}
	}
}

// Stats summarizes the contents of a Registry.
type Stats struct {
	Hashes  int `json:"hashes"`
	Records int `json:"records"`
	Peers   int `json:"peers"`
}

// Stats reports the number of hashes, (hash, peer) records, and distinct peers
// currently in the registry.
// Stale entries not yet swept are included.
func (r *Registry) Stats() Stats {
	var (
		result Stats
		peers  = make(map[string]struct{})
	)
	for _, s := range r.shards {
		s.mu.RLock()
		result.Hashes += len(s.peers)
		for _, m := range s.peers {
			result.Records += len(m)
			for addr := range m {
				peers[addr] = struct{}{}
			}
		}
		s.mu.RUnlock()
	}
	result.Peers = len(peers)
	return result
}
