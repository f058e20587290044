// Package swarm downloads content from many peers at once.
//
// A download begins with a target hash.
// The coordinator asks the tracker which peers have it,
// fetches its metadata from one of them,
// and then either downloads a directory's children
// (each in a session of its own)
// or spreads a file's chunks over all the peers that have it.
// Every chunk is verified against its expected hash before it is written,
// and every file and directory against its own hash once complete.
// Peers that fail or return bad data get fewer assignments;
// a chunk that no peer can supply fails the download.
package swarm

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"

	"github.com/bobg/p2psync"
)

// Defaults for the corresponding fields of Options.
const (
	DefaultConcurrency     = 10
	DefaultMaxSessions     = 4
	DefaultResolveAttempts = 5
	DefaultResolveInterval = 500 * time.Millisecond
	DefaultRequestTimeout  = 10 * time.Second
	DefaultRetriesPerPeer  = 3
)

// Options control a Coordinator.
// Zero values select defaults.
type Options struct {
	// Concurrency is the number of concurrent chunk requests per file.
	// Default: 10.
	Concurrency int

	// MaxSessions is the number of files downloaded at once.
	// Default: 4.
	MaxSessions int

	// ResolveAttempts is the number of tracker queries
	// made before giving up on finding peers for a hash.
	// Default: 5.
	ResolveAttempts int

	// ResolveInterval is the delay before the first retry of a tracker query.
	// Later retries back off exponentially.
	// Default: 500 milliseconds.
	ResolveInterval time.Duration

	// RequestTimeout bounds each metadata and chunk request.
	// Default: 10 seconds.
	RequestTimeout time.Duration

	// RetriesPerPeer is the number of times a chunk may be requested from any one peer.
	// Default: 3.
	RetriesPerPeer int

	// FS is where output is written.
	// Default: the host filesystem.
	FS afero.Fs

	// Resume, if set, persists the progress of unfinished files.
	Resume *ResumeStore

	// OnState, if set, is called on each session state change.
	// It may be called concurrently.
	OnState func(target p2psync.Hash, path string, state State)
}

// Coordinator downloads content identified by hash.
type Coordinator struct {
	tracker p2psync.Querier
	dialer  p2psync.Dialer
	opts    Options
}

// New produces a Coordinator that finds peers with q and contacts them with d.
func New(q p2psync.Querier, d p2psync.Dialer, opts *Options) *Coordinator {
	c := &Coordinator{tracker: q, dialer: d}
	if opts != nil {
		c.opts = *opts
	}
	if c.opts.Concurrency <= 0 {
		c.opts.Concurrency = DefaultConcurrency
	}
	if c.opts.MaxSessions <= 0 {
		c.opts.MaxSessions = DefaultMaxSessions
	}
	if c.opts.ResolveAttempts <= 0 {
		c.opts.ResolveAttempts = DefaultResolveAttempts
	}
	if c.opts.ResolveInterval <= 0 {
		c.opts.ResolveInterval = DefaultResolveInterval
	}
	if c.opts.RequestTimeout <= 0 {
		c.opts.RequestTimeout = DefaultRequestTimeout
	}
	if c.opts.RetriesPerPeer <= 0 {
		c.opts.RetriesPerPeer = DefaultRetriesPerPeer
	}
	if c.opts.FS == nil {
		c.opts.FS = afero.NewOsFs()
	}
	return c
}

// PeerStat summarizes a peer's behavior during a download.
type PeerStat struct {
	Addr string

	// Score is the lowest reliability score,
	// between 0 and 1,
	// the peer ended any session with.
	Score float64

	Successes int
	Failures  int
}

// Result describes a completed download.
type Result struct {
	// ID identifies the download in log messages.
	ID string

	// Spec describes the downloaded content in its new location.
	// It can be passed to server.New to serve the content onward.
	Spec *p2psync.Spec

	// Peers summarizes the peers that took part.
	Peers map[string]PeerStat
}

type download struct {
	c   *Coordinator
	id  string
	sem *semaphore.Weighted

	mu    sync.Mutex
	stats map[string]PeerStat
}

// Download fetches the content with hash target from the swarm,
// placing it at dest.
// A file is written at dest;
// a directory's content is written beneath dest.
//
// A failed download produces an error that is,
// or wraps,
// a *FailedError.
// Files completed before the failure are left in place,
// and with a ResumeStore configured,
// so is the progress of incomplete ones.
func (c *Coordinator) Download(ctx context.Context, target p2psync.Hash, dest string) (*Result, error) {
	dl := &download{
		c:     c,
		id:    uuid.New().String()[:8],
		sem:   semaphore.NewWeighted(int64(c.opts.MaxSessions)),
		stats: make(map[string]PeerStat),
	}

	log.Printf("[%s] Downloading %s to %s", dl.id, target, dest)
	start := time.Now()

	node, err := dl.session(ctx, target, dest, "", filepath.Base(dest))

	result := &Result{ID: dl.id, Peers: dl.stats}
	if err != nil {
		log.Printf("[%s] ERROR %s", dl.id, err)
		return result, err
	}

	log.Printf("[%s] Downloaded %s (%d bytes) in %s", dl.id, target, node.Size, time.Since(start))

	spec := p2psync.NewSpec(dest, chunkSizeOf(node), node)
	if err = spec.Verify(); err != nil {
		log.Printf("[%s] ERROR downloaded content cannot be served onward: %s", dl.id, err)
	} else {
		result.Spec = spec
	}

	return result, nil
}

func chunkSizeOf(n *p2psync.ContentNode) int64 {
	if size := largestChunk(n); size > 0 {
		return size
	}
	return p2psync.DefaultChunkSize
}

// largestChunk is the size of the largest chunk in the tree at n,
// or 0 if it has none (empty files and directories only).
func largestChunk(n *p2psync.ContentNode) int64 {
	var size int64
	for _, c := range n.Chunks {
		if c.Size > size {
			size = c.Size
		}
	}
	for _, child := range n.Children {
		if s := largestChunk(child); s > size {
			size = s
		}
	}
	return size
}

// resolve queries the tracker for peers offering h,
// retrying with exponential backoff while the answer is empty.
func (dl *download) resolve(ctx context.Context, h p2psync.Hash) ([]p2psync.PeerRecord, error) {
	var (
		recs    []p2psync.PeerRecord
		lastErr error
	)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = dl.c.opts.ResolveInterval
	b.MaxElapsedTime = 0

	err := backoff.Retry(
		func() error {
			qctx, cancel := context.WithTimeout(ctx, dl.c.opts.RequestTimeout)
			defer cancel()

			var err error
			recs, err = dl.c.tracker.Query(qctx, h)
			if err != nil {
				lastErr = err
				return err
			}
			if len(recs) == 0 {
				return errNoPeersYet
			}
			return nil
		},
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(dl.c.opts.ResolveAttempts-1)), ctx),
	)
	if err == nil {
		return recs, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if lastErr != nil && err != errNoPeersYet {
		return nil, p2psync.NoPeersError(errors.Wrapf(lastErr, "querying tracker %d time(s)", dl.c.opts.ResolveAttempts))
	}
	return nil, p2psync.NoPeersError(errors.Errorf("no peers after %d tracker quer(ies)", dl.c.opts.ResolveAttempts))
}

var errNoPeersYet = errors.New("no peers yet")

// mergeStats folds a finished session's peer pool into the download's statistics.
func (dl *download) mergeStats(p *pool) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	for _, ps := range p.peers {
		st, ok := dl.stats[ps.addr]
		if !ok || ps.score < st.Score {
			st.Score = ps.score
		}
		st.Addr = ps.addr
		st.Successes += ps.successes
		st.Failures += ps.failures
		dl.stats[ps.addr] = st
	}
}
