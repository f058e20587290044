package swarm

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/p2psync"
)

// PartSuffix is appended to the name of a file while it is being downloaded.
const PartSuffix = ".p2psync-part"

// fileSession is the Downloading and Verifying phases of a file's session.
// Its workers share its state under mu.
type fileSession struct {
	*session
	node    *p2psync.ContentNode
	offsets []int64
	out     afero.File
	queue   chan int

	mu         sync.Mutex
	pool       *pool
	done       *bitmap
	attempts   []map[*peerState]int
	remaining  int
	unresolved []int
	lastErr    error
}

func (s *session) file(ctx context.Context, n *p2psync.ContentNode, p *pool) (*p2psync.ContentNode, error) {
	defer s.dl.mergeStats(p)

	if err := s.dl.sem.Acquire(ctx, 1); err != nil {
		return nil, s.fail(err)
	}
	defer s.dl.sem.Release(1)

	f := &fileSession{
		session:  s,
		node:     n,
		offsets:  make([]int64, len(n.Chunks)),
		queue:    make(chan int, len(n.Chunks)),
		pool:     p,
		done:     newBitmap(len(n.Chunks)),
		attempts: make([]map[*peerState]int, len(n.Chunks)),
	}
	var off int64
	for i, c := range n.Chunks {
		f.offsets[i] = off
		off += c.Size
	}

	s.setState(Downloading)

	partPath := s.dest + PartSuffix
	if err := f.open(partPath); err != nil {
		return nil, s.fail(p2psync.IOError(err))
	}
	f.resume(ctx)

	err := f.run(ctx)
	if cerr := f.out.Close(); err == nil && cerr != nil {
		err = p2psync.IOError(errors.Wrapf(cerr, "closing %s", partPath))
	}
	if err == nil && len(f.unresolved) > 0 {
		sort.Ints(f.unresolved)
		cause := f.lastErr
		if cause == nil {
			cause = errors.New("no usable peers")
		}
		err = &FailedError{
			Hash:       s.target,
			Path:       s.relpath,
			State:      Downloading,
			Unresolved: f.unresolved,
			Err:        p2psync.NoPeersError(errors.Wrapf(cause, "%d chunk(s) exhausted %d peer(s)", len(f.unresolved), len(p.peers))),
		}
	}
	if err != nil {
		f.saveProgress()
		return nil, s.fail(err)
	}

	s.setState(Verifying)
	if got := p2psync.HashFile(n.Chunks); got != s.target || !f.done.full() {
		return nil, s.fail(p2psync.IntegrityError(errors.Errorf("file hashes to %s", got)))
	}

	if err = s.dl.c.opts.FS.Rename(partPath, s.dest); err != nil {
		return nil, s.fail(p2psync.IOError(errors.Wrapf(err, "renaming %s to %s", partPath, s.dest)))
	}
	if r := s.dl.c.opts.Resume; r != nil {
		if err = r.remove(s.target, s.dest); err != nil {
			log.Printf("[%s] ERROR %s", s.dl.id, err)
		}
	}

	s.setState(Complete)
	return n, nil
}

func (f *fileSession) open(partPath string) error {
	ofs := f.dl.c.opts.FS
	if err := ofs.MkdirAll(filepath.Dir(partPath), 0755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", partPath)
	}
	out, err := ofs.OpenFile(partPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrapf(err, "opening %s", partPath)
	}
	if err = out.Truncate(f.node.Size); err != nil {
		out.Close()
		return errors.Wrapf(err, "sizing %s", partPath)
	}
	f.out = out
	return nil
}

// resume marks as done the chunks that an earlier, interrupted session
// recorded as complete,
// after checking that the partial output still holds them.
func (f *fileSession) resume(ctx context.Context) {
	r := f.dl.c.opts.Resume
	if r == nil {
		return
	}
	prev, err := r.load(f.target, f.dest)
	if err != nil {
		log.Printf("[%s] ERROR %s", f.dl.id, err)
		return
	}
	if prev == nil || prev.n != len(f.node.Chunks) {
		return
	}

	var n int
	for i, c := range f.node.Chunks {
		if ctx.Err() != nil {
			return
		}
		if !prev.has(i) {
			continue
		}
		buf := make([]byte, c.Size)
		if k, _ := f.out.ReadAt(buf, f.offsets[i]); k != len(buf) {
			continue
		}
		if p2psync.HashChunk(buf) == c.Hash {
			f.done.set(i)
			n++
		}
	}
	if n > 0 {
		log.Printf("[%s] Resuming %s with %d of %d chunk(s) already present", f.dl.id, f.dest, n, len(f.node.Chunks))
	}
}

func (f *fileSession) saveProgress() {
	r := f.dl.c.opts.Resume
	if r == nil {
		return
	}
	if err := r.save(f.target, f.dest, f.done); err != nil {
		log.Printf("[%s] ERROR %s", f.dl.id, err)
	}
}

// run downloads all missing chunks.
// It returns an error only for cancellation or local I/O failure;
// chunks that cannot be fetched are recorded in f.unresolved.
func (f *fileSession) run(ctx context.Context) error {
	for i := range f.node.Chunks {
		if !f.done.has(i) {
			f.queue <- i
			f.remaining++
		}
	}
	if f.remaining == 0 {
		return nil
	}

	workers := f.dl.c.opts.Concurrency
	if workers > f.remaining {
		workers = f.remaining
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return f.worker(ctx)
		})
	}
	return g.Wait()
}

func (f *fileSession) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case index, ok := <-f.queue:
			if !ok {
				return nil
			}
			if err := f.fetch(ctx, index); err != nil {
				return err
			}
		}
	}
}

// fetch makes one attempt at chunk index.
// On failure the chunk goes back in the queue,
// unless no peer has attempts left for it.
func (f *fileSession) fetch(ctx context.Context, index int) error {
	ps := f.assign(index)
	if ps == nil {
		f.finish(index, false)
		return nil
	}

	data, err := f.get(ctx, ps, index)
	if err != nil && ctx.Err() != nil {
		f.release(ps, abandoned, nil)
		return ctx.Err()
	}
	if err != nil {
		f.release(ps, failed, err)
		log.Printf("[%s] ERROR chunk %d of %s from %s: %s", f.dl.id, index, f.target.Short(), ps.addr, err)
		f.queue <- index
		return nil
	}

	if _, err = f.out.WriteAt(data, f.offsets[index]); err != nil {
		f.release(ps, abandoned, nil)
		return p2psync.IOError(errors.Wrapf(err, "writing chunk %d of %s", index, f.dest))
	}
	f.release(ps, succeeded, nil)
	f.finish(index, true)
	return nil
}

func (f *fileSession) get(ctx context.Context, ps *peerState, index int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.dl.c.opts.RequestTimeout)
	defer cancel()

	data, err := ps.peer.GetChunk(ctx, f.target, index)
	if err != nil {
		return nil, err
	}
	if got := p2psync.HashChunk(data); got != f.node.Chunks[index].Hash {
		return nil, p2psync.IntegrityError(errors.Errorf("chunk hashes to %s", got.Short()))
	}
	return data, nil
}

// assign chooses a peer for chunk index and counts the attempt.
// It returns nil if every peer has used up its attempts on this chunk.
func (f *fileSession) assign(index int) *peerState {
	f.mu.Lock()
	defer f.mu.Unlock()

	tries := f.attempts[index]
	ps := f.pool.pick(func(ps *peerState) bool {
		return tries[ps] < f.dl.c.opts.RetriesPerPeer
	})
	if ps == nil {
		return nil
	}
	if tries == nil {
		tries = make(map[*peerState]int)
		f.attempts[index] = tries
	}
	tries[ps]++
	ps.inFlight++
	return ps
}

type outcome int

const (
	abandoned outcome = iota
	succeeded
	failed
)

// release ends an assignment.
// An abandoned assignment does not affect the peer's score.
func (f *fileSession) release(ps *peerState, o outcome, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ps.inFlight--
	switch o {
	case succeeded:
		ps.record(true)
	case failed:
		ps.record(false)
		f.lastErr = err
	}
}

func (f *fileSession) finish(index int, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ok {
		f.done.set(index)
	} else {
		f.unresolved = append(f.unresolved, index)
	}
	f.remaining--
	if f.remaining == 0 {
		close(f.queue)
	}
}
