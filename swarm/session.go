package swarm

import (
	"context"
	"log"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/p2psync"
)

// session is the download of one node:
// a file, or a directory together with its descendants.
type session struct {
	dl      *download
	target  p2psync.Hash
	dest    string // output location
	relpath string // slash-separated, relative to the download root
	name    string
	state   State
}

func (s *session) setState(st State) {
	s.state = st
	if f := s.dl.c.opts.OnState; f != nil {
		f(s.target, s.relpath, st)
	}
}

func (s *session) fail(err error) error {
	failedIn := s.state
	s.setState(Failed)
	if fe, ok := err.(*FailedError); ok {
		return fe
	}
	return &FailedError{Hash: s.target, Path: s.relpath, State: failedIn, Err: err}
}

// session downloads target to dest,
// returning its full ContentNode on success.
func (dl *download) session(ctx context.Context, target p2psync.Hash, dest, relpath, name string) (*p2psync.ContentNode, error) {
	s := &session{dl: dl, target: target, dest: dest, relpath: relpath, name: name}

	if err := dl.sem.Acquire(ctx, 1); err != nil {
		return nil, s.fail(err)
	}

	s.setState(Resolving)
	recs, err := dl.resolve(ctx, target)
	if err != nil {
		dl.sem.Release(1)
		return nil, s.fail(err)
	}

	s.setState(FetchingMetadata)
	p := newPool(ctx, dl.c.dialer, recs)
	node, err := s.fetchMetadata(ctx, p)
	dl.sem.Release(1)
	if err != nil {
		dl.mergeStats(p)
		return nil, s.fail(err)
	}
	node.Name = name
	node.Path = relpath

	if node.Kind == p2psync.Directory {
		dl.mergeStats(p)
		return s.directory(ctx, node)
	}

	return s.file(ctx, node, p)
}

// fetchMetadata asks the pool's peers,
// best first,
// for a description of the target,
// until one gives a valid answer.
func (s *session) fetchMetadata(ctx context.Context, p *pool) (*p2psync.ContentNode, error) {
	var lastErr error = p2psync.NoPeersError(errors.New("no reachable peers"))

	for _, ps := range p.byScore() {
		node, err := s.getMetadata(ctx, ps)
		ps.record(err == nil)
		if err == nil {
			return node, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Printf("[%s] ERROR getting metadata for %s from %s: %s", s.dl.id, s.target.Short(), ps.addr, err)
		lastErr = err
	}

	return nil, lastErr
}

func (s *session) getMetadata(ctx context.Context, ps *peerState) (*p2psync.ContentNode, error) {
	ctx, cancel := context.WithTimeout(ctx, s.dl.c.opts.RequestTimeout)
	defer cancel()

	node, err := ps.peer.GetMetadata(ctx, s.target)
	if err != nil {
		return nil, err
	}
	if err = checkMetadata(s.target, node); err != nil {
		return nil, err
	}
	return node, nil
}

// checkMetadata makes sure a peer's description of target is self-consistent
// and actually hashes to target.
func checkMetadata(target p2psync.Hash, n *p2psync.ContentNode) error {
	if n.Hash != target {
		return p2psync.IntegrityError(errors.Errorf("got metadata for %s", n.Hash))
	}

	switch n.Kind {
	case p2psync.File:
		var total int64
		for i, c := range n.Chunks {
			if c.Index != i || c.Size <= 0 {
				return p2psync.FormatError(errors.Errorf("bad chunk %d", i))
			}
			if i > 0 && i < len(n.Chunks)-1 && c.Size != n.Chunks[0].Size {
				return p2psync.FormatError(errors.Errorf("chunk %d has size %d, want %d", i, c.Size, n.Chunks[0].Size))
			}
			if i > 0 && c.Size > n.Chunks[0].Size {
				return p2psync.FormatError(errors.Errorf("final chunk is larger than the others"))
			}
			total += c.Size
		}
		if total != n.Size {
			return p2psync.FormatError(errors.Errorf("chunks total %d bytes, file has %d", total, n.Size))
		}

	case p2psync.Directory:
		for i, child := range n.Children {
			if !validName(child.Name) {
				return p2psync.FormatError(errors.Errorf("bad child name %q", child.Name))
			}
			if i > 0 && n.Children[i-1].Name >= child.Name {
				return p2psync.FormatError(errors.Errorf("children out of order at %q", child.Name))
			}
		}

	default:
		return p2psync.FormatError(errors.Errorf("unknown kind %d", n.Kind))
	}

	if got := n.ComputeHash(); got != target {
		return p2psync.IntegrityError(errors.Errorf("metadata hashes to %s", got))
	}
	return nil
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, "/\\\x00")
}

// directory downloads each child of n in a session of its own,
// then checks that the children's hashes combine to the target.
func (s *session) directory(ctx context.Context, n *p2psync.ContentNode) (*p2psync.ContentNode, error) {
	fs := s.dl.c.opts.FS
	if err := fs.MkdirAll(s.dest, 0755); err != nil {
		return nil, s.fail(p2psync.IOError(errors.Wrapf(err, "creating %s", s.dest)))
	}

	s.setState(Downloading)

	var (
		g        errgroup.Group
		mu       sync.Mutex
		children = make([]*p2psync.ContentNode, len(n.Children))
		failures p2psync.MultiErr
	)
	for i, child := range n.Children {
		i, child := i, child
		g.Go(func() error {
			got, err := s.dl.session(ctx, child.Hash, filepath.Join(s.dest, child.Name), path.Join(s.relpath, child.Name), child.Name)
			if err != nil {
				mu.Lock()
				if failures == nil {
					failures = make(p2psync.MultiErr)
				}
				failures[child.Hash] = err
				mu.Unlock()
				return nil
			}
			children[i] = got
			return nil
		})
	}
	g.Wait()

	if len(failures) > 0 {
		return nil, s.fail(&FailedError{
			Hash:     s.target,
			Path:     s.relpath,
			State:    Downloading,
			Children: failures,
			Err:      firstErr(failures),
		})
	}

	s.setState(Verifying)

	result := &p2psync.ContentNode{
		Name:     s.name,
		Path:     s.relpath,
		Kind:     p2psync.Directory,
		Hash:     s.target,
		Children: children,
	}
	for _, child := range children {
		result.Size += child.Size
	}
	if got := result.ComputeHash(); got != s.target {
		return nil, s.fail(p2psync.IntegrityError(errors.Errorf("directory hashes to %s", got)))
	}

	s.setState(Complete)
	return result, nil
}

func firstErr(m p2psync.MultiErr) error {
	hashes := make([]p2psync.Hash, 0, len(m))
	for h := range m {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Less(hashes[j]) })
	return m[hashes[0]]
}
