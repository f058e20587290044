package p2psync

import (
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Spec is the content-addressed description of an indexed tree.
// It is read-only after construction.
type Spec struct {
	// Root is the filesystem path that was indexed.
	// It may name a directory or a single file.
	Root string

	// ChunkSize is the size of every chunk of every file but the last.
	ChunkSize int64

	Tree *ContentNode

	lookup map[Hash]*ContentNode
}

// NewSpec produces a Spec for tree,
// building its hash lookup table.
// When more than one node has the same hash
// (identical content at different paths)
// the first one in pre-order wins.
func NewSpec(root string, chunkSize int64, tree *ContentNode) *Spec {
	s := &Spec{
		Root:      root,
		ChunkSize: chunkSize,
		Tree:      tree,
		lookup:    make(map[Hash]*ContentNode),
	}
	s.Walk(func(n *ContentNode) error {
		if _, ok := s.lookup[n.Hash]; !ok {
			s.lookup[n.Hash] = n
		}
		return nil
	})
	return s
}

// Lookup finds the node with hash h.
func (s *Spec) Lookup(h Hash) (*ContentNode, bool) {
	n, ok := s.lookup[h]
	return n, ok
}

// Hashes produces the distinct hashes of every node in the Spec, in sorted order.
func (s *Spec) Hashes() []Hash {
	result := make([]Hash, 0, len(s.lookup))
	for h := range s.lookup {
		result = append(result, h)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Less(result[j]) })
	return result
}

// Walk calls f on every node of the tree in pre-order.
// If f returns an error,
// Walk stops and returns it.
func (s *Spec) Walk(f func(*ContentNode) error) error {
	if s.Tree == nil {
		return nil
	}
	return walk(s.Tree, f)
}

func walk(n *ContentNode, f func(*ContentNode) error) error {
	if err := f(n); err != nil {
		return err
	}
	for _, child := range n.Children {
		if err := walk(child, f); err != nil {
			return err
		}
	}
	return nil
}

// FilePath is the location on disk of the content of n.
func (s *Spec) FilePath(n *ContentNode) string {
	return filepath.Join(s.Root, filepath.FromSlash(n.Path))
}

// Verify recomputes every hash in the tree from the bottom up
// and checks the structural rules of the Spec.
// Any discrepancy produces an error matching ErrIntegrity.
func (s *Spec) Verify() error {
	if s.Tree == nil {
		return IntegrityError(errors.New("no tree"))
	}
	if s.ChunkSize <= 0 {
		return IntegrityError(errors.Errorf("bad chunk size %d", s.ChunkSize))
	}
	return IntegrityError(s.verify(s.Tree))
}

func (s *Spec) verify(n *ContentNode) error {
	switch n.Kind {
	case File:
		var total int64
		for i, c := range n.Chunks {
			if c.Index != i {
				return errors.Errorf("%s: chunk %d has index %d", n.Path, i, c.Index)
			}
			if c.Size <= 0 || c.Size > s.ChunkSize {
				return errors.Errorf("%s: chunk %d has size %d", n.Path, i, c.Size)
			}
			if i < len(n.Chunks)-1 && c.Size != s.ChunkSize {
				return errors.Errorf("%s: short chunk %d", n.Path, i)
			}
			total += c.Size
		}
		if total != n.Size {
			return errors.Errorf("%s: chunks total %d bytes, want %d", n.Path, total, n.Size)
		}

	case Directory:
		var total int64
		for i, child := range n.Children {
			if i > 0 && n.Children[i-1].Name >= child.Name {
				return errors.Errorf("%s: children out of order at %q", n.Path, child.Name)
			}
			if want := path.Join(n.Path, child.Name); child.Path != want {
				return errors.Errorf("child path %q, want %q", child.Path, want)
			}
			if err := s.verify(child); err != nil {
				return err
			}
			total += child.Size
		}
		if total != n.Size {
			return errors.Errorf("%s: children total %d bytes, want %d", n.Path, total, n.Size)
		}

	default:
		return errors.Errorf("%s: unknown kind %d", n.Path, n.Kind)
	}

	if got := n.ComputeHash(); got != n.Hash {
		return errors.Errorf("%s: computed hash %s, recorded %s", n.Path, got, n.Hash)
	}
	return nil
}

// Dump writes a human-readable listing of the Spec to w,
// one node per line.
func (s *Spec) Dump(w io.Writer) error {
	return s.Walk(func(n *ContentNode) error {
		p := n.Path
		if p == "" {
			p = "."
		}
		_, err := fmt.Fprintf(w, "%s  %-4s %12d  %s\n", n.Hash, n.Kind, n.Size, p)
		return err
	})
}
