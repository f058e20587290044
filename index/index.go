// Package index builds Specs by walking and hashing a filesystem tree.
package index

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bobg/p2psync"
)

// Indexer walks a tree and produces its Spec.
// The zero value indexes the host filesystem
// with the default chunk size
// and one hashing worker per CPU.
type Indexer struct {
	// FS is the filesystem to read.
	// Default: the host filesystem.
	FS afero.Fs

	// ChunkSize is the size of file chunks.
	// Default: p2psync.DefaultChunkSize.
	ChunkSize int64

	// Workers is the number of files hashed concurrently.
	// Default: runtime.NumCPU().
	Workers int
}

// Index indexes the tree at root on the host filesystem with default settings.
func Index(ctx context.Context, root string) (*p2psync.Spec, error) {
	var ix Indexer
	return ix.Index(ctx, root)
}

type pending struct {
	node   *p2psync.ContentNode
	fspath string
}

// Index walks the file or directory at root and produces its Spec.
// Symbolic links are followed.
// Entries that are neither regular files nor directories are skipped.
// Any failure to read part of the tree produces an error matching p2psync.ErrIO,
// and no Spec.
func (ix *Indexer) Index(ctx context.Context, root string) (*p2psync.Spec, error) {
	fs := ix.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	chunkSize := ix.ChunkSize
	if chunkSize <= 0 {
		chunkSize = p2psync.DefaultChunkSize
	}
	workers := ix.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	if _, ok := fs.(*afero.OsFs); ok {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, p2psync.IOError(errors.Wrapf(err, "resolving %s", root))
		}
		root = abs
	}

	info, err := fs.Stat(root)
	if err != nil {
		return nil, p2psync.IOError(errors.Wrapf(err, "statting %s", root))
	}

	w := &walker{fs: fs}
	tree, err := w.build(ctx, root, "", filepath.Base(root), info)
	if err != nil {
		return nil, p2psync.IOError(err)
	}

	if err = ix.hashFiles(ctx, fs, w.files, chunkSize, workers); err != nil {
		return nil, p2psync.IOError(err)
	}

	finishDirs(tree)

	return p2psync.NewSpec(root, chunkSize, tree), nil
}

type walker struct {
	fs    afero.Fs
	files []pending
}

func (w *walker) build(ctx context.Context, fspath, relpath, name string, info os.FileInfo) (*p2psync.ContentNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := &p2psync.ContentNode{Name: name, Path: relpath}

	if !info.IsDir() {
		n.Kind = p2psync.File
		w.files = append(w.files, pending{node: n, fspath: fspath})
		return n, nil
	}

	n.Kind = p2psync.Directory

	infos, err := afero.ReadDir(w.fs, fspath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading dir %s", fspath)
	}
	for _, childInfo := range infos {
		childName := childInfo.Name()
		childPath := filepath.Join(fspath, childName)

		if childInfo.Mode()&os.ModeSymlink != 0 {
			childInfo, err = w.fs.Stat(childPath)
			if err != nil {
				return nil, errors.Wrapf(err, "following symlink %s", childPath)
			}
		}
		if !childInfo.IsDir() && !childInfo.Mode().IsRegular() {
			// Ignore non-regular files.
			continue
		}

		child, err := w.build(ctx, childPath, path.Join(relpath, childName), childName, childInfo)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, child)
	}
	n.SortChildren()

	return n, nil
}

func (ix *Indexer) hashFiles(ctx context.Context, fs afero.Fs, files []pending, chunkSize int64, workers int) error {
	sem := semaphore.NewWeighted(int64(workers))
	g, ctx := errgroup.WithContext(ctx)

	for _, p := range files {
		p := p
		if err := sem.Acquire(ctx, 1); err != nil {
			// A failed sibling cancels ctx; report its error rather than the cancellation.
			if werr := g.Wait(); werr != nil {
				return werr
			}
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			return hashFile(ctx, fs, p, chunkSize)
		})
	}

	return g.Wait()
}

func hashFile(ctx context.Context, fs afero.Fs, p pending, chunkSize int64) error {
	f, err := fs.Open(p.fspath)
	if err != nil {
		return errors.Wrapf(err, "opening %s for reading", p.fspath)
	}
	defer f.Close()

	var (
		buf  = make([]byte, chunkSize)
		n    = p.node
		size int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		k, err := io.ReadFull(f, buf)
		if k > 0 {
			n.Chunks = append(n.Chunks, p2psync.Chunk{
				Index: len(n.Chunks),
				Hash:  p2psync.HashChunk(buf[:k]),
				Size:  int64(k),
			})
			size += int64(k)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "reading %s", p.fspath)
		}
	}

	n.Size = size
	n.Hash = n.ComputeHash()
	return nil
}

// Caller must have hashed all files first.
func finishDirs(n *p2psync.ContentNode) {
	if n.Kind != p2psync.Directory {
		return
	}
	var size int64
	for _, child := range n.Children {
		finishDirs(child)
		size += child.Size
	}
	n.Size = size
	n.Hash = n.ComputeHash()
}
