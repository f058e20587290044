// Package specstore saves Specs to disk and loads them back,
// so a server can restart without rehashing its content.
//
// The on-disk form is a magic number,
// a version number,
// a protobuf-wire-format body,
// and a trailing sha256 checksum of everything before it.
// Anything that does not match exactly is rejected.
package specstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"

	"github.com/bobg/flock"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bobg/p2psync"
	"github.com/bobg/p2psync/index"
)

// Version is the format version written by Dump.
const Version = 1

var magic = []byte("p2ps")

const (
	fieldRoot      protowire.Number = 1
	fieldChunkSize protowire.Number = 2
	fieldTree      protowire.Number = 3
)

var flocker flock.Locker

// Marshal produces the serialized form of spec.
func Marshal(spec *p2psync.Spec) []byte {
	buf := append([]byte(nil), magic...)
	buf = protowire.AppendVarint(buf, Version)

	buf = protowire.AppendTag(buf, fieldRoot, protowire.BytesType)
	buf = protowire.AppendString(buf, spec.Root)
	buf = protowire.AppendTag(buf, fieldChunkSize, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(spec.ChunkSize))
	buf = protowire.AppendTag(buf, fieldTree, protowire.BytesType)
	buf = protowire.AppendBytes(buf, spec.Tree.AppendBinary(nil))

	sum := sha256.Sum256(buf)
	return append(buf, sum[:]...)
}

// Unmarshal parses the serialized form of a Spec.
// Any problem produces an error matching p2psync.ErrFormat.
func Unmarshal(buf []byte) (*p2psync.Spec, error) {
	spec, err := unmarshal(buf)
	return spec, p2psync.FormatError(err)
}

func unmarshal(buf []byte) (*p2psync.Spec, error) {
	if len(buf) < len(magic)+sha256.Size {
		return nil, errors.New("truncated")
	}
	if !bytes.HasPrefix(buf, magic) {
		return nil, errors.New("bad magic number")
	}

	body, sum := buf[:len(buf)-sha256.Size], buf[len(buf)-sha256.Size:]
	if got := sha256.Sum256(body); !bytes.Equal(got[:], sum) {
		return nil, errors.New("checksum mismatch")
	}

	body = body[len(magic):]
	v, m := protowire.ConsumeVarint(body)
	if m < 0 {
		return nil, protowire.ParseError(m)
	}
	if v != Version {
		return nil, errors.Errorf("unknown version %d", v)
	}
	body = body[m:]

	var (
		root      string
		chunkSize int64
		tree      *p2psync.ContentNode
	)
	for len(body) > 0 {
		num, typ, m := protowire.ConsumeTag(body)
		if m < 0 {
			return nil, protowire.ParseError(m)
		}
		body = body[m:]

		switch {
		case num == fieldRoot && typ == protowire.BytesType:
			root, m = protowire.ConsumeString(body)

		case num == fieldChunkSize && typ == protowire.VarintType:
			var v uint64
			v, m = protowire.ConsumeVarint(body)
			chunkSize = int64(v)

		case num == fieldTree && typ == protowire.BytesType:
			var b []byte
			b, m = protowire.ConsumeBytes(body)
			if m >= 0 {
				tree = new(p2psync.ContentNode)
				if err := tree.UnmarshalBinary(b); err != nil {
					return nil, errors.Wrap(err, "decoding tree")
				}
			}

		default:
			m = protowire.ConsumeFieldValue(num, typ, body)
		}
		if m < 0 {
			return nil, protowire.ParseError(m)
		}
		body = body[m:]
	}

	if tree == nil {
		return nil, errors.New("no tree")
	}

	spec := p2psync.NewSpec(root, chunkSize, tree)
	if err := spec.Verify(); err != nil {
		return nil, errors.Wrap(err, "verifying")
	}
	return spec, nil
}

// Dump writes spec to the file at path,
// replacing it atomically.
func Dump(spec *p2psync.Spec, path string) error {
	lockPath := path + ".lock"
	if err := flocker.Lock(lockPath); err != nil {
		return p2psync.IOError(errors.Wrapf(err, "locking %s", lockPath))
	}
	defer flocker.Unlock(lockPath)

	f, err := ioutil.TempFile(filepath.Dir(path), filepath.Base(path)+".tmp")
	if err != nil {
		return p2psync.IOError(errors.Wrap(err, "creating temp file"))
	}
	tmpname := f.Name()
	defer os.Remove(tmpname) // no-op after a successful rename

	_, err = f.Write(Marshal(spec))
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return p2psync.IOError(errors.Wrapf(err, "writing %s", tmpname))
	}

	err = os.Rename(tmpname, path)
	return p2psync.IOError(errors.Wrapf(err, "renaming %s to %s", tmpname, path))
}

// Load reads a Spec from the file at path.
// A file that cannot be read produces an error matching p2psync.ErrIO.
// A file that can be read but is not a valid Spec produces p2psync.ErrFormat.
// Either way, no partial Spec is returned.
func Load(path string) (*p2psync.Spec, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, p2psync.IOError(errors.Wrapf(err, "reading %s", path))
	}
	spec, err := Unmarshal(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	return spec, nil
}

// LoadOrIndex loads the Spec cached at path, if there is one and it is valid,
// and if its root is the given root.
// Otherwise it indexes root with ix and caches the result at path.
// An empty path means no caching.
func LoadOrIndex(ctx context.Context, ix *index.Indexer, root, path string) (*p2psync.Spec, error) {
	if path != "" {
		spec, err := Load(path)
		if err == nil {
			if abs, err := filepath.Abs(root); err == nil && abs == spec.Root {
				return spec, nil
			}
			log.Printf("Cached spec %s is for %s, not %s; reindexing", path, spec.Root, root)
		} else if !errors.Is(err, os.ErrNotExist) {
			log.Printf("ERROR loading cached spec (reindexing): %s", err)
		}
	}

	spec, err := ix.Index(ctx, root)
	if err != nil {
		return nil, errors.Wrapf(err, "indexing %s", root)
	}

	if path != "" {
		if err = Dump(spec, path); err != nil {
			return nil, errors.Wrapf(err, "caching spec for %s", root)
		}
	}

	return spec, nil
}
