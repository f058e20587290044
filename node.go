package p2psync

import (
	"sort"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Kind tells whether a ContentNode is a file or a directory.
type Kind int

const (
	File Kind = iota + 1
	Directory
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Directory:
		return "dir"
	}
	return "unknown"
}

// DefaultChunkSize is the size of every chunk of a file but the last.
const DefaultChunkSize = 1 << 20

// Chunk is one fixed-size slice of a file.
type Chunk struct {
	Index int
	Hash  Hash
	Size  int64
}

// ContentNode is one file or one directory in a Spec.
//
// A File node has Chunks and no Children.
// A Directory node has Children, sorted by Name, and no Chunks.
// A node exclusively owns its children.
type ContentNode struct {
	// Name is the last element of Path,
	// or for a root node,
	// the base name of the indexed path.
	Name string

	// Path is slash-separated and relative to the indexed root.
	// It is empty for the root.
	Path string

	Kind     Kind
	Hash     Hash
	Size     int64
	Children []*ContentNode
	Chunks   []Chunk
}

// Entries produces the (name, hash) pairs of a directory's children.
func (n *ContentNode) Entries() []DirEntry {
	entries := make([]DirEntry, 0, len(n.Children))
	for _, child := range n.Children {
		entries = append(entries, DirEntry{Name: child.Name, Hash: child.Hash})
	}
	return entries
}

// Child finds the child with the given name, if any.
func (n *ContentNode) Child(name string) *ContentNode {
	i := sort.Search(len(n.Children), func(i int) bool { return n.Children[i].Name >= name })
	if i < len(n.Children) && n.Children[i].Name == name {
		return n.Children[i]
	}
	return nil
}

// Shallow produces a copy of n suitable for describing it to a peer.
// A directory's children are included without their own children or chunks.
// A file's chunk list is included in full.
func (n *ContentNode) Shallow() *ContentNode {
	out := &ContentNode{
		Name:   n.Name,
		Path:   n.Path,
		Kind:   n.Kind,
		Hash:   n.Hash,
		Size:   n.Size,
		Chunks: n.Chunks,
	}
	for _, child := range n.Children {
		out.Children = append(out.Children, &ContentNode{
			Name: child.Name,
			Path: child.Path,
			Kind: child.Kind,
			Hash: child.Hash,
			Size: child.Size,
		})
	}
	return out
}

// ComputeHash recomputes n's hash from its chunks (for a file)
// or from its children's current hashes (for a directory).
// It does not recurse.
func (n *ContentNode) ComputeHash() Hash {
	if n.Kind == Directory {
		return HashDir(n.Entries())
	}
	return HashFile(n.Chunks)
}

func sortEntries(entries []DirEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}

// SortChildren sorts n's children by name.
func (n *ContentNode) SortChildren() {
	sort.Slice(n.Children, func(i, j int) bool { return n.Children[i].Name < n.Children[j].Name })
}

const (
	nodeName     protowire.Number = 1
	nodePath     protowire.Number = 2
	nodeKind     protowire.Number = 3
	nodeHash     protowire.Number = 4
	nodeSize     protowire.Number = 5
	nodeChildren protowire.Number = 6
	nodeChunks   protowire.Number = 7

	chunkIndex protowire.Number = 1
	chunkHash  protowire.Number = 2
	chunkSize  protowire.Number = 3
)

// AppendBinary appends the wire encoding of n,
// including all its descendants,
// to buf.
func (n *ContentNode) AppendBinary(buf []byte) []byte {
	buf = protowire.AppendTag(buf, nodeName, protowire.BytesType)
	buf = protowire.AppendString(buf, n.Name)
	if n.Path != "" {
		buf = protowire.AppendTag(buf, nodePath, protowire.BytesType)
		buf = protowire.AppendString(buf, n.Path)
	}
	buf = protowire.AppendTag(buf, nodeKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(n.Kind))
	buf = protowire.AppendTag(buf, nodeHash, protowire.BytesType)
	buf = protowire.AppendBytes(buf, n.Hash[:])
	buf = protowire.AppendTag(buf, nodeSize, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(n.Size))
	for _, child := range n.Children {
		buf = protowire.AppendTag(buf, nodeChildren, protowire.BytesType)
		buf = protowire.AppendBytes(buf, child.AppendBinary(nil))
	}
	for _, c := range n.Chunks {
		var cbuf []byte
		cbuf = protowire.AppendTag(cbuf, chunkIndex, protowire.VarintType)
		cbuf = protowire.AppendVarint(cbuf, uint64(c.Index))
		cbuf = protowire.AppendTag(cbuf, chunkHash, protowire.BytesType)
		cbuf = protowire.AppendBytes(cbuf, c.Hash[:])
		cbuf = protowire.AppendTag(cbuf, chunkSize, protowire.VarintType)
		cbuf = protowire.AppendVarint(cbuf, uint64(c.Size))

		buf = protowire.AppendTag(buf, nodeChunks, protowire.BytesType)
		buf = protowire.AppendBytes(buf, cbuf)
	}
	return buf
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (n *ContentNode) MarshalBinary() ([]byte, error) {
	return n.AppendBinary(nil), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
// Malformed input produces an error matching ErrFormat.
func (n *ContentNode) UnmarshalBinary(buf []byte) error {
	*n = ContentNode{}
	err := n.unmarshal(buf)
	if err != nil {
		return FormatError(err)
	}
	return nil
}

func (n *ContentNode) unmarshal(buf []byte) error {
	for len(buf) > 0 {
		num, typ, m := protowire.ConsumeTag(buf)
		if m < 0 {
			return protowire.ParseError(m)
		}
		buf = buf[m:]

		switch {
		case num == nodeName && typ == protowire.BytesType:
			n.Name, m = protowire.ConsumeString(buf)

		case num == nodePath && typ == protowire.BytesType:
			n.Path, m = protowire.ConsumeString(buf)

		case num == nodeKind && typ == protowire.VarintType:
			var v uint64
			v, m = protowire.ConsumeVarint(buf)
			n.Kind = Kind(v)

		case num == nodeHash && typ == protowire.BytesType:
			var b []byte
			b, m = protowire.ConsumeBytes(buf)
			if m >= 0 {
				h, err := HashFromBytes(b)
				if err != nil {
					return errors.Wrap(err, "decoding node hash")
				}
				n.Hash = h
			}

		case num == nodeSize && typ == protowire.VarintType:
			var v uint64
			v, m = protowire.ConsumeVarint(buf)
			n.Size = int64(v)

		case num == nodeChildren && typ == protowire.BytesType:
			var b []byte
			b, m = protowire.ConsumeBytes(buf)
			if m >= 0 {
				child := new(ContentNode)
				if err := child.unmarshal(b); err != nil {
					return errors.Wrapf(err, "decoding child %d", len(n.Children))
				}
				n.Children = append(n.Children, child)
			}

		case num == nodeChunks && typ == protowire.BytesType:
			var b []byte
			b, m = protowire.ConsumeBytes(buf)
			if m >= 0 {
				c, err := unmarshalChunk(b)
				if err != nil {
					return errors.Wrapf(err, "decoding chunk %d", len(n.Chunks))
				}
				n.Chunks = append(n.Chunks, c)
			}

		default:
			m = protowire.ConsumeFieldValue(num, typ, buf)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		buf = buf[m:]
	}

	switch n.Kind {
	case File:
		if len(n.Children) > 0 {
			return errors.New("file node has children")
		}
		for i, c := range n.Chunks {
			if c.Index != i {
				return errors.Errorf("chunk %d has index %d", i, c.Index)
			}
		}
	case Directory:
		if len(n.Chunks) > 0 {
			return errors.New("directory node has chunks")
		}
		for i := 1; i < len(n.Children); i++ {
			if n.Children[i-1].Name >= n.Children[i].Name {
				return errors.Errorf("children out of order at %q", n.Children[i].Name)
			}
		}
	default:
		return errors.Errorf("unknown node kind %d", n.Kind)
	}

	return nil
}

func unmarshalChunk(buf []byte) (Chunk, error) {
	var c Chunk
	for len(buf) > 0 {
		num, typ, m := protowire.ConsumeTag(buf)
		if m < 0 {
			return c, protowire.ParseError(m)
		}
		buf = buf[m:]

		switch {
		case num == chunkIndex && typ == protowire.VarintType:
			var v uint64
			v, m = protowire.ConsumeVarint(buf)
			c.Index = int(v)

		case num == chunkHash && typ == protowire.BytesType:
			var b []byte
			b, m = protowire.ConsumeBytes(buf)
			if m >= 0 {
				h, err := HashFromBytes(b)
				if err != nil {
					return c, errors.Wrap(err, "decoding chunk hash")
				}
				c.Hash = h
			}

		case num == chunkSize && typ == protowire.VarintType:
			var v uint64
			v, m = protowire.ConsumeVarint(buf)
			c.Size = int64(v)

		default:
			m = protowire.ConsumeFieldValue(num, typ, buf)
		}
		if m < 0 {
			return c, protowire.ParseError(m)
		}
		buf = buf[m:]
	}
	return c, nil
}
