package p2psync_test

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"
	"testing/quick"

	"github.com/google/go-cmp/cmp"
	pkgerrors "github.com/pkg/errors"

	. "github.com/bobg/p2psync"
)

func fileNode(name, p string, data []byte, chunkSize int) *ContentNode {
	n := &ContentNode{Name: name, Path: p, Kind: File, Size: int64(len(data))}
	for i := 0; i*chunkSize < len(data); i++ {
		end := (i + 1) * chunkSize
		if end > len(data) {
			end = len(data)
		}
		b := data[i*chunkSize : end]
		n.Chunks = append(n.Chunks, Chunk{Index: i, Hash: HashChunk(b), Size: int64(len(b))})
	}
	n.Hash = n.ComputeHash()
	return n
}

func sampleTree() *ContentNode {
	a := fileNode("a", "a", []byte("hello, world"), 4)
	b := fileNode("b", "sub/b", []byte("yubnub"), 4)
	sub := &ContentNode{Name: "sub", Path: "sub", Kind: Directory, Children: []*ContentNode{b}, Size: b.Size}
	sub.Hash = sub.ComputeHash()
	empty := fileNode("empty", "empty", nil, 4)
	root := &ContentNode{Name: "root", Kind: Directory, Children: []*ContentNode{a, empty, sub}}
	root.Size = a.Size + b.Size
	root.Hash = root.ComputeHash()
	return root
}

func TestHashDirOrder(t *testing.T) {
	h1, h2 := HashChunk([]byte("x")), HashChunk([]byte("y"))
	got1 := HashDir([]DirEntry{{Name: "x", Hash: h1}, {Name: "y", Hash: h2}})
	got2 := HashDir([]DirEntry{{Name: "y", Hash: h2}, {Name: "x", Hash: h1}})
	if got1 != got2 {
		t.Errorf("directory hash depends on entry order: %s vs. %s", got1, got2)
	}

	var buf bytes.Buffer
	buf.WriteString("x\x00")
	buf.Write(h1[:])
	buf.WriteString("y\x00")
	buf.Write(h2[:])
	if want := Hash(sha256.Sum256(buf.Bytes())); got1 != want {
		t.Errorf("got %s, want %s", got1, want)
	}
}

func TestEmptyHashes(t *testing.T) {
	want := Hash(sha256.Sum256(nil))
	if got := HashFile(nil); got != want {
		t.Errorf("empty file: got %s, want %s", got, want)
	}
	if got := HashDir(nil); got != want {
		t.Errorf("empty dir: got %s, want %s", got, want)
	}
}

func TestFileHashSensitivity(t *testing.T) {
	err := quick.Check(func(data []byte, pos uint, delta byte) bool {
		if len(data) == 0 || delta == 0 {
			return true
		}
		orig := fileNode("f", "f", data, 7)
		changed := append([]byte(nil), data...)
		changed[int(pos%uint(len(changed)))] += delta
		return fileNode("f", "f", changed, 7).Hash != orig.Hash && fileNode("f", "f", data, 7).Hash == orig.Hash
	}, nil)
	if err != nil {
		t.Error(err)
	}
}

func TestNodeRoundTrip(t *testing.T) {
	root := sampleTree()
	buf, err := root.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	got := new(ContentNode)
	if err = got.UnmarshalBinary(buf); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(root, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	err = got.UnmarshalBinary(buf[:len(buf)-3])
	if !errors.Is(err, ErrFormat) {
		t.Errorf("got %v for truncated input, want a format error", err)
	}
}

func TestShallow(t *testing.T) {
	root := sampleTree()
	sh := root.Shallow()
	if len(sh.Children) != 3 {
		t.Fatalf("got %d children, want 3", len(sh.Children))
	}
	if sub := sh.Child("sub"); sub == nil || len(sub.Children) != 0 {
		t.Errorf("shallow copy of sub should have no children, got %+v", sub)
	}
	if sh.ComputeHash() != root.Hash {
		t.Error("shallow copy does not rehash to the original")
	}
}

func TestSpec(t *testing.T) {
	root := sampleTree()
	s := NewSpec("/tmp/root", 4, root)
	if err := s.Verify(); err != nil {
		t.Fatal(err)
	}

	sub := root.Child("sub")
	if n, ok := s.Lookup(sub.Hash); !ok || n != sub {
		t.Errorf("lookup of sub failed")
	}
	if got := len(s.Hashes()); got != 5 {
		t.Errorf("got %d hashes, want 5", got)
	}
	if got := s.FilePath(sub.Children[0]); got != "/tmp/root/sub/b" {
		t.Errorf("got path %s", got)
	}

	sub.Children[0].Chunks[0].Hash = HashChunk([]byte("nope"))
	if err := s.Verify(); !errors.Is(err, ErrIntegrity) {
		t.Errorf("got %v after tampering, want an integrity error", err)
	}
}

func TestErrorKinds(t *testing.T) {
	err := pkgerrors.Wrap(NetworkError(errors.New("connection refused")), "fetching chunk")
	if !errors.Is(err, ErrNetwork) {
		t.Error("wrapped network error does not match ErrNetwork")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("network error matches ErrNotFound")
	}
	if k := KindOf(err); k != KindNetwork {
		t.Errorf("got kind %s", k)
	}
	if IOError(nil) != nil {
		t.Error("IOError(nil) is not nil")
	}
}
