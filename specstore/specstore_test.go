package specstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/spf13/afero"

	"github.com/bobg/p2psync"
	"github.com/bobg/p2psync/index"
	"github.com/bobg/p2psync/testutil"
)

func sampleSpec(t *testing.T) *p2psync.Spec {
	fs := afero.NewMemMapFs()
	testutil.WriteTree(t, fs, "/sample", testutil.SampleTree)
	if err := afero.WriteFile(fs, "/sample/big", testutil.Data(10000, 7), 0644); err != nil {
		t.Fatal(err)
	}
	ix := &index.Indexer{FS: fs, ChunkSize: 1024}
	spec, err := ix.Index(context.Background(), "/sample")
	if err != nil {
		t.Fatal(err)
	}
	return spec
}

func TestRoundTrip(t *testing.T) {
	spec := sampleSpec(t)
	path := filepath.Join(t.TempDir(), "spec.bin")

	if err := Dump(spec, path); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(spec, got, cmpopts.IgnoreUnexported(p2psync.Spec{})); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	for _, h := range spec.Hashes() {
		if _, ok := got.Lookup(h); !ok {
			t.Errorf("hash %s missing from loaded spec", h)
		}
	}
}

func TestRejects(t *testing.T) {
	good := Marshal(sampleSpec(t))

	cases := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"truncated", good[:len(good)/2]},
		{"bad magic", append([]byte("xxxx"), good[4:]...)},
		{"flipped bit", func() []byte {
			b := append([]byte(nil), good...)
			b[len(b)/2] ^= 1
			return b
		}()},
		{"future version", func() []byte {
			b := append([]byte(nil), good[:len(good)-32]...)
			b[4] = Version + 1
			return fixChecksum(b)
		}()},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			spec, err := Unmarshal(c.buf)
			if !errors.Is(err, p2psync.ErrFormat) {
				t.Errorf("got error %v, want a format error", err)
			}
			if spec != nil {
				t.Error("got a spec along with the error")
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, p2psync.ErrIO) {
		t.Errorf("got %v, want an I/O error", err)
	}
}

func TestLoadOrIndex(t *testing.T) {
	var (
		ctx  = context.Background()
		dir  = t.TempDir()
		root = filepath.Join(dir, "tree")
		path = filepath.Join(dir, "spec.bin")
		ix   = new(index.Indexer)
	)
	testutil.WriteTree(t, afero.NewOsFs(), root, testutil.SampleTree)

	if err := ioutil.WriteFile(path, []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	spec, err := LoadOrIndex(ctx, ix, root, path)
	if err != nil {
		t.Fatal(err)
	}
	if got := spec.Tree.Hash.String(); got != testutil.SampleRootHash {
		t.Errorf("got root hash %s", got)
	}

	cached, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cached.Tree.Hash != spec.Tree.Hash {
		t.Error("cached spec differs")
	}
}

func fixChecksum(body []byte) []byte {
	sum := sha256.Sum256(body)
	return append(body, sum[:]...)
}
