// Package testutil contains fixtures and helpers for testing p2psync packages.
package testutil

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/spf13/afero"
)

// SampleTree is a small tree with three files, one of them in a subdirectory.
var SampleTree = map[string]string{
	"alpha.txt":       "alpha\n",
	"bravo.txt":       "bravo bravo\n",
	"sub/charlie.txt": "charlie charlie charlie\n",
}

// Hashes of SampleTree with the default chunk size.
const (
	SampleRootHash  = "0cf3c8b91a7d07bbd51c52d3d7d5087e8af724d9205951009de44d7e670291dd"
	SampleSubHash   = "32482dbefa0a6859a51cf013d48418bf73f1d7d528007403a673a387b9b46dbf"
	SampleAlphaHash = "4bb706b95c7ea23f44bc5d035ad8841af479871295d2ae0c685d07174705c880"
)

// WriteTree populates root in fs with files,
// a map from slash-separated relative paths to contents.
func WriteTree(t *testing.T, fs afero.Fs, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := fs.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := afero.WriteFile(fs, p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

// Data produces n bytes of deterministic, non-repeating-looking content.
func Data(n int, seed byte) []byte {
	out := make([]byte, n)
	x := uint32(seed) + 1
	for i := range out {
		x = x*1664525 + 1013904223
		out[i] = byte(x >> 24)
	}
	return out
}

// ReadTree reads every regular file under root in fs
// into a map like the one WriteTree takes.
func ReadTree(t *testing.T, fs afero.Fs, root string) map[string]string {
	t.Helper()
	result := make(map[string]string)
	err := afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		b, err := afero.ReadFile(fs, p)
		if err != nil {
			return err
		}
		result[filepath.ToSlash(rel)] = string(b)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return result
}

// CompareTrees fails the test unless the two trees have identical files and contents.
func CompareTrees(t *testing.T, wantFS afero.Fs, wantRoot string, gotFS afero.Fs, gotRoot string) {
	t.Helper()

	want, got := ReadTree(t, wantFS, wantRoot), ReadTree(t, gotFS, gotRoot)

	var names []string
	for name := range want {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		g, ok := got[name]
		if !ok {
			t.Errorf("%s missing", name)
			continue
		}
		if !bytes.Equal([]byte(g), []byte(want[name])) {
			t.Errorf("%s: content mismatch (got %d bytes, want %d)", name, len(g), len(want[name]))
		}
	}
	for name := range got {
		if _, ok := want[name]; !ok {
			t.Errorf("unexpected file %s", name)
		}
	}
}
