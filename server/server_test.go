package server

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/bobg/p2psync"
	"github.com/bobg/p2psync/index"
	"github.com/bobg/p2psync/testutil"
	"github.com/bobg/p2psync/tracker"
)

func newTestServer(t *testing.T) (*Server, *p2psync.Spec, []byte) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	testutil.WriteTree(t, fs, "/srv", testutil.SampleTree)
	big := testutil.Data(2500, 3)
	if err := afero.WriteFile(fs, "/srv/sub/big", big, 0644); err != nil {
		t.Fatal(err)
	}

	ix := &index.Indexer{FS: fs, ChunkSize: 1000}
	spec, err := ix.Index(ctx, "/srv")
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(fs, 2, spec)
	if err != nil {
		t.Fatal(err)
	}
	return s, spec, big
}

func TestGetMetadata(t *testing.T) {
	ctx := context.Background()
	s, spec, _ := newTestServer(t)

	n, err := s.GetMetadata(ctx, spec.Tree.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if n.Kind != p2psync.Directory || len(n.Children) != 3 {
		t.Fatalf("got %s with %d children", n.Kind, len(n.Children))
	}
	if sub := n.Child("sub"); sub == nil || sub.Children != nil {
		t.Errorf("expected shallow sub, got %+v", sub)
	}
	if n.ComputeHash() != spec.Tree.Hash {
		t.Error("metadata does not rehash to the requested hash")
	}

	_, err = s.GetMetadata(ctx, p2psync.HashChunk([]byte("unknown")))
	if !errors.Is(err, p2psync.ErrNotFound) {
		t.Errorf("got %v, want not found", err)
	}
}

func TestGetChunk(t *testing.T) {
	ctx := context.Background()
	s, spec, big := newTestServer(t)

	n := spec.Tree.Child("sub").Child("big")
	if len(n.Chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(n.Chunks))
	}

	var got []byte
	for i := range n.Chunks {
		chunk, err := s.GetChunk(ctx, n.Hash, i)
		if err != nil {
			t.Fatal(err)
		}
		if p2psync.HashChunk(chunk) != n.Chunks[i].Hash {
			t.Errorf("chunk %d hash mismatch", i)
		}
		got = append(got, chunk...)
	}
	if !bytes.Equal(got, big) {
		t.Error("reassembled content mismatch")
	}

	// Again, from the cache.
	chunk, err := s.GetChunk(ctx, n.Hash, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(chunk, big[2000:]) {
		t.Error("cached chunk mismatch")
	}

	for _, index := range []int{-1, 3} {
		if _, err := s.GetChunk(ctx, n.Hash, index); !errors.Is(err, p2psync.ErrRange) {
			t.Errorf("index %d: got %v, want a range error", index, err)
		}
	}
	if _, err := s.GetChunk(ctx, p2psync.HashChunk([]byte("unknown")), 0); !errors.Is(err, p2psync.ErrNotFound) {
		t.Errorf("got %v, want not found", err)
	}
}

func TestConcurrentGetChunk(t *testing.T) {
	ctx := context.Background()
	s, spec, _ := newTestServer(t)
	n := spec.Tree.Child("sub").Child("big")

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			index := i % len(n.Chunks)
			chunk, err := s.GetChunk(ctx, n.Hash, index)
			if err != nil {
				t.Error(err)
				return
			}
			if p2psync.HashChunk(chunk) != n.Chunks[index].Hash {
				t.Errorf("chunk %d hash mismatch", index)
			}
		}()
	}
	wg.Wait()
}

func TestAnnouncer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, spec, _ := newTestServer(t)
	reg := tracker.New()

	a := &Announcer{Tracker: reg, Addr: "me:1", Source: s, Interval: 10 * time.Millisecond}
	done := make(chan error)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := reg.Query(ctx, spec.Tree.Child("alpha.txt").Hash)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) == 1 && got[0].Addr == "me:1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("announcement never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}

	if got, want := reg.Stats().Hashes, len(s.Hashes()); got != want {
		t.Errorf("got %d announced hashes, want %d", got, want)
	}
}
