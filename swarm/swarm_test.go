package swarm

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/bobg/p2psync"
	"github.com/bobg/p2psync/index"
	"github.com/bobg/p2psync/server"
	"github.com/bobg/p2psync/testutil"
)

// fixedPeers is a tracker that offers the same peers for every hash.
type fixedPeers []string

func (f fixedPeers) Query(context.Context, p2psync.Hash) ([]p2psync.PeerRecord, error) {
	result := []p2psync.PeerRecord{}
	for _, addr := range f {
		result = append(result, p2psync.PeerRecord{Addr: addr, LastAnnounce: time.Now()})
	}
	return result, nil
}

type fixture struct {
	srcFS afero.Fs
	spec  *p2psync.Spec
	srv   *server.Server
	net   *testutil.Network
}

func newFixture(t *testing.T, chunkSize int64) *fixture {
	fs := afero.NewMemMapFs()
	testutil.WriteTree(t, fs, "/src", testutil.SampleTree)
	if err := afero.WriteFile(fs, "/src/sub/big", testutil.Data(200, 9), 0644); err != nil {
		t.Fatal(err)
	}
	if err := fs.MkdirAll("/src/empty", 0755); err != nil {
		t.Fatal(err)
	}

	ix := &index.Indexer{FS: fs, ChunkSize: chunkSize}
	spec, err := ix.Index(context.Background(), "/src")
	if err != nil {
		t.Fatal(err)
	}
	srv, err := server.New(fs, 0, spec)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{srcFS: fs, spec: spec, srv: srv, net: testutil.NewNetwork()}
}

func (f *fixture) bigNode(t *testing.T) *p2psync.ContentNode {
	n := f.spec.Tree.Child("sub").Child("big")
	if n == nil {
		t.Fatal("no sub/big")
	}
	return n
}

func quickOpts() *Options {
	return &Options{
		ResolveAttempts: 2,
		ResolveInterval: time.Millisecond,
		RequestTimeout:  5 * time.Second,
	}
}

func TestDownloadTree(t *testing.T) {
	f := newFixture(t, 16)
	f.net.Add("a:1", f.srv)
	f.net.Add("b:1", f.srv)

	dest := filepath.Join(t.TempDir(), "out")
	c := New(fixedPeers{"a:1", "b:1"}, f.net, quickOpts())

	res, err := c.Download(context.Background(), f.spec.Tree.Hash, dest)
	if err != nil {
		t.Fatal(err)
	}

	testutil.CompareTrees(t, f.srcFS, "/src", afero.NewOsFs(), dest)

	if res.Spec == nil {
		t.Fatal("no spec in result")
	}
	if res.Spec.Tree.Hash != f.spec.Tree.Hash {
		t.Errorf("result spec has root hash %s, want %s", res.Spec.Tree.Hash, f.spec.Tree.Hash)
	}
	if res.Spec.Root != dest {
		t.Errorf("result spec has root %s, want %s", res.Spec.Root, dest)
	}
	if len(res.Peers) != 2 {
		t.Errorf("got stats for %d peers, want 2", len(res.Peers))
	}

	// The downloaded content can be served onward.
	onward, err := server.New(nil, 0, res.Spec)
	if err != nil {
		t.Fatal(err)
	}
	big := f.bigNode(t)
	chunk, err := onward.GetChunk(context.Background(), big.Hash, 3)
	if err != nil {
		t.Fatal(err)
	}
	if p2psync.HashChunk(chunk) != big.Chunks[3].Hash {
		t.Error("onward chunk mismatch")
	}
}

func TestDownloadFile(t *testing.T) {
	f := newFixture(t, 16)
	f.net.Add("a:1", f.srv)

	var (
		mu     sync.Mutex
		states []State
	)
	opts := quickOpts()
	opts.OnState = func(_ p2psync.Hash, _ string, s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}

	big := f.bigNode(t)
	dest := filepath.Join(t.TempDir(), "big")
	c := New(fixedPeers{"a:1"}, f.net, opts)
	if _, err := c.Download(context.Background(), big.Hash, dest); err != nil {
		t.Fatal(err)
	}

	got, err := afero.ReadFile(afero.NewOsFs(), dest)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := afero.ReadFile(f.srcFS, "/src/sub/big")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if ok, _ := afero.Exists(afero.NewOsFs(), dest+PartSuffix); ok {
		t.Error("part file left behind")
	}

	wantStates := []State{Resolving, FetchingMetadata, Downloading, Verifying, Complete}
	if diff := cmp.Diff(wantStates, states); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
}

func TestCorruptReroute(t *testing.T) {
	big := func(f *fixture, t *testing.T) p2psync.Hash { return f.bigNode(t).Hash }

	cases := []struct {
		name        string
		concurrency int
		corrupt     func(p2psync.Hash, int) bool
	}{
		{"one chunk", 1, func(_ p2psync.Hash, index int) bool { return index == 0 }},
		{"every chunk", 10, func(p2psync.Hash, int) bool { return true }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 16)
			f.net.Add("bad:1", &testutil.FaultyPeer{Peer: f.srv, Corrupt: tc.corrupt})
			f.net.Add("good:1", f.srv)

			opts := quickOpts()
			opts.Concurrency = tc.concurrency
			c := New(fixedPeers{"bad:1", "good:1"}, f.net, opts)

			dest := filepath.Join(t.TempDir(), "big")
			res, err := c.Download(context.Background(), big(f, t), dest)
			if err != nil {
				t.Fatal(err)
			}

			got, _ := afero.ReadFile(afero.NewOsFs(), dest)
			want, _ := afero.ReadFile(f.srcFS, "/src/sub/big")
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}

			bad, good := res.Peers["bad:1"], res.Peers["good:1"]
			if bad.Failures == 0 {
				t.Error("corrupting peer has no recorded failures")
			}
			if bad.Score >= 1 {
				t.Errorf("corrupting peer score is %f, want less than 1", bad.Score)
			}
			if good.Failures != 0 {
				t.Errorf("good peer has %d failures", good.Failures)
			}
		})
	}
}

func TestNoPeers(t *testing.T) {
	f := newFixture(t, 16)
	c := New(fixedPeers{}, f.net, quickOpts())

	_, err := c.Download(context.Background(), f.spec.Tree.Hash, filepath.Join(t.TempDir(), "out"))
	if !errors.Is(err, p2psync.ErrNoPeers) {
		t.Fatalf("got %v, want a no-peers error", err)
	}
	var fe *FailedError
	if !errors.As(err, &fe) {
		t.Fatalf("got %T, want *FailedError", err)
	}
	if fe.State != Resolving {
		t.Errorf("failed while %s, want %s", fe.State, Resolving)
	}
}

func TestDisconnectAndResume(t *testing.T) {
	var (
		ctx  = context.Background()
		dir  = t.TempDir()
		dest = filepath.Join(dir, "big")
		f    = newFixture(t, 16)
		big  = f.bigNode(t)
	)

	rs, err := OpenResumeStore(filepath.Join(dir, "resume.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer rs.Close()

	flaky := &testutil.FaultyPeer{Peer: f.srv, FailAfter: 5}
	f.net.Add("flaky:1", flaky)

	opts := quickOpts()
	opts.Concurrency = 1
	opts.Resume = rs

	c := New(fixedPeers{"flaky:1"}, f.net, opts)
	_, err = c.Download(ctx, big.Hash, dest)
	if err == nil {
		t.Fatal("download succeeded with a failing peer")
	}
	if !errors.Is(err, p2psync.ErrNoPeers) {
		t.Errorf("got %v, want a no-peers error", err)
	}
	var fe *FailedError
	if !errors.As(err, &fe) {
		t.Fatalf("got %T, want *FailedError", err)
	}
	if want := len(big.Chunks) - 5; len(fe.Unresolved) != want {
		t.Errorf("got %d unresolved chunks, want %d", len(fe.Unresolved), want)
	}

	// A new peer appears; the download resumes from it.
	good := &testutil.FaultyPeer{Peer: f.srv}
	f.net.Add("good:1", good)
	c = New(fixedPeers{"good:1"}, f.net, opts)
	if _, err = c.Download(ctx, big.Hash, dest); err != nil {
		t.Fatal(err)
	}
	if got, want := good.Calls(), len(big.Chunks)-5; got != want {
		t.Errorf("resumed download made %d chunk requests, want %d", got, want)
	}

	got, _ := afero.ReadFile(afero.NewOsFs(), dest)
	want, _ := afero.ReadFile(f.srcFS, "/src/sub/big")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, 16)
	f.net.Add("slow:1", &testutil.FaultyPeer{Peer: f.srv, Block: true})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	c := New(fixedPeers{"slow:1"}, f.net, quickOpts())
	done := make(chan error)
	go func() {
		_, err := c.Download(ctx, f.bigNode(t).Hash, filepath.Join(t.TempDir(), "big"))
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("got %v, want context.DeadlineExceeded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("download did not stop after cancellation")
	}
}

func TestBadMetadata(t *testing.T) {
	f := newFixture(t, 16)
	f.net.Add("liar:1", liar{f.srv})
	f.net.Add("good:1", f.srv)

	c := New(fixedPeers{"liar:1", "good:1"}, f.net, quickOpts())
	res, err := c.Download(context.Background(), f.spec.Tree.Hash, filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Peers["liar:1"].Failures == 0 {
		t.Error("lying peer has no recorded failures")
	}
}

// liar answers every metadata request with the metadata of an unrelated file.
type liar struct {
	p2psync.Peer
}

func (l liar) GetMetadata(context.Context, p2psync.Hash) (*p2psync.ContentNode, error) {
	n := &p2psync.ContentNode{Name: "x", Kind: p2psync.File, Size: 1}
	n.Chunks = []p2psync.Chunk{{Hash: p2psync.HashChunk([]byte("x")), Size: 1}}
	n.Hash = n.ComputeHash()
	return n, nil
}

func TestServeOnwardWithEmptyFile(t *testing.T) {
	for _, withEmpty := range []bool{false, true} {
		fs := afero.NewMemMapFs()
		if err := afero.WriteFile(fs, "/src/a", testutil.Data(40, 3), 0644); err != nil {
			t.Fatal(err)
		}
		if withEmpty {
			if err := afero.WriteFile(fs, "/src/e", nil, 0644); err != nil {
				t.Fatal(err)
			}
		}

		ix := &index.Indexer{FS: fs, ChunkSize: 16}
		spec, err := ix.Index(context.Background(), "/src")
		if err != nil {
			t.Fatal(err)
		}
		srv, err := server.New(fs, 0, spec)
		if err != nil {
			t.Fatal(err)
		}
		network := testutil.NewNetwork()
		network.Add("a:1", srv)

		dest := filepath.Join(t.TempDir(), "out")
		res, err := New(fixedPeers{"a:1"}, network, quickOpts()).Download(context.Background(), spec.Tree.Hash, dest)
		if err != nil {
			t.Fatal(err)
		}
		if res.Spec == nil {
			t.Fatalf("withEmpty=%v: no spec in result", withEmpty)
		}
		if res.Spec.ChunkSize != 16 {
			t.Errorf("withEmpty=%v: got chunk size %d, want 16", withEmpty, res.Spec.ChunkSize)
		}
		if _, err = server.New(nil, 0, res.Spec); err != nil {
			t.Errorf("withEmpty=%v: %s", withEmpty, err)
		}
	}
}

func TestChunkSizeOf(t *testing.T) {
	file := func(sizes ...int64) *p2psync.ContentNode {
		n := &p2psync.ContentNode{Kind: p2psync.File}
		for i, s := range sizes {
			n.Chunks = append(n.Chunks, p2psync.Chunk{Index: i, Size: s})
		}
		return n
	}
	dir := func(children ...*p2psync.ContentNode) *p2psync.ContentNode {
		return &p2psync.ContentNode{Kind: p2psync.Directory, Children: children}
	}

	cases := []struct {
		name string
		node *p2psync.ContentNode
		want int64
	}{
		{"empty file", file(), p2psync.DefaultChunkSize},
		{"empty dir", dir(), p2psync.DefaultChunkSize},
		{"short file", file(5), 5},
		{"multi-chunk", file(16, 16, 8), 16},
		{"mixed", dir(file(), dir(), file(16, 3), dir(file(7))), 16},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := chunkSizeOf(c.node); got != c.want {
				t.Errorf("got %d, want %d", got, c.want)
			}
		})
	}
}

func TestTimeoutReroute(t *testing.T) {
	f := newFixture(t, 16)
	f.net.Add("slow:1", &testutil.FaultyPeer{Peer: f.srv, Block: true})
	f.net.Add("good:1", f.srv)

	opts := quickOpts()
	opts.Concurrency = 1
	opts.RequestTimeout = 50 * time.Millisecond

	big := f.bigNode(t)
	dest := filepath.Join(t.TempDir(), "big")
	res, err := New(fixedPeers{"slow:1", "good:1"}, f.net, opts).Download(context.Background(), big.Hash, dest)
	if err != nil {
		t.Fatal(err)
	}

	got, _ := afero.ReadFile(afero.NewOsFs(), dest)
	want, _ := afero.ReadFile(f.srcFS, "/src/sub/big")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	slow, good := res.Peers["slow:1"], res.Peers["good:1"]
	if slow.Failures != 1 {
		t.Errorf("slow peer has %d failures, want 1", slow.Failures)
	}
	if slow.Score >= 1 {
		t.Errorf("slow peer score is %f, want less than 1", slow.Score)
	}
	if good.Failures != 0 {
		t.Errorf("good peer has %d failures", good.Failures)
	}
	if good.Successes != len(big.Chunks) {
		t.Errorf("good peer supplied %d chunks, want %d", good.Successes, len(big.Chunks))
	}
}

func TestDefaults(t *testing.T) {
	c := New(fixedPeers{}, testutil.NewNetwork(), nil)
	want := Options{
		Concurrency:     10,
		MaxSessions:     4,
		ResolveAttempts: 5,
		ResolveInterval: 500 * time.Millisecond,
		RequestTimeout:  10 * time.Second,
		RetriesPerPeer:  3,
	}
	got := c.opts
	got.FS = nil
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestBitmap(t *testing.T) {
	b := newBitmap(13)
	for _, i := range []int{0, 7, 8, 12} {
		b.set(i)
	}
	got, err := unmarshalBitmap(b.marshal())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(b, got, cmp.AllowUnexported(bitmap{})); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if got.count() != 4 || got.full() {
		t.Errorf("got count %d", got.count())
	}
	if _, err = unmarshalBitmap([]byte{20, 1}); err == nil {
		t.Error("no error for short bitmap")
	}
}
