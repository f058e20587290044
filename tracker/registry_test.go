package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/p2psync"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2021, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func TestQueryUnknown(t *testing.T) {
	r := New()
	got, err := r.Query(context.Background(), p2psync.HashChunk([]byte("nobody has this")))
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("got %v, want an empty list", got)
	}
}

func TestLiveness(t *testing.T) {
	var (
		ctx   = context.Background()
		clock = newClock()
		r     = New(WithClock(clock.Now), WithTTL(90*time.Second))
		h     = p2psync.HashChunk([]byte("x"))
	)

	if err := r.Announce(ctx, "peer1:1234", []p2psync.Hash{h}); err != nil {
		t.Fatal(err)
	}

	clock.Advance(90*time.Second - time.Millisecond)
	got, err := r.Query(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("at TTL-ε got %d peers, want 1", len(got))
	}

	clock.Advance(2 * time.Millisecond)
	got, err = r.Query(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("at TTL+ε got %d peers, want 0", len(got))
	}
	if s := r.Stats(); s.Records != 0 {
		t.Errorf("stale record not pruned by query: %+v", s)
	}
}

func TestReannounce(t *testing.T) {
	var (
		ctx   = context.Background()
		clock = newClock()
		r     = New(WithClock(clock.Now))
		h     = p2psync.HashChunk([]byte("x"))
	)

	r.Announce(ctx, "a:1", []p2psync.Hash{h})
	clock.Advance(time.Second)
	r.Announce(ctx, "b:1", []p2psync.Hash{h})
	r.Announce(ctx, "c:1", []p2psync.Hash{h})
	clock.Advance(80 * time.Second)
	r.Announce(ctx, "a:1", []p2psync.Hash{h})
	clock.Advance(20 * time.Second)

	got, err := r.Query(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	want := []p2psync.PeerRecord{
		{Addr: "a:1", LastAnnounce: clock.Now().Add(-20 * time.Second)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestOrdering(t *testing.T) {
	var (
		ctx   = context.Background()
		clock = newClock()
		r     = New(WithClock(clock.Now))
		h     = p2psync.HashChunk([]byte("x"))
	)

	r.Announce(ctx, "old:1", []p2psync.Hash{h})
	clock.Advance(time.Second)
	r.Announce(ctx, "z:1", []p2psync.Hash{h})
	r.Announce(ctx, "m:1", []p2psync.Hash{h})

	got, _ := r.Query(ctx, h)
	var addrs []string
	for _, rec := range got {
		addrs = append(addrs, rec.Addr)
	}
	if diff := cmp.Diff([]string{"m:1", "z:1", "old:1"}, addrs); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestSweep(t *testing.T) {
	var (
		ctx   = context.Background()
		clock = newClock()
		r     = New(WithClock(clock.Now), WithShards(4))
	)

	var hashes []p2psync.Hash
	for i := 0; i < 100; i++ {
		hashes = append(hashes, p2psync.HashChunk([]byte(fmt.Sprint(i))))
	}
	r.Announce(ctx, "a:1", hashes)
	clock.Advance(time.Minute)
	r.Announce(ctx, "b:1", hashes[:10])
	clock.Advance(time.Minute)

	if n := r.Sweep(); n != 100 {
		t.Errorf("swept %d, want 100", n)
	}
	if s := r.Stats(); s.Hashes != 10 || s.Records != 10 || s.Peers != 1 {
		t.Errorf("got stats %+v", s)
	}
}

func TestConcurrent(t *testing.T) {
	var (
		ctx = context.Background()
		r   = New()
		wg  sync.WaitGroup
	)

	for i := 0; i < 20; i++ {
		i := i
		wg.Add(2)
		go func() {
			defer wg.Done()
			addr := fmt.Sprintf("peer%d:1", i)
			for j := 0; j < 50; j++ {
				r.Announce(ctx, addr, []p2psync.Hash{p2psync.HashChunk([]byte(fmt.Sprint(j)))})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := r.Query(ctx, p2psync.HashChunk([]byte(fmt.Sprint(j)))); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	for j := 0; j < 50; j++ {
		got, _ := r.Query(ctx, p2psync.HashChunk([]byte(fmt.Sprint(j))))
		if len(got) != 20 {
			t.Errorf("hash %d: got %d peers, want 20", j, len(got))
		}
	}
}
