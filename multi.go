package p2psync

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var _ Tracker = MultiTracker(nil)

// MultiTracker is a Tracker that fans out to several others.
// Announcements go to every tracker.
// Queries go to every tracker and the results are merged,
// keeping the latest announcement time for each peer address.
// Either operation fails only if every tracker fails.
type MultiTracker []Tracker

// Announce implements Announcer.
func (m MultiTracker) Announce(ctx context.Context, addr string, hashes []Hash) error {
	var (
		mu   sync.Mutex
		errs []error
		g, _ = errgroup.WithContext(ctx)
	)
	for i, t := range m {
		i, t := i, t
		g.Go(func() error {
			if err := t.Announce(ctx, addr, hashes); err != nil {
				log.Printf("ERROR announcing to tracker %d: %s", i, err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if len(m) > 0 && len(errs) == len(m) {
		return errors.Wrap(errs[0], "all trackers failed")
	}
	return nil
}

// Query implements Querier.
func (m MultiTracker) Query(ctx context.Context, h Hash) ([]PeerRecord, error) {
	var (
		mu     sync.Mutex
		latest = make(map[string]PeerRecord)
		errs   []error
		g, _   = errgroup.WithContext(ctx)
	)
	for i, t := range m {
		i, t := i, t
		g.Go(func() error {
			recs, err := t.Query(ctx, h)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				log.Printf("ERROR querying tracker %d for %s: %s", i, h.Short(), err)
				errs = append(errs, err)
				return nil
			}
			for _, rec := range recs {
				if prev, ok := latest[rec.Addr]; !ok || rec.LastAnnounce.After(prev.LastAnnounce) {
					latest[rec.Addr] = rec
				}
			}
			return nil
		})
	}
	g.Wait()

	if len(m) > 0 && len(errs) == len(m) {
		return nil, errors.Wrap(errs[0], "all trackers failed")
	}

	result := make([]PeerRecord, 0, len(latest))
	for _, rec := range latest {
		result = append(result, rec)
	}
	SortPeerRecords(result)
	return result, nil
}

// SortPeerRecords sorts recs most-recently-announced first,
// breaking ties by address.
func SortPeerRecords(recs []PeerRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].LastAnnounce.Equal(recs[j].LastAnnounce) {
			return recs[i].LastAnnounce.After(recs[j].LastAnnounce)
		}
		return recs[i].Addr < recs[j].Addr
	})
}
