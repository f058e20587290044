package server

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/bobg/p2psync"
)

// HashSource supplies the hashes to announce.
// *Server is one.
type HashSource interface {
	Hashes() []p2psync.Hash
}

// Announcer periodically tells a tracker
// (or a p2psync.MultiTracker)
// which hashes are available at an address.
type Announcer struct {
	Tracker p2psync.Announcer
	Addr    string
	Source  HashSource

	// Interval is the time between announcements.
	// Default: 30 seconds.
	Interval time.Duration

	// Retries is the number of times a failed announcement is retried,
	// with exponential backoff,
	// before waiting for the next interval.
	// Default: 3.
	Retries int
}

// AnnounceOnce announces every hash in the source, retrying on failure.
func (a *Announcer) AnnounceOnce(ctx context.Context) error {
	hashes := a.Source.Hashes()

	retries := a.Retries
	if retries <= 0 {
		retries = 3
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = a.interval() / 2

	err := backoff.RetryNotify(
		func() error {
			return a.Tracker.Announce(ctx, a.Addr, hashes)
		},
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx),
		func(err error, d time.Duration) {
			log.Printf("ERROR announcing %d hash(es) for %s (retrying in %s): %s", len(hashes), a.Addr, d, err)
		},
	)
	return errors.Wrapf(err, "announcing %d hash(es) for %s", len(hashes), a.Addr)
}

func (a *Announcer) interval() time.Duration {
	if a.Interval > 0 {
		return a.Interval
	}
	return 30 * time.Second
}

// Run announces immediately and then every interval
// until the context is canceled.
// Failed announcements are logged, not returned.
func (a *Announcer) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval())
	defer ticker.Stop()

	for {
		if err := a.AnnounceOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("ERROR %s", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
