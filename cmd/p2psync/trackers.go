package main

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/p2psync"
	"github.com/bobg/p2psync/discovery"
	"github.com/bobg/p2psync/rpc"
)

const discoveryTimeout = 5 * time.Second

// dialTrackers connects to the trackers at addrs,
// or the configured ones if addrs is empty,
// or one found on the local network if none are configured.
func (c maincmd) dialTrackers(ctx context.Context, d *rpc.Dialer, addrs []string) (p2psync.MultiTracker, error) {
	if len(addrs) == 0 {
		addrs = c.conf.Trackers
	}
	if len(addrs) == 0 {
		dctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
		defer cancel()

		addr, err := discovery.Discover(dctx)
		if err != nil {
			return nil, errors.Wrap(err, "no tracker given and none found on the local network")
		}
		addrs = []string{addr}
	}

	log.Printf("Using tracker(s) %v", addrs)
	return d.DialTrackers(ctx, addrs)
}
