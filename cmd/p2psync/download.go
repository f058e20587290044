package main

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/p2psync"
	"github.com/bobg/p2psync/rpc"
	"github.com/bobg/p2psync/server"
	"github.com/bobg/p2psync/swarm"
)

func (c maincmd) download(ctx context.Context, out string, concurrency int, resume string, seed, verbose bool, trackers, listen, advertise string, interval time.Duration, logRequests bool, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: download [flags] HASH")
	}
	target, err := p2psync.HashFromHex(args[0])
	if err != nil {
		return errors.Wrapf(err, "parsing hash %s", args[0])
	}

	dest := out
	if dest == "" {
		dest = target.String()
	}

	d := new(rpc.Dialer)
	defer d.Close()

	mt, err := c.dialTrackers(ctx, d, splitList(trackers))
	if err != nil {
		return err
	}

	opts := c.conf.Download.SwarmOptions()
	opts.Concurrency = concurrency
	if resume != "" {
		rs, err := swarm.OpenResumeStore(resume)
		if err != nil {
			return err
		}
		defer rs.Close()
		opts.Resume = rs
	}
	if verbose {
		opts.OnState = func(h p2psync.Hash, path string, state swarm.State) {
			if path == "" {
				path = "."
			}
			log.Printf("%s %s: %s", h.Short(), path, state)
		}
	}

	res, err := swarm.New(mt, d, opts).Download(ctx, target, dest)
	if err != nil {
		var ferr *swarm.FailedError
		if errors.As(err, &ferr) && len(ferr.Unresolved) > 0 {
			log.Printf("Chunks of %s with no usable peer: %v", ferr.Path, ferr.Unresolved)
		}
		return errors.Wrapf(err, "downloading %s", target)
	}

	var addrs []string
	for addr := range res.Peers {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		st := res.Peers[addr]
		log.Printf("Peer %s: %d chunk(s), %d failure(s), score %.2f", addr, st.Successes, st.Failures, st.Score)
	}

	fmt.Fprintln(c.stdout, dest)

	if !seed {
		return nil
	}

	srv, err := server.New(nil, c.conf.Server.CacheSize, res.Spec)
	if err != nil {
		return errors.Wrap(err, "creating server")
	}
	pc := peerConf{
		trackers:    splitList(trackers),
		listen:      listen,
		advertise:   advertise,
		interval:    interval,
		logRequests: logRequests,
	}
	return c.runPeer(ctx, d, srv, pc)
}
