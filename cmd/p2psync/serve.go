package main

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/bobg/p2psync"
	"github.com/bobg/p2psync/index"
	"github.com/bobg/p2psync/rpc"
	"github.com/bobg/p2psync/server"
	"github.com/bobg/p2psync/specstore"
)

// peerConf is how a peer serves its content and announces it.
type peerConf struct {
	trackers          []string
	listen, advertise string
	interval          time.Duration
	logRequests       bool
}

func (c maincmd) serve(ctx context.Context, load, dump, trackers, listen, advertise string, interval time.Duration, logRequests bool, paths []string) error {
	loads := splitList(load)
	if len(paths) == 0 && len(loads) == 0 {
		return errors.New("usage: serve [flags] PATH... (or -load FILE,...)")
	}
	if dump != "" && len(paths) != 1 {
		return errors.New("-dump requires exactly one path")
	}

	ix := &index.Indexer{ChunkSize: c.conf.Server.ChunkSize, Workers: c.conf.Server.Workers}

	var specs []*p2psync.Spec
	for _, path := range loads {
		spec, err := specstore.Load(path)
		if err != nil {
			return errors.Wrapf(err, "loading spec from %s", path)
		}
		specs = append(specs, spec)
	}
	for _, path := range paths {
		var (
			spec *p2psync.Spec
			err  error
		)
		if dump != "" {
			spec, err = specstore.LoadOrIndex(ctx, ix, path, dump)
		} else {
			spec, err = ix.Index(ctx, path)
		}
		if err != nil {
			return errors.Wrapf(err, "indexing %s", path)
		}
		specs = append(specs, spec)
	}

	for _, spec := range specs {
		log.Printf("Serving %s as %s", spec.Root, spec.Tree.Hash)
	}

	srv, err := server.New(nil, c.conf.Server.CacheSize, specs...)
	if err != nil {
		return errors.Wrap(err, "creating server")
	}

	d := new(rpc.Dialer)
	defer d.Close()

	pc := peerConf{
		trackers:    splitList(trackers),
		listen:      listen,
		advertise:   advertise,
		interval:    interval,
		logRequests: logRequests,
	}
	return c.runPeer(ctx, d, srv, pc)
}

// runPeer serves srv to other peers and announces its content to the trackers
// until ctx is canceled.
func (c maincmd) runPeer(ctx context.Context, d *rpc.Dialer, srv *server.Server, pc peerConf) error {
	trackers, err := c.dialTrackers(ctx, d, pc.trackers)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", pc.listen)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", pc.listen)
	}

	advertise := pc.advertise
	if advertise == "" {
		advertise = lis.Addr().String()
	}

	var peer p2psync.Peer = srv
	if pc.logRequests {
		peer = server.NewLogging(srv)
	}

	gs := grpc.NewServer()
	rpc.RegisterPeerServer(gs, rpc.NewPeerServer(peer))

	a := &server.Announcer{
		Tracker:  trackers,
		Addr:     advertise,
		Source:   srv,
		Interval: pc.interval,
	}

	log.Printf("Listening on %s, announcing %s", lis.Addr(), advertise)

	g, ctx := errgroup.WithContext(ctx)
	serveGRPC(ctx, g, gs, lis)
	g.Go(func() error { return a.Run(ctx) })
	return wait(g)
}
