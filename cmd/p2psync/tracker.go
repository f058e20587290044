package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/bobg/p2psync/discovery"
	"github.com/bobg/p2psync/rpc"
	"github.com/bobg/p2psync/tracker"
)

func (c maincmd) tracker(ctx context.Context, listen, httpAddr string, ttl, sweep time.Duration, mdns bool, _ []string) error {
	reg := tracker.New(tracker.WithTTL(ttl))

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", listen)
	}

	gs := grpc.NewServer()
	rpc.RegisterTrackerServer(gs, rpc.NewTrackerServer(reg))

	log.Printf("Tracker listening on %s", lis.Addr())

	if mdns {
		port := lis.Addr().(*net.TCPAddr).Port
		zs, err := discovery.Publish("p2psync-tracker", port)
		if err != nil {
			lis.Close()
			return errors.Wrap(err, "advertising tracker")
		}
		defer zs.Shutdown()
		log.Printf("Advertising tracker as %s on port %d", discovery.Service, port)
	}

	g, ctx := errgroup.WithContext(ctx)
	serveGRPC(ctx, g, gs, lis)
	g.Go(func() error { return reg.Run(ctx, sweep) })

	if httpAddr != "" {
		hs := &http.Server{Addr: httpAddr, Handler: tracker.NewHandler(reg)}
		log.Printf("Tracker HTTP API on %s", httpAddr)
		g.Go(func() error {
			err := hs.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return errors.Wrapf(err, "serving HTTP on %s", httpAddr)
		})
		g.Go(func() error {
			<-ctx.Done()
			return hs.Shutdown(context.Background())
		})
	}

	return wait(g)
}

// serveGRPC runs gs on lis in g,
// stopping it gracefully when ctx is done.
func serveGRPC(ctx context.Context, g *errgroup.Group, gs *grpc.Server, lis net.Listener) {
	g.Go(func() error {
		return errors.Wrapf(gs.Serve(lis), "serving on %s", lis.Addr())
	})
	g.Go(func() error {
		<-ctx.Done()
		gs.GracefulStop()
		return nil
	})
}

// wait waits for g,
// treating cancellation (e.g. by an interrupt) as a normal exit.
func wait(g *errgroup.Group) error {
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
