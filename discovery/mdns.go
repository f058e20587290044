// Package discovery locates p2psync trackers on the local network using mDNS.
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"
)

const (
	// Service is the mDNS service type under which trackers publish themselves.
	Service = "_p2psync-tracker._tcp"

	// Domain is the mDNS domain browsed for trackers.
	Domain = "local."
)

// Publish advertises a tracker listening on port.
// The caller should Shutdown the returned server when the tracker stops.
func Publish(instance string, port int) (*zeroconf.Server, error) {
	srv, err := zeroconf.Register(instance, Service, Domain, port, []string{"txtv=1"}, nil)
	return srv, errors.Wrapf(err, "registering %s on port %d", instance, port)
}

// Discover browses the local network for a tracker
// and returns the host:port address of the first one found.
// It blocks until one is found or ctx is done.
func Discover(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", errors.Wrap(err, "creating resolver")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 4)
	if err = resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return "", errors.Wrap(err, "browsing")
	}

	for {
		select {
		case <-ctx.Done():
			return "", errors.Wrap(ctx.Err(), "discovering tracker")

		case entry, ok := <-entries:
			if !ok {
				return "", errors.Wrap(ctx.Err(), "discovering tracker")
			}
			addr, err := entryAddr(entry)
			if err != nil {
				log.Printf("ERROR skipping tracker %s: %s", entry.Instance, err)
				continue
			}
			log.Printf("discovered tracker %s at %s", entry.Instance, addr)
			return addr, nil
		}
	}
}

func entryAddr(entry *zeroconf.ServiceEntry) (string, error) {
	port := strconv.Itoa(entry.Port)
	switch {
	case len(entry.AddrIPv4) > 0:
		return net.JoinHostPort(entry.AddrIPv4[0].String(), port), nil
	case len(entry.AddrIPv6) > 0:
		return net.JoinHostPort(entry.AddrIPv6[0].String(), port), nil
	}
	return "", fmt.Errorf("no address for %s", entry.HostName)
}
