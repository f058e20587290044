// Command p2psync shares file trees among peers.
//
// Run a tracker:
//
//	p2psync tracker -listen :7400 -mdns
//
// Serve one or more trees:
//
//	p2psync serve -tracker host:7400 -listen :7401 DIR...
//
// Download one elsewhere (the hash is printed by serve and by index):
//
//	p2psync download -tracker host:7400 -out DEST HASH
//
// Without -tracker, serve and download use the trackers in the config file,
// or else look for one on the local network.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/bobg/subcmd"

	"github.com/bobg/p2psync/config"
)

type maincmd struct {
	conf   *config.Config
	stdout io.Writer
}

func main() {
	var (
		confPath = flag.String("config", "", "path to YAML config file")
		envPath  = flag.String("env", ".env", "path to dotenv file, ignored if absent")
	)
	flag.Parse()

	conf, err := config.Load(*confPath, *envPath)
	if err != nil {
		log.Fatalf("Loading config: %s", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	err = subcmd.Run(ctx, maincmd{conf: conf, stdout: os.Stdout}, flag.Args())
	if err != nil {
		log.Fatal(err)
	}
}

func (c maincmd) Subcmds() subcmd.Map {
	var (
		tconf = c.conf.Tracker
		sconf = c.conf.Server
		dconf = c.conf.Download
	)
	return subcmd.Commands(
		"download", c.download, subcmd.Params(
			"out", subcmd.String, "", "destination path (default: the hash)",
			"concurrency", subcmd.Int, dconf.Concurrency, "concurrent chunk requests per file",
			"resume", subcmd.String, dconf.ResumeDB, "database for resuming interrupted downloads (default: none)",
			"seed", subcmd.Bool, false, "after downloading, serve the content to other peers",
			"v", subcmd.Bool, false, "log each state change",
			"tracker", subcmd.String, "", "comma-separated tracker addresses",
			"listen", subcmd.String, sconf.Listen, "with -seed: listen address for peer requests",
			"advertise", subcmd.String, sconf.Advertise, "with -seed: address announced to trackers (default: the listen address)",
			"interval", subcmd.Duration, time.Duration(sconf.AnnounceInterval), "with -seed: interval between announcements",
			"log", subcmd.Bool, sconf.Log, "with -seed: log each peer request",
		),
		"dump", c.dump, nil,
		"index", c.index, subcmd.Params(
			"chunk", subcmd.Int64, sconf.ChunkSize, "chunk size in bytes",
			"workers", subcmd.Int, sconf.Workers, "files hashed concurrently (default: one per CPU)",
			"dump", subcmd.String, "", "also save the spec to this file",
		),
		"serve", c.serve, subcmd.Params(
			"load", subcmd.String, "", "comma-separated files containing saved specs to serve",
			"dump", subcmd.String, "", "with a single path: reuse the spec cached in this file, or index and save it there",
			"tracker", subcmd.String, "", "comma-separated tracker addresses",
			"listen", subcmd.String, sconf.Listen, "listen address for peer requests",
			"advertise", subcmd.String, sconf.Advertise, "address announced to trackers (default: the listen address)",
			"interval", subcmd.Duration, time.Duration(sconf.AnnounceInterval), "interval between announcements",
			"log", subcmd.Bool, sconf.Log, "log each peer request",
		),
		"tracker", c.tracker, subcmd.Params(
			"listen", subcmd.String, tconf.Listen, "gRPC listen address",
			"http", subcmd.String, tconf.HTTP, "listen address for the HTTP status API (default: none)",
			"ttl", subcmd.Duration, time.Duration(tconf.TTL), "how long an announcement stays live",
			"sweep", subcmd.Duration, time.Duration(tconf.SweepInterval), "interval between removals of stale announcements",
			"mdns", subcmd.Bool, tconf.MDNS, "advertise the tracker on the local network",
		),
	)
}

// splitList parses a comma-separated flag value.
func splitList(s string) []string {
	var result []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}
