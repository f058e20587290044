// Package config holds settings for the p2psync command,
// read from a YAML file and overridden by the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/bobg/p2psync"
	"github.com/bobg/p2psync/server"
	"github.com/bobg/p2psync/swarm"
	"github.com/bobg/p2psync/tracker"
)

// Environment variables consulted by Load.
const (
	EnvTrackers = "P2PSYNC_TRACKERS" // comma-separated
	EnvListen   = "P2PSYNC_LISTEN"
	EnvResumeDB = "P2PSYNC_RESUME_DB"
)

// Config is the complete configuration.
type Config struct {
	// Trackers are the gRPC addresses of the trackers to use.
	// When empty, serve and download look for one with mDNS.
	Trackers []string `yaml:"trackers"`

	Tracker  Tracker  `yaml:"tracker"`
	Server   Server   `yaml:"server"`
	Download Download `yaml:"download"`
}

// Tracker configures the tracker subcommand.
type Tracker struct {
	Listen        string   `yaml:"listen"`
	HTTP          string   `yaml:"http"` // empty means no HTTP API
	TTL           Duration `yaml:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
	MDNS          bool     `yaml:"mdns"`
}

// Server configures the content server.
type Server struct {
	Listen string `yaml:"listen"`

	// Advertise is the address announced to trackers.
	// It defaults to Listen.
	Advertise string `yaml:"advertise"`

	AnnounceInterval Duration `yaml:"announce_interval"`
	CacheSize        int      `yaml:"cache_size"`
	ChunkSize        int64    `yaml:"chunk_size"`
	Workers          int      `yaml:"workers"`
	Log              bool     `yaml:"log"`
}

// Download configures the swarm coordinator.
type Download struct {
	Concurrency     int      `yaml:"concurrency"`
	MaxSessions     int      `yaml:"max_sessions"`
	ResolveAttempts int      `yaml:"resolve_attempts"`
	ResolveInterval Duration `yaml:"resolve_interval"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	RetriesPerPeer  int      `yaml:"retries_per_peer"`
	ResumeDB        string   `yaml:"resume_db"`
}

// Default returns a Config with every field set to its default.
func Default() *Config {
	return &Config{
		Tracker: Tracker{
			Listen:        ":7400",
			TTL:           Duration(tracker.DefaultTTL),
			SweepInterval: Duration(tracker.DefaultAnnounceInterval),
		},
		Server: Server{
			Listen:           ":7401",
			AnnounceInterval: Duration(tracker.DefaultAnnounceInterval),
			CacheSize:        server.DefaultCacheSize,
			ChunkSize:        p2psync.DefaultChunkSize,
		},
		Download: Download{
			Concurrency:     swarm.DefaultConcurrency,
			MaxSessions:     swarm.DefaultMaxSessions,
			ResolveAttempts: swarm.DefaultResolveAttempts,
			ResolveInterval: Duration(swarm.DefaultResolveInterval),
			RequestTimeout:  Duration(swarm.DefaultRequestTimeout),
			RetriesPerPeer:  swarm.DefaultRetriesPerPeer,
		},
	}
}

// Load reads the YAML file at path on top of the defaults,
// then applies overrides from the environment.
// Variables in the given dotenv files are used when not already set in the environment.
// A missing dotenv file is ignored.
// An empty path skips the YAML file.
func Load(path string, dotenv ...string) (*Config, error) {
	conf := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", path)
		}
		if err = yaml.UnmarshalStrict(data, conf); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
	}

	env, err := readEnv(dotenv)
	if err != nil {
		return nil, err
	}
	conf.override(env)

	return conf, conf.Validate()
}

func readEnv(files []string) (map[string]string, error) {
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}

	env := make(map[string]string)
	if len(present) > 0 {
		m, err := godotenv.Read(present...)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", strings.Join(present, ", "))
		}
		env = m
	}

	for _, k := range []string{EnvTrackers, EnvListen, EnvResumeDB} {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	return env, nil
}

func (c *Config) override(env map[string]string) {
	if v := env[EnvTrackers]; v != "" {
		c.Trackers = nil
		for _, addr := range strings.Split(v, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				c.Trackers = append(c.Trackers, addr)
			}
		}
	}
	if v := env[EnvListen]; v != "" {
		c.Server.Listen = v
	}
	if v := env[EnvResumeDB]; v != "" {
		c.Download.ResumeDB = v
	}
}

// Validate reports the first nonsensical setting in c.
func (c *Config) Validate() error {
	switch {
	case c.Tracker.TTL <= 0:
		return errors.New("tracker.ttl must be positive")
	case c.Tracker.SweepInterval <= 0:
		return errors.New("tracker.sweep_interval must be positive")
	case c.Server.AnnounceInterval <= 0:
		return errors.New("server.announce_interval must be positive")
	case c.Server.AnnounceInterval >= c.Tracker.TTL:
		return errors.Errorf("server.announce_interval (%s) must be shorter than tracker.ttl (%s)", c.Server.AnnounceInterval, c.Tracker.TTL)
	case c.Server.ChunkSize <= 0:
		return errors.New("server.chunk_size must be positive")
	case c.Download.Concurrency <= 0:
		return errors.New("download.concurrency must be positive")
	case c.Download.MaxSessions <= 0:
		return errors.New("download.max_sessions must be positive")
	case c.Download.ResolveAttempts <= 0:
		return errors.New("download.resolve_attempts must be positive")
	case c.Download.RetriesPerPeer <= 0:
		return errors.New("download.retries_per_peer must be positive")
	}
	return nil
}

// AdvertiseAddr is the address the server announces to trackers.
func (s Server) AdvertiseAddr() string {
	if s.Advertise != "" {
		return s.Advertise
	}
	return s.Listen
}

// SwarmOptions converts d to options for the swarm coordinator.
func (d Download) SwarmOptions() *swarm.Options {
	return &swarm.Options{
		Concurrency:     d.Concurrency,
		MaxSessions:     d.MaxSessions,
		ResolveAttempts: d.ResolveAttempts,
		ResolveInterval: time.Duration(d.ResolveInterval),
		RequestTimeout:  time.Duration(d.RequestTimeout),
		RetriesPerPeer:  d.RetriesPerPeer,
	}
}

// Duration is a time.Duration written in YAML as a Go duration string ("30s")
// or as a bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "parsing duration %q", s)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}
