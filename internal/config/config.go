package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

type Relay struct {
	Addr               string        `env:"SESSION_SYNC_ADDR" envDefault:"localhost:8080"`
	Origin             string        `env:"SESSION_SYNC_RELAY_ORIGIN" envDefault:"relay"`
	DatabasePath       string        `env:"SESSION_SYNC_DATABASE" envDefault:"relay.sqlite3"`
	ConfirmInterval    time.Duration `env:"SESSION_SYNC_CONFIRM_INTERVAL" envDefault:"100ms"`
	CheckpointInterval time.Duration `env:"SESSION_SYNC_CHECKPOINT_INTERVAL" envDefault:"5s"`
	SubscriberBuffer   int           `env:"SESSION_SYNC_SUBSCRIBER_BUFFER" envDefault:"64"`
	RenderOnExit       bool          `env:"SESSION_SYNC_RENDER_ON_EXIT" envDefault:"true"`
}

// Flags binds flags over the env defaults already loaded into c.
func (c *Relay) Flags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "the address to listen on")
	fs.StringVar(&c.Origin, "origin", c.Origin, "the relay's origin id")
	fs.StringVar(&c.DatabasePath, "db", c.DatabasePath, "the sqlite checkpoint database")
	fs.DurationVar(&c.ConfirmInterval, "confirm-interval", c.ConfirmInterval, "how often confirmed snapshots are sent")
	fs.DurationVar(&c.CheckpointInterval, "checkpoint-interval", c.CheckpointInterval, "how often sessions are checkpointed")
	fs.IntVar(&c.SubscriberBuffer, "subscriber-buffer", c.SubscriberBuffer, "outbound envelopes buffered per participant")
	fs.BoolVar(&c.RenderOnExit, "render", c.RenderOnExit, "render each session to svg on exit")
}

type Participant struct {
	Addr           string        `env:"SESSION_SYNC_ADDR" envDefault:"127.0.0.1:8080"`
	Session        string        `env:"SESSION_SYNC_SESSION" envDefault:"default"`
	Origin         string        `env:"SESSION_SYNC_ORIGIN"`
	Capacity       int           `env:"SESSION_SYNC_SNAPSHOT_CAPACITY" envDefault:"120"`
	MaxPending     int           `env:"SESSION_SYNC_MAX_PENDING" envDefault:"256"`
	ActionInterval time.Duration `env:"SESSION_SYNC_ACTION_INTERVAL" envDefault:"50ms"`
	MetricsAddr    string        `env:"SESSION_SYNC_METRICS_ADDR"`
}

func (c *Participant) Flags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "the relay address to connect to")
	fs.StringVar(&c.Session, "session", c.Session, "the session to join")
	fs.StringVar(&c.Origin, "origin", c.Origin, "the origin id to write as (random if empty)")
	fs.IntVar(&c.Capacity, "capacity", c.Capacity, "predicted snapshots to retain")
	fs.IntVar(&c.MaxPending, "max-pending", c.MaxPending, "unacknowledged inputs before resyncing")
	fs.DurationVar(&c.ActionInterval, "interval", c.ActionInterval, "time between local actions")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve prometheus metrics on this address")
}

// Load fills cfg from the environment and then from args.
func Load(cfg interface {
	Flags(*flag.FlagSet)
}, fs *flag.FlagSet, args []string) error {
	if err := ParseEnv(cfg); err != nil {
		return err
	}
	cfg.Flags(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	return nil
}
