// Package cluster groups contiguous shards into clusters. A cluster starts
// every session it owns, merges their dispatch events into one stream and
// routes outbound commands to the owning session.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/IdleRPGBot/rateway/gateway"
	"github.com/IdleRPGBot/rateway/logger"
)

// ErrShardNotOwned is returned by Command for shard ids outside the cluster.
var ErrShardNotOwned = errors.New("shard is not owned by this cluster")

// Config describes one cluster. Session is a template: ShardID and
// ShardCount are filled in per shard.
type Config struct {
	Range       Range
	TotalShards int
	Session     gateway.Config
	EventBuffer int
}

// Info is a point-in-time view of a cluster for the admin API.
type Info struct {
	Range
	Shards []gateway.Info `json:"shards"`
}

// Cluster owns the sessions of one shard range.
type Cluster struct {
	shards   Range
	sessions []*gateway.Session // indexed by shard id - First
	events   chan gateway.Event
	log      *slog.Logger

	runOnce sync.Once
}

// New creates the sessions for cfg.Range. Nothing connects until Run.
func New(cfg Config, dialer gateway.Dialer, gate gateway.IdentifyGate) *Cluster {
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = 256
	}
	c := &Cluster{
		shards: cfg.Range,
		events: make(chan gateway.Event, buffer),
		log:    logger.With("cluster", cfg.Range.ID),
	}
	for id := cfg.Range.First; id <= cfg.Range.Last; id++ {
		sc := cfg.Session
		sc.ShardID = id
		sc.ShardCount = cfg.TotalShards
		c.sessions = append(c.sessions, gateway.NewSession(sc, dialer, gate, c.events))
	}
	return c
}

func (c *Cluster) ID() int      { return c.shards.ID }
func (c *Cluster) Range() Range { return c.shards }

// Events is the fan-in of every session's dispatches, tagged with the
// originating shard. It is closed when Run returns.
func (c *Cluster) Events() <-chan gateway.Event {
	return c.events
}

// Session returns the session owning shardID.
func (c *Cluster) Session(shardID int) (*gateway.Session, bool) {
	if !c.shards.Contains(shardID) {
		return nil, false
	}
	return c.sessions[shardID-c.shards.First], true
}

// Run starts every session concurrently and blocks until ctx is cancelled
// (returning nil) or a session closes for good (returning its error).
func (c *Cluster) Run(ctx context.Context) error {
	err := errors.New("cluster already started")
	c.runOnce.Do(func() { err = c.run(ctx) })
	return err
}

func (c *Cluster) run(ctx context.Context) error {
	defer close(c.events)

	c.log.Info("Starting cluster", "first_shard", c.shards.First, "last_shard", c.shards.Last)
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range c.sessions {
		g.Go(func() error {
			err := s.Run(gctx)
			if gctx.Err() != nil && errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		c.log.Error("Cluster stopped by fatal session error", "error", err)
		return fmt.Errorf("cluster %d: %w", c.shards.ID, err)
	}
	c.log.Info("Cluster stopped")
	return nil
}

// Command forwards payload verbatim to the session owning shardID. Shard ids
// outside the cluster are logged and dropped.
func (c *Cluster) Command(ctx context.Context, shardID int, payload []byte) error {
	s, ok := c.Session(shardID)
	if !ok {
		c.log.Warn("Dropping command for shard outside cluster", "shard", shardID)
		return ErrShardNotOwned
	}
	return s.Command(ctx, payload)
}

// Info snapshots every session of the cluster.
func (c *Cluster) Info() Info {
	info := Info{Range: c.shards, Shards: make([]gateway.Info, 0, len(c.sessions))}
	for _, s := range c.sessions {
		info.Shards = append(info.Shards, s.Info())
	}
	return info
}

// Connected counts sessions currently in the Connected state.
func (c *Cluster) Connected() int {
	n := 0
	for _, s := range c.sessions {
		if s.State() == gateway.StateConnected {
			n++
		}
	}
	return n
}
