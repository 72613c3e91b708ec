package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/IdleRPGBot/rateway/logger"
)

// DefaultIdentifyWindow is how long a session-start bucket stays occupied
// after an Identify.
const DefaultIdentifyWindow = 5 * time.Second

// IdentifyGate admits at most one Identify per bucket per window, where the
// bucket of a shard is shard_id mod max_concurrency. Waiters are admitted in
// the order they arrive.
type IdentifyGate struct {
	mu             sync.Mutex
	maxConcurrency int
	window         time.Duration
	nextSlot       map[int]time.Time
}

// NewIdentifyGate creates a gate for the given concurrency limit. Values
// below one are treated as one.
func NewIdentifyGate(maxConcurrency int, window time.Duration) *IdentifyGate {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if window <= 0 {
		window = DefaultIdentifyWindow
	}
	return &IdentifyGate{
		maxConcurrency: maxConcurrency,
		window:         window,
		nextSlot:       make(map[int]time.Time),
	}
}

func (g *IdentifyGate) Bucket(shardID int) int {
	return shardID % g.maxConcurrency
}

// reserve claims the earliest free slot of the shard's bucket.
func (g *IdentifyGate) reserve(shardID int) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	bucket := g.Bucket(shardID)
	slot := time.Now()
	if next, ok := g.nextSlot[bucket]; ok && next.After(slot) {
		slot = next
	}
	g.nextSlot[bucket] = slot.Add(g.window)
	return slot
}

// Wait blocks until shardID may send Identify. A cancelled wait still
// consumes its slot.
func (g *IdentifyGate) Wait(ctx context.Context, shardID int) error {
	delay := time.Until(g.reserve(shardID))
	if delay <= 0 {
		return ctx.Err()
	}

	logger.Debug("Waiting for identify slot", "shard", shardID, "bucket", g.Bucket(shardID), "delay", delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
