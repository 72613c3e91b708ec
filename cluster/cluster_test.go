package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IdleRPGBot/rateway/gateway"
)

// scriptedConn replays a fixed list of frames and then an optional error.
type scriptedConn struct {
	frames chan []byte
	final  error

	once   sync.Once
	closed chan struct{}
}

func newScriptedConn(final error, frames ...string) *scriptedConn {
	c := &scriptedConn{frames: make(chan []byte, len(frames)), final: final, closed: make(chan struct{})}
	for _, f := range frames {
		c.frames <- []byte(f)
	}
	return c
}

func (c *scriptedConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	default:
	}
	if c.final != nil {
		return nil, c.final
	}
	<-c.closed
	return nil, errors.New("closed")
}

func (c *scriptedConn) WriteMessage([]byte) error       { return nil }
func (c *scriptedConn) SetReadDeadline(time.Time) error { return nil }

func (c *scriptedConn) Close(int) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type connFactory func(url string) gateway.Conn

func (f connFactory) Dial(_ context.Context, url string) (gateway.Conn, error) {
	return f(url), nil
}

const hello = `{"op":10,"d":{"heartbeat_interval":3600000}}`

func readyDialer() gateway.Dialer {
	return connFactory(func(string) gateway.Conn {
		return newScriptedConn(nil, hello, `{"op":0,"s":1,"t":"READY","d":{"session_id":"s"}}`)
	})
}

func newTestCluster(r Range, dialer gateway.Dialer) *Cluster {
	return New(Config{
		Range:       r,
		TotalShards: 20,
		Session:     gateway.Config{Token: "token", URL: "wss://gateway.test"},
	}, dialer, NewIdentifyGate(16, time.Millisecond))
}

func TestClusterMergesEventsFromEveryShard(t *testing.T) {
	c := newTestCluster(Range{ID: 2, First: 8, Last: 11}, readyDialer())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	seen := make(map[int]bool)
	for len(seen) < 4 {
		select {
		case ev := <-c.Events():
			assert.Equal(t, "READY", ev.Type)
			assert.True(t, c.Range().Contains(ev.ShardID))
			seen[ev.ShardID] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only saw shards %v", seen)
		}
	}
	require.Eventually(t, func() bool { return c.Connected() == 4 }, time.Second, 5*time.Millisecond)

	info := c.Info()
	assert.Equal(t, 2, info.ID)
	assert.Len(t, info.Shards, 4)
	assert.Equal(t, 8, info.Shards[0].ShardID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cluster did not stop")
	}
	_, open := <-c.Events()
	assert.False(t, open, "events channel should be closed after Run")

	assert.Error(t, c.Run(context.Background()), "a cluster runs once")
}

func TestClusterCommandRouting(t *testing.T) {
	c := newTestCluster(Range{ID: 1, First: 0, Last: 7}, readyDialer())

	// Shard 5 is owned but not yet connected, so the session itself answers.
	assert.ErrorIs(t, c.Command(context.Background(), 5, []byte(`{"op":3}`)), gateway.ErrNotConnected)
	assert.ErrorIs(t, c.Command(context.Background(), 99, []byte(`{"op":3}`)), ErrShardNotOwned)

	s, ok := c.Session(5)
	require.True(t, ok)
	assert.Equal(t, 5, s.ShardID())
	_, ok = c.Session(8)
	assert.False(t, ok)
}

func TestClusterCommandReachesConnectedShard(t *testing.T) {
	c := newTestCluster(Range{ID: 1, First: 0, Last: 1}, readyDialer())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	go func() {
		for range c.Events() {
		}
	}()

	require.Eventually(t, func() bool { return c.Connected() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, c.Command(ctx, 1, []byte(`{"op":3,"d":{}}`)))
}

func TestClusterStopsOnTerminalClose(t *testing.T) {
	dialer := connFactory(func(string) gateway.Conn {
		return newScriptedConn(&gateway.CloseError{Code: gateway.CloseDisallowedIntents}, hello)
	})
	c := newTestCluster(Range{ID: 3, First: 16, Last: 19}, dialer)

	var err error
	select {
	case err = <-runAsync(c):
	case <-time.After(2 * time.Second):
		t.Fatal("cluster did not stop on terminal close")
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrTerminalClose)
	assert.Contains(t, err.Error(), "cluster 3")
}

func runAsync(c *Cluster) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	return done
}
