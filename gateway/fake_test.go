package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errFakeClosed = errors.New("use of closed network connection")

// fakeConn is an in-memory gateway connection driven by the test.
type fakeConn struct {
	in     chan []byte
	errs   chan error
	writes chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		errs:   make(chan error, 1),
		writes: make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, errFakeClosed
	default:
	}
	select {
	case frame := <-c.in:
		return frame, nil
	case err := <-c.errs:
		return nil, err
	case <-c.closed:
		return nil, errFakeClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	select {
	case c.writes <- append([]byte(nil), data...):
	default:
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close(code int) error {
	c.closeOnce.Do(func() {
		c.closeCode = code
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) send(t *testing.T, op Opcode, typ string, seq int64, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	env := Envelope{Op: op, Data: raw, Type: typ}
	if seq > 0 {
		env.Sequence = &seq
	}
	frame, err := json.Marshal(env)
	require.NoError(t, err)
	c.in <- frame
}

func (c *fakeConn) hello(t *testing.T, interval time.Duration) {
	c.send(t, OpHello, "", 0, map[string]int64{"heartbeat_interval": interval.Milliseconds()})
}

// expectOp waits for the next written payload with the given opcode,
// skipping anything else (heartbeats in particular).
func (c *fakeConn) expectOp(t *testing.T, op Opcode) json.RawMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-c.writes:
			env, err := DecodeEnvelope(frame)
			require.NoError(t, err)
			if env.Op == op {
				return env.Data
			}
		case <-deadline:
			t.Fatalf("no %s payload written", op)
			return nil
		}
	}
}

// fakeDialer hands out queued connections in order.
type fakeDialer struct {
	mu    sync.Mutex
	conns chan *fakeConn
	urls  []string
}

func newFakeDialer(conns ...*fakeConn) *fakeDialer {
	d := &fakeDialer{conns: make(chan *fakeConn, 16)}
	for _, c := range conns {
		d.conns <- c
	}
	return d
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.mu.Unlock()
	select {
	case c := <-d.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

type recordingGate struct {
	mu     sync.Mutex
	shards []int
}

func (g *recordingGate) Wait(ctx context.Context, shardID int) error {
	g.mu.Lock()
	g.shards = append(g.shards, shardID)
	g.mu.Unlock()
	return ctx.Err()
}

func (g *recordingGate) calls() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.shards...)
}

func testConfig(shardID int) Config {
	return Config{
		ShardID:    shardID,
		ShardCount: 2,
		Token:      "token",
		Intents:    513,
		URL:        "wss://gateway.test",
		Version:    10,
	}
}

func receiveEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want },
		2*time.Second, 5*time.Millisecond, fmt.Sprintf("shard never reached %s", want))
}

type failingDialer struct {
	mu    sync.Mutex
	calls int
}

func (d *failingDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return nil, errors.New("connection refused")
}

func (d *failingDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}
