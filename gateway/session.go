// Package gateway runs one resumable, heartbeat-driven session per shard
// against the push-event gateway and emits every dispatch it receives.
//
// A Session moves through Connecting, AwaitingHello, Identifying (or
// Resuming), Connected and Reconnecting until its context ends or the
// gateway closes it with a terminal code, at which point it is Closed and
// Run returns an error matching ErrTerminalClose.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IdleRPGBot/rateway/logger"
	"github.com/IdleRPGBot/rateway/pkg/metrics"
	"github.com/IdleRPGBot/rateway/pkg/retry"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	closeNormal    = 1000
	closeResumable = 4000
)

// IdentifyGate admits Identify payloads under the gateway's session-start
// concurrency limit. Resumes never pass through it.
type IdentifyGate interface {
	Wait(ctx context.Context, shardID int) error
}

// Config describes one shard session.
type Config struct {
	ShardID        int
	ShardCount     int
	Token          string
	Intents        uint64
	URL            string
	Version        int
	Compress       bool
	LargeThreshold int
	HelloTimeout   time.Duration
	Backoff        retry.BackoffConfig

	// CommandsPerMinute bounds outbound commands; zero disables the limit.
	CommandsPerMinute int

	// OnStateChange, if set, is called on every state transition.
	OnStateChange func(shardID int, from, to State)
}

// Info is a point-in-time view of a session.
type Info struct {
	ShardID   int    `json:"shard_id"`
	State     string `json:"state"`
	Sequence  int64  `json:"sequence"`
	Resumable bool   `json:"resumable"`
	LatencyMS int64  `json:"latency_ms"`
}

type heartbeatHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Session owns the gateway connection of a single shard.
type Session struct {
	cfg    Config
	dialer Dialer
	gate   IdentifyGate
	events chan<- Event
	log    *slog.Logger

	state                atomic.Int32
	seq                  atomic.Int64
	heartbeatOutstanding atomic.Bool
	heartbeatSentAt      atomic.Int64
	latency              atomic.Int64

	mu        sync.Mutex // guards sessionID, resumeURL and conn
	sessionID string
	resumeURL string
	conn      Conn

	writeMu  sync.Mutex
	commands *commandLimiter

	// heartbeat is only touched by the goroutine running Run.
	heartbeat *heartbeatHandle
}

// NewSession creates a session that will deliver dispatch events to events.
func NewSession(cfg Config, dialer Dialer, gate IdentifyGate, events chan<- Event) *Session {
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = 20 * time.Second
	}
	if cfg.Backoff.InitialInterval <= 0 {
		cfg.Backoff = retry.BackoffConfig{
			InitialInterval: time.Second,
			MaxInterval:     2 * time.Minute,
			Multiplier:      2.0,
			Jitter:          true,
		}
	}
	return &Session{
		cfg:      cfg,
		dialer:   dialer,
		gate:     gate,
		events:   events,
		log:      logger.With("shard", cfg.ShardID),
		commands: newCommandLimiter(cfg.CommandsPerMinute, time.Minute),
	}
}

func (s *Session) ShardID() int { return s.cfg.ShardID }
func (s *Session) State() State { return State(s.state.Load()) }
func (s *Session) Sequence() int64 { return s.seq.Load() }

func (s *Session) Info() Info {
	return Info{
		ShardID:   s.cfg.ShardID,
		State:     s.State().String(),
		Sequence:  s.seq.Load(),
		Resumable: s.canResume(),
		LatencyMS: time.Duration(s.latency.Load()).Milliseconds(),
	}
}

// Run drives the session until ctx is cancelled or the gateway closes it
// with a terminal code.
func (s *Session) Run(ctx context.Context) error {
	backoff := retry.NewBackoff(s.cfg.Backoff)

	for {
		connected, err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			s.setState(StateClosed)
			return ctx.Err()
		}

		action, reason := nextAction(err)
		if action == ActionTerminal {
			s.setState(StateClosed)
			s.log.Error("Session closed by gateway, not reconnecting", "reason", reason, "error", err)
			return fmt.Errorf("shard %d: %w", s.cfg.ShardID, err)
		}

		s.setState(StateReconnecting)
		if action == ActionReidentify {
			s.resetSession()
		}
		resume := s.canResume()
		metrics.ReconnectsTotal.WithLabelValues(reason, strconv.FormatBool(resume)).Inc()
		s.log.Warn("Session disconnected", "reason", reason, "resume", resume, "error", err)

		if connected {
			backoff.Reset()
			continue
		}
		if err := backoff.Wait(ctx); err != nil {
			s.setState(StateClosed)
			return err
		}
	}
}

// Command writes payload verbatim to the shard's connection.
func (s *Session) Command(ctx context.Context, payload []byte) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	if err := s.commands.Wait(ctx); err != nil {
		return err
	}
	return s.writeRaw(payload)
}

type readResult struct {
	connected bool
	err       error
}

// connectOnce runs a single connection from dial to disconnect.
func (s *Session) connectOnce(ctx context.Context) (connected bool, err error) {
	s.setState(StateConnecting)
	resume := s.canResume()

	conn, err := s.dialer.Dial(ctx, s.connectURL(resume))
	if err != nil {
		return false, &dialError{err: err}
	}
	s.setConn(conn)

	connCtx, fail := context.WithCancelCause(ctx)
	// Closing the connection is the only way to unblock a pending read.
	stopAfter := context.AfterFunc(connCtx, func() {
		_ = conn.Close(closeCodeFor(ctx, context.Cause(connCtx)))
	})
	defer func() {
		s.stopHeartbeat()
		stopAfter()
		_ = conn.Close(closeCodeFor(ctx, err))
		fail(nil)
		s.setConn(nil)
	}()

	s.setState(StateAwaitingHello)
	interval, err := s.awaitHello(conn)
	if err != nil {
		return false, err
	}
	s.startHeartbeat(connCtx, interval, fail)

	results := make(chan readResult, 1)
	go func() {
		c, err := s.readLoop(connCtx, conn, interval)
		// A dead connection must not keep waiting for an identify slot.
		fail(err)
		results <- readResult{connected: c, err: err}
	}()

	if resume {
		s.setState(StateResuming)
		if err := s.sendResume(); err != nil {
			fail(fmt.Errorf("send resume: %w", err))
		}
	} else {
		s.setState(StateIdentifying)
		if err := s.identify(connCtx); err != nil {
			fail(err)
		}
	}

	res := <-results
	return res.connected, res.err
}

func closeCodeFor(ctx context.Context, err error) int {
	if ctx.Err() != nil {
		return closeNormal
	}
	if action, _ := nextAction(err); action != ActionResume {
		return closeNormal
	}
	return closeResumable
}

func (s *Session) identify(ctx context.Context) error {
	start := time.Now()
	if s.gate != nil {
		if err := s.gate.Wait(ctx, s.cfg.ShardID); err != nil {
			return fmt.Errorf("wait for identify slot: %w", err)
		}
	}
	metrics.IdentifyWait.Observe(time.Since(start).Seconds())

	s.log.Info("Identifying", "shards", s.cfg.ShardCount)
	if err := s.send(newIdentify(s.cfg)); err != nil {
		return fmt.Errorf("send identify: %w", err)
	}
	return nil
}

func (s *Session) sendResume() error {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	s.log.Info("Resuming", "session_id", sessionID, "sequence", s.seq.Load())
	return s.send(newResume(s.cfg.Token, sessionID, s.seq.Load()))
}

func (s *Session) awaitHello(conn Conn) (time.Duration, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HelloTimeout))
	frame, err := conn.ReadMessage()
	if err != nil {
		return 0, err
	}
	env, err := DecodeEnvelope(frame)
	if err != nil {
		return 0, err
	}
	if env.Op != OpHello {
		return 0, fmt.Errorf("expected hello, got %s", env.Op)
	}
	var hello helloData
	if err := json.Unmarshal(env.Data, &hello); err != nil || hello.HeartbeatInterval <= 0 {
		return 0, fmt.Errorf("hello without a usable heartbeat_interval: %s", string(env.Data))
	}
	_ = conn.SetReadDeadline(time.Time{})
	return time.Duration(hello.HeartbeatInterval) * time.Millisecond, nil
}

func (s *Session) readLoop(ctx context.Context, conn Conn, interval time.Duration) (bool, error) {
	connected := false
	for {
		_ = conn.SetReadDeadline(time.Now().Add(2*interval + 10*time.Second))
		frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return connected, context.Cause(ctx)
			}
			if errors.Is(err, errMalformedFrame) {
				s.log.Warn("Dropping undecodable gateway frame", "error", err)
				continue
			}
			return connected, err
		}

		env, err := DecodeEnvelope(frame)
		if err != nil {
			s.log.Warn("Dropping malformed gateway payload", "error", err)
			continue
		}
		metrics.GatewayPayloadsTotal.WithLabelValues(env.Op.String()).Inc()

		switch env.Op {
		case OpDispatch:
			ready, err := s.handleDispatch(ctx, env)
			if err != nil {
				return connected, err
			}
			connected = connected || ready
		case OpHeartbeat:
			if err := s.sendHeartbeat(); err != nil {
				return connected, fmt.Errorf("send requested heartbeat: %w", err)
			}
		case OpHeartbeatAck:
			if sent := s.heartbeatSentAt.Load(); sent > 0 {
				rtt := time.Since(time.Unix(0, sent))
				s.latency.Store(int64(rtt))
				metrics.HeartbeatLatency.WithLabelValues(strconv.Itoa(s.cfg.ShardID)).Observe(rtt.Seconds())
			}
			s.heartbeatOutstanding.Store(false)
		case OpReconnect:
			return connected, errReconnectRequest
		case OpInvalidSession:
			var resumable bool
			_ = json.Unmarshal(env.Data, &resumable)
			return connected, &invalidSessionError{resumable: resumable}
		case OpHello:
			return connected, errUnexpectedHello
		default:
			s.log.Debug("Ignoring unrecognized opcode", "op", int(env.Op))
		}
	}
}

// handleDispatch forwards a dispatch event and reports whether it completed
// the handshake (READY or RESUMED).
func (s *Session) handleDispatch(ctx context.Context, env *Envelope) (bool, error) {
	var seq int64
	if env.Sequence != nil {
		seq = *env.Sequence
	}

	completed := false
	switch env.Type {
	case "READY":
		var ready readyData
		if err := json.Unmarshal(env.Data, &ready); err != nil {
			s.log.Warn("Malformed READY payload", "error", err)
		}
		s.mu.Lock()
		s.sessionID = ready.SessionID
		s.resumeURL = ready.ResumeGatewayURL
		s.mu.Unlock()
		completed = true
		s.log.Info("Shard ready", "session_id", ready.SessionID)
	case "RESUMED":
		completed = true
		s.log.Info("Shard resumed", "sequence", seq)
	}
	if completed {
		s.setState(StateConnected)
	}

	metrics.GatewayEventsTotal.WithLabelValues(env.Type).Inc()
	event := Event{ShardID: s.cfg.ShardID, Type: env.Type, Sequence: seq, Data: env.Data}
	select {
	case s.events <- event:
	case <-ctx.Done():
		return completed, context.Cause(ctx)
	}

	// Only advance after delivery so a resume replays anything undelivered.
	s.advanceSequence(seq)
	return completed, nil
}

func (s *Session) advanceSequence(seq int64) {
	for {
		cur := s.seq.Load()
		if seq <= cur || s.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (s *Session) startHeartbeat(ctx context.Context, interval time.Duration, fail context.CancelCauseFunc) {
	s.stopHeartbeat()

	hbCtx, cancel := context.WithCancel(ctx)
	h := &heartbeatHandle{cancel: cancel, done: make(chan struct{})}
	s.heartbeatOutstanding.Store(false)
	s.heartbeat = h

	go func() {
		defer close(h.done)
		s.heartbeatLoop(hbCtx, interval, fail)
	}()
}

// stopHeartbeat cancels the running heartbeat loop and waits for it to exit.
func (s *Session) stopHeartbeat() {
	if s.heartbeat == nil {
		return
	}
	s.heartbeat.cancel()
	<-s.heartbeat.done
	s.heartbeat = nil
}

func (s *Session) heartbeatLoop(ctx context.Context, interval time.Duration, fail context.CancelCauseFunc) {
	timer := time.NewTimer(time.Duration(rand.Float64() * float64(interval)))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if s.heartbeatOutstanding.Load() {
			s.log.Warn("Heartbeat not acknowledged, connection is a zombie")
			fail(errZombieConnection)
			return
		}
		if err := s.sendHeartbeat(); err != nil {
			fail(fmt.Errorf("send heartbeat: %w", err))
			return
		}
		timer.Reset(interval)
	}
}

func (s *Session) sendHeartbeat() error {
	s.heartbeatSentAt.Store(time.Now().UnixNano())
	s.heartbeatOutstanding.Store(true)
	return s.send(newHeartbeat(s.seq.Load()))
}

func (s *Session) send(p outgoing) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.writeRaw(data)
}

func (s *Session) writeRaw(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn := s.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(data)
}

func (s *Session) setConn(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Session) currentConn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) canResume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID != "" && s.seq.Load() > 0
}

// resetSession forgets resume state so the next connection identifies.
func (s *Session) resetSession() {
	s.mu.Lock()
	s.sessionID = ""
	s.resumeURL = ""
	s.mu.Unlock()
	s.seq.Store(0)
}

func (s *Session) connectURL(resume bool) string {
	base := s.cfg.URL
	if resume {
		s.mu.Lock()
		if s.resumeURL != "" {
			base = s.resumeURL
		}
		s.mu.Unlock()
	}
	return ConnectURL(base, s.cfg.Version)
}

func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	shard := strconv.Itoa(s.cfg.ShardID)
	metrics.ShardState.WithLabelValues(shard, from.String()).Set(0)
	metrics.ShardState.WithLabelValues(shard, to.String()).Set(1)
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(s.cfg.ShardID, from, to)
	}
}

// ConnectURL builds the websocket URL for a gateway base address.
func ConnectURL(base string, version int) string {
	if base == "" {
		base = "wss://gateway.discord.gg"
	}
	if version <= 0 {
		version = 10
	}
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	return fmt.Sprintf("%s/?v=%d&encoding=json", strings.TrimRight(base, "/"), version)
}

// IsTerminal reports whether err ended a session for good.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrTerminalClose)
}
