package gateway

import (
	"errors"
	"fmt"
)

// Gateway close codes.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// Action is what a session does after its connection ends.
type Action int

const (
	// ActionResume reconnects and resumes the existing session.
	ActionResume Action = iota
	// ActionReidentify reconnects with cleared state and a fresh Identify.
	ActionReidentify
	// ActionTerminal closes the session for good.
	ActionTerminal
)

func (a Action) String() string {
	switch a {
	case ActionResume:
		return "resume"
	case ActionReidentify:
		return "reidentify"
	case ActionTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

var ErrTerminalClose = errors.New("gateway closed the session with a non-recoverable code")

// ClassifyCloseCode maps a close code to the session's next action.
// Codes outside the gateway range (going away, abnormal closure, restarts)
// are resumable.
func ClassifyCloseCode(code int) Action {
	switch code {
	case CloseAuthenticationFailed,
		CloseInvalidShard,
		CloseShardingRequired,
		CloseInvalidAPIVersion,
		CloseInvalidIntents,
		CloseDisallowedIntents:
		return ActionTerminal
	case CloseUnknownError,
		CloseUnknownOpcode,
		CloseDecodeError,
		CloseNotAuthenticated,
		CloseAlreadyAuthenticated,
		CloseInvalidSeq,
		CloseRateLimited,
		CloseSessionTimedOut:
		return ActionReidentify
	default:
		return ActionResume
	}
}

// CloseError is returned by Conn.ReadMessage when the peer sent a close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("gateway closed connection with code %d", e.Code)
	}
	return fmt.Sprintf("gateway closed connection with code %d: %s", e.Code, e.Reason)
}

// Is lets errors.Is(err, ErrTerminalClose) match terminal close frames.
func (e *CloseError) Is(target error) bool {
	return target == ErrTerminalClose && ClassifyCloseCode(e.Code) == ActionTerminal
}

var (
	ErrNotConnected     = errors.New("shard is not connected")
	errZombieConnection = errors.New("no heartbeat ack received since last heartbeat")
	errReconnectRequest = errors.New("gateway requested reconnect")
	errUnexpectedHello  = errors.New("unexpected hello on established connection")
	errMalformedFrame   = errors.New("malformed gateway frame")
)

type invalidSessionError struct {
	resumable bool
}

func (e *invalidSessionError) Error() string {
	return fmt.Sprintf("gateway invalidated session (resumable=%t)", e.resumable)
}

type dialError struct {
	err error
}

func (e *dialError) Error() string { return "dial gateway: " + e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

// nextAction decides how a session continues after a connection ended with
// err, and returns a short reason label for metrics.
func nextAction(err error) (Action, string) {
	var closeErr *CloseError
	var invalid *invalidSessionError
	var dialErr *dialError
	switch {
	case errors.As(err, &closeErr):
		return ClassifyCloseCode(closeErr.Code), fmt.Sprintf("close_%d", closeErr.Code)
	case errors.As(err, &invalid):
		if invalid.resumable {
			return ActionResume, "invalid_session"
		}
		return ActionReidentify, "invalid_session"
	case errors.Is(err, errZombieConnection):
		return ActionResume, "zombie"
	case errors.Is(err, errReconnectRequest):
		return ActionResume, "reconnect_requested"
	case errors.Is(err, errUnexpectedHello):
		return ActionResume, "unexpected_hello"
	case errors.As(err, &dialErr):
		return ActionResume, "dial"
	default:
		return ActionResume, "transport"
	}
}
