package gateway

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// Opcode identifies the kind of a gateway payload.
type Opcode int

const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

func (op Opcode) String() string {
	switch op {
	case OpDispatch:
		return "dispatch"
	case OpHeartbeat:
		return "heartbeat"
	case OpIdentify:
		return "identify"
	case OpPresenceUpdate:
		return "presence_update"
	case OpVoiceStateUpdate:
		return "voice_state_update"
	case OpResume:
		return "resume"
	case OpReconnect:
		return "reconnect"
	case OpRequestGuildMembers:
		return "request_guild_members"
	case OpInvalidSession:
		return "invalid_session"
	case OpHello:
		return "hello"
	case OpHeartbeatAck:
		return "heartbeat_ack"
	default:
		return fmt.Sprintf("unknown(%d)", int(op))
	}
}

// Envelope is the wire unit exchanged with the gateway.
type Envelope struct {
	Op       Opcode          `json:"op"`
	Data     json.RawMessage `json:"d"`
	Sequence *int64          `json:"s,omitempty"`
	Type     string          `json:"t,omitempty"`
}

// DecodeEnvelope parses one gateway frame.
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode gateway payload: %w", err)
	}
	return &env, nil
}

// Event is a dispatch event as it leaves a session.
type Event struct {
	ShardID  int
	Type     string
	Sequence int64
	Data     json.RawMessage
}

type outgoing struct {
	Op   Opcode `json:"op"`
	Data any    `json:"d"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type readyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyData struct {
	Token          string             `json:"token"`
	Intents        uint64             `json:"intents"`
	Properties     identifyProperties `json:"properties"`
	Compress       bool               `json:"compress"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Shard          [2]int             `json:"shard"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

func newIdentify(cfg Config) outgoing {
	return outgoing{
		Op: OpIdentify,
		Data: identifyData{
			Token:   cfg.Token,
			Intents: cfg.Intents,
			Properties: identifyProperties{
				OS:      runtime.GOOS,
				Browser: "rateway",
				Device:  "rateway",
			},
			Compress:       cfg.Compress,
			LargeThreshold: cfg.LargeThreshold,
			Shard:          [2]int{cfg.ShardID, cfg.ShardCount},
		},
	}
}

func newResume(token, sessionID string, seq int64) outgoing {
	return outgoing{
		Op:   OpResume,
		Data: resumeData{Token: token, SessionID: sessionID, Sequence: seq},
	}
}

// newHeartbeat carries the last sequence, or null before any dispatch.
func newHeartbeat(seq int64) outgoing {
	if seq <= 0 {
		return outgoing{Op: OpHeartbeat, Data: nil}
	}
	return outgoing{Op: OpHeartbeat, Data: seq}
}
