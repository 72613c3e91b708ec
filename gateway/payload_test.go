package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"op":0,"d":{"id":"1"},"s":42,"t":"GUILD_CREATE"}`))
	require.NoError(t, err)
	assert.Equal(t, OpDispatch, env.Op)
	require.NotNil(t, env.Sequence)
	assert.Equal(t, int64(42), *env.Sequence)
	assert.Equal(t, "GUILD_CREATE", env.Type)
	assert.JSONEq(t, `{"id":"1"}`, string(env.Data))

	env, err = DecodeEnvelope([]byte(`{"op":11,"d":null,"s":null,"t":null}`))
	require.NoError(t, err)
	assert.Equal(t, OpHeartbeatAck, env.Op)
	assert.Nil(t, env.Sequence)

	_, err = DecodeEnvelope([]byte(`{"op":`))
	assert.Error(t, err)
}

func TestHeartbeatPayload(t *testing.T) {
	data, err := json.Marshal(newHeartbeat(0))
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":1,"d":null}`, string(data))

	data, err = json.Marshal(newHeartbeat(251))
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":1,"d":251}`, string(data))
}

func TestIdentifyAndResumePayloads(t *testing.T) {
	cfg := testConfig(3)
	cfg.ShardCount = 16
	cfg.LargeThreshold = 100
	data, err := json.Marshal(newIdentify(cfg))
	require.NoError(t, err)

	var env struct {
		Op Opcode `json:"op"`
		D  struct {
			Token          string         `json:"token"`
			Intents        uint64         `json:"intents"`
			Shard          []int          `json:"shard"`
			LargeThreshold int            `json:"large_threshold"`
			Properties     map[string]any `json:"properties"`
		} `json:"d"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, OpIdentify, env.Op)
	assert.Equal(t, []int{3, 16}, env.D.Shard)
	assert.Equal(t, 100, env.D.LargeThreshold)
	assert.Equal(t, "rateway", env.D.Properties["browser"])

	data, err = json.Marshal(newResume("token", "abc", 9))
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":6,"d":{"token":"token","session_id":"abc","seq":9}}`, string(data))
}

func TestOpcodeString(t *testing.T) {
	assert.Equal(t, "hello", OpHello.String())
	assert.Equal(t, "unknown(5)", Opcode(5).String())
}
