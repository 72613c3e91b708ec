package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/IdleRPGBot/rateway/cache"
	"github.com/IdleRPGBot/rateway/pkg/metrics"
)

// CacheRequest asks for one cached entity. The answer is published to the
// cluster's exchange under ReturnRoutingKey.
type CacheRequest struct {
	Type             cache.Kind        `json:"type"`
	Arguments        []cache.Snowflake `json:"arguments"`
	ReturnRoutingKey string            `json:"return_routing_key"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (b *Bridge) handleCacheRequest(ctx context.Context, d amqp.Delivery) string {
	var req CacheRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		b.log.Warn("Dropping malformed cache request", "error", err)
		return "malformed"
	}
	if req.ReturnRoutingKey == "" {
		b.log.Warn("Dropping cache request without return_routing_key", "type", req.Type)
		return "malformed"
	}

	status, body := b.resolve(req)
	metrics.CacheQueriesTotal.WithLabelValues(string(req.Type), status).Inc()

	err := b.ch.PublishWithContext(ctx, b.exchange, req.ReturnRoutingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		MessageId:     uuid.NewString(),
		CorrelationId: d.CorrelationId,
		Headers:       amqp.Table{HeaderStatus: status},
		Body:          body,
	})
	if err != nil {
		b.log.Error("Failed to publish cache response", "routing_key", req.ReturnRoutingKey, "error", err)
		return "error"
	}
	metrics.BusPublishedTotal.WithLabelValues(b.label, "cache_response").Inc()
	return "ok"
}

// resolve answers req with a status header value and a response body.
func (b *Bridge) resolve(req CacheRequest) (string, []byte) {
	if b.entities == nil {
		return StatusError, mustJSON(errorBody{Error: "cache_disabled"})
	}
	args := make([]uint64, len(req.Arguments))
	for i, a := range req.Arguments {
		args[i] = uint64(a)
	}

	data, err := b.entities.Query(req.Type, args)
	switch {
	case err == nil:
		return StatusFound, data
	case errors.Is(err, cache.ErrNotFound):
		return StatusNotFound, mustJSON(errorBody{Error: "not_found"})
	default:
		return StatusError, mustJSON(errorBody{Error: err.Error()})
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"internal"}`)
	}
	return data
}

// ParseShardID reads a shard_id header. Publishers send it as any AMQP
// integer width, and some send it as a decimal string.
func ParseShardID(v any) (int, error) {
	var id int64
	switch n := v.(type) {
	case int8:
		id = int64(n)
	case int16:
		id = int64(n)
	case int32:
		id = int64(n)
	case int64:
		id = n
	case int:
		id = int64(n)
	case uint8:
		id = int64(n)
	case uint16:
		id = int64(n)
	case uint32:
		id = int64(n)
	case uint64:
		if n > math.MaxInt32 {
			return 0, fmt.Errorf("shard id %d out of range", n)
		}
		id = int64(n)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("shard id %q is not a number", n)
		}
		id = parsed
	case []byte:
		return ParseShardID(string(n))
	default:
		return 0, fmt.Errorf("unsupported shard id type %T", v)
	}
	if id < 0 || id > math.MaxInt32 {
		return 0, fmt.Errorf("shard id %d out of range", id)
	}
	return int(id), nil
}
