package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IdleRPGBot/rateway/cache"
	"github.com/IdleRPGBot/rateway/cluster"
	"github.com/IdleRPGBot/rateway/gateway"
)

func TestDeclareTopology(t *testing.T) {
	ch := newFakeChannel()
	b := New(2, ch, nil, &fakeCommander{})
	require.NoError(t, b.Declare())

	assert.Equal(t, []string{"rateway-2/direct"}, ch.exchanges)
	assert.Equal(t, []string{"rateway-incoming-2"}, ch.queues)
	assert.Equal(t, []string{
		"rateway-2->rateway-incoming-2:cache",
		"rateway-2->rateway-incoming-2:gateway",
	}, ch.bindings)
}

func TestPublishEvents(t *testing.T) {
	ch := newFakeChannel()
	b := New(1, ch, nil, &fakeCommander{})

	events := make(chan gateway.Event, 2)
	events <- gateway.Event{ShardID: 3, Type: "MESSAGE_CREATE", Sequence: 10, Data: json.RawMessage(`{"id":"1"}`)}
	events <- gateway.Event{ShardID: 3, Type: "RESUMED", Sequence: 11}
	close(events)

	require.NoError(t, b.Publish(context.Background(), events))

	sent := ch.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "rateway-1", sent[0].exchange)
	assert.Equal(t, "MESSAGE_CREATE", sent[0].key)
	assert.JSONEq(t, `{"id":"1"}`, string(sent[0].msg.Body))
	assert.Equal(t, "application/json", sent[0].msg.ContentType)
	assert.Equal(t, int64(3), sent[0].msg.Headers[HeaderShardID])
	assert.NotEmpty(t, sent[0].msg.MessageId)
	assert.NotEqual(t, sent[0].msg.MessageId, sent[1].msg.MessageId)
	assert.Equal(t, "null", string(sent[1].msg.Body))
}

func TestPublishUpdatesCacheFirst(t *testing.T) {
	j := &journal{}
	ch := newFakeChannel()
	ch.journal = j
	entities := journaledCache{Cache: cache.New(10), journal: j}
	b := New(1, ch, entities, &fakeCommander{})

	events := make(chan gateway.Event, 3)
	events <- gateway.Event{Type: "GUILD_CREATE", Data: json.RawMessage(`{"id":"123","name":"a"}`)}
	events <- gateway.Event{Type: "GUILD_UPDATE", Data: json.RawMessage(`{"id":"123","name":"b"}`)}
	events <- gateway.Event{Type: "TYPING_START", Data: json.RawMessage(`{}`)}
	close(events)
	require.NoError(t, b.Publish(context.Background(), events))

	assert.Equal(t, []string{
		"update:GUILD_CREATE", "publish:GUILD_CREATE",
		"update:GUILD_UPDATE", "publish:GUILD_UPDATE",
		"update:TYPING_START", "publish:TYPING_START",
	}, j.list())

	data, err := entities.Query(cache.KindGuild, []uint64{123})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"b"`)
}

func TestPublishFailureIsFatal(t *testing.T) {
	ch := newFakeChannel()
	ch.publishErr = amqp.ErrClosed
	b := New(1, ch, nil, &fakeCommander{})

	events := make(chan gateway.Event, 1)
	events <- gateway.Event{ShardID: 0, Type: "READY", Data: json.RawMessage(`{}`)}

	err := b.Publish(context.Background(), events)
	require.Error(t, err)
	assert.ErrorIs(t, err, amqp.ErrClosed)
}

// runConsumer starts Consume and returns a stop function that waits for it.
func runConsumer(t *testing.T, b *Bridge) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Consume(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
			return nil
		}
	}
}

func cacheDelivery(acks amqp.Acknowledger, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: acks, DeliveryTag: tag, RoutingKey: RoutingKeyCache, Body: []byte(body)}
}

func TestCacheQueryRoundTrip(t *testing.T) {
	entities := cache.New(10)
	require.NoError(t, entities.Update("GUILD_CREATE", json.RawMessage(`{"id":"123","name":"Idle Realm"}`)))

	ch := newFakeChannel()
	acks := &ackRecorder{}
	b := New(1, ch, entities, &fakeCommander{})
	stop := runConsumer(t, b)

	ch.deliveries <- cacheDelivery(acks, 1, `{"type":"Guild","arguments":[123],"return_routing_key":"guild-123"}`)
	ch.deliveries <- cacheDelivery(acks, 2, `{"type":"Guild","arguments":[999],"return_routing_key":"guild-999"}`)
	ch.deliveries <- cacheDelivery(acks, 3, `{"type":"Member","arguments":[1],"return_routing_key":"member"}`)

	require.Eventually(t, func() bool { return len(ch.sent()) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	sent := ch.sent()

	assert.Equal(t, "rateway-1", sent[0].exchange)
	assert.Equal(t, "guild-123", sent[0].key)
	assert.Equal(t, StatusFound, sent[0].msg.Headers[HeaderStatus])
	var guild map[string]any
	require.NoError(t, json.Unmarshal(sent[0].msg.Body, &guild))
	assert.Equal(t, "Idle Realm", guild["name"])

	assert.Equal(t, "guild-999", sent[1].key)
	assert.Equal(t, StatusNotFound, sent[1].msg.Headers[HeaderStatus])
	assert.JSONEq(t, `{"error":"not_found"}`, string(sent[1].msg.Body))

	assert.Equal(t, StatusError, sent[2].msg.Headers[HeaderStatus])
	assert.Contains(t, string(sent[2].msg.Body), "wrong number of arguments")

	for tag := uint64(1); tag <= 3; tag++ {
		assert.True(t, acks.acked(tag))
	}
}

func TestUnanswerableCacheQueryGetsErrorReply(t *testing.T) {
	ch := newFakeChannel()
	acks := &ackRecorder{}
	b := New(1, ch, cache.New(10), &fakeCommander{})
	stop := runConsumer(t, b)

	ch.deliveries <- cacheDelivery(acks, 1, `{"type":"Sticker","arguments":[1],"return_routing_key":"sticker"}`)
	ch.deliveries <- cacheDelivery(acks, 2, `{"type":"Guild","arguments":[1]}`)
	ch.deliveries <- cacheDelivery(acks, 3, `{"type":"Guild","arguments":[1],"return_routing_key":"after"}`)

	require.Eventually(t, func() bool { return len(ch.sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	sent := ch.sent()

	assert.Equal(t, "sticker", sent[0].key)
	assert.Equal(t, StatusError, sent[0].msg.Headers[HeaderStatus])
	assert.Contains(t, string(sent[0].msg.Body), "unknown entity kind")
	// No return key means no reply at all.
	assert.Equal(t, "after", sent[1].key)
	assert.Equal(t, StatusNotFound, sent[1].msg.Headers[HeaderStatus])
}

func TestCacheQueryWhenDisabled(t *testing.T) {
	ch := newFakeChannel()
	b := New(1, ch, nil, &fakeCommander{})
	stop := runConsumer(t, b)

	ch.deliveries <- cacheDelivery(&ackRecorder{}, 1, `{"type":"Guild","arguments":[123],"return_routing_key":"r"}`)
	require.Eventually(t, func() bool { return len(ch.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, StatusError, ch.sent()[0].msg.Headers[HeaderStatus])
	assert.JSONEq(t, `{"error":"cache_disabled"}`, string(ch.sent()[0].msg.Body))
}

func TestMalformedDeliveriesAreDropped(t *testing.T) {
	ch := newFakeChannel()
	acks := &ackRecorder{}
	commander := &fakeCommander{}
	b := New(1, ch, cache.New(10), commander)
	stop := runConsumer(t, b)

	ch.deliveries <- cacheDelivery(acks, 1, `{"type":`)
	ch.deliveries <- cacheDelivery(acks, 2, `{"type":"Guild","arguments":[1]}`)
	ch.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 3, RoutingKey: RoutingKeyGateway, Body: []byte(`{}`)}
	ch.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 4, RoutingKey: RoutingKeyGateway,
		Headers: amqp.Table{HeaderShardID: "five"}, Body: []byte(`{}`)}
	ch.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 5, RoutingKey: "MESSAGE_CREATE", Body: []byte(`{}`)}
	// The loop survives all of the above.
	ch.deliveries <- cacheDelivery(acks, 6, `{"type":"Guild","arguments":[1],"return_routing_key":"r"}`)

	require.Eventually(t, func() bool { return acks.acked(6) && len(ch.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	assert.Empty(t, commander.received())
	for tag := uint64(1); tag <= 5; tag++ {
		assert.True(t, acks.acked(tag), "delivery %d acked", tag)
	}
}

func TestGatewayCommandRouting(t *testing.T) {
	ch := newFakeChannel()
	acks := &ackRecorder{}
	var currentTag atomic.Uint64
	commander := &fakeCommander{acks: acks, tag: currentTag.Load}
	b := New(1, ch, nil, commander)
	stop := runConsumer(t, b)

	send := func(tag uint64, shard any, body string) {
		currentTag.Store(tag)
		ch.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: tag, RoutingKey: RoutingKeyGateway,
			Headers: amqp.Table{HeaderShardID: shard}, Body: []byte(body)}
		require.Eventually(t, func() bool { return len(commander.received()) == int(tag) }, 2*time.Second, 5*time.Millisecond)
	}
	send(1, int16(5), `{"op":3,"d":{"status":"idle"}}`)
	send(2, "7", `{"op":4}`)
	send(3, int64(99), `{"op":8}`)
	require.NoError(t, stop())

	got := commander.received()
	assert.Equal(t, 5, got[0].shard)
	assert.Equal(t, `{"op":3,"d":{"status":"idle"}}`, got[0].payload)
	assert.Equal(t, 7, got[1].shard)
	assert.Equal(t, 99, got[2].shard)
	for _, c := range got {
		assert.True(t, c.acked, "delivery must be acked before the command is forwarded")
	}
}

func TestGatewayCommandThroughCluster(t *testing.T) {
	c := cluster.New(cluster.Config{Range: cluster.Range{ID: 1, First: 0, Last: 7}, TotalShards: 8}, nil, nil)
	ch := newFakeChannel()
	acks := &ackRecorder{}
	b := New(1, ch, nil, c)
	stop := runConsumer(t, b)

	// Neither command reaches a socket: shard 5 is not connected and
	// shard 99 belongs to no session of this cluster.
	ch.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 1, RoutingKey: RoutingKeyGateway,
		Headers: amqp.Table{HeaderShardID: int32(5)}, Body: []byte(`{"op":3}`)}
	ch.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 2, RoutingKey: RoutingKeyGateway,
		Headers: amqp.Table{HeaderShardID: int32(99)}, Body: []byte(`{"op":3}`)}
	require.Eventually(t, func() bool { return acks.acked(2) }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
}

func TestConsumerChannelClosedIsFatal(t *testing.T) {
	ch := newFakeChannel()
	b := New(4, ch, nil, &fakeCommander{})
	close(ch.deliveries)

	err := b.Consume(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConsumerClosed))
	assert.Contains(t, err.Error(), "rateway-incoming-4")
}

func TestRunStopsWithContext(t *testing.T) {
	ch := newFakeChannel()
	b := New(1, ch, nil, &fakeCommander{})
	events := make(chan gateway.Event)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, events) }()
	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return len(ch.bindings) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop")
	}
}

func TestParseShardID(t *testing.T) {
	valid := []any{int8(3), int16(3), int32(3), int64(3), 3, uint8(3), uint16(3), uint32(3), uint64(3), "3", " 3 ", []byte("3")}
	for _, v := range valid {
		id, err := ParseShardID(v)
		require.NoError(t, err, "%T", v)
		assert.Equal(t, 3, id, "%T", v)
	}

	invalid := []any{nil, "x", int64(-1), uint64(1 << 40), 3.5, true, amqp.Table{}}
	for _, v := range invalid {
		_, err := ParseShardID(v)
		assert.Error(t, err, "%T %v", v, v)
	}
}

func TestCheckConnection(t *testing.T) {
	assert.Error(t, CheckConnection(nil))
	assert.Error(t, CheckConnection(closedConn(true)))
	assert.NoError(t, CheckConnection(closedConn(false)))
}

type closedConn bool

func (c closedConn) IsClosed() bool { return bool(c) }
