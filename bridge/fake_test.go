package bridge

import (
	"context"
	"encoding/json"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/IdleRPGBot/rateway/cache"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// fakeChannel records topology and publishes and serves deliveries from a
// test-controlled channel.
type fakeChannel struct {
	mu         sync.Mutex
	exchanges  []string
	queues     []string
	bindings   []string
	published  []published
	publishErr error
	journal    *journal

	deliveries chan amqp.Delivery
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, name+"/"+kind)
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues = append(f.queues, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, exchange+"->"+name+":"+key)
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	f.journal.add("publish:" + key)
	return nil
}

func (f *fakeChannel) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

// journal records the interleaving of cache updates and publishes.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.entries = append(j.entries, entry)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type journaledCache struct {
	*cache.Cache
	journal *journal
}

func (c journaledCache) Update(eventType string, data json.RawMessage) error {
	c.journal.add("update:" + eventType)
	return c.Cache.Update(eventType, data)
}

type ackRecorder struct {
	mu   sync.Mutex
	acks []uint64
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	a.acks = append(a.acks, tag)
	a.mu.Unlock()
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple, requeue bool) error { return nil }
func (a *ackRecorder) Reject(tag uint64, requeue bool) error         { return nil }

func (a *ackRecorder) acked(tag uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.acks {
		if t == tag {
			return true
		}
	}
	return false
}

type command struct {
	shard   int
	payload string
	acked   bool
}

type fakeCommander struct {
	mu       sync.Mutex
	commands []command
	acks     *ackRecorder
	tag      func() uint64
	err      error
}

func (c *fakeCommander) Command(_ context.Context, shardID int, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := command{shard: shardID, payload: string(payload)}
	if c.acks != nil && c.tag != nil {
		cmd.acked = c.acks.acked(c.tag())
	}
	c.commands = append(c.commands, cmd)
	return c.err
}

func (c *fakeCommander) received() []command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]command(nil), c.commands...)
}
