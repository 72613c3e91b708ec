// Package bridge connects a cluster to the message bus. Every dispatch event
// is published to the cluster's exchange under its event type, and the
// cluster's incoming queue carries gateway commands and cache queries back.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/IdleRPGBot/rateway/cache"
	"github.com/IdleRPGBot/rateway/gateway"
	"github.com/IdleRPGBot/rateway/logger"
	"github.com/IdleRPGBot/rateway/pkg/metrics"
)

const (
	RoutingKeyCache   = "cache"
	RoutingKeyGateway = "gateway"

	HeaderShardID = "shard_id"
	HeaderStatus  = "status"

	StatusFound    = "found"
	StatusNotFound = "not_found"
	StatusError    = "error"
)

// ErrConsumerClosed is returned when the broker closes the delivery stream.
var ErrConsumerClosed = errors.New("amqp consumer channel closed")

// Channel is the part of *amqp.Channel the bridge uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// EntityCache is updated from events and answers queries. A nil EntityCache
// means caching is disabled.
type EntityCache interface {
	Update(eventType string, data json.RawMessage) error
	Query(kind cache.Kind, args []uint64) (json.RawMessage, error)
}

// Commander forwards raw gateway commands to a shard.
type Commander interface {
	Command(ctx context.Context, shardID int, payload []byte) error
}

func ExchangeName(clusterID int) string { return fmt.Sprintf("rateway-%d", clusterID) }
func QueueName(clusterID int) string { return fmt.Sprintf("rateway-incoming-%d", clusterID) }

// Bridge runs the publisher and the incoming-queue reader of one cluster.
type Bridge struct {
	clusterID int
	label     string
	exchange  string
	queue     string
	ch        Channel
	entities  EntityCache
	commands  Commander
	log       *slog.Logger
}

func New(clusterID int, ch Channel, entities EntityCache, commands Commander) *Bridge {
	return &Bridge{
		clusterID: clusterID,
		label:     strconv.Itoa(clusterID),
		exchange:  ExchangeName(clusterID),
		queue:     QueueName(clusterID),
		ch:        ch,
		entities:  entities,
		commands:  commands,
		log:       logger.With("cluster", clusterID, "component", "bridge"),
	}
}

// Declare creates the cluster's exchange and incoming queue and binds the
// queue to the cache and gateway routing keys.
func (b *Bridge) Declare() error {
	if err := b.ch.ExchangeDeclare(b.exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", b.exchange, err)
	}
	if _, err := b.ch.QueueDeclare(b.queue, false, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", b.queue, err)
	}
	for _, key := range []string{RoutingKeyCache, RoutingKeyGateway} {
		if err := b.ch.QueueBind(b.queue, key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", b.queue, key, err)
		}
	}
	b.log.Info("Declared bus topology", "exchange", b.exchange, "queue", b.queue)
	return nil
}

// Run declares the topology, then publishes events and consumes the
// incoming queue until ctx ends or either side fails.
func (b *Bridge) Run(ctx context.Context, events <-chan gateway.Event) error {
	if err := b.Declare(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Publish(gctx, events) })
	g.Go(func() error { return b.Consume(gctx) })
	return g.Wait()
}

// Publish applies each event to the cache and then publishes its payload.
// It returns nil once events is closed; a failed publish is returned as is.
func (b *Bridge) Publish(ctx context.Context, events <-chan gateway.Event) error {
	for {
		var (
			ev gateway.Event
			ok bool
		)
		select {
		case <-ctx.Done():
			return nil
		case ev, ok = <-events:
			if !ok {
				return nil
			}
		}

		if b.entities != nil {
			if err := b.entities.Update(ev.Type, ev.Data); err != nil {
				b.log.Warn("Cache update failed", "shard", ev.ShardID, "event", ev.Type, "error", err)
			}
		}
		if err := b.publishEvent(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("publish %s from shard %d: %w", ev.Type, ev.ShardID, err)
		}
	}
}

func (b *Bridge) publishEvent(ctx context.Context, ev gateway.Event) error {
	body := []byte(ev.Data)
	if len(body) == 0 {
		body = []byte("null")
	}
	start := time.Now()
	err := b.ch.PublishWithContext(ctx, b.exchange, ev.Type, false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   uuid.NewString(),
		Timestamp:   start,
		Headers:     amqp.Table{HeaderShardID: int64(ev.ShardID)},
		Body:        body,
	})
	metrics.BusPublishDuration.WithLabelValues(b.label).Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	metrics.BusPublishedTotal.WithLabelValues(b.label, "event").Inc()
	return nil
}

// Consume reads the incoming queue. Every delivery is acknowledged before it
// is handled, so a crash mid-handling loses that message rather than
// redelivering it.
func (b *Bridge) Consume(ctx context.Context) error {
	deliveries, err := b.ch.Consume(b.queue, fmt.Sprintf("rateway-%d-%s", b.clusterID, uuid.NewString()[:8]), false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", b.queue, err)
	}
	b.log.Info("Consuming incoming queue", "queue", b.queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%s: %w", b.queue, ErrConsumerClosed)
			}
			if err := d.Ack(false); err != nil {
				b.log.Warn("Failed to ack delivery", "tag", d.DeliveryTag, "error", err)
			}
			result := b.handle(ctx, d)
			metrics.BusDeliveriesTotal.WithLabelValues(b.label, routingKeyLabel(d.RoutingKey), result).Inc()
		}
	}
}

func routingKeyLabel(key string) string {
	switch key {
	case RoutingKeyCache, RoutingKeyGateway:
		return key
	default:
		return "other"
	}
}

func (b *Bridge) handle(ctx context.Context, d amqp.Delivery) string {
	switch d.RoutingKey {
	case RoutingKeyCache:
		return b.handleCacheRequest(ctx, d)
	case RoutingKeyGateway:
		return b.handleCommand(ctx, d)
	default:
		b.log.Debug("Dropping delivery with unknown routing key", "routing_key", d.RoutingKey)
		return "dropped"
	}
}

func (b *Bridge) handleCommand(ctx context.Context, d amqp.Delivery) string {
	raw, ok := d.Headers[HeaderShardID]
	if !ok {
		b.log.Warn("Dropping gateway command without shard_id header")
		return "malformed"
	}
	shardID, err := ParseShardID(raw)
	if err != nil {
		b.log.Warn("Dropping gateway command with bad shard_id header", "value", raw, "error", err)
		return "malformed"
	}

	err = b.commands.Command(ctx, shardID, d.Body)
	switch {
	case err == nil:
		metrics.CommandsTotal.WithLabelValues("sent").Inc()
		return "ok"
	case errors.Is(err, gateway.ErrNotConnected):
		metrics.CommandsTotal.WithLabelValues("not_connected").Inc()
		b.log.Warn("Dropping gateway command for disconnected shard", "shard", shardID)
		return "unroutable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		metrics.CommandsTotal.WithLabelValues("cancelled").Inc()
		return "cancelled"
	default:
		metrics.CommandsTotal.WithLabelValues("error").Inc()
		b.log.Warn("Gateway command failed", "shard", shardID, "error", err)
		return "unroutable"
	}
}
