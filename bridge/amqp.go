package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/IdleRPGBot/rateway/logger"
	"github.com/IdleRPGBot/rateway/pkg/retry"
)

// DialConfig is the retry policy for the initial broker connection.
var DialConfig = retry.BackoffConfig{
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
	Multiplier:      2.0,
	Jitter:          true,
	MaxRetries:      8,
}

// Dial connects to the broker at uri, retrying transient failures. Refused
// credentials are not retried.
func Dial(ctx context.Context, uri string, config retry.BackoffConfig) (*amqp.Connection, error) {
	var conn *amqp.Connection
	err := retry.WithRetry(ctx, func() error {
		c, err := amqp.DialConfig(uri, amqp.Config{
			Heartbeat:  10 * time.Second,
			Locale:     "en_US",
			Properties: amqp.Table{"connection_name": "rateway"},
		})
		if err != nil {
			var amqpErr *amqp.Error
			if errors.As(err, &amqpErr) && amqpErr.Code == amqp.AccessRefused {
				return retry.Stop(err)
			}
			logger.Warn("AMQP connection failed", "error", err)
			return err
		}
		conn = c
		return nil
	}, config)
	if err != nil {
		return nil, fmt.Errorf("connect to amqp broker: %w", err)
	}
	logger.Info("Connected to AMQP broker")
	return conn, nil
}

// Connection is the part of *amqp.Connection the health check needs.
type Connection interface {
	IsClosed() bool
}

// CheckConnection reports an error when the broker connection is gone.
func CheckConnection(conn Connection) error {
	if conn == nil || conn.IsClosed() {
		return errors.New("amqp connection is closed")
	}
	return nil
}
