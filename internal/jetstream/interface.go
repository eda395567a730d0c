package jetstream

import (
	"context"

	"github.com/nats-io/nats.go"
)

// ClientInterface is the JetStream surface used by triggers and event publishing.
type ClientInterface interface {
	// SetupStream creates the stream, or updates it when the stored config differs.
	SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error

	// SetupConsumer creates the durable consumer on streamName, recreating it when the config differs.
	SetupConsumer(ctx context.Context, streamName string, consumerConfig *nats.ConsumerConfig) error

	// SubscribePush binds a queue subscription to an existing push consumer.
	SubscribePush(subject, consumer, group, stream string, handler nats.MsgHandler) (*nats.Subscription, error)

	// Publish publishes a message to a subject with optional headers.
	Publish(subject string, data []byte, headers map[string]string) error

	// Close drains and closes the NATS connection.
	Close()

	// NatsConn returns the underlying *nats.Conn
	NatsConn() *nats.Conn
}
