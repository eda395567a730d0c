package jetstream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
)

const connectRetryElapsed = 30 * time.Second

// Client wraps NATS JetStream functionality
type Client struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Ensure Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

// NewClient connects to NATS, retrying the initial connect with backoff, and opens a JetStream context.
func NewClient(ctx context.Context, url string) (*Client, error) {
	connect := func() (*nats.Conn, error) {
		return nats.Connect(url,
			nats.Name("voice-call-sync"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				if err != nil {
					logger.Log.Warn("NATS disconnected", zap.Error(err))
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
			}),
			nats.ErrorHandler(func(nc *nats.Conn, s *nats.Subscription, err error) {
				logger.Log.Error("NATS error", zap.Error(err))
			}),
		)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = connectRetryElapsed
	nc, err := backoff.RetryNotifyWithData(connect, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		logger.FromContext(ctx).Warn("NATS connect failed, retrying", zap.String("url", url), zap.Duration("next", next), zap.Error(err))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %w", apperrors.ErrNATS, url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: failed to create JetStream context: %w", apperrors.ErrNATS, err)
	}

	return &Client{
		nc: nc,
		js: js,
	}, nil
}

// SetupStream ensures the stream exists with the given configuration
func (c *Client) SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error {
	log := logger.FromContext(ctx).With(zap.String("stream", streamConfig.Name))

	stream, err := c.js.StreamInfo(streamConfig.Name)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("%w: failed to get stream info for '%s': %w", apperrors.ErrNATS, streamConfig.Name, err)
	}

	if stream == nil {
		if _, err = c.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("%w: failed to add stream '%s': %w", apperrors.ErrNATS, streamConfig.Name, err)
		}
		log.Info("Created stream", zap.Strings("subjects", streamConfig.Subjects))
		return nil
	}

	if streamConfigEqual(stream.Config, *streamConfig) {
		log.Debug("Stream config unchanged")
		return nil
	}
	if _, err = c.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("%w: failed to update stream '%s': %w", apperrors.ErrNATS, streamConfig.Name, err)
	}
	log.Info("Updated stream", zap.Strings("subjects", streamConfig.Subjects))
	return nil
}

// SetupConsumer ensures the consumer exists with the given configuration for a specific stream
func (c *Client) SetupConsumer(ctx context.Context, streamName string, consumerConfig *nats.ConsumerConfig) error {
	log := logger.FromContext(ctx).With(zap.String("stream", streamName), zap.String("consumer", consumerConfig.Durable))

	consumer, err := c.js.ConsumerInfo(streamName, consumerConfig.Durable)
	if err != nil && !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("%w: failed to get consumer info for stream '%s', consumer '%s': %w", apperrors.ErrNATS, streamName, consumerConfig.Durable, err)
	}

	if consumer == nil {
		if _, err = c.js.AddConsumer(streamName, consumerConfig); err != nil {
			return fmt.Errorf("%w: failed to add consumer '%s' to stream '%s': %w", apperrors.ErrNATS, consumerConfig.Durable, streamName, err)
		}
		log.Info("Created consumer",
			zap.String("queue_group", consumerConfig.DeliverGroup),
			zap.Strings("filter_subjects", consumerConfig.FilterSubjects),
		)
		return nil
	}

	if consumerConfigEqual(consumer.Config, *consumerConfig) {
		log.Debug("Consumer config unchanged")
		return nil
	}

	// Most consumer fields are immutable, so a changed consumer is replaced.
	log.Warn("Consumer config mismatch, recreating consumer")
	if err = c.js.DeleteConsumer(streamName, consumerConfig.Durable); err != nil {
		return fmt.Errorf("%w: failed to delete consumer '%s' from stream '%s': %w", apperrors.ErrNATS, consumerConfig.Durable, streamName, err)
	}
	if _, err = c.js.AddConsumer(streamName, consumerConfig); err != nil {
		return fmt.Errorf("%w: failed to re-add consumer '%s' to stream '%s': %w", apperrors.ErrNATS, consumerConfig.Durable, streamName, err)
	}
	log.Info("Recreated consumer", zap.String("queue_group", consumerConfig.DeliverGroup))
	return nil
}

// SubscribePush creates a queue subscription bound to a push consumer.
func (c *Client) SubscribePush(subject, consumer, group, stream string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.js.QueueSubscribe(
		subject,
		group,
		handler,
		nats.Durable(consumer),
		nats.ManualAck(),
		nats.BindStream(stream),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to subscribe consumer '%s': %w", apperrors.ErrNATS, consumer, err)
	}
	return sub, nil
}

// Publish publishes a message to a subject with optional headers
func (c *Client) Publish(subject string, data []byte, headers map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Add(k, v)
	}

	if _, err := c.js.PublishMsg(msg); err != nil {
		return fmt.Errorf("%w: failed to publish to %s: %w", apperrors.ErrNATS, subject, err)
	}
	return nil
}

// NatsConn returns the underlying *nats.Conn
func (c *Client) NatsConn() *nats.Conn {
	return c.nc
}

// Close drains the NATS connection, then closes it.
func (c *Client) Close() {
	if c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		logger.Log.Warn("NATS drain failed, closing", zap.Error(err))
		c.nc.Close()
	}
}

// streamConfigEqual compares the stream fields this service manages.
func streamConfigEqual(current, wanted nats.StreamConfig) bool {
	return current.Name == wanted.Name &&
		slices.Equal(current.Subjects, wanted.Subjects) &&
		current.Retention == wanted.Retention &&
		current.Storage == wanted.Storage &&
		current.MaxAge == wanted.MaxAge
}

// consumerConfigEqual compares the consumer fields this service manages.
func consumerConfigEqual(current, wanted nats.ConsumerConfig) bool {
	return current.Durable == wanted.Durable &&
		current.DeliverGroup == wanted.DeliverGroup &&
		slices.Equal(current.FilterSubjects, wanted.FilterSubjects) &&
		current.AckPolicy == wanted.AckPolicy &&
		current.MaxDeliver == wanted.MaxDeliver &&
		current.AckWait == wanted.AckWait &&
		current.MaxAckPending == wanted.MaxAckPending &&
		current.DeliverPolicy == wanted.DeliverPolicy
}
