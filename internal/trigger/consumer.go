package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/config"
	"gitlab.com/timkado/api/voice-call-sync/internal/jetstream"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/observer"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
	"gitlab.com/timkado/api/voice-call-sync/pkg/utils"
)

// AckNakAction represents the decision made after handling a message
type AckNakAction int

const (
	ActionAck      AckNakAction = iota // Handled, ACK it
	ActionNak                          // DLQ publish failed, NAK immediately
	ActionNakDelay                     // Retryable error, NAK with backoff delay
	ActionDLQ                          // Max deliveries or fatal error, publish to DLQ then ACK
)

func (a AckNakAction) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionNak:
		return "nak"
	case ActionNakDelay:
		return "nak_delay"
	case ActionDLQ:
		return "dlq"
	default:
		return "unknown"
	}
}

const (
	consumerAckWait       = 30 * time.Second
	consumerMaxAckPending = 256
)

// determineAckNakAction decides the fate of a message from the handling error and delivery count.
func determineAckNakAction(handlingErr error, numDelivered uint64, maxDeliver int, nakBaseDelay, nakMaxDelay time.Duration) (AckNakAction, time.Duration) {
	if handlingErr == nil {
		return ActionAck, 0
	}

	if numDelivered >= uint64(maxDeliver) || !apperrors.IsRetryable(handlingErr) {
		return ActionDLQ, 0
	}

	delay := nakBaseDelay
	if numDelivered > 1 {
		delay = nakBaseDelay * (1 << (numDelivered - 1))
	}
	if delay > nakMaxDelay || delay <= 0 {
		delay = nakMaxDelay
	}
	return ActionNakDelay, delay
}

// Consumer receives sync and diagnostic triggers from a durable JetStream push consumer.
type Consumer struct {
	client jetstream.ClientInterface
	router *Router
	cfg    config.NATSConfig
	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
}

// NewConsumer creates a trigger consumer bound to the router's subjects.
func NewConsumer(client jetstream.ClientInterface, router *Router, cfg config.NATSConfig) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = logger.WithLogger(ctx, logger.Log.With(
		zap.String("stream", cfg.TriggerStream),
		zap.String("consumer", cfg.TriggerConsumer),
	))
	return &Consumer{
		client: client,
		router: router,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Consumer) subjects() []string {
	return []string{c.cfg.SyncSubject, c.cfg.DiagnosticSubject}
}

// Setup ensures the trigger stream and its durable consumer exist.
func (c *Consumer) Setup() error {
	log := logger.FromContext(c.ctx)
	log.Info("Setting up trigger consumer...")

	streamCfg := &nats.StreamConfig{
		Name:      c.cfg.TriggerStream,
		Subjects:  c.subjects(),
		Storage:   nats.FileStorage,
		Retention: nats.WorkQueuePolicy,
		MaxAge:    time.Duration(c.cfg.MaxAgeDays*24) * time.Hour,
	}
	if err := c.client.SetupStream(c.ctx, streamCfg); err != nil {
		return fmt.Errorf("failed to setup trigger stream '%s': %w", c.cfg.TriggerStream, err)
	}

	consumerCfg := &nats.ConsumerConfig{
		Durable:        c.cfg.TriggerConsumer,
		DeliverGroup:   c.cfg.QueueGroup,
		FilterSubjects: c.subjects(),
		AckPolicy:      nats.AckExplicitPolicy,
		DeliverSubject: nats.NewInbox(),
		MaxDeliver:     c.cfg.MaxDeliver,
		AckWait:        consumerAckWait,
		MaxAckPending:  consumerMaxAckPending,
		ReplayPolicy:   nats.ReplayInstantPolicy,
		DeliverPolicy:  nats.DeliverAllPolicy,
	}
	if err := c.client.SetupConsumer(c.ctx, c.cfg.TriggerStream, consumerCfg); err != nil {
		return fmt.Errorf("failed to setup trigger consumer '%s': %w", c.cfg.TriggerConsumer, err)
	}

	log.Info("Trigger consumer setup complete", zap.Strings("subjects", c.subjects()))
	return nil
}

// Start subscribes to the trigger consumer.
func (c *Consumer) Start() error {
	sub, err := c.client.SubscribePush("", c.cfg.TriggerConsumer, c.cfg.QueueGroup, c.cfg.TriggerStream, c.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe trigger consumer '%s': %w", c.cfg.TriggerConsumer, err)
	}
	c.sub = sub
	logger.FromContext(c.ctx).Info("Trigger consumer subscribed", zap.String("group", c.cfg.QueueGroup))
	return nil
}

// Stop drains the subscription.
func (c *Consumer) Stop() {
	log := logger.FromContext(c.ctx)
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			log.Error("Error draining trigger subscription", zap.Error(err))
		}
	}
	c.cancel()
	log.Info("Trigger consumer stopped")
}

func (c *Consumer) handleMessage(msg *nats.Msg) {
	log := logger.FromContext(c.ctx)

	defer func() {
		if r := recover(); r != nil {
			log.Error("[panic] Recovered from panic in trigger handler",
				zap.Any("panic", r),
				zap.String("subject", msg.Subject),
				zap.Stack("stack"),
			)
			observer.IncTriggerMessage(msg.Subject, "panic_nak", "panic")
			if nakErr := msg.Nak(); nakErr != nil {
				log.Error("Failed to NAK message after panic", zap.Error(nakErr))
			}
		}
	}()

	natsMeta, err := msg.Metadata()
	if err != nil {
		log.Error("Failed to read message metadata", zap.Error(err))
		observer.IncTriggerMessage(msg.Subject, "nak_metadata_error", "metadata")
		if nakErr := msg.Nak(); nakErr != nil {
			log.Error("Failed to NAK message", zap.Error(nakErr))
		}
		return
	}

	msgID := msg.Header.Get(nats.MsgIdHdr)
	if msgID == "" {
		msgID = fmt.Sprintf("msg-%d", natsMeta.Sequence.Stream)
	}
	meta := &model.MessageMetadata{
		StreamSequence:   natsMeta.Sequence.Stream,
		ConsumerSequence: natsMeta.Sequence.Consumer,
		NumDelivered:     natsMeta.NumDelivered,
		NumPending:       natsMeta.NumPending,
		Timestamp:        natsMeta.Timestamp,
		Stream:           natsMeta.Stream,
		Consumer:         natsMeta.Consumer,
		MessageID:        msgID,
		MessageSubject:   msg.Subject,
	}

	action, delay := c.dispatch(c.ctx, meta, msg.Data)

	switch action {
	case ActionAck:
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error("Failed to ACK message", zap.Error(ackErr))
		}
	case ActionNakDelay:
		if nakErr := msg.NakWithDelay(delay); nakErr != nil {
			log.Error("Failed to NAK message with delay", zap.Error(nakErr))
		}
	case ActionNak:
		if nakErr := msg.Nak(); nakErr != nil {
			log.Error("Failed to NAK message", zap.Error(nakErr))
		}
	}
}

// dispatch routes a message and decides how to acknowledge it. A DLQ decision that was published
// successfully is returned as ActionAck; a failed DLQ publish is returned as ActionNak.
func (c *Consumer) dispatch(ctx context.Context, meta *model.MessageMetadata, data []byte) (AckNakAction, time.Duration) {
	startTime := utils.Now()
	log := logger.FromContext(ctx).With(
		zap.String("nats_message_id", meta.MessageID),
		zap.Uint64("stream_sequence", meta.StreamSequence),
		zap.String("subject", meta.MessageSubject),
	)
	ctx = logger.WithLogger(ctx, log)

	defer func() {
		observer.ObserveTriggerProcessing(meta.MessageSubject, time.Since(startTime))
	}()

	handlingErr := c.router.Route(ctx, meta, data)

	action, delay := determineAckNakAction(handlingErr, meta.NumDelivered, c.cfg.MaxDeliver, c.cfg.NakBaseDelay, c.cfg.NakMaxDelay)
	errorType := observer.SanitizeErrorType(handlingErr)

	switch action {
	case ActionAck:
		log.Info("Trigger handled", zap.Duration("duration", time.Since(startTime)))
		observer.IncTriggerMessage(meta.MessageSubject, "ack_success", errorType)
		return ActionAck, 0

	case ActionNakDelay:
		log.Info("NAKing trigger with delay for redelivery",
			zap.Error(handlingErr),
			zap.Uint64("num_delivered", meta.NumDelivered),
			zap.Int("max_deliver", c.cfg.MaxDeliver),
			zap.Duration("nak_delay", delay),
		)
		observer.IncTriggerMessage(meta.MessageSubject, "nak_retry", errorType)
		return ActionNakDelay, delay
	}

	if err := c.deadLetter(meta, data, handlingErr); err != nil {
		log.Error("Failed to publish trigger to DLQ, NAKing original message", zap.Error(err), zap.String("dlq_subject", c.cfg.DLQSubject))
		observer.IncTriggerMessage(meta.MessageSubject, "nak_dlq_publish_fail", "dlq_publish_fail")
		return ActionNak, 0
	}
	log.Warn("Trigger sent to DLQ",
		zap.Error(handlingErr),
		zap.Uint64("num_delivered", meta.NumDelivered),
		zap.Bool("is_retryable", apperrors.IsRetryable(handlingErr)),
	)
	observer.IncTriggerMessage(meta.MessageSubject, "dlq_published_ack_success", errorType)
	return ActionAck, 0
}

func (c *Consumer) deadLetter(meta *model.MessageMetadata, data []byte, handlingErr error) error {
	errorType := "fatal"
	if apperrors.IsRetryable(handlingErr) {
		errorType = "retryable"
	}

	payload := model.DLQPayload{
		SourceSubject:   meta.MessageSubject,
		OriginalPayload: data,
		Error:           handlingErr.Error(),
		ErrorType:       errorType,
		RetryCount:      meta.NumDelivered,
		MaxRetry:        c.cfg.MaxDeliver,
		Timestamp:       utils.Now(),
	}
	// Non-JSON payloads cannot be embedded raw.
	if !json.Valid(data) {
		quoted, err := json.Marshal(string(data))
		if err != nil {
			return fmt.Errorf("failed to quote DLQ payload: %w", err)
		}
		payload.OriginalPayload = quoted
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ payload: %w", err)
	}

	headers := map[string]string{"Original-Nats-Msg-Id": meta.MessageID}
	return c.client.Publish(c.cfg.DLQSubject, body, headers)
}
