package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/voice-call-sync/internal/config"
	"gitlab.com/timkado/api/voice-call-sync/internal/jetstream"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/observer"
	"gitlab.com/timkado/api/voice-call-sync/internal/usecase"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
)

// Publisher publishes run events to JetStream.
type Publisher struct {
	client jetstream.ClientInterface
	cfg    config.NATSConfig
}

var _ usecase.EventPublisher = (*Publisher)(nil)

// NewPublisher creates an event publisher.
func NewPublisher(client jetstream.ClientInterface, cfg config.NATSConfig) *Publisher {
	return &Publisher{client: client, cfg: cfg}
}

// Setup ensures the events stream covers the completion, refresh failure and DLQ subjects.
func (p *Publisher) Setup(ctx context.Context) error {
	streamCfg := &nats.StreamConfig{
		Name:      p.cfg.EventsStream,
		Subjects:  []string{p.cfg.CompletedSubject, p.cfg.RefreshFailedSubject, p.cfg.DLQSubject},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    time.Duration(p.cfg.MaxAgeDays*24) * time.Hour,
	}
	if err := p.client.SetupStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("failed to setup events stream '%s': %w", p.cfg.EventsStream, err)
	}
	return nil
}

// PublishRunCompleted publishes a run completion event.
func (p *Publisher) PublishRunCompleted(ctx context.Context, event model.RunCompletedEvent) error {
	return p.publish(ctx, "run_completed", p.cfg.CompletedSubject, "completed:"+event.Summary.RunID, event)
}

// PublishRefreshFailed publishes a token refresh failure event.
func (p *Publisher) PublishRefreshFailed(ctx context.Context, event model.RefreshFailedEvent) error {
	return p.publish(ctx, "refresh_failed", p.cfg.RefreshFailedSubject, "refresh_failed:"+event.RunID, event)
}

func (p *Publisher) publish(ctx context.Context, name, subject, msgID string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		observer.IncEventPublished(name, err)
		return fmt.Errorf("failed to marshal %s event: %w", name, err)
	}

	err = p.client.Publish(subject, data, map[string]string{nats.MsgIdHdr: msgID})
	observer.IncEventPublished(name, err)
	if err != nil {
		return err
	}
	logger.FromContext(ctx).Debug("Published event", zap.String("event", name), zap.String("subject", subject))
	return nil
}
