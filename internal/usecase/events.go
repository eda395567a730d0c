package usecase

import (
	"context"

	"gitlab.com/timkado/api/voice-call-sync/internal/model"
)

// EventPublisher announces run outcomes to interested collaborators.
type EventPublisher interface {
	PublishRunCompleted(ctx context.Context, event model.RunCompletedEvent) error
	PublishRefreshFailed(ctx context.Context, event model.RefreshFailedEvent) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

var _ EventPublisher = NopPublisher{}

func (NopPublisher) PublishRunCompleted(context.Context, model.RunCompletedEvent) error { return nil }

func (NopPublisher) PublishRefreshFailed(context.Context, model.RefreshFailedEvent) error { return nil }
