package trigger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
	"gitlab.com/timkado/api/voice-call-sync/pkg/utils"
)

// Handler processes one trigger message payload
type Handler func(ctx context.Context, metadata *model.MessageMetadata, data []byte) error

// Router routes trigger messages to a handler by subject
type Router struct {
	handlers       map[string]Handler
	defaultHandler Handler
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]Handler),
	}
}

// Register registers a handler for an exact subject
func (r *Router) Register(subject string, handler Handler) {
	r.handlers[subject] = handler
}

// RegisterDefault registers the handler used for subjects with no registered handler
func (r *Router) RegisterDefault(handler Handler) {
	r.defaultHandler = handler
}

// Subjects returns the registered subjects.
func (r *Router) Subjects() []string {
	subjects := make([]string, 0, len(r.handlers))
	for subject := range r.handlers {
		subjects = append(subjects, subject)
	}
	return subjects
}

// Route routes a message to its handler. A subject with no handler and no default is a fatal error.
func (r *Router) Route(ctx context.Context, metadata *model.MessageMetadata, data []byte) error {
	log := logger.FromContext(ctx).With(
		zap.String("subject", metadata.MessageSubject),
		zap.String("message_id", metadata.MessageID),
	)
	ctx = logger.WithLogger(ctx, log)

	log.Debug("Trigger received", zap.String("payload_size", utils.ByteCountSI(len(data))))

	handler, ok := r.handlers[metadata.MessageSubject]
	if !ok && r.defaultHandler != nil {
		log.Warn("No specific handler for subject, using default")
		return r.defaultHandler(ctx, metadata, data)
	}
	if !ok {
		log.Error("No handler registered for subject")
		return apperrors.NewFatal(apperrors.ErrBadRequest, "no handler for subject %s", metadata.MessageSubject)
	}
	if err := handler(ctx, metadata, data); err != nil {
		return fmt.Errorf("handler for %s: %w", metadata.MessageSubject, err)
	}
	return nil
}
