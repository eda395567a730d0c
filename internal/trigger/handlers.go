package trigger

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/usecase"
	"gitlab.com/timkado/api/voice-call-sync/internal/validator"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
)

// Submitter queues runs for asynchronous execution. usecase.Engine satisfies it.
type Submitter interface {
	Submit(task usecase.SyncTask) error
}

// Handlers turns trigger payloads into queued sync and diagnostic runs.
type Handlers struct {
	submitter Submitter
}

// NewHandlers creates trigger handlers backed by submitter.
func NewHandlers(submitter Submitter) *Handlers {
	return &Handlers{submitter: submitter}
}

// Register binds the sync and diagnostic subjects on router.
func (h *Handlers) Register(router *Router, syncSubject, diagnosticSubject string) {
	router.Register(syncSubject, h.HandleSyncRequest)
	router.Register(diagnosticSubject, h.HandleDiagnosticRequest)
}

// HandleSyncRequest queues a sync run. Undecodable or invalid payloads are fatal.
func (h *Handlers) HandleSyncRequest(ctx context.Context, metadata *model.MessageMetadata, data []byte) error {
	var msg model.SyncRequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return apperrors.NewFatal(err, "failed to unmarshal sync request")
	}
	if err := validator.Validate(msg); err != nil {
		return apperrors.NewFatal(err, "invalid sync request")
	}

	triggeredBy := msg.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "nats:" + metadata.MessageID
	}
	log := logger.FromContext(ctx).With(zap.String("account_id", msg.AccountID), zap.String("kind", string(msg.Kind)))

	task := usecase.SyncTask{
		Ctx:  logger.WithLogger(context.WithoutCancel(ctx), log),
		Sync: &usecase.RunRequest{AccountID: msg.AccountID, Kind: msg.Kind, TriggeredBy: triggeredBy},
		Done: func(result usecase.TaskResult) {
			logTaskResult(log, result)
		},
	}
	return h.submit(task)
}

// HandleDiagnosticRequest queues a diagnostic comparison.
func (h *Handlers) HandleDiagnosticRequest(ctx context.Context, metadata *model.MessageMetadata, data []byte) error {
	var msg model.DiagnosticRequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return apperrors.NewFatal(err, "failed to unmarshal diagnostic request")
	}
	if err := validator.Validate(msg); err != nil {
		return apperrors.NewFatal(err, "invalid diagnostic request")
	}
	if !msg.Start.IsZero() && !msg.End.IsZero() && msg.End.Before(msg.Start) {
		return apperrors.NewFatal(apperrors.ErrBadRequest, "diagnostic window end is before start")
	}

	triggeredBy := msg.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "nats:" + metadata.MessageID
	}
	log := logger.FromContext(ctx).With(zap.String("account_id", msg.AccountID), zap.String("kind", string(model.SyncKindDiagnostic)))

	task := usecase.SyncTask{
		Ctx: logger.WithLogger(context.WithoutCancel(ctx), log),
		Diagnostic: &usecase.DiagnosticRequest{
			AccountID:   msg.AccountID,
			Window:      model.DateRange{Start: msg.Start, End: msg.End},
			TriggeredBy: triggeredBy,
		},
		Done: func(result usecase.TaskResult) {
			logTaskResult(log, result)
		},
	}
	return h.submit(task)
}

// submit queues task. A saturated pool is retried by redelivery; any other refusal is fatal.
func (h *Handlers) submit(task usecase.SyncTask) error {
	err := h.submitter.Submit(task)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrRateLimited):
		return apperrors.NewRetryable(err, "sync pool saturated")
	default:
		return apperrors.NewFatal(err, "failed to queue run")
	}
}

func logTaskResult(log *zap.Logger, result usecase.TaskResult) {
	switch {
	case result.Err != nil && apperrors.IsSyncInProgressError(result.Err):
		log.Info("Triggered run skipped, another run holds the account")
	case result.Err != nil:
		log.Warn("Triggered run failed", zap.Error(result.Err))
	case result.Summary != nil:
		log.Info("Triggered sync finished",
			zap.String("run_id", result.Summary.RunID),
			zap.String("status", string(result.Summary.Status)),
			zap.Bool("cooldown", result.Summary.Cooldown),
		)
	case result.Report != nil:
		log.Info("Triggered diagnostic finished",
			zap.String("run_id", result.Report.RunID),
			zap.Int("missing", result.Report.MissingInDatabase),
		)
	}
}
