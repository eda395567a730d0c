package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/storage"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
)

// Engine is the invocation surface of the call sync subsystem: synchronous runs for callers that wait,
// queued runs for triggers and schedules, and run history.
type Engine struct {
	orchestrator  *Orchestrator
	comparator    *Comparator
	runs          *RunLog
	accounts      storage.AccountRepo
	worker        ISyncWorker
	retentionDays int
}

// NewEngine wires an Engine. worker may be nil, in which case Submit is unavailable.
func NewEngine(orchestrator *Orchestrator, comparator *Comparator, runs *RunLog, accounts storage.AccountRepo, worker ISyncWorker, retentionDays int) *Engine {
	return &Engine{
		orchestrator:  orchestrator,
		comparator:    comparator,
		runs:          runs,
		accounts:      accounts,
		worker:        worker,
		retentionDays: retentionDays,
	}
}

// RunSync runs a sync for the account and returns once it completes.
func (e *Engine) RunSync(ctx context.Context, accountID string, kind model.SyncKind) (*model.SyncRunSummary, error) {
	return e.orchestrator.RunSync(ctx, RunRequest{AccountID: accountID, Kind: kind})
}

// RunSyncRequest runs a sync with an explicit request.
func (e *Engine) RunSyncRequest(ctx context.Context, req RunRequest) (*model.SyncRunSummary, error) {
	return e.orchestrator.RunSync(ctx, req)
}

// RunDiagnostic compares provider and local calls. A nil window means the default sync window.
func (e *Engine) RunDiagnostic(ctx context.Context, accountID string, window *model.DateRange) (*model.DiagnosticReport, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", apperrors.ErrBadRequest)
	}
	req := DiagnosticRequest{AccountID: accountID}
	if window != nil {
		if !window.Start.IsZero() && !window.End.IsZero() && window.End.Before(window.Start) {
			return nil, fmt.Errorf("%w: window end is before start", apperrors.ErrBadRequest)
		}
		req.Window = *window
	}
	return e.comparator.Compare(ctx, req)
}

// ListRecentRuns returns the newest runs of an account.
func (e *Engine) ListRecentRuns(ctx context.Context, accountID string, limit int) ([]model.SyncRun, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", apperrors.ErrBadRequest)
	}
	return e.runs.ListRecent(ctx, accountID, limit)
}

// Purge removes runs older than the configured retention.
func (e *Engine) Purge(ctx context.Context) (int64, error) {
	return e.runs.PurgeOlderThan(ctx, e.retentionDays)
}

// Submit queues a run on the worker pool.
func (e *Engine) Submit(task SyncTask) error {
	if e.worker == nil {
		return fmt.Errorf("%w: no worker pool configured", apperrors.ErrBadRequest)
	}
	return e.worker.SubmitTask(task)
}

// SubmitAutoSyncAll queues an auto sync for every account with provider credentials. It returns the
// number of queued accounts; accounts that could not be queued are logged and skipped.
func (e *Engine) SubmitAutoSyncAll(ctx context.Context) (int, error) {
	accounts, err := e.accounts.ListSyncableAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list syncable accounts: %w", err)
	}
	queued := 0
	for _, accountID := range accounts {
		task := SyncTask{
			Ctx:  context.WithoutCancel(ctx),
			Sync: &RunRequest{AccountID: accountID, Kind: model.SyncKindAuto, TriggeredBy: "scheduler"},
		}
		if err := e.Submit(task); err != nil {
			logger.FromContext(ctx).Warn("Failed to queue auto sync", zap.String("account_id", accountID), zap.Error(err))
			continue
		}
		queued++
	}
	return queued, nil
}

// Stop releases the worker pool.
func (e *Engine) Stop() {
	if e.worker != nil {
		e.worker.Stop()
	}
}
