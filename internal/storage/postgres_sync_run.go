package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/observer"
	"gitlab.com/timkado/api/voice-call-sync/internal/tenant"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
	"gitlab.com/timkado/api/voice-call-sync/pkg/utils"
)

// runCompletionColumns are the only columns CompleteRun writes.
var runCompletionColumns = []string{
	"status",
	"completed_at",
	"duration_ms",
	"response_summary",
	"processing_summary",
	"sampled_skipped_items",
	"error_details",
	"diagnostic",
}

// --- Sync Run Repository Methods ---

// CreateRun inserts a new run row.
func (r *PostgresRepo) CreateRun(ctx context.Context, run *model.SyncRun) error {
	if err := tenant.Matches(ctx, run.AccountID); err != nil {
		return fmt.Errorf("%w: run account %s: %w", apperrors.ErrUnauthorized, run.AccountID, err)
	}

	operation := func() error {
		if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "CreateRun", operation)
	observer.ObserveDbOperationDuration("insert", "sync_run", time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to create sync run", zap.String("run_id", run.ID), zap.Error(err))
		return err
	}
	return nil
}

// CompleteRun writes the terminal fields once. Completing a run that is no longer in progress is ErrConflict.
func (r *PostgresRepo) CompleteRun(ctx context.Context, runID string, completion model.RunCompletion) (*model.SyncRun, error) {
	var stored model.SyncRun
	operation := func() error {
		tx := r.db.WithContext(ctx).Begin()
		if tx.Error != nil {
			return fmt.Errorf("%w: failed to begin transaction: %w", apperrors.ErrDatabase, tx.Error)
		}
		var txErr error
		defer func() {
			if p := recover(); p != nil {
				tx.Rollback()
				panic(p)
			} else if txErr != nil {
				if rbErr := tx.Rollback().Error; rbErr != nil {
					logger.FromContext(ctx).Error("Failed to rollback transaction after error", zap.Error(rbErr), zap.NamedError("originalTxError", txErr))
				}
			}
		}()

		if err := tx.Where("id = ?", runID).First(&stored).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				txErr = errRunNotFound(runID)
				return txErr
			}
			txErr = checkConstraintViolation(err)
			return txErr
		}
		if stored.Status != model.RunStatusInProgress {
			txErr = fmt.Errorf("%w: run %s already completed with status %s", apperrors.ErrConflict, runID, stored.Status)
			return txErr
		}

		completedAt := completion.CompletedAt
		update := model.SyncRun{
			Status:              completion.Status,
			CompletedAt:         &completedAt,
			DurationMs:          completedAt.Sub(stored.StartedAt).Milliseconds(),
			ResponseSummary:     completion.ResponseSummary,
			ProcessingSummary:   completion.ProcessingSummary,
			SampledSkippedItems: completion.SampledSkippedItems,
			ErrorDetails:        completion.ErrorDetails,
			Diagnostic:          completion.Diagnostic,
		}
		result := tx.Model(&model.SyncRun{}).
			Where("id = ? AND status = ?", runID, model.RunStatusInProgress).
			Select(runCompletionColumns).
			Updates(&update)
		if result.Error != nil {
			txErr = checkConstraintViolation(result.Error)
			return txErr
		}
		if result.RowsAffected == 0 {
			txErr = fmt.Errorf("%w: run %s was completed concurrently", apperrors.ErrConflict, runID)
			return txErr
		}
		if commitErr := tx.Commit().Error; commitErr != nil {
			txErr = fmt.Errorf("%w: failed to commit run completion: %w", apperrors.ErrDatabase, commitErr)
			return txErr
		}

		stored.Status = update.Status
		stored.CompletedAt = update.CompletedAt
		stored.DurationMs = update.DurationMs
		stored.ResponseSummary = update.ResponseSummary
		stored.ProcessingSummary = update.ProcessingSummary
		stored.SampledSkippedItems = update.SampledSkippedItems
		stored.ErrorDetails = update.ErrorDetails
		stored.Diagnostic = update.Diagnostic
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "CompleteRun", operation)
	observer.ObserveDbOperationDuration("complete", "sync_run", time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func errRunNotFound(runID string) error {
	return fmt.Errorf("%w: sync run %s", apperrors.ErrNotFound, runID)
}

// ListRecentRuns returns the newest runs of the account, newest first.
func (r *PostgresRepo) ListRecentRuns(ctx context.Context, accountID string, limit int) ([]model.SyncRun, error) {
	var runs []model.SyncRun
	operation := func() error {
		runs = nil
		err := r.db.WithContext(ctx).
			Where("account_id = ?", accountID).
			Order("started_at DESC").
			Limit(limit).
			Find(&runs).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "ListRecentRuns", operation)
	observer.ObserveDbOperationDuration("list", "sync_run", time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// LastSuccessfulRun returns the most recently completed successful run of a kind, or apperrors.ErrNotFound.
func (r *PostgresRepo) LastSuccessfulRun(ctx context.Context, accountID string, kind model.SyncKind) (*model.SyncRun, error) {
	var run model.SyncRun
	operation := func() error {
		return r.db.WithContext(ctx).
			Where("account_id = ? AND kind = ? AND status = ?", accountID, kind, model.RunStatusSuccess).
			Order("completed_at DESC").
			First(&run).Error
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "LastSuccessfulRun", operation)
	observer.ObserveDbOperationDuration("find", "sync_run", time.Since(startTime), err)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no successful %s run for account %s", apperrors.ErrNotFound, kind, accountID)
		}
		return nil, checkConstraintViolation(err)
	}
	return &run, nil
}

// PurgeRunsOlderThan deletes runs that started before cutoff and returns the number removed. The cutoff
// is far beyond the run timeout, so an in_progress row that old was orphaned by a crashed process.
func (r *PostgresRepo) PurgeRunsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("started_at < ?", cutoff).
			Delete(&model.SyncRun{})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		removed = result.RowsAffected
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "PurgeRunsOlderThan", operation)
	observer.ObserveDbOperationDuration("purge", "sync_run", time.Since(startTime), err)
	if err != nil {
		return 0, err
	}
	return removed, nil
}
