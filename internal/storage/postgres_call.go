package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/observer"
	"gitlab.com/timkado/api/voice-call-sync/internal/tenant"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
	"gitlab.com/timkado/api/voice-call-sync/pkg/utils"
)

// --- Call Repository Methods ---

// CallExists reports whether a call with externalCallID is already stored for the account.
func (r *PostgresRepo) CallExists(ctx context.Context, accountID, externalCallID string) (bool, error) {
	var count int64
	operation := func() error {
		err := r.db.WithContext(ctx).
			Model(&model.CallRecord{}).
			Where("account_id = ? AND external_call_id = ?", accountID, externalCallID).
			Count(&count).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "CallExists", operation)
	observer.ObserveDbOperationDuration("exists", "call", time.Since(startTime), err)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// InsertCall inserts a new call row. A unique violation on (account_id, external_call_id) is ErrDuplicate.
func (r *PostgresRepo) InsertCall(ctx context.Context, call *model.CallRecord) error {
	if err := tenant.Matches(ctx, call.AccountID); err != nil {
		return fmt.Errorf("%w: call account %s: %w", apperrors.ErrUnauthorized, call.AccountID, err)
	}

	operation := func() error {
		if err := r.db.WithContext(ctx).Create(call).Error; err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "InsertCall", operation)
	observer.ObserveDbOperationDuration("insert", "call", time.Since(startTime), err)
	if err != nil {
		if !apperrors.IsDuplicateError(err) {
			logger.FromContext(ctx).Error("Failed to insert call",
				zap.String("external_call_id", call.ExternalCallID),
				zap.Error(err))
		}
		return err
	}
	return nil
}

// ListCallExternalIDs returns the external ids of the account's calls that started within window.
func (r *PostgresRepo) ListCallExternalIDs(ctx context.Context, accountID string, window model.DateRange) ([]string, error) {
	var ids []string
	operation := func() error {
		ids = ids[:0]
		err := r.db.WithContext(ctx).
			Model(&model.CallRecord{}).
			Where("account_id = ?", accountID).
			Scopes(windowScope(window)).
			Order("started_at ASC").
			Pluck("external_call_id", &ids).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "ListCallExternalIDs", operation)
	observer.ObserveDbOperationDuration("list_ids", "call", time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListCalls returns the account's calls that started within window, oldest first.
func (r *PostgresRepo) ListCalls(ctx context.Context, accountID string, window model.DateRange) ([]model.CallRecord, error) {
	var calls []model.CallRecord
	operation := func() error {
		calls = nil
		err := r.db.WithContext(ctx).
			Where("account_id = ?", accountID).
			Scopes(windowScope(window)).
			Order("started_at ASC").
			Find(&calls).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "ListCalls", operation)
	observer.ObserveDbOperationDuration("list", "call", time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return calls, nil
}
