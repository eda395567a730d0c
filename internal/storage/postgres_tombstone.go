package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/observer"
	"gitlab.com/timkado/api/voice-call-sync/internal/tenant"
	"gitlab.com/timkado/api/voice-call-sync/pkg/utils"
)

// --- Tombstone Repository Methods ---

// AddTombstone records that an external call id must not be re-imported for the account.
func (r *PostgresRepo) AddTombstone(ctx context.Context, tombstone model.CallTombstone) error {
	if err := tenant.Matches(ctx, tombstone.AccountID); err != nil {
		return fmt.Errorf("%w: tombstone account %s: %w", apperrors.ErrUnauthorized, tombstone.AccountID, err)
	}

	operation := func() error {
		err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&tombstone).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "AddTombstone", operation)
	observer.ObserveDbOperationDuration("save", "tombstone", time.Since(startTime), err)
	return err
}

// IsTombstoned reports whether externalCallID was deleted by an admin for the account.
func (r *PostgresRepo) IsTombstoned(ctx context.Context, accountID, externalCallID string) (bool, error) {
	var count int64
	operation := func() error {
		err := r.db.WithContext(ctx).
			Model(&model.CallTombstone{}).
			Where("account_id = ? AND external_call_id = ?", accountID, externalCallID).
			Count(&count).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "IsTombstoned", operation)
	observer.ObserveDbOperationDuration("exists", "tombstone", time.Since(startTime), err)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListTombstonedIDs returns all tombstoned external call ids for the account.
func (r *PostgresRepo) ListTombstonedIDs(ctx context.Context, accountID string) ([]string, error) {
	var ids []string
	operation := func() error {
		ids = nil
		err := r.db.WithContext(ctx).
			Model(&model.CallTombstone{}).
			Where("account_id = ?", accountID).
			Pluck("external_call_id", &ids).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "ListTombstonedIDs", operation)
	observer.ObserveDbOperationDuration("list", "tombstone", time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return ids, nil
}
