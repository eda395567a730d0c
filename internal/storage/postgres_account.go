package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/observer"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
	"gitlab.com/timkado/api/voice-call-sync/pkg/utils"
)

// --- Account Billing Methods ---

// SaveBilling upserts the billing row of an account.
func (r *PostgresRepo) SaveBilling(ctx context.Context, billing model.AccountBilling) error {
	operation := func() error {
		err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"location_id", "calls_reset_at", "updated_at"}),
		}).Create(&billing).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "SaveBilling", operation)
	observer.ObserveDbOperationDuration("save", "account_billing", time.Since(startTime), err)
	return err
}

// GetBilling returns the billing row, or apperrors.ErrNotFound.
func (r *PostgresRepo) GetBilling(ctx context.Context, accountID string) (*model.AccountBilling, error) {
	var billing model.AccountBilling
	operation := func() error {
		return r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&billing).Error
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "GetBilling", operation)
	observer.ObserveDbOperationDuration("find", "account_billing", time.Since(startTime), err)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: account billing %s", apperrors.ErrNotFound, accountID)
		}
		return nil, checkConstraintViolation(err)
	}
	return &billing, nil
}

// ListSyncableAccounts returns ids of accounts with a billing row and stored credentials.
func (r *PostgresRepo) ListSyncableAccounts(ctx context.Context) ([]string, error) {
	var ids []string
	operation := func() error {
		ids = nil
		err := r.db.WithContext(ctx).
			Table("account_billing AS b").
			Joins("JOIN provider_credentials AS c ON c.account_id = b.account_id").
			Order("b.account_id ASC").
			Pluck("b.account_id", &ids).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "ListSyncableAccounts", operation)
	observer.ObserveDbOperationDuration("list", "account_billing", time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// --- Provider Credential Methods ---

// SaveCredential upserts an account's credential row and bumps its version.
func (r *PostgresRepo) SaveCredential(ctx context.Context, cred model.ProviderCredential) error {
	operation := func() error {
		err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"access_token":  cred.AccessToken,
				"refresh_token": cred.RefreshToken,
				"expires_at":    cred.ExpiresAt,
				"version":       gorm.Expr("provider_credentials.version + 1"),
				"updated_at":    utils.Now(),
			}),
		}).Create(&cred).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "SaveCredential", operation)
	observer.ObserveDbOperationDuration("save", "credential", time.Since(startTime), err)
	return err
}

// GetCredential returns the account's credentials, or apperrors.ErrNotFound.
func (r *PostgresRepo) GetCredential(ctx context.Context, accountID string) (*model.ProviderCredential, error) {
	var cred model.ProviderCredential
	operation := func() error {
		return r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&cred).Error
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "GetCredential", operation)
	observer.ObserveDbOperationDuration("find", "credential", time.Since(startTime), err)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: credentials for account %s", apperrors.ErrNotFound, accountID)
		}
		return nil, checkConstraintViolation(err)
	}
	return &cred, nil
}

// UpdateTokens writes a refreshed token pair guarded by an optimistic version check.
func (r *PostgresRepo) UpdateTokens(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time, expectedVersion int64) (*model.ProviderCredential, error) {
	var rows int64
	operation := func() error {
		result := r.db.WithContext(ctx).
			Model(&model.ProviderCredential{}).
			Where("account_id = ? AND version = ?", accountID, expectedVersion).
			Updates(map[string]interface{}{
				"access_token":  accessToken,
				"refresh_token": refreshToken,
				"expires_at":    expiresAt,
				"version":       gorm.Expr("version + 1"),
				"updated_at":    utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		rows = result.RowsAffected
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "UpdateTokens", operation)
	observer.ObserveDbOperationDuration("update", "credential", time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		logger.FromContext(ctx).Warn("Credential version changed during refresh",
			zap.String("account_id", accountID),
			zap.Int64("expected_version", expectedVersion))
		return nil, fmt.Errorf("%w: credential version %d for account %s is stale", apperrors.ErrConflict, expectedVersion, accountID)
	}

	return &model.ProviderCredential{
		AccountID:    accountID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		Version:      expectedVersion + 1,
	}, nil
}
