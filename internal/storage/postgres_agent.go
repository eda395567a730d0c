package storage

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/observer"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
	"gitlab.com/timkado/api/voice-call-sync/pkg/utils"
)

// --- Agent Repository Methods ---

// SaveAgent upserts an agent keyed by external_agent_id.
func (r *PostgresRepo) SaveAgent(ctx context.Context, agent model.Agent) error {
	operation := func() error {
		err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_agent_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "is_active", "updated_at"}),
		}).Create(&agent).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "SaveAgent", operation)
	observer.ObserveDbOperationDuration("save", "agent", time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to save agent after retries", zap.String("external_agent_id", agent.ExternalAgentID), zap.Error(err))
		return err
	}
	return nil
}

// ListAgents returns every locally known agent.
func (r *PostgresRepo) ListAgents(ctx context.Context) ([]model.Agent, error) {
	var agents []model.Agent
	operation := func() error {
		agents = nil
		if err := r.db.WithContext(ctx).Order("external_agent_id ASC").Find(&agents).Error; err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "ListAgents", operation)
	observer.ObserveDbOperationDuration("list", "agent", time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return agents, nil
}

// --- Assignment Repository Methods ---

// AssignAgent links an agent to an account. Assigning twice is a no-op.
func (r *PostgresRepo) AssignAgent(ctx context.Context, accountID, externalAgentID string) error {
	assignment := model.AgentAssignment{AccountID: accountID, ExternalAgentID: externalAgentID}
	operation := func() error {
		err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&assignment).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "AssignAgent", operation)
	observer.ObserveDbOperationDuration("save", "agent_assignment", time.Since(startTime), err)
	return err
}

// ListAssignedAgentIDs returns the external agent ids assigned to the account.
func (r *PostgresRepo) ListAssignedAgentIDs(ctx context.Context, accountID string) ([]string, error) {
	var ids []string
	operation := func() error {
		ids = nil
		err := r.db.WithContext(ctx).
			Model(&model.AgentAssignment{}).
			Where("account_id = ?", accountID).
			Pluck("external_agent_id", &ids).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "ListAssignedAgentIDs", operation)
	observer.ObserveDbOperationDuration("list", "agent_assignment", time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return ids, nil
}
