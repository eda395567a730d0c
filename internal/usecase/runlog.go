package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/storage"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
	"gitlab.com/timkado/api/voice-call-sync/pkg/utils"
)

const (
	defaultRecentRuns = 20
	maxRecentRuns     = 200
)

// RunLog is the append-then-complete record of sync and diagnostic runs.
type RunLog struct {
	repo  storage.SyncRunRepo
	clock utils.Clock
}

// NewRunLog creates a RunLog.
func NewRunLog(repo storage.SyncRunRepo, clock utils.Clock) *RunLog {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &RunLog{repo: repo, clock: clock}
}

// Create stores a new in_progress run and returns it with its id and start time set.
func (l *RunLog) Create(ctx context.Context, accountID string, kind model.SyncKind, params model.RequestParams) (*model.SyncRun, error) {
	run := &model.SyncRun{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		Kind:          kind,
		Status:        model.RunStatusInProgress,
		StartedAt:     l.clock.Now(),
		RequestParams: params,
	}
	if err := l.repo.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create sync run: %w", err)
	}
	return run, nil
}

// Complete sets the terminal status of a run. A run completes exactly once.
func (l *RunLog) Complete(ctx context.Context, runID string, completion model.RunCompletion) (*model.SyncRun, error) {
	if !completion.Status.Terminal() {
		return nil, fmt.Errorf("%w: status %q is not terminal", apperrors.ErrBadRequest, completion.Status)
	}
	if completion.CompletedAt.IsZero() {
		completion.CompletedAt = l.clock.Now()
	}
	run, err := l.repo.CompleteRun(ctx, runID, completion)
	if err != nil {
		return nil, fmt.Errorf("failed to complete sync run %s: %w", runID, err)
	}
	return run, nil
}

// ListRecent returns the newest runs of an account. limit is clamped to [1, 200] with 20 as default.
func (l *RunLog) ListRecent(ctx context.Context, accountID string, limit int) ([]model.SyncRun, error) {
	switch {
	case limit <= 0:
		limit = defaultRecentRuns
	case limit > maxRecentRuns:
		limit = maxRecentRuns
	}
	return l.repo.ListRecentRuns(ctx, accountID, limit)
}

// LastSuccessful returns the latest successful run of the given kind, or ErrNotFound.
func (l *RunLog) LastSuccessful(ctx context.Context, accountID string, kind model.SyncKind) (*model.SyncRun, error) {
	return l.repo.LastSuccessfulRun(ctx, accountID, kind)
}

// PurgeOlderThan deletes runs started more than retentionDays ago, including orphaned in_progress runs.
func (l *RunLog) PurgeOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("%w: retention days must be positive, got %d", apperrors.ErrBadRequest, retentionDays)
	}
	cutoff := l.clock.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	removed, err := l.repo.PurgeRunsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sync runs: %w", err)
	}
	logger.FromContext(ctx).Info("Purged sync runs",
		zap.Int("retention_days", retentionDays),
		zap.Time("cutoff", cutoff),
		zap.Int64("removed", removed))
	return removed, nil
}
