package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/provider"
	"gitlab.com/timkado/api/voice-call-sync/internal/storage"
	"gitlab.com/timkado/api/voice-call-sync/pkg/utils"
)

// accountSnapshot is what one run knows about its account. It is loaded at run start and owned by the run.
type accountSnapshot struct {
	billing  *model.AccountBilling
	provider *provider.Account
	agents   AgentSets
}

func loadAccount(ctx context.Context, repo storage.Repository, accountID string) (*accountSnapshot, error) {
	billing, err := repo.GetBilling(ctx, accountID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrAccountMissing, accountID)
		}
		return nil, fmt.Errorf("failed to load account %s: %w", accountID, err)
	}

	cred, err := repo.GetCredential(ctx, accountID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: account %s", apperrors.ErrCredentialsMissing, accountID)
		}
		return nil, fmt.Errorf("failed to load credentials for %s: %w", accountID, err)
	}

	known, err := repo.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}
	assigned, err := repo.ListAssignedAgentIDs(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent assignments for %s: %w", accountID, err)
	}

	return &accountSnapshot{
		billing: billing,
		provider: &provider.Account{
			AccountID:  accountID,
			LocationID: billing.LocationID,
			Credential: cred,
		},
		agents: NewAgentSets(known, assigned),
	}, nil
}

// ResolveWindow computes the fetch window of a run. The end defaults to now. An unset start defaults to
// lookbackDays before now, never earlier than the account's creation. The start is then raised to the
// reset cursor when one is set.
func ResolveWindow(requested model.DateRange, billing *model.AccountBilling, now time.Time, lookbackDays int) model.DateRange {
	window := requested
	if window.End.IsZero() {
		window.End = now
	}
	if window.Start.IsZero() {
		if lookbackDays > 0 {
			window.Start = now.AddDate(0, 0, -lookbackDays)
		}
		if billing != nil {
			window.Start = utils.MaxTime(window.Start, billing.CreatedAt)
		}
	}
	if billing != nil && billing.CallsResetAt != nil {
		window.Start = utils.MaxTime(window.Start, *billing.CallsResetAt)
	}
	if window.Start.After(window.End) {
		window.Start = window.End
	}
	window.Start = window.Start.UTC()
	window.End = window.End.UTC()
	return window
}

// failureOf maps the error that ended a run to its terminal status and reason. pages is the number
// of pages already processed.
func failureOf(err error, pages int) (model.RunStatus, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || apperrors.IsTimeoutError(err):
		return model.RunStatusFailed, model.FailureReasonTimeout
	case errors.Is(err, context.Canceled):
		return model.RunStatusFailed, model.FailureReasonCanceled
	case apperrors.IsTokenRefreshError(err):
		return model.RunStatusFailed, model.FailureReasonTokenRefresh
	case errors.Is(err, apperrors.ErrCredentialsMissing):
		return model.RunStatusFailed, model.FailureReasonCredentials
	case errors.Is(err, apperrors.ErrAccountMissing):
		return model.RunStatusFailed, model.FailureReasonAccount
	case errors.Is(err, apperrors.ErrProviderSchema):
		return model.RunStatusFailed, model.FailureReasonSchema
	case errors.Is(err, apperrors.ErrProviderFetch) || errors.Is(err, apperrors.ErrUnauthorized):
		if pages == 0 {
			return model.RunStatusFailed, model.FailureReasonFetch
		}
		return model.RunStatusPartial, model.FailureReasonPaginationAborted
	default:
		return model.RunStatusFailed, model.FailureReasonInternal
	}
}

func lockKey(accountID string) string {
	return "account:" + accountID
}
