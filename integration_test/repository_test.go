//go:build integration

package integration_test

import (
	"time"

	"github.com/google/uuid"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/tenant"
)

func (s *BaseIntegrationSuite) TestCallInsertIsIdempotent() {
	ctx := tenant.WithAccountID(s.Ctx, "acct-repo")
	startedAt := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	call := model.CallRecord{
		AccountID:      "acct-repo",
		ExternalCallID: "call-1",
		Direction:      model.CallDirectionInbound,
		StartedAt:      startedAt,
		Tags:           []string{"lead"},
	}

	first := call
	s.Require().NoError(s.Repo.InsertCall(ctx, &first))

	second := call
	err := s.Repo.InsertCall(ctx, &second)
	s.Require().Error(err)
	s.True(apperrors.IsDuplicateError(err), "second insert should be a duplicate, got %v", err)

	exists, err := s.Repo.CallExists(ctx, "acct-repo", "call-1")
	s.Require().NoError(err)
	s.True(exists)

	ids, err := s.Repo.ListCallExternalIDs(ctx, "acct-repo", model.DateRange{Start: startedAt.Add(-time.Minute), End: startedAt.Add(time.Minute)})
	s.Require().NoError(err)
	s.Equal([]string{"call-1"}, ids)

	s.Equal(1, s.CountRows("SELECT COUNT(*) FROM calls WHERE account_id = $1", "acct-repo"))
}

func (s *BaseIntegrationSuite) TestCallQueriesAreAccountScoped() {
	ctxA := tenant.WithAccountID(s.Ctx, "acct-a")
	ctxB := tenant.WithAccountID(s.Ctx, "acct-b")

	call := model.CallRecord{AccountID: "acct-a", ExternalCallID: "shared-id", Direction: model.CallDirectionOutbound, StartedAt: time.Now().UTC()}
	s.Require().NoError(s.Repo.InsertCall(ctxA, &call))

	exists, err := s.Repo.CallExists(ctxB, "acct-b", "shared-id")
	s.Require().NoError(err)
	s.False(exists)

	// Another account may store the same provider id.
	other := model.CallRecord{AccountID: "acct-b", ExternalCallID: "shared-id", Direction: model.CallDirectionOutbound, StartedAt: time.Now().UTC()}
	s.Require().NoError(s.Repo.InsertCall(ctxB, &other))

	// A row for another account is refused.
	foreign := model.CallRecord{AccountID: "acct-a", ExternalCallID: "foreign", Direction: model.CallDirectionInbound, StartedAt: time.Now().UTC()}
	s.Error(s.Repo.InsertCall(ctxB, &foreign))
}

func (s *BaseIntegrationSuite) TestUpdateTokensDetectsStaleVersion() {
	ctx := tenant.WithAccountID(s.Ctx, "acct-token")
	s.Require().NoError(s.Repo.SaveCredential(ctx, model.ProviderCredential{
		AccountID:    "acct-token",
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().UTC().Add(-time.Minute),
	}))

	cred, err := s.Repo.GetCredential(ctx, "acct-token")
	s.Require().NoError(err)

	updated, err := s.Repo.UpdateTokens(ctx, "acct-token", "new-access", "new-refresh", time.Now().UTC().Add(time.Hour), cred.Version)
	s.Require().NoError(err)
	s.Equal(cred.Version+1, updated.Version)

	_, err = s.Repo.UpdateTokens(ctx, "acct-token", "late-access", "late-refresh", time.Now().UTC().Add(time.Hour), cred.Version)
	s.True(apperrors.IsConflictError(err), "stale version should conflict, got %v", err)

	stored, err := s.Repo.GetCredential(ctx, "acct-token")
	s.Require().NoError(err)
	s.Equal("new-access", stored.AccessToken)
	s.Equal("new-refresh", stored.RefreshToken)
}

func (s *BaseIntegrationSuite) TestRunLogLifecycle() {
	ctx := tenant.WithAccountID(s.Ctx, "acct-runs")
	started := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)
	run := &model.SyncRun{
		ID:        uuid.NewString(),
		AccountID: "acct-runs",
		Kind:      model.SyncKindManual,
		Status:    model.RunStatusInProgress,
		StartedAt: started,
	}
	s.Require().NoError(s.Repo.CreateRun(ctx, run))

	_, err := s.Repo.LastSuccessfulRun(ctx, "acct-runs", model.SyncKindManual)
	s.True(apperrors.IsNotFoundError(err), "an in-progress run is not a success, got %v", err)

	completed, err := s.Repo.CompleteRun(ctx, run.ID, model.RunCompletion{
		Status:            model.RunStatusSuccess,
		CompletedAt:       started.Add(30 * time.Second),
		ResponseSummary:   model.ResponseSummary{TotalFetched: 3},
		ProcessingSummary: model.ProcessingSummary{Saved: 3},
	})
	s.Require().NoError(err)
	s.Equal(model.RunStatusSuccess, completed.Status)
	s.Require().NotNil(completed.CompletedAt)

	// A completed run is never rewritten.
	_, err = s.Repo.CompleteRun(ctx, run.ID, model.RunCompletion{Status: model.RunStatusFailed, CompletedAt: time.Now().UTC()})
	s.True(apperrors.IsConflictError(err), "second completion should conflict, got %v", err)

	last, err := s.Repo.LastSuccessfulRun(ctx, "acct-runs", model.SyncKindManual)
	s.Require().NoError(err)
	s.Require().NotNil(last)
	s.Equal(run.ID, last.ID)

	runs, err := s.Repo.ListRecentRuns(ctx, "acct-runs", 10)
	s.Require().NoError(err)
	s.Require().Len(runs, 1)
	s.Equal(3, runs[0].ProcessingSummary.Saved)

	removed, err := s.Repo.PurgeRunsOlderThan(s.Ctx, time.Now().UTC().Add(time.Hour))
	s.Require().NoError(err)
	s.Equal(int64(1), removed)
}
