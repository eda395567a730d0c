package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	zapobserver "go.uber.org/zap/zaptest/observer"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
)

func scenarioCalls() []model.ProviderCall {
	return concat(
		makeCalls("assigned", agentAssigned, 200, callsStart),
		makeCalls("unassigned", agentFree, 40, callsStart.Add(5*time.Hour)),
		makeCalls("noagent", "", 5, callsStart.Add(6*time.Hour)),
	)
}

func TestRunSync_ThreePageScenario(t *testing.T) {
	f := newFixture(t, scenarioCalls())

	summary := f.sync(t, model.SyncKindManual)

	assert.Equal(t, model.RunStatusSuccess, summary.Status)
	assert.Equal(t, 245, summary.TotalFetched)
	assert.Equal(t, 3, summary.PageCount)
	assert.Equal(t, 200, summary.Saved)
	assert.Equal(t, 45, summary.Skipped)
	assert.Equal(t, 0, summary.Errors)
	assert.Equal(t, map[model.SkipReason]int{
		model.SkipReasonAgentNotLinked: 40,
		model.SkipReasonNoAgentID:      5,
	}, summary.Histogram)
	assert.Equal(t, 200, f.repo.CallCount(acct))

	run := f.run(t, summary.RunID)
	assert.Equal(t, model.SyncKindManual, run.Kind)
	require.NotNil(t, run.CompletedAt)
	assert.Nil(t, run.ErrorDetails)
	assert.Len(t, run.SampledSkippedItems, 45)
	assert.Equal(t, 100, run.RequestParams.PageSize)
	assert.Equal(t, "token", run.RequestParams.Pagination)
	assertExhaustive(t, run)

	require.Len(t, f.pub.completed, 1)
	assert.Equal(t, summary.RunID, f.pub.completed[0].Summary.RunID)
	assert.Empty(t, f.pub.refresh)
}

func TestRunSync_Idempotent(t *testing.T) {
	f := newFixture(t, scenarioCalls())

	first := f.sync(t, model.SyncKindManual)
	second := f.sync(t, model.SyncKindManual)

	assert.Equal(t, 200, first.Saved)
	assert.Equal(t, 0, second.Saved)
	assert.Equal(t, model.RunStatusSuccess, second.Status)
	assert.Equal(t, 245, second.Skipped)
	assert.Equal(t, 200, second.Histogram[model.SkipReasonDuplicate])
	assert.Equal(t, 200, f.repo.CallCount(acct))

	run := f.run(t, second.RunID)
	assert.Equal(t, 200, run.ProcessingSummary.Duplicates)
	assertExhaustive(t, run)
}

func TestRunSync_SampleIsBounded(t *testing.T) {
	f := newFixtureWith(t, scenarioCalls(), func(cfg *OrchestratorConfig) { cfg.Sync.SampleLimit = 10 })

	summary := f.sync(t, model.SyncKindManual)

	run := f.run(t, summary.RunID)
	assert.Len(t, run.SampledSkippedItems, 10)
	assert.Equal(t, 45, run.ProcessingSummary.Skipped)
}

func TestRunSync_RespectsResetCursor(t *testing.T) {
	resetAt := callsStart.Add(time.Hour)
	calls := concat(
		makeCalls("old", agentAssigned, 10, callsStart),
		makeCalls("new", agentAssigned, 10, resetAt),
	)

	setup := func(t *testing.T, honorWindow bool) *fixture {
		f := newFixture(t, calls)
		f.provider.honorWindow = honorWindow
		require.NoError(t, f.repo.SaveBilling(context.Background(), model.AccountBilling{
			AccountID:    acct,
			LocationID:   "loc-1",
			CallsResetAt: &resetAt,
			CreatedAt:    testNow.AddDate(-1, 0, 0),
		}))
		f.repo.PutCall(model.CallRecord{AccountID: acct, ExternalCallID: "history-1", Direction: model.CallDirectionInbound, StartedAt: callsStart.Add(-time.Hour)})
		return f
	}

	t.Run("fetch window starts at the cursor", func(t *testing.T) {
		f := setup(t, true)
		summary, err := f.orch.RunSync(context.Background(), RunRequest{
			AccountID: acct,
			Kind:      model.SyncKindManual,
			Window:    model.DateRange{Start: callsStart.Add(-24 * time.Hour)},
		})
		require.NoError(t, err)

		require.NotEmpty(t, f.provider.windows)
		assert.Equal(t, resetAt, f.provider.windows[0].Start)
		assert.Equal(t, resetAt, summary.Window.Start)
		assert.Equal(t, 10, summary.Saved)
		assert.Equal(t, 10, summary.TotalFetched)

		stored, err := f.repo.ListCalls(context.Background(), acct, model.DateRange{})
		require.NoError(t, err)
		assert.Len(t, stored, 11)
		for _, c := range stored {
			if c.ExternalCallID == "history-1" {
				continue
			}
			assert.False(t, c.StartedAt.Before(resetAt), "call %s before reset", c.ExternalCallID)
		}

		run := f.run(t, summary.RunID)
		require.NotNil(t, run.RequestParams.CallsResetAt)
		assert.Equal(t, resetAt, *run.RequestParams.CallsResetAt)
	})

	t.Run("records the provider returns anyway are skipped", func(t *testing.T) {
		f := setup(t, false)
		summary := f.sync(t, model.SyncKindManual)

		assert.Equal(t, 20, summary.TotalFetched)
		assert.Equal(t, 10, summary.Saved)
		assert.Equal(t, 10, summary.Histogram[model.SkipReasonBeforeReset])
		assert.Equal(t, 11, f.repo.CallCount(acct))
		assertExhaustive(t, f.run(t, summary.RunID))
	})
}

func TestRunSync_RespectsTombstones(t *testing.T) {
	calls := makeCalls("call", agentAssigned, 3, callsStart)
	f := newFixture(t, calls)
	require.NoError(t, f.repo.AddTombstone(f.ctx(), model.CallTombstone{AccountID: acct, ExternalCallID: calls[1].ID, DeletedBy: "admin"}))

	for i := 0; i < 3; i++ {
		summary := f.sync(t, model.SyncKindManual)
		assert.Equal(t, 1, summary.Histogram[model.SkipReasonTombstoned], "run %d", i)
		exists, err := f.repo.CallExists(context.Background(), acct, calls[1].ID)
		require.NoError(t, err)
		assert.False(t, exists, "run %d resurrected a deleted call", i)
	}
	assert.Equal(t, 2, f.repo.CallCount(acct))
}

func TestRunSync_EndlessPaginationIsPartial(t *testing.T) {
	f := newFixtureWith(t, makeCalls("call", agentAssigned, 12, callsStart), func(cfg *OrchestratorConfig) {
		cfg.Pager.PageSize = 5
		cfg.Pager.MaxPages = 4
	})
	f.provider.endless = true

	summary := f.sync(t, model.SyncKindManual)

	assert.Equal(t, model.RunStatusPartial, summary.Status)
	assert.Equal(t, 4, summary.PageCount)
	assert.Equal(t, 4, f.provider.fetches)
	assert.Equal(t, 12, summary.Saved)
	require.NotNil(t, summary.Error)
	assert.Equal(t, model.FailureReasonPageLimit, summary.Error.Reason)

	run := f.run(t, summary.RunID)
	assert.True(t, run.ResponseSummary.PageLimitHit)
	assertExhaustive(t, run)
}

func TestRunSync_TokenRefreshFailureIsFatal(t *testing.T) {
	f := newFixture(t, scenarioCalls())
	f.provider.failOn = map[int]error{0: fmt.Errorf("%w: invalid_grant", apperrors.ErrTokenRefresh)}

	summary, err := f.orch.RunSync(context.Background(), RunRequest{AccountID: acct, Kind: model.SyncKindManual})

	require.Error(t, err)
	assert.True(t, apperrors.IsTokenRefreshError(err))
	require.NotNil(t, summary)
	assert.Equal(t, model.RunStatusFailed, summary.Status)
	require.NotNil(t, summary.Error)
	assert.Equal(t, model.FailureReasonTokenRefresh, summary.Error.Reason)
	assert.Equal(t, 0, f.repo.CallCount(acct))

	require.Len(t, f.pub.refresh, 1)
	assert.Equal(t, acct, f.pub.refresh[0].AccountID)
	assert.Equal(t, summary.RunID, f.pub.refresh[0].RunID)
}

func TestRunSync_FirstPageFailureIsFatal(t *testing.T) {
	f := newFixture(t, scenarioCalls())
	f.provider.failOn = map[int]error{0: fmt.Errorf("%w: provider returned 503", apperrors.ErrProviderFetch)}

	summary, err := f.orch.RunSync(context.Background(), RunRequest{AccountID: acct, Kind: model.SyncKindManual})

	require.ErrorIs(t, err, apperrors.ErrProviderFetch)
	assert.Equal(t, model.RunStatusFailed, summary.Status)
	assert.Equal(t, model.FailureReasonFetch, summary.Error.Reason)
	assert.Empty(t, f.pub.refresh)

	run := f.run(t, summary.RunID)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, 0, run.ResponseSummary.TotalFetched)
}

func TestRunSync_LaterPageFailureIsPartial(t *testing.T) {
	f := newFixture(t, scenarioCalls())
	f.provider.failOn = map[int]error{1: fmt.Errorf("%w: provider returned 502", apperrors.ErrProviderFetch)}

	summary, err := f.orch.RunSync(context.Background(), RunRequest{AccountID: acct, Kind: model.SyncKindManual})

	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, summary.Status)
	assert.Equal(t, model.FailureReasonPaginationAborted, summary.Error.Reason)
	assert.Equal(t, 100, summary.TotalFetched)
	assert.Equal(t, 100, summary.Saved)
	assertExhaustive(t, f.run(t, summary.RunID))
}

func TestRunSync_SchemaMismatchIsFatal(t *testing.T) {
	f := newFixture(t, scenarioCalls())
	f.provider.failOn = map[int]error{0: fmt.Errorf("%w: unsupported schema_version 2", apperrors.ErrProviderSchema)}

	summary, err := f.orch.RunSync(context.Background(), RunRequest{AccountID: acct, Kind: model.SyncKindManual})

	require.ErrorIs(t, err, apperrors.ErrProviderSchema)
	assert.Equal(t, model.FailureReasonSchema, summary.Error.Reason)
}

func TestRunSync_RecordErrorsArePartial(t *testing.T) {
	calls := makeCalls("call", agentAssigned, 5, callsStart)
	calls[3].Malformed = errors.New("duration_seconds: cannot unmarshal string")
	f := newFixture(t, calls)
	f.repo.InsertHook = func(c *model.CallRecord) error {
		if c.ExternalCallID == calls[1].ID {
			return fmt.Errorf("%w: check constraint", apperrors.ErrDatabase)
		}
		return nil
	}

	summary := f.sync(t, model.SyncKindManual)

	assert.Equal(t, model.RunStatusPartial, summary.Status)
	assert.Equal(t, 3, summary.Saved)
	assert.Equal(t, 2, summary.Errors)
	require.NotNil(t, summary.Error)
	assert.Equal(t, model.FailureReasonRecordErrors, summary.Error.Reason)

	run := f.run(t, summary.RunID)
	require.Len(t, run.ErrorDetails.RecordErrors, 2)
	assert.Equal(t, calls[1].ID, run.ErrorDetails.RecordErrors[0].ExternalCallID)
	assert.Equal(t, calls[3].ID, run.ErrorDetails.RecordErrors[1].ExternalCallID)
	assertExhaustive(t, run)
}

func TestRunSync_InvalidMappedCallIsRecordError(t *testing.T) {
	calls := makeCalls("call", agentAssigned, 2, callsStart)
	calls[0].Direction = "sideways"
	f := newFixture(t, calls)

	summary := f.sync(t, model.SyncKindManual)

	assert.Equal(t, model.RunStatusPartial, summary.Status)
	assert.Equal(t, 1, summary.Saved)
	assert.Equal(t, 1, summary.Errors)
	run := f.run(t, summary.RunID)
	assert.Contains(t, run.ErrorDetails.RecordErrors[0].Message, "direction")
}

func TestRunSync_ConcurrentRunIsRejected(t *testing.T) {
	f := newFixture(t, scenarioCalls())
	release, err := f.locker.TryAcquire(context.Background(), lockKey(acct))
	require.NoError(t, err)
	defer release()

	core, logs := zapobserver.New(zapcore.InfoLevel)
	ctx := logger.WithLogger(context.Background(), zap.New(core))

	summary, err := f.orch.RunSync(ctx, RunRequest{AccountID: acct, Kind: model.SyncKindManual})

	assert.Nil(t, summary)
	assert.True(t, apperrors.IsSyncInProgressError(err))
	assert.Equal(t, 0, f.repo.RunCount(acct))
	assert.Equal(t, 0, f.provider.fetches)
	assert.Equal(t, 1, logs.FilterMessage("Sync rejected, another run holds the account").Len())
}

func TestRunSync_OverlappingRunsSingleFlight(t *testing.T) {
	f := newFixture(t, scenarioCalls())
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	f.provider.before = func(ctx context.Context, page int) error {
		once.Do(func() {
			close(entered)
			<-unblock
		})
		return nil
	}

	var (
		wg       sync.WaitGroup
		firstErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = f.orch.RunSync(context.Background(), RunRequest{AccountID: acct, Kind: model.SyncKindManual})
	}()
	<-entered

	_, err := f.orch.RunSync(context.Background(), RunRequest{AccountID: acct, Kind: model.SyncKindManual})
	assert.ErrorIs(t, err, apperrors.ErrSyncInProgress)

	close(unblock)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.Equal(t, 1, f.repo.RunCount(acct))
	assert.Equal(t, 200, f.repo.CallCount(acct))
}

func TestRunSync_AutoCooldown(t *testing.T) {
	f := newFixture(t, scenarioCalls())

	first := f.sync(t, model.SyncKindAuto)
	assert.False(t, first.Cooldown)

	second := f.sync(t, model.SyncKindAuto)
	assert.True(t, second.Cooldown)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, 1, f.repo.RunCount(acct))

	manual := f.sync(t, model.SyncKindManual)
	assert.False(t, manual.Cooldown)
	assert.Equal(t, 2, f.repo.RunCount(acct))
}

func TestRunSync_Timeout(t *testing.T) {
	f := newFixtureWith(t, scenarioCalls(), func(cfg *OrchestratorConfig) { cfg.Sync.RunTimeout = 50 * time.Millisecond })
	f.provider.before = func(ctx context.Context, page int) error {
		<-ctx.Done()
		return ctx.Err()
	}

	summary, err := f.orch.RunSync(context.Background(), RunRequest{AccountID: acct, Kind: model.SyncKindManual})

	require.Error(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, model.RunStatusFailed, summary.Status)
	assert.Equal(t, model.FailureReasonTimeout, summary.Error.Reason)

	run := f.run(t, summary.RunID)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.CompletedAt)
}

func TestRunSync_TimeoutAfterFetchCountsUnprocessed(t *testing.T) {
	f := newFixtureWith(t, scenarioCalls(), func(cfg *OrchestratorConfig) { cfg.Sync.RunTimeout = 50 * time.Millisecond })
	// The first page arrives only once the run deadline has passed.
	f.provider.before = func(ctx context.Context, page int) error {
		<-ctx.Done()
		return nil
	}

	summary, err := f.orch.RunSync(context.Background(), RunRequest{AccountID: acct, Kind: model.SyncKindManual})

	require.Error(t, err)
	assert.Equal(t, model.FailureReasonTimeout, summary.Error.Reason)
	assert.Equal(t, 1, summary.PageCount)
	assert.Equal(t, 100, summary.TotalFetched)
	assert.Equal(t, 100, summary.Unprocessed)
	assert.Equal(t, 0, summary.Saved)

	run := f.run(t, summary.RunID)
	assert.Equal(t, 100, run.ResponseSummary.TotalFetched)
	assert.Equal(t, 100, run.ResponseSummary.Unprocessed)
	assertExhaustive(t, run)
}

func TestRunSync_MissingAccountAndCredentials(t *testing.T) {
	t.Run("account", func(t *testing.T) {
		f := newFixture(t, nil)
		summary, err := f.orch.RunSync(context.Background(), RunRequest{AccountID: "acct-unknown", Kind: model.SyncKindManual})

		require.ErrorIs(t, err, apperrors.ErrAccountMissing)
		require.NotNil(t, summary)
		assert.Equal(t, model.RunStatusFailed, summary.Status)
		assert.Equal(t, model.FailureReasonAccount, summary.Error.Reason)
		assert.Equal(t, 0, f.provider.fetches)
	})

	t.Run("credentials", func(t *testing.T) {
		f := newFixture(t, nil)
		require.NoError(t, f.repo.SaveBilling(context.Background(), model.AccountBilling{AccountID: "acct-2", LocationID: "loc-2"}))

		summary, err := f.orch.RunSync(context.Background(), RunRequest{AccountID: "acct-2", Kind: model.SyncKindManual})

		require.ErrorIs(t, err, apperrors.ErrCredentialsMissing)
		assert.Equal(t, model.FailureReasonCredentials, summary.Error.Reason)
	})
}

func TestRunSync_EmptyResultIsSuccess(t *testing.T) {
	f := newFixture(t, nil)

	summary := f.sync(t, model.SyncKindManual)

	assert.Equal(t, model.RunStatusSuccess, summary.Status)
	assert.Equal(t, 0, summary.TotalFetched)
	assert.Equal(t, 1, summary.PageCount)
	assert.NotNil(t, summary.Histogram)
}

func TestRunSync_RejectsBadRequests(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.orch.RunSync(context.Background(), RunRequest{AccountID: acct, Kind: model.SyncKindDiagnostic})
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = f.orch.RunSync(context.Background(), RunRequest{Kind: model.SyncKindManual})
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
	assert.Equal(t, 0, f.repo.RunCount(acct))
}

func TestResolveWindow(t *testing.T) {
	created := testNow.AddDate(0, 0, -5)
	reset := testNow.AddDate(0, 0, -2)
	requested := testNow.AddDate(0, 0, -20)

	tests := []struct {
		name      string
		requested model.DateRange
		billing   *model.AccountBilling
		want      model.DateRange
	}{
		{
			name:    "default lookback clamped to account creation",
			billing: &model.AccountBilling{CreatedAt: created},
			want:    model.DateRange{Start: created, End: testNow},
		},
		{
			name:    "default lookback",
			billing: &model.AccountBilling{CreatedAt: testNow.AddDate(-1, 0, 0)},
			want:    model.DateRange{Start: testNow.AddDate(0, 0, -30), End: testNow},
		},
		{
			name:      "requested start kept without cursor",
			requested: model.DateRange{Start: requested},
			billing:   &model.AccountBilling{CreatedAt: created},
			want:      model.DateRange{Start: requested, End: testNow},
		},
		{
			name:      "cursor raises requested start",
			requested: model.DateRange{Start: requested},
			billing:   &model.AccountBilling{CreatedAt: created, CallsResetAt: &reset},
			want:      model.DateRange{Start: reset, End: testNow},
		},
		{
			name:      "cursor after end collapses window",
			requested: model.DateRange{Start: requested, End: testNow.AddDate(0, 0, -3)},
			billing:   &model.AccountBilling{CreatedAt: created, CallsResetAt: &reset},
			want:      model.DateRange{Start: testNow.AddDate(0, 0, -3), End: testNow.AddDate(0, 0, -3)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveWindow(tt.requested, tt.billing, testNow, 30)
			assert.True(t, tt.want.Start.Equal(got.Start), "start: want %s got %s", tt.want.Start, got.Start)
			assert.True(t, tt.want.End.Equal(got.End), "end: want %s got %s", tt.want.End, got.End)
		})
	}
}

func TestFailureOf(t *testing.T) {
	tests := []struct {
		err    error
		pages  int
		status model.RunStatus
		reason string
	}{
		{context.DeadlineExceeded, 3, model.RunStatusFailed, model.FailureReasonTimeout},
		{fmt.Errorf("%w: delay", apperrors.ErrTimeout), 1, model.RunStatusFailed, model.FailureReasonTimeout},
		{context.Canceled, 0, model.RunStatusFailed, model.FailureReasonCanceled},
		{fmt.Errorf("%w: x", apperrors.ErrTokenRefresh), 2, model.RunStatusFailed, model.FailureReasonTokenRefresh},
		{fmt.Errorf("%w: x", apperrors.ErrProviderFetch), 0, model.RunStatusFailed, model.FailureReasonFetch},
		{fmt.Errorf("%w: x", apperrors.ErrProviderFetch), 2, model.RunStatusPartial, model.FailureReasonPaginationAborted},
		{fmt.Errorf("%w: x", apperrors.ErrUnauthorized), 1, model.RunStatusPartial, model.FailureReasonPaginationAborted},
		{fmt.Errorf("%w: x", apperrors.ErrProviderSchema), 4, model.RunStatusFailed, model.FailureReasonSchema},
		{errors.New("disk full"), 0, model.RunStatusFailed, model.FailureReasonInternal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			status, reason := failureOf(tt.err, tt.pages)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.reason, reason)
		})
	}
}
