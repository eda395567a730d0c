package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/config"
	"gitlab.com/timkado/api/voice-call-sync/internal/lock"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/observer"
	"gitlab.com/timkado/api/voice-call-sync/internal/provider"
	"gitlab.com/timkado/api/voice-call-sync/internal/storage"
	"gitlab.com/timkado/api/voice-call-sync/internal/tenant"
	"gitlab.com/timkado/api/voice-call-sync/internal/validator"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
	"gitlab.com/timkado/api/voice-call-sync/pkg/utils"
)

const (
	defaultSampleLimit = 50
	completionTimeout  = 10 * time.Second
)

// RunRequest asks for one sync run. A zero Window means the default window.
type RunRequest struct {
	AccountID   string          `json:"account_id" validate:"required"`
	Kind        model.SyncKind  `json:"kind" validate:"required,oneof=manual auto"`
	Window      model.DateRange `json:"window"`
	TriggeredBy string          `json:"triggered_by,omitempty"`
}

// OrchestratorConfig bounds sync runs.
type OrchestratorConfig struct {
	Sync  config.SyncConfig
	Pager provider.PagerConfig
}

// Orchestrator drives sync runs end to end. Runs for different accounts share nothing but the
// store and the provider client. Runs for the same account are mutually exclusive.
type Orchestrator struct {
	repo      storage.Repository
	fetcher   provider.Fetcher
	writer    *Writer
	runs      *RunLog
	locker    lock.Locker
	publisher EventPublisher
	cfg       OrchestratorConfig
	clock     utils.Clock
}

// NewOrchestrator creates an Orchestrator. A nil locker means an in-process lock; a nil publisher drops events.
func NewOrchestrator(
	repo storage.Repository,
	fetcher provider.Fetcher,
	runs *RunLog,
	locker lock.Locker,
	publisher EventPublisher,
	cfg OrchestratorConfig,
	clock utils.Clock,
) *Orchestrator {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	if cfg.Sync.SampleLimit <= 0 {
		cfg.Sync.SampleLimit = defaultSampleLimit
	}
	return &Orchestrator{
		repo:      repo,
		fetcher:   fetcher,
		writer:    NewWriter(repo, repo),
		runs:      runs,
		locker:    locker,
		publisher: publisher,
		cfg:       cfg,
		clock:     clock,
	}
}

// RunSync performs one sync run and returns its summary once it completes. A failed run returns
// its summary together with the cause. A concurrent run for the same account is rejected with
// ErrSyncInProgress and records nothing.
func (o *Orchestrator) RunSync(ctx context.Context, req RunRequest) (*model.SyncRunSummary, error) {
	if err := validator.Validate(req); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrBadRequest, err)
	}

	ctx = tenant.WithAccountID(ctx, req.AccountID)
	log := logger.FromContext(ctx).With(
		zap.String("account_id", req.AccountID),
		zap.String("kind", string(req.Kind)))
	ctx = logger.WithLogger(ctx, log)

	release, err := o.locker.TryAcquire(ctx, lockKey(req.AccountID))
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			observer.IncSyncRejected("in_progress")
			log.Info("Sync rejected, another run holds the account")
			return nil, fmt.Errorf("%w: %s", apperrors.ErrSyncInProgress, req.AccountID)
		}
		return nil, fmt.Errorf("failed to acquire account lock: %w", err)
	}
	defer release()

	if req.Kind == model.SyncKindAuto {
		if summary, ok := o.cooldown(ctx, req.AccountID); ok {
			observer.IncSyncRejected("cooldown")
			log.Info("Auto sync skipped, recent successful auto sync", zap.String("last_run_id", summary.RunID))
			return summary, nil
		}
	}

	return o.execute(ctx, req)
}

// cooldown returns the last successful auto run when it completed within the cooldown.
func (o *Orchestrator) cooldown(ctx context.Context, accountID string) (*model.SyncRunSummary, bool) {
	if o.cfg.Sync.AutoSyncCooldown <= 0 {
		return nil, false
	}
	last, err := o.runs.LastSuccessful(ctx, accountID, model.SyncKindAuto)
	if err != nil {
		if !apperrors.IsNotFoundError(err) {
			logger.FromContext(ctx).Warn("Cooldown check failed, running anyway", zap.Error(err))
		}
		return nil, false
	}
	if last.CompletedAt == nil || o.clock.Now().Sub(*last.CompletedAt) >= o.cfg.Sync.AutoSyncCooldown {
		return nil, false
	}
	summary := last.Summary()
	summary.Cooldown = true
	return &summary, true
}

func (o *Orchestrator) execute(ctx context.Context, req RunRequest) (*model.SyncRunSummary, error) {
	runCtx := ctx
	if o.cfg.Sync.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.Sync.RunTimeout)
		defer cancel()
	}

	snap, loadErr := loadAccount(runCtx, o.repo, req.AccountID)
	params := o.requestParams(req.Window, req.TriggeredBy)
	if loadErr == nil {
		params.EffectiveWindow = ResolveWindow(req.Window, snap.billing, o.clock.Now(), o.cfg.Sync.DefaultLookbackDays)
		params.CallsResetAt = snap.billing.CallsResetAt
	}

	run, err := o.runs.Create(ctx, req.AccountID, req.Kind, params)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx).With(zap.String("run_id", run.ID))
	ctx = logger.WithLogger(ctx, log)
	runCtx = logger.WithLogger(runCtx, log)
	log.Info("Sync run started",
		zap.Time("window_start", params.EffectiveWindow.Start),
		zap.Time("window_end", params.EffectiveWindow.End))

	t := newTally(o.cfg.Sync.SampleLimit)
	var (
		runErr   error
		pager    *provider.Pager
		fetchDur time.Duration
		aborted  int
	)
	if loadErr != nil {
		runErr = loadErr
	} else {
		pager, fetchDur, aborted, runErr = o.walk(runCtx, run, snap, params.EffectiveWindow, t)
	}

	completion := o.completion(t, pager, fetchDur, runErr, aborted)
	completeCtx, cancel := completionContext(ctx)
	done, err := o.runs.Complete(completeCtx, run.ID, completion)
	cancel()
	if err != nil {
		log.Error("Failed to complete sync run", zap.Error(err))
		return nil, err
	}

	summary := done.Summary()
	o.report(ctx, done, summary, runErr)

	if done.Status == model.RunStatusFailed {
		return &summary, fmt.Errorf("sync run %s failed: %w", run.ID, runErr)
	}
	return &summary, nil
}

// walk fetches pages in order and processes each record in array order. It returns the first error
// that stopped pagination and the number of fetched records left unprocessed.
func (o *Orchestrator) walk(ctx context.Context, run *model.SyncRun, snap *accountSnapshot, window model.DateRange, t *tally) (*provider.Pager, time.Duration, int, error) {
	session, err := o.writer.Begin(ctx, run.AccountID, run.ID, window)
	if err != nil {
		return nil, 0, 0, err
	}
	pager, err := provider.NewPager(o.fetcher, snap.provider, window, o.cfg.Pager)
	if err != nil {
		return nil, 0, 0, err
	}

	var fetchDur time.Duration
	for pager.HasNext() {
		page, err := pager.Next(ctx)
		if err != nil {
			return pager, fetchDur, 0, err
		}
		fetchDur += page.Duration

		for i, call := range page.Calls {
			if err := ctx.Err(); err != nil {
				return pager, fetchDur, len(page.Calls) - i, err
			}
			o.process(ctx, session, snap.agents, call, t)
		}
	}
	return pager, fetchDur, 0, nil
}

// process classifies and persists one record. Per-record failures are counted, never returned.
func (o *Orchestrator) process(ctx context.Context, session *WriteSession, agents AgentSets, call model.ProviderCall, t *tally) {
	if call.Malformed != nil {
		t.fail(call.ID, call.Malformed)
		return
	}
	if d := Classify(call, agents); !d.Accept {
		t.skip(call, d.Reason)
		return
	}

	res := session.Persist(ctx, call)
	switch res.Outcome {
	case OutcomeSaved:
		t.save()
	case OutcomeDuplicate:
		t.duplicate(call)
	case OutcomeSkipped:
		t.skip(call, res.Reason)
	default:
		logger.FromContext(ctx).Warn("Failed to persist call", zap.String("external_call_id", call.ID), zap.Error(res.Err))
		t.fail(call.ID, res.Err)
	}
}

func (o *Orchestrator) requestParams(requested model.DateRange, triggeredBy string) model.RequestParams {
	return model.RequestParams{
		RequestedWindow: requested,
		EffectiveWindow: requested,
		PageSize:        o.cfg.Pager.PageSize,
		MaxPages:        o.cfg.Pager.MaxPages,
		Pagination:      pagination(o.cfg.Pager.Strategy),
		TriggeredBy:     triggeredBy,
	}
}

func (o *Orchestrator) completion(t *tally, pager *provider.Pager, fetchDur time.Duration, runErr error, aborted int) model.RunCompletion {
	completion := model.RunCompletion{
		CompletedAt:         o.clock.Now(),
		ProcessingSummary:   t.summary,
		SampledSkippedItems: t.sample,
		ResponseSummary: model.ResponseSummary{
			TotalFetched: t.processed() + aborted,
			Unprocessed:  aborted,
			FetchMs:      fetchDur.Milliseconds(),
		},
	}
	if pager != nil {
		completion.ResponseSummary.TotalFetched = pager.Fetched()
		completion.ResponseSummary.PageCount = pager.PageCount()
		completion.ResponseSummary.PageLimitHit = pager.LimitHit()
	}

	pages := completion.ResponseSummary.PageCount
	switch {
	case runErr != nil:
		status, reason := failureOf(runErr, pages)
		completion.Status = status
		completion.ErrorDetails = &model.ErrorDetails{Reason: reason, Message: runErr.Error()}
		if aborted > 0 {
			completion.ErrorDetails.Message = fmt.Sprintf("%s (%d fetched records not processed)", runErr.Error(), aborted)
		}
	case pager != nil && pager.LimitHit():
		completion.Status = model.RunStatusPartial
		completion.ErrorDetails = &model.ErrorDetails{
			Reason:  model.FailureReasonPageLimit,
			Message: fmt.Sprintf("stopped after %d pages with more available", pages),
		}
	case t.summary.Errors > 0:
		completion.Status = model.RunStatusPartial
		completion.ErrorDetails = &model.ErrorDetails{Reason: model.FailureReasonRecordErrors}
	default:
		completion.Status = model.RunStatusSuccess
	}

	if len(t.recordErrors) > 0 {
		if completion.ErrorDetails == nil {
			completion.ErrorDetails = &model.ErrorDetails{Reason: model.FailureReasonRecordErrors}
		}
		completion.ErrorDetails.RecordErrors = t.recordErrors
	}
	return completion
}

// report logs the run outcome, records metrics and publishes events.
func (o *Orchestrator) report(ctx context.Context, run *model.SyncRun, summary model.SyncRunSummary, runErr error) {
	log := logger.FromContext(ctx)
	kind := string(run.Kind)
	status := string(run.Status)

	observer.ObserveSyncRun(kind, status, time.Duration(run.DurationMs)*time.Millisecond)
	observer.AddSyncRecords(kind, "saved", "", run.ProcessingSummary.Saved)
	observer.AddSyncRecords(kind, "error", "", run.ProcessingSummary.Errors)
	for reason, n := range run.ProcessingSummary.SkipReasonHistogram {
		observer.AddSyncRecords(kind, "skipped", string(reason), n)
	}

	fields := []zap.Field{
		zap.String("status", status),
		zap.Int("total_fetched", summary.TotalFetched),
		zap.Int("pages", summary.PageCount),
		zap.Int("saved", summary.Saved),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", summary.Errors),
		zap.Int64("duration_ms", run.DurationMs),
	}
	if runErr != nil {
		log.Error("Sync run finished", append(fields, zap.Error(runErr))...)
	} else {
		log.Info("Sync run finished", fields...)
	}

	pubCtx, cancel := completionContext(ctx)
	defer cancel()
	now := o.clock.Now()
	if err := o.publisher.PublishRunCompleted(pubCtx, model.RunCompletedEvent{Summary: summary, OccurredAt: now}); err != nil {
		log.Warn("Failed to publish run completed event", zap.Error(err))
	}
	if runErr != nil && apperrors.IsTokenRefreshError(runErr) {
		event := model.RefreshFailedEvent{AccountID: run.AccountID, RunID: run.ID, Error: runErr.Error(), OccurredAt: now}
		if err := o.publisher.PublishRefreshFailed(pubCtx, event); err != nil {
			log.Warn("Failed to publish refresh failed event", zap.Error(err))
		}
	}
}

// completionContext outlives the run deadline so the terminal status is always written.
func completionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
}

func pagination(strategy string) string {
	if strategy == "" {
		return provider.PaginationToken
	}
	return strategy
}
