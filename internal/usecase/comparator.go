package usecase

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/observer"
	"gitlab.com/timkado/api/voice-call-sync/internal/provider"
	"gitlab.com/timkado/api/voice-call-sync/internal/storage"
	"gitlab.com/timkado/api/voice-call-sync/internal/tenant"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
	"gitlab.com/timkado/api/voice-call-sync/pkg/utils"
)

// DiagnosticRequest asks for a comparison of the provider and local call sets. A zero Window means
// the same default window a sync would use.
type DiagnosticRequest struct {
	AccountID   string
	Window      model.DateRange
	TriggeredBy string
}

// Comparator reconciles the provider's calls with the stored calls of an account. It never writes
// call rows; it records one diagnostic SyncRun per comparison.
type Comparator struct {
	repo    storage.Repository
	fetcher provider.Fetcher
	runs    *RunLog
	cfg     OrchestratorConfig
	clock   utils.Clock
}

// NewComparator creates a Comparator sharing the orchestrator's window and pagination settings.
func NewComparator(repo storage.Repository, fetcher provider.Fetcher, runs *RunLog, cfg OrchestratorConfig, clock utils.Clock) *Comparator {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &Comparator{repo: repo, fetcher: fetcher, runs: runs, cfg: cfg, clock: clock}
}

// Compare fetches the full provider call set and the local call set for the window and reports the
// differences. Calls missing locally are attributed the outcome a sync would give them.
func (c *Comparator) Compare(ctx context.Context, req DiagnosticRequest) (*model.DiagnosticReport, error) {
	ctx = tenant.WithAccountID(ctx, req.AccountID)
	log := logger.FromContext(ctx).With(
		zap.String("account_id", req.AccountID),
		zap.String("kind", string(model.SyncKindDiagnostic)))
	ctx = logger.WithLogger(ctx, log)

	runCtx := ctx
	if c.cfg.Sync.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.cfg.Sync.RunTimeout)
		defer cancel()
	}

	snap, loadErr := loadAccount(runCtx, c.repo, req.AccountID)
	params := model.RequestParams{
		RequestedWindow: req.Window,
		EffectiveWindow: req.Window,
		PageSize:        c.cfg.Pager.PageSize,
		MaxPages:        c.cfg.Pager.MaxPages,
		Pagination:      pagination(c.cfg.Pager.Strategy),
		TriggeredBy:     req.TriggeredBy,
	}
	if loadErr == nil {
		params.EffectiveWindow = ResolveWindow(req.Window, snap.billing, c.clock.Now(), c.cfg.Sync.DefaultLookbackDays)
		params.CallsResetAt = snap.billing.CallsResetAt
	}

	run, err := c.runs.Create(ctx, req.AccountID, model.SyncKindDiagnostic, params)
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("run_id", run.ID))
	ctx = logger.WithLogger(ctx, log)
	runCtx = logger.WithLogger(runCtx, log)

	var (
		report *model.DiagnosticReport
		runErr = loadErr
		fetch  fetchResult
	)
	if runErr == nil {
		fetch, runErr = c.fetchAll(runCtx, snap, params.EffectiveWindow)
	}
	if runErr == nil {
		report, runErr = c.reconcile(runCtx, run, snap, params.EffectiveWindow, fetch)
	}

	completion := model.RunCompletion{
		CompletedAt:         c.clock.Now(),
		SampledSkippedItems: []model.SkippedItem{},
		ProcessingSummary:   model.ProcessingSummary{SkipReasonHistogram: map[model.SkipReason]int{}},
		ResponseSummary: model.ResponseSummary{
			TotalFetched: len(fetch.calls),
			PageCount:    fetch.pages,
			PageLimitHit: fetch.limitHit,
			FetchMs:      fetch.duration.Milliseconds(),
		},
	}
	switch {
	case runErr != nil:
		status, reason := failureOf(runErr, fetch.pages)
		// A diagnostic with an incomplete external set is not a usable comparison.
		if status == model.RunStatusPartial {
			status = model.RunStatusFailed
		}
		completion.Status = status
		completion.ErrorDetails = &model.ErrorDetails{Reason: reason, Message: runErr.Error()}
	case fetch.limitHit:
		completion.Status = model.RunStatusPartial
		completion.ErrorDetails = &model.ErrorDetails{
			Reason:  model.FailureReasonPageLimit,
			Message: fmt.Sprintf("stopped after %d pages with more available", fetch.pages),
		}
	default:
		completion.Status = model.RunStatusSuccess
	}
	if report != nil {
		completion.Diagnostic = &report.DiagnosticSummary
		completion.ProcessingSummary.SkipReasonHistogram = report.ReasonHistogram
		completion.SampledSkippedItems = sampleMissing(report.MissingCalls, c.sampleLimit())
	}

	completeCtx, cancel := completionContext(ctx)
	done, err := c.runs.Complete(completeCtx, run.ID, completion)
	cancel()
	if err != nil {
		log.Error("Failed to complete diagnostic run", zap.Error(err))
		return nil, err
	}
	observer.ObserveSyncRun(string(model.SyncKindDiagnostic), string(done.Status), time.Duration(done.DurationMs)*time.Millisecond)

	if runErr != nil {
		log.Error("Diagnostic run failed", zap.String("status", string(done.Status)), zap.Error(runErr))
		return nil, fmt.Errorf("diagnostic run %s failed: %w", run.ID, runErr)
	}

	log.Info("Diagnostic run finished",
		zap.String("status", string(done.Status)),
		zap.Int("external_total", report.ExternalTotal),
		zap.Int("local_total", report.LocalTotal),
		zap.Int("missing", report.MissingInDatabase),
		zap.Int("extra", report.ExtraInDatabase))
	return report, nil
}

func (c *Comparator) sampleLimit() int {
	if c.cfg.Sync.SampleLimit > 0 {
		return c.cfg.Sync.SampleLimit
	}
	return defaultSampleLimit
}

type fetchResult struct {
	calls    []model.ProviderCall
	pages    int
	limitHit bool
	duration time.Duration
}

// fetchAll walks every provider page for the window.
func (c *Comparator) fetchAll(ctx context.Context, snap *accountSnapshot, window model.DateRange) (fetchResult, error) {
	var res fetchResult
	pager, err := provider.NewPager(c.fetcher, snap.provider, window, c.cfg.Pager)
	if err != nil {
		return res, err
	}
	for pager.HasNext() {
		page, err := pager.Next(ctx)
		if err != nil {
			res.pages = pager.PageCount()
			return res, err
		}
		res.calls = append(res.calls, page.Calls...)
		res.duration += page.Duration
	}
	res.pages = pager.PageCount()
	res.limitHit = pager.LimitHit()
	return res, nil
}

// reconcile diffs the two id sets and attributes every provider-only call.
func (c *Comparator) reconcile(ctx context.Context, run *model.SyncRun, snap *accountSnapshot, window model.DateRange, fetch fetchResult) (*model.DiagnosticReport, error) {
	localIDs, err := c.repo.ListCallExternalIDs(ctx, run.AccountID, window)
	if err != nil {
		return nil, fmt.Errorf("failed to load local calls: %w", err)
	}
	tombstoned, err := loadTombstones(ctx, c.repo, run.AccountID)
	if err != nil {
		return nil, err
	}

	local := make(map[string]struct{}, len(localIDs))
	for _, id := range localIDs {
		local[id] = struct{}{}
	}

	report := &model.DiagnosticReport{
		RunID:       run.ID,
		AccountID:   run.AccountID,
		Window:      window,
		GeneratedAt: c.clock.Now(),
		DiagnosticSummary: model.DiagnosticSummary{
			LocalTotal:      len(local),
			ReasonHistogram: map[model.SkipReason]int{},
		},
		PageCount:      fetch.pages,
		PageLimitHit:   fetch.limitHit,
		MissingCalls:   []model.MissingCall{},
		ExtraCallIDs:   []string{},
		AgentBreakdown: []model.AgentGap{},
	}

	external := make(map[string]struct{}, len(fetch.calls))
	gaps := map[string]*model.AgentGap{}
	for _, call := range fetch.calls {
		if _, seen := external[call.ID]; seen {
			continue
		}
		external[call.ID] = struct{}{}

		if _, ok := local[call.ID]; ok {
			report.Matching++
			continue
		}

		reason := attribute(call, snap.agents, window, tombstoned)
		report.ReasonHistogram[reason]++
		report.MissingCalls = append(report.MissingCalls, missingCall(call, snap.agents, reason))

		if agentID := call.AgentIDValue(); agentID != "" {
			gap, ok := gaps[agentID]
			if !ok {
				gap = &model.AgentGap{
					AgentExternalID:   agentID,
					Name:              snap.agents.Name(agentID),
					KnownLocally:      snap.agents.IsKnown(agentID),
					IsAssignedLocally: snap.agents.IsAssigned(agentID),
				}
				gaps[agentID] = gap
			}
			gap.OccurrenceCount++
		}
	}
	report.ExternalTotal = len(external)
	report.MissingInDatabase = len(report.MissingCalls)

	for _, id := range localIDs {
		if _, ok := external[id]; !ok {
			report.ExtraCallIDs = append(report.ExtraCallIDs, id)
		}
	}
	sort.Strings(report.ExtraCallIDs)
	report.ExtraInDatabase = len(report.ExtraCallIDs)

	for _, gap := range gaps {
		report.AgentBreakdown = append(report.AgentBreakdown, *gap)
	}
	sort.Slice(report.AgentBreakdown, func(i, j int) bool {
		a, b := report.AgentBreakdown[i], report.AgentBreakdown[j]
		if a.OccurrenceCount != b.OccurrenceCount {
			return a.OccurrenceCount > b.OccurrenceCount
		}
		return a.AgentExternalID < b.AgentExternalID
	})
	return report, nil
}

// attribute predicts the outcome a sync would give a call that is absent locally, using the same
// checks in the same order as the orchestrator and the writer.
func attribute(call model.ProviderCall, agents AgentSets, window model.DateRange, tombstoned map[string]struct{}) model.SkipReason {
	if call.Malformed != nil {
		return model.SkipReasonMalformed
	}
	if d := Classify(call, agents); !d.Accept {
		return d.Reason
	}
	if reason, skip := preInsertSkip(call, window, tombstoned); skip {
		return reason
	}
	return model.SkipReasonAcceptedNotPersisted
}

func missingCall(call model.ProviderCall, agents AgentSets, reason model.SkipReason) model.MissingCall {
	duration := 0
	if call.DurationSeconds != nil {
		duration = *call.DurationSeconds
	}
	agentID := call.AgentIDValue()
	return model.MissingCall{
		ExternalCallID:  call.ID,
		AgentExternalID: agentID,
		AgentName:       agents.Name(agentID),
		Direction:       call.Direction,
		FromNumber:      call.FromNumber,
		ToNumber:        call.ToNumber,
		StartedAt:       call.StartedAt.UTC(),
		DurationSeconds: duration,
		Reason:          reason,
	}
}

func sampleMissing(missing []model.MissingCall, limit int) []model.SkippedItem {
	n := len(missing)
	if n > limit {
		n = limit
	}
	out := make([]model.SkippedItem, 0, n)
	for _, m := range missing[:n] {
		out = append(out, model.SkippedItem{
			ExternalCallID:  m.ExternalCallID,
			AgentExternalID: m.AgentExternalID,
			Reason:          m.Reason,
			StartedAt:       m.StartedAt,
		})
	}
	return out
}
