package usecase

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/voice-call-sync/internal/config"
	"gitlab.com/timkado/api/voice-call-sync/internal/lock"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/provider"
	"gitlab.com/timkado/api/voice-call-sync/internal/storage/memory"
	"gitlab.com/timkado/api/voice-call-sync/internal/tenant"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
	"gitlab.com/timkado/api/voice-call-sync/pkg/utils"
)

func init() {
	logger.Log = zap.NewNop().Named("test")
}

const (
	acct          = "acct-1"
	agentAssigned = "agt-assigned"
	agentFree     = "agt-unassigned"
	agentGhost    = "agt-ghost"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// pagedProvider serves a fixed call list in token pages, like the provider API.
type pagedProvider struct {
	mu       sync.Mutex
	calls    []model.ProviderCall
	pageSize int
	// honorWindow filters calls by the requested window start.
	honorWindow bool
	// endless keeps returning a next token after the data runs out.
	endless bool
	// failOn returns err instead of the page with that index.
	failOn  map[int]error
	before  func(ctx context.Context, page int) error
	windows []model.DateRange
	fetches int
}

func (p *pagedProvider) FetchCallsPage(ctx context.Context, acct *provider.Account, q provider.PageQuery) (*model.ProviderPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++
	p.windows = append(p.windows, q.Window)

	page := 0
	if q.PageToken != "" {
		page, _ = strconv.Atoi(q.PageToken)
	}
	if p.before != nil {
		if err := p.before(ctx, page); err != nil {
			return nil, err
		}
	}
	if err, ok := p.failOn[page]; ok {
		return nil, err
	}

	visible := p.calls
	if p.honorWindow && !q.Window.Start.IsZero() {
		visible = nil
		for _, c := range p.calls {
			if !c.StartedAt.Before(q.Window.Start) {
				visible = append(visible, c)
			}
		}
	}

	size := p.pageSize
	if q.Limit > 0 && q.Limit < size {
		size = q.Limit
	}
	start := page * size
	if start > len(visible) {
		start = len(visible)
	}
	end := start + size
	if end > len(visible) {
		end = len(visible)
	}

	out := &model.ProviderPage{Calls: append([]model.ProviderCall(nil), visible[start:end]...)}
	if end < len(visible) || p.endless {
		out.NextCursor = strconv.Itoa(page + 1)
	}
	return out, nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	completed []model.RunCompletedEvent
	refresh   []model.RefreshFailedEvent
}

func (r *recordingPublisher) PublishRunCompleted(_ context.Context, e model.RunCompletedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, e)
	return nil
}

func (r *recordingPublisher) PublishRefreshFailed(_ context.Context, e model.RefreshFailedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refresh = append(r.refresh, e)
	return nil
}

type fixture struct {
	repo     *memory.Repo
	provider *pagedProvider
	locker   *lock.LocalLocker
	pub      *recordingPublisher
	runs     *RunLog
	orch     *Orchestrator
	comp     *Comparator
	cfg      OrchestratorConfig
}

func newFixture(t *testing.T, calls []model.ProviderCall) *fixture {
	t.Helper()
	return newFixtureWith(t, calls, func(*OrchestratorConfig) {})
}

func newFixtureWith(t *testing.T, calls []model.ProviderCall, tune func(*OrchestratorConfig)) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := memory.NewRepo()

	require.NoError(t, repo.SaveBilling(ctx, model.AccountBilling{
		AccountID:  acct,
		LocationID: "loc-1",
		CreatedAt:  testNow.AddDate(-1, 0, 0),
	}))
	require.NoError(t, repo.SaveCredential(ctx, model.ProviderCredential{
		AccountID:    acct,
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    testNow.Add(time.Hour),
	}))
	for _, id := range []string{agentAssigned, agentFree} {
		require.NoError(t, repo.SaveAgent(ctx, *model.NewAgent(&model.Agent{ExternalAgentID: id, Name: "Agent " + id, IsActive: true})))
	}
	require.NoError(t, repo.AssignAgent(ctx, acct, agentAssigned))

	cfg := OrchestratorConfig{
		Sync: config.SyncConfig{
			RunTimeout:          time.Minute,
			SampleLimit:         1000,
			AutoSyncCooldown:    15 * time.Minute,
			RetentionDays:       90,
			DefaultLookbackDays: 30,
		},
		Pager: provider.PagerConfig{Strategy: provider.PaginationToken, PageSize: 100, MaxPages: 50},
	}
	tune(&cfg)

	clock := utils.FixedClock{T: testNow}
	f := &fixture{
		repo:     repo,
		provider: &pagedProvider{calls: calls, pageSize: cfg.Pager.PageSize},
		locker:   lock.NewLocalLocker(),
		pub:      &recordingPublisher{},
		cfg:      cfg,
	}
	f.runs = NewRunLog(repo, clock)
	f.orch = NewOrchestrator(repo, f.provider, f.runs, f.locker, f.pub, cfg, clock)
	f.comp = NewComparator(repo, f.provider, f.runs, cfg, clock)
	return f
}

func (f *fixture) ctx() context.Context {
	return tenant.WithAccountID(context.Background(), acct)
}

func (f *fixture) sync(t *testing.T, kind model.SyncKind) *model.SyncRunSummary {
	t.Helper()
	summary, err := f.orch.RunSync(context.Background(), RunRequest{AccountID: acct, Kind: kind})
	require.NoError(t, err)
	require.NotNil(t, summary)
	return summary
}

func (f *fixture) run(t *testing.T, runID string) model.SyncRun {
	t.Helper()
	run, ok := f.repo.Run(runID)
	require.True(t, ok, "run %s not stored", runID)
	return run
}

// makeCalls builds n provider calls for agentID, one minute apart from start. An empty agentID
// means no agent on the call.
func makeCalls(prefix, agentID string, n int, start time.Time) []model.ProviderCall {
	out := make([]model.ProviderCall, n)
	for i := range out {
		c := model.NewProviderCall(agentID, start.Add(time.Duration(i)*time.Minute))
		c.ID = fmt.Sprintf("%s-%03d", prefix, i)
		out[i] = c
	}
	return out
}

func concat(parts ...[]model.ProviderCall) []model.ProviderCall {
	var out []model.ProviderCall
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// assertExhaustive checks that every processed record has exactly one outcome.
func assertExhaustive(t *testing.T, run model.SyncRun) {
	t.Helper()
	sum := 0
	for _, n := range run.ProcessingSummary.SkipReasonHistogram {
		sum += n
	}
	processed := run.ResponseSummary.TotalFetched - run.ResponseSummary.Unprocessed
	require.Equal(t, processed, sum+run.ProcessingSummary.Saved+run.ProcessingSummary.Errors,
		"histogram %v saved %d errors %d", run.ProcessingSummary.SkipReasonHistogram, run.ProcessingSummary.Saved, run.ProcessingSummary.Errors)
	require.Equal(t, sum, run.ProcessingSummary.Skipped)
}

var callsStart = testNow.AddDate(0, 0, -10)
