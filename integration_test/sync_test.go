//go:build integration

package integration_test

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"gitlab.com/timkado/api/voice-call-sync/internal/config"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/provider"
	"gitlab.com/timkado/api/voice-call-sync/internal/tenant"
	"gitlab.com/timkado/api/voice-call-sync/internal/usecase"
)

const syncAccount = "acct-sync"

// staticProvider serves a fixed call list in token pages.
type staticProvider struct {
	calls    []model.ProviderCall
	pageSize int
}

func (p *staticProvider) FetchCallsPage(ctx context.Context, acct *provider.Account, q provider.PageQuery) (*model.ProviderPage, error) {
	page := 0
	if q.PageToken != "" {
		page, _ = strconv.Atoi(q.PageToken)
	}
	start := page * p.pageSize
	if start > len(p.calls) {
		start = len(p.calls)
	}
	end := start + p.pageSize
	if end > len(p.calls) {
		end = len(p.calls)
	}
	out := &model.ProviderPage{Calls: append([]model.ProviderCall(nil), p.calls[start:end]...)}
	if end < len(p.calls) {
		out.NextCursor = strconv.Itoa(page + 1)
	}
	return out, nil
}

func (s *BaseIntegrationSuite) seedSyncAccount() {
	ctx := tenant.WithAccountID(s.Ctx, syncAccount)
	s.Require().NoError(s.Repo.SaveBilling(ctx, model.AccountBilling{AccountID: syncAccount, LocationID: "loc-1"}))
	s.Require().NoError(s.Repo.SaveCredential(ctx, model.ProviderCredential{
		AccountID:    syncAccount,
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
	}))
	for _, id := range []string{"agt-linked", "agt-other"} {
		s.Require().NoError(s.Repo.SaveAgent(ctx, *model.NewAgent(&model.Agent{ExternalAgentID: id, Name: "Agent " + id, IsActive: true})))
	}
	s.Require().NoError(s.Repo.AssignAgent(ctx, syncAccount, "agt-linked"))
}

func providerCalls(prefix, agentID string, n int, start time.Time) []model.ProviderCall {
	out := make([]model.ProviderCall, n)
	for i := range out {
		c := model.NewProviderCall(agentID, start.Add(time.Duration(i)*time.Minute))
		c.ID = fmt.Sprintf("%s-%03d", prefix, i)
		out[i] = c
	}
	return out
}

func (s *BaseIntegrationSuite) newOrchestrator(fetcher provider.Fetcher) (*usecase.Orchestrator, *usecase.Comparator) {
	cfg := usecase.OrchestratorConfig{
		Sync: config.SyncConfig{
			RunTimeout:          time.Minute,
			SampleLimit:         50,
			AutoSyncCooldown:    15 * time.Minute,
			RetentionDays:       90,
			DefaultLookbackDays: 30,
		},
		Pager: provider.PagerConfig{Strategy: provider.PaginationToken, PageSize: 25, MaxPages: 50},
	}
	runs := usecase.NewRunLog(s.Repo, nil)
	return usecase.NewOrchestrator(s.Repo, fetcher, runs, nil, nil, cfg, nil),
		usecase.NewComparator(s.Repo, fetcher, runs, cfg, nil)
}

func (s *BaseIntegrationSuite) TestSyncPersistsLinkedCallsOnce() {
	s.seedSyncAccount()
	start := time.Now().UTC().Add(-48 * time.Hour)
	calls := append(providerCalls("linked", "agt-linked", 60, start), providerCalls("other", "agt-other", 10, start)...)
	calls = append(calls, providerCalls("none", "", 3, start)...)
	orch, _ := s.newOrchestrator(&staticProvider{calls: calls, pageSize: 25})

	first, err := orch.RunSync(s.Ctx, usecase.RunRequest{AccountID: syncAccount, Kind: model.SyncKindManual, TriggeredBy: "integration"})
	s.Require().NoError(err)
	s.Equal(model.RunStatusSuccess, first.Status)
	s.Equal(73, first.TotalFetched)
	s.Equal(3, first.PageCount)
	s.Equal(60, first.Saved)
	s.Equal(10, first.Histogram[model.SkipReasonAgentNotLinked])
	s.Equal(3, first.Histogram[model.SkipReasonNoAgentID])

	second, err := orch.RunSync(s.Ctx, usecase.RunRequest{AccountID: syncAccount, Kind: model.SyncKindManual, TriggeredBy: "integration"})
	s.Require().NoError(err)
	s.Equal(0, second.Saved)
	s.Equal(60, second.Histogram[model.SkipReasonDuplicate])

	s.Equal(60, s.CountRows("SELECT COUNT(*) FROM calls WHERE account_id = $1", syncAccount))
	s.Equal(2, s.CountRows("SELECT COUNT(*) FROM sync_runs WHERE account_id = $1 AND status = $2", syncAccount, string(model.RunStatusSuccess)))
}

func (s *BaseIntegrationSuite) TestSyncSkipsTombstonedCalls() {
	s.seedSyncAccount()
	ctx := tenant.WithAccountID(s.Ctx, syncAccount)
	s.Require().NoError(s.Repo.AddTombstone(ctx, model.CallTombstone{AccountID: syncAccount, ExternalCallID: "linked-001", DeletedBy: "ops"}))

	calls := providerCalls("linked", "agt-linked", 5, time.Now().UTC().Add(-time.Hour))
	orch, _ := s.newOrchestrator(&staticProvider{calls: calls, pageSize: 25})

	summary, err := orch.RunSync(s.Ctx, usecase.RunRequest{AccountID: syncAccount, Kind: model.SyncKindManual})
	s.Require().NoError(err)
	s.Equal(4, summary.Saved)
	s.Equal(1, summary.Histogram[model.SkipReasonTombstoned])

	exists, err := s.Repo.CallExists(ctx, syncAccount, "linked-001")
	s.Require().NoError(err)
	s.False(exists)
}

func (s *BaseIntegrationSuite) TestDiagnosticFindsMissingCalls() {
	s.seedSyncAccount()
	start := time.Now().UTC().Add(-24 * time.Hour)
	calls := providerCalls("linked", "agt-linked", 10, start)
	orch, _ := s.newOrchestrator(&staticProvider{calls: calls[:6], pageSize: 25})

	_, err := orch.RunSync(s.Ctx, usecase.RunRequest{AccountID: syncAccount, Kind: model.SyncKindManual})
	s.Require().NoError(err)

	_, comp := s.newOrchestrator(&staticProvider{calls: calls, pageSize: 25})
	report, err := comp.Compare(s.Ctx, usecase.DiagnosticRequest{AccountID: syncAccount, TriggeredBy: "integration"})
	s.Require().NoError(err)
	s.Equal(10, report.ExternalTotal)
	s.Equal(6, report.LocalTotal)
	s.Equal(4, report.MissingInDatabase)
	s.Len(report.MissingCalls, 4)
	s.Empty(report.ExtraCallIDs)

	s.Equal(1, s.CountRows("SELECT COUNT(*) FROM sync_runs WHERE account_id = $1 AND kind = $2", syncAccount, string(model.SyncKindDiagnostic)))
}
