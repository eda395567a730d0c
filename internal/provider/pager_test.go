package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
)

// scriptedFetcher serves pages keyed by token or offset and records the queries it saw.
type scriptedFetcher struct {
	pages   func(q PageQuery) (*model.ProviderPage, error)
	queries []PageQuery
}

func (f *scriptedFetcher) FetchCallsPage(ctx context.Context, acct *Account, q PageQuery) (*model.ProviderPage, error) {
	f.queries = append(f.queries, q)
	return f.pages(q)
}

func callsN(prefix string, n int) []model.ProviderCall {
	out := make([]model.ProviderCall, n)
	for i := range out {
		out[i] = model.ProviderCall{ID: fmt.Sprintf("%s-%d", prefix, i)}
	}
	return out
}

func drain(t *testing.T, p *Pager) int {
	t.Helper()
	total := 0
	for p.HasNext() {
		page, err := p.Next(context.Background())
		require.NoError(t, err)
		total += len(page.Calls)
	}
	return total
}

func TestPager_TokenStrategyStopsOnEmptyToken(t *testing.T) {
	logger.Log = zaptest.NewLogger(t)
	next := map[string]string{"": "t2", "t2": "t3", "t3": ""}
	sizes := map[string]int{"": 100, "t2": 100, "t3": 45}
	f := &scriptedFetcher{pages: func(q PageQuery) (*model.ProviderPage, error) {
		return &model.ProviderPage{Calls: callsN(q.PageToken, sizes[q.PageToken]), NextCursor: next[q.PageToken]}, nil
	}}

	p, err := NewPager(f, &Account{}, model.DateRange{}, PagerConfig{Strategy: PaginationToken, PageSize: 100, MaxPages: 50})
	require.NoError(t, err)

	assert.Equal(t, 245, drain(t, p))
	assert.Equal(t, 3, p.PageCount())
	assert.Equal(t, 245, p.Fetched())
	assert.False(t, p.LimitHit())
	require.Len(t, f.queries, 3)
	assert.Equal(t, []string{"", "t2", "t3"}, []string{f.queries[0].PageToken, f.queries[1].PageToken, f.queries[2].PageToken})
}

func TestPager_EndlessTokenHitsPageLimit(t *testing.T) {
	logger.Log = zaptest.NewLogger(t)
	f := &scriptedFetcher{pages: func(q PageQuery) (*model.ProviderPage, error) {
		return &model.ProviderPage{Calls: callsN("x", 1), NextCursor: "again"}, nil
	}}

	p, err := NewPager(f, &Account{}, model.DateRange{}, PagerConfig{PageSize: 1, MaxPages: 4})
	require.NoError(t, err)

	drain(t, p)
	assert.Equal(t, 4, p.PageCount())
	assert.True(t, p.LimitHit())

	_, err = p.Next(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrPageLimit)
	assert.Len(t, f.queries, 4)
}

func TestPager_OffsetStrategy(t *testing.T) {
	logger.Log = zaptest.NewLogger(t)
	f := &scriptedFetcher{pages: func(q PageQuery) (*model.ProviderPage, error) {
		assert.True(t, q.UseOffset)
		remaining := 245 - q.Offset
		if remaining > q.Limit {
			remaining = q.Limit
		}
		return &model.ProviderPage{Calls: callsN("o", remaining), Total: 245}, nil
	}}

	p, err := NewPager(f, &Account{}, model.DateRange{}, PagerConfig{Strategy: PaginationOffset, PageSize: 100, MaxPages: 50})
	require.NoError(t, err)

	assert.Equal(t, 245, drain(t, p))
	assert.False(t, p.LimitHit())
	require.Len(t, f.queries, 3)
	assert.Equal(t, 0, f.queries[0].Offset)
	assert.Equal(t, 100, f.queries[1].Offset)
	assert.Equal(t, 200, f.queries[2].Offset)
}

func TestPager_OffsetStopsAtTotal(t *testing.T) {
	logger.Log = zaptest.NewLogger(t)
	f := &scriptedFetcher{pages: func(q PageQuery) (*model.ProviderPage, error) {
		return &model.ProviderPage{Calls: callsN("o", q.Limit), Total: 200}, nil
	}}

	p, err := NewPager(f, &Account{}, model.DateRange{}, PagerConfig{Strategy: PaginationOffset, PageSize: 100, MaxPages: 50})
	require.NoError(t, err)

	assert.Equal(t, 200, drain(t, p))
	assert.Equal(t, 2, p.PageCount())
	assert.False(t, p.LimitHit())
}

func TestPager_UnknownStrategy(t *testing.T) {
	_, err := NewPager(&scriptedFetcher{}, &Account{}, model.DateRange{}, PagerConfig{Strategy: "cursor-ish"})
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestPager_FetchErrorDoesNotAdvance(t *testing.T) {
	logger.Log = zaptest.NewLogger(t)
	boom := errors.New("boom")
	f := &scriptedFetcher{pages: func(q PageQuery) (*model.ProviderPage, error) { return nil, boom }}

	p, err := NewPager(f, &Account{}, model.DateRange{}, PagerConfig{MaxPages: 3})
	require.NoError(t, err)

	_, err = p.Next(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, p.PageCount())
	assert.True(t, p.HasNext())
}

func TestPager_InterPageDelay(t *testing.T) {
	logger.Log = zaptest.NewLogger(t)
	next := map[string]string{"": "a", "a": "b", "b": ""}
	f := &scriptedFetcher{pages: func(q PageQuery) (*model.ProviderPage, error) {
		return &model.ProviderPage{Calls: callsN("d", 1), NextCursor: next[q.PageToken]}, nil
	}}

	p, err := NewPager(f, &Account{}, model.DateRange{}, PagerConfig{MaxPages: 10, InterPageDelay: 30 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	drain(t, p)
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}

func TestPager_DelayRespectsDeadline(t *testing.T) {
	logger.Log = zaptest.NewLogger(t)
	f := &scriptedFetcher{pages: func(q PageQuery) (*model.ProviderPage, error) {
		return &model.ProviderPage{Calls: callsN("d", 1), NextCursor: "more"}, nil
	}}

	p, err := NewPager(f, &Account{}, model.DateRange{}, PagerConfig{MaxPages: 10, InterPageDelay: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = p.Next(ctx)
	require.NoError(t, err)
	_, err = p.Next(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.IsTimeoutError(err) || errors.Is(err, context.DeadlineExceeded))
}
