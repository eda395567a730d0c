package provider

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/config"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
)

// Pagination strategies.
const (
	PaginationToken  = "token"
	PaginationOffset = "offset"
)

// PagerConfig bounds one paginated walk.
type PagerConfig struct {
	Strategy       string
	PageSize       int
	MaxPages       int
	InterPageDelay time.Duration
}

// PagerConfigFrom takes the pagination settings of the provider config.
func PagerConfigFrom(cfg config.ProviderConfig) PagerConfig {
	return PagerConfig{
		Strategy:       cfg.Pagination,
		PageSize:       cfg.PageSize,
		MaxPages:       cfg.MaxPages,
		InterPageDelay: cfg.InterPageDelay,
	}
}

// strategy advances the page cursor.
type strategy interface {
	query(q *PageQuery)
	// advance consumes a page and reports whether pagination is exhausted.
	advance(page *model.ProviderPage) bool
}

type tokenStrategy struct {
	token string
}

func (s *tokenStrategy) query(q *PageQuery) {
	q.PageToken = s.token
}

func (s *tokenStrategy) advance(page *model.ProviderPage) bool {
	s.token = page.NextCursor
	return s.token == ""
}

type offsetStrategy struct {
	offset   int
	pageSize int
}

func (s *offsetStrategy) query(q *PageQuery) {
	q.UseOffset = true
	q.Offset = s.offset
}

func (s *offsetStrategy) advance(page *model.ProviderPage) bool {
	got := len(page.Calls)
	s.offset += got
	if got == 0 || got < s.pageSize {
		return true
	}
	return page.Total > 0 && s.offset >= page.Total
}

// Pager walks the provider's pages for one account and window, strictly in order.
type Pager struct {
	fetcher  Fetcher
	acct     *Account
	window   model.DateRange
	cfg      PagerConfig
	strategy strategy
	limiter  *rate.Limiter

	pages     int
	fetched   int
	exhausted bool
}

// NewPager builds a Pager. An unknown strategy is a bad request.
func NewPager(fetcher Fetcher, acct *Account, window model.DateRange, cfg PagerConfig) (*Pager, error) {
	var s strategy
	switch cfg.Strategy {
	case "", PaginationToken:
		s = &tokenStrategy{}
	case PaginationOffset:
		s = &offsetStrategy{pageSize: cfg.PageSize}
	default:
		return nil, fmt.Errorf("%w: unknown pagination strategy %q", apperrors.ErrBadRequest, cfg.Strategy)
	}

	limit := rate.Inf
	if cfg.InterPageDelay > 0 {
		limit = rate.Every(cfg.InterPageDelay)
	}

	return &Pager{
		fetcher:  fetcher,
		acct:     acct,
		window:   window,
		cfg:      cfg,
		strategy: s,
		limiter:  rate.NewLimiter(limit, 1),
	}, nil
}

// HasNext reports whether another page may be fetched.
func (p *Pager) HasNext() bool {
	return !p.exhausted && p.pages < p.cfg.MaxPages
}

// LimitHit reports whether the walk stopped on the page bound rather than on the provider's last page.
func (p *Pager) LimitHit() bool {
	return !p.exhausted && p.pages >= p.cfg.MaxPages
}

// PageCount returns the number of pages fetched so far.
func (p *Pager) PageCount() int { return p.pages }

// Fetched returns the number of call objects fetched so far.
func (p *Pager) Fetched() int { return p.fetched }

// Next waits out the inter-page delay and fetches the next page.
func (p *Pager) Next(ctx context.Context) (*model.ProviderPage, error) {
	if !p.HasNext() {
		return nil, fmt.Errorf("%w: after %d pages", apperrors.ErrPageLimit, p.pages)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The delay would outlast the run deadline.
		return nil, fmt.Errorf("%w: inter-page delay: %w", apperrors.ErrTimeout, err)
	}

	q := PageQuery{Window: p.window, Limit: p.cfg.PageSize}
	p.strategy.query(&q)

	page, err := p.fetcher.FetchCallsPage(ctx, p.acct, q)
	if err != nil {
		return nil, err
	}
	p.pages++
	p.fetched += len(page.Calls)
	p.exhausted = p.strategy.advance(page)

	logger.FromContext(ctx).Info("Fetched provider page",
		zap.Int("page", p.pages),
		zap.Int("records", len(page.Calls)),
		zap.Duration("duration", page.Duration),
		zap.Bool("last", p.exhausted))
	return page, nil
}
