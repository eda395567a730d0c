package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/config"
	"gitlab.com/timkado/api/voice-call-sync/internal/lock"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/observer"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
	"gitlab.com/timkado/api/voice-call-sync/pkg/utils"
)

const (
	maxResponseBytes          = 32 << 20
	defaultMaxRetryElapsed    = 30 * time.Second
	defaultTokenRefreshMargin = 5 * time.Minute
	defaultTokenLifetime      = time.Hour
)

// CredentialStore persists provider token pairs.
type CredentialStore interface {
	GetCredential(ctx context.Context, accountID string) (*model.ProviderCredential, error)
	UpdateTokens(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time, expectedVersion int64) (*model.ProviderCredential, error)
}

// Account is the per-run view of one provider account. The client replaces Credential after a refresh.
type Account struct {
	AccountID  string
	LocationID string
	Credential *model.ProviderCredential
}

// PageQuery selects one page of calls.
type PageQuery struct {
	Window    model.DateRange
	Limit     int
	PageToken string
	Offset    int
	UseOffset bool
}

// Fetcher fetches a single page of calls.
type Fetcher interface {
	FetchCallsPage(ctx context.Context, acct *Account, q PageQuery) (*model.ProviderPage, error)
}

// Client talks to the provider calls API for any number of accounts. It keeps no per-account state
// besides the refresh mutexes.
type Client struct {
	cfg        config.ProviderConfig
	httpClient *http.Client
	oauth      *oauth2.Config
	store      CredentialStore
	breaker    *gobreaker.CircuitBreaker[*model.ProviderPage]
	refreshMu  *lock.KeyedMutex
	clock      utils.Clock
}

var _ Fetcher = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for both API and token requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock replaces the clock used for expiry checks.
func WithClock(clock utils.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// NewClient builds a provider Client.
func NewClient(cfg config.ProviderConfig, store CredentialStore, opts ...Option) *Client {
	if cfg.MaxRetryElapsed <= 0 {
		cfg.MaxRetryElapsed = defaultMaxRetryElapsed
	}
	if cfg.TokenRefreshMargin <= 0 {
		cfg.TokenRefreshMargin = defaultTokenRefreshMargin
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		store:     store,
		refreshMu: lock.NewKeyedMutex(),
		clock:     utils.SystemClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = newBreaker(cfg)
	return c
}

func newBreaker(cfg config.ProviderConfig) *gobreaker.CircuitBreaker[*model.ProviderPage] {
	threshold := cfg.Breaker.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker[*model.ProviderPage](gobreaker.Settings{
		Name:        "provider-calls-api",
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Errors that prove the provider is reachable do not count against it.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, apperrors.ErrProviderSchema) ||
				errors.Is(err, apperrors.ErrUnauthorized) ||
				errors.Is(err, apperrors.ErrBadRequest) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Log.Warn("Provider circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// FetchCallsPage returns one page of calls, refreshing the account token first when it is near expiry.
// A 401 forces one refresh and one retry.
func (c *Client) FetchCallsPage(ctx context.Context, acct *Account, q PageQuery) (*model.ProviderPage, error) {
	if err := c.EnsureFreshToken(ctx, acct); err != nil {
		return nil, err
	}

	page, err := c.fetchThroughBreaker(ctx, acct, q)
	if errors.Is(err, apperrors.ErrUnauthorized) {
		logger.FromContext(ctx).Warn("Provider rejected access token, forcing refresh", zap.String("account_id", acct.AccountID))
		if refreshErr := c.forceRefresh(ctx, acct); refreshErr != nil {
			return nil, refreshErr
		}
		page, err = c.fetchThroughBreaker(ctx, acct, q)
	}
	return page, err
}

func (c *Client) fetchThroughBreaker(ctx context.Context, acct *Account, q PageQuery) (*model.ProviderPage, error) {
	start := c.clock.Now()
	page, err := c.breaker.Execute(func() (*model.ProviderPage, error) {
		return c.fetchWithRetry(ctx, acct, q)
	})
	duration := c.clock.Now().Sub(start)
	observer.ObserveProviderPage(duration, err)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit breaker rejected request: %w", apperrors.ErrProviderFetch, err)
		}
		return nil, err
	}
	page.Duration = duration
	return page, nil
}

func (c *Client) fetchWithRetry(ctx context.Context, acct *Account, q PageQuery) (*model.ProviderPage, error) {
	endpoint, err := c.callsURL(acct.LocationID, q)
	if err != nil {
		return nil, err
	}

	operation := func() (*model.ProviderPage, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: build request: %w", apperrors.ErrProviderFetch, err))
		}
		req.Header.Set("Authorization", "Bearer "+acct.Credential.AccessToken)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, fmt.Errorf("%w: %w", apperrors.ErrProviderFetch, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %w", apperrors.ErrProviderFetch, err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, backoff.Permanent(fmt.Errorf("%w: provider returned 401", apperrors.ErrUnauthorized))
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: %w: provider returned 429", apperrors.ErrProviderFetch, apperrors.ErrRateLimited)
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: provider returned %d", apperrors.ErrProviderFetch, resp.StatusCode)
		case resp.StatusCode >= 400:
			return nil, backoff.Permanent(fmt.Errorf("%w: %w: provider returned %d: %s",
				apperrors.ErrProviderFetch, apperrors.ErrBadRequest, resp.StatusCode, truncate(body, 256)))
		}

		page, err := decodeCallsPage(body)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return page, nil
	}

	notify := func(err error, d time.Duration) {
		logger.FromContext(ctx).Warn("Retrying provider page fetch", zap.Error(err), zap.Duration("after", d))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = c.cfg.MaxRetryElapsed
	return backoff.RetryNotifyWithData(operation, backoff.WithContext(b, ctx), notify)
}

func (c *Client) callsURL(locationID string, q PageQuery) (string, error) {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid provider base URL: %w", apperrors.ErrProviderFetch, err)
	}
	u := base.JoinPath("v1", "locations", locationID, "calls")

	params := url.Values{}
	if !q.Window.Start.IsZero() {
		params.Set("start_date", q.Window.Start.UTC().Format(time.RFC3339))
	}
	if !q.Window.End.IsZero() {
		params.Set("end_date", q.Window.End.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.UseOffset {
		params.Set("offset", strconv.Itoa(q.Offset))
	} else if q.PageToken != "" {
		params.Set("page_token", q.PageToken)
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
