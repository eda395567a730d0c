package provider

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/model"
	"gitlab.com/timkado/api/voice-call-sync/internal/observer"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
)

// needsRefresh reports whether the access token expires within the refresh margin.
func (c *Client) needsRefresh(cred *model.ProviderCredential) bool {
	if cred == nil || cred.AccessToken == "" {
		return true
	}
	return cred.ExpiresAt.Sub(c.clock.Now()) < c.cfg.TokenRefreshMargin
}

// EnsureFreshToken refreshes the account token pair when it is close to expiry and persists the new pair.
// Refreshes for the same account are serialized; a refresh completed by another caller is reused.
func (c *Client) EnsureFreshToken(ctx context.Context, acct *Account) error {
	if acct.Credential == nil {
		return fmt.Errorf("%w: account %s", apperrors.ErrCredentialsMissing, acct.AccountID)
	}
	if !c.needsRefresh(acct.Credential) {
		return nil
	}
	return c.refresh(ctx, acct, false)
}

// forceRefresh refreshes regardless of the stored expiry, used after the provider rejected the token.
func (c *Client) forceRefresh(ctx context.Context, acct *Account) error {
	return c.refresh(ctx, acct, true)
}

func (c *Client) refresh(ctx context.Context, acct *Account, force bool) error {
	unlock := c.refreshMu.Lock(acct.AccountID)
	defer unlock()

	log := logger.FromContext(ctx).With(zap.String("account_id", acct.AccountID))

	latest, err := c.store.GetCredential(ctx, acct.AccountID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			return fmt.Errorf("%w: account %s", apperrors.ErrCredentialsMissing, acct.AccountID)
		}
		return fmt.Errorf("%w: reload credentials: %w", apperrors.ErrTokenRefresh, err)
	}

	// Someone refreshed while we waited on the mutex.
	if latest.Version != acct.Credential.Version && !c.needsRefresh(latest) {
		acct.Credential = latest
		log.Debug("Reusing token refreshed concurrently", zap.Int64("version", latest.Version))
		return nil
	}
	if !force && !c.needsRefresh(latest) {
		acct.Credential = latest
		return nil
	}

	if latest.RefreshToken == "" {
		err := fmt.Errorf("%w: account %s has no refresh token", apperrors.ErrTokenRefresh, acct.AccountID)
		observer.IncTokenRefresh(err)
		return err
	}

	token, err := c.exchange(ctx, latest.RefreshToken)
	observer.IncTokenRefresh(err)
	if err != nil {
		log.Error("Provider token refresh failed", zap.Error(err))
		return fmt.Errorf("%w: %w", apperrors.ErrTokenRefresh, err)
	}

	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = c.clock.Now().Add(defaultTokenLifetime)
	}

	updated, err := c.store.UpdateTokens(ctx, acct.AccountID, token.AccessToken, token.RefreshToken, expiresAt.UTC(), latest.Version)
	if err != nil {
		if apperrors.IsConflictError(err) {
			// Another replica persisted a pair first; its refresh token is now the valid one.
			winner, getErr := c.store.GetCredential(ctx, acct.AccountID)
			if getErr != nil {
				return fmt.Errorf("%w: reload after conflict: %w", apperrors.ErrTokenRefresh, getErr)
			}
			acct.Credential = winner
			return nil
		}
		return fmt.Errorf("%w: persist tokens: %w", apperrors.ErrTokenRefresh, err)
	}

	acct.Credential = updated
	log.Info("Provider token refreshed", zap.Time("expires_at", expiresAt), zap.Int64("version", updated.Version))
	return nil
}

// exchange performs the OAuth2 refresh-token grant.
func (c *Client) exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	expired := &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	}
	token, err := c.oauth.TokenSource(ctx, expired).Token()
	if err != nil {
		return nil, err
	}
	return token, nil
}
