package tenant

import (
	"context"
	"errors"
)

// Key for tenant values in context
type contextKey string

const (
	accountIDKey contextKey = "accountID"
	requestIDKey contextKey = "requestID"
)

// ErrAccountIDNotFound is returned when the account ID is not found in context
var ErrAccountIDNotFound = errors.New("account ID not found in context")

// ErrNoRequestIDInContext is returned when no request ID is found in context
var ErrNoRequestIDInContext = errors.New("no request ID found in context")

// WithAccountID scopes the context to a single billed account.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

// FromContext extracts the account ID from the context
func FromContext(ctx context.Context) (string, error) {
	accountID, ok := ctx.Value(accountIDKey).(string)
	if !ok || accountID == "" {
		return "", ErrAccountIDNotFound
	}
	return accountID, nil
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FromRequestIDContext extracts the request ID from the context
func FromRequestIDContext(ctx context.Context) (string, error) {
	requestID, ok := ctx.Value(requestIDKey).(string)
	if !ok || requestID == "" {
		return "", ErrNoRequestIDInContext
	}
	return requestID, nil
}

// Matches reports whether the context is scoped to accountID.
func Matches(ctx context.Context, accountID string) error {
	current, err := FromContext(ctx)
	if err != nil {
		return err
	}
	if current != accountID {
		return ErrAccountMismatch
	}
	return nil
}

// ErrAccountMismatch is returned when a row's account does not match the context account.
var ErrAccountMismatch = errors.New("account ID does not match context")
