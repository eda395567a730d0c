package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/tenant"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// ErrorResponse is the body of every non-2xx response. Summary is set when a sync ran and failed.
type ErrorResponse struct {
	Error   string `json:"error"`
	Summary any    `json:"summary,omitempty"`
}

func abortWithError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: message})
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch {
	case apperrors.IsSyncInProgressError(err), apperrors.IsConflictError(err):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrAccountMissing), errors.Is(err, apperrors.ErrCredentialsMissing), apperrors.IsNotFoundError(err):
		return http.StatusNotFound
	case apperrors.IsBadRequestError(err), errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrRateLimited):
		return http.StatusTooManyRequests
	case apperrors.IsTimeoutError(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case apperrors.IsTokenRefreshError(err), errors.Is(err, apperrors.ErrProviderFetch), errors.Is(err, apperrors.ErrProviderSchema):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// requestContext attaches a request ID and a request-scoped logger to the request context.
func requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		ctx := tenant.WithRequestID(c.Request.Context(), requestID)
		ctx = logger.WithLogger(ctx, logger.Log.With(zap.String("component", "admin_api")))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// accessLog logs each request after it is handled.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log := logger.FromContext(c.Request.Context())
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error("Admin API request failed", fields...)
			return
		}
		log.Info("Admin API request", fields...)
	}
}
