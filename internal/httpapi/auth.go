package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/voice-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/voice-call-sync/internal/config"
	"gitlab.com/timkado/api/voice-call-sync/pkg/logger"
)

const claimsKey = "admin_claims"

// Claims are the admin bearer token claims.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies HS256 admin tokens.
type Authenticator struct {
	secret    []byte
	issuer    string
	adminRole string
	now       func() time.Time
}

// NewAuthenticator creates an authenticator. A secret is required.
func NewAuthenticator(cfg config.AuthConfig) (*Authenticator, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("auth.jwtSecret is required for the admin API")
	}
	role := cfg.AdminRole
	if role == "" {
		role = "admin"
	}
	return &Authenticator{
		secret:    []byte(cfg.JWTSecret),
		issuer:    cfg.JWTIssuer,
		adminRole: role,
		now:       time.Now,
	}, nil
}

// Issue signs a token for subject with role, valid for ttl.
func (a *Authenticator) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and requires the admin role.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrUnauthorized, err)
	}
	if claims.Role != a.adminRole {
		return nil, fmt.Errorf("%w: role %q is not allowed", apperrors.ErrUnauthorized, claims.Role)
	}
	return &claims, nil
}

// RequireAdmin rejects requests without a valid admin bearer token.
func RequireAdmin(auth *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			abortWithError(c, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := auth.Verify(strings.TrimSpace(token))
		if err != nil {
			logger.FromContext(c.Request.Context()).Warn("Rejected admin token", zap.Error(err))
			abortWithError(c, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// subjectOf returns the authenticated subject, used as the run's triggered_by.
func subjectOf(c *gin.Context) string {
	if v, ok := c.Get(claimsKey); ok {
		if claims, ok := v.(*Claims); ok && claims.Subject != "" {
			return "admin:" + claims.Subject
		}
	}
	return "admin"
}
