package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"go.pilab.hu/imagewatch/domain"
	apierrors "go.pilab.hu/imagewatch/errors"
	"go.pilab.hu/imagewatch/internal/auth"
	"go.pilab.hu/imagewatch/log"
)

// AuthTokenKey is the gin context key holding the request's bearer token.
const AuthTokenKey = "auth-token"

// Authorizer decides whether a request may proceed. *auth.Authenticator implements it.
type Authorizer interface {
	AuthorizeRequest(ctx context.Context, token *domain.Token, path string) (bool, error)
}

var _ Authorizer = (*auth.Authenticator)(nil)

// Authenticate gates every request through authorizer. Requests are rejected
// with 503 while the authorizer is unavailable and with 401 when denied.
func Authenticate(authorizer Authorizer, logger log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		token := auth.ExtractToken(c.Request.Header)

		allowed, err := authorizer.AuthorizeRequest(ctx, token, c.Request.URL.Path)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Warn(ctx, "authenticator unavailable", map[string]interface{}{"error": err.Error()})
			}
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, apierrors.NewUnavailable("authentication is unavailable"))
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusUnauthorized, apierrors.NewUnauthorized("missing or invalid token"))
			return
		}

		if token != nil {
			c.Set(AuthTokenKey, *token)
		}
		c.Next()
	}
}

// TokenFromContext returns the token stored by Authenticate, if any.
func TokenFromContext(c *gin.Context) (domain.Token, bool) {
	value, ok := c.Get(AuthTokenKey)
	if !ok {
		return "", false
	}
	token, ok := value.(domain.Token)
	return token, ok
}
