package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-realtime/internal/auth"
)

// internalTokenHeader carries the shared secret of trusted CRUD services.
const internalTokenHeader = "X-Internal-Token"

// InternalTokenHeader is exported for clients and tests.
const InternalTokenHeader = internalTokenHeader

// Verifier resolves a bearer credential to an identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (auth.Identity, error)
}

// BearerAuth rejects requests without a valid Authorization: Bearer token and
// stores the verified user id for handlers, the rate limiter and the logger.
func BearerAuth(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := v.Verify(c.Request.Context(), auth.BearerToken(c.GetHeader("Authorization")))
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="realtime"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       auth.Reason(err),
				"message":    "authentication required",
			})
			return
		}
		c.Set(userIDKey, id.UserID)
		c.Next()
	}
}

// InternalToken guards service-to-service routes with a shared secret. An
// empty secret disables the routes entirely.
func InternalToken(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "internal_api_disabled",
				"message":    "internal API is not configured",
			})
			return
		}
		got := []byte(c.GetHeader(internalTokenHeader))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "unauthorized",
				"message":    "invalid internal token",
			})
			return
		}
		c.Next()
	}
}
